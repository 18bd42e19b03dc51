package conn

import (
	"context"
	"time"

	"github.com/crfs/ncplib/errors"
	"github.com/crfs/ncplib/packet"
)

// ReceivedField is a Field delivered through Recv/RecvField/Response.Recv,
// carrying enough context to reply in place. Supplemented from
// original_source/ncplib/connection.py's Message type.
type ReceivedField struct {
	packet.Field
	PacketType string

	conn *Connection
}

// Send replies to this field, reusing its own name and id (not a freshly
// generated one) so the peer can correlate the reply — mirroring
// original_source/ncplib/connection.py's Message.send, which builds
// Field(self.field.name, self.field.id, params).
func (f ReceivedField) Send(params []packet.Param) (*Response, error) {
	return f.conn.sendFields(f.PacketType, []packet.Field{
		{Name: f.Field.Name, ID: f.Field.ID, Params: params},
	})
}

// decodeLoop is the Connection's single reader goroutine: it owns the
// only net.Conn read cursor, decodes whole packets, and appends their
// fields to the shared FIFO for recvMatching to draw from. Exiting
// (always with a non-nil error, even on a graceful close) records the
// terminal error and wakes every blocked waiter.
//
// In negotiated mode, each read is bounded by the negotiated timeout
// (spec.md §4.4.3's "use that value as the receive timeout for
// subsequent operations"): silence longer than that surfaces as
// *errors.NetworkTimeoutError, since the peer's own keep-alive scheduler
// guarantees traffic at least every ⌊timeout×0.66⌋ seconds.
func (c *Connection) decodeLoop() error {
	for {
		if c.timeout > 0 {
			_ = c.netConn.SetReadDeadline(time.Now().Add(c.timeout))
		}
		p, warnings, err := c.reader.ReadPacket()
		if err != nil {
			c.recordCloseErr(err)
			return err
		}
		for _, w := range warnings {
			c.recordWarning(w)
		}
		c.metrics.PacketDecoded()

		c.mu.Lock()
		for _, f := range p.Fields {
			c.buffer = append(c.buffer, bufferedField{packetType: p.Type, field: f})
		}
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// recordCloseErr records decodeLoop's terminal error as the connection's
// closeErr (first one wins) and, the first time only, records the
// lifecycle metrics for it: a *errors.DecodeError also increments the
// dedicated decode-error counter, and every terminal error increments
// ConnectionClosed with a reason describing it — covering connections
// that close this way (peer silence, a malformed frame, a read timeout)
// without ever going through an explicit Close() call.
func (c *Connection) recordCloseErr(err error) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	if c.state == StateOpen || c.state == StateHandshake {
		c.state = StateErrorClose
	}
	recordMetric := !c.closedMetricRecorded
	c.closedMetricRecorded = true
	// Recorded before Broadcast/Unlock so a Recv/WaitClosed caller waking
	// up from the broadcast is guaranteed to observe these counters
	// already updated, not racing the metrics calls below.
	if recordMetric {
		if _, ok := err.(*errors.DecodeError); ok {
			c.metrics.DecodeError()
		}
		c.metrics.ConnectionClosed(c.side.String(), closeReason(err))
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// closeReason labels decodeLoop's terminal error for the ConnectionClosed
// metric's reason label.
func closeReason(err error) string {
	switch err.(type) {
	case *errors.NetworkTimeoutError:
		return "timeout"
	case *errors.DecodeError:
		return "decode_error"
	case *errors.AuthenticationError:
		return "auth_error"
	case *errors.ConnectionClosed:
		return "peer_closed"
	case *errors.NetworkError:
		return "network_error"
	default:
		return "error"
	}
}

func (c *Connection) recordWarning(w packet.Warning) {
	switch w.Kind {
	case errors.WarningUnknownType:
		c.metrics.DecodeWarning("unknown_type")
	case errors.WarningEmbeddedFooter:
		c.metrics.DecodeWarning("embedded_footer")
	}
	c.logger.WithField("warning", w.Error()).Warn("decode warning")
}

// selector decides whether a buffered field belongs to a given consumer
// (Recv, RecvField, or a Response's expected-field set).
type selector func(packetType string, f packet.Field) bool

func anySelector(string, packet.Field) bool { return true }

func fieldNameSelector(packetType, fieldName string) selector {
	return func(pt string, f packet.Field) bool {
		return pt == packetType && f.Name == fieldName
	}
}

// recvMatching implements spec.md §4.4.2: scan the FIFO from the front
// for the first field the selector accepts, remove it (a field is never
// delivered to more than one consumer), apply the connection's predicate,
// and either return the field, drop it and keep scanning, or surface a
// CommandError to this caller alone.
func (c *Connection) recvMatching(ctx context.Context, sel selector) (ReceivedField, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		for i := 0; i < len(c.buffer); i++ {
			bf := c.buffer[i]
			if !sel(bf.packetType, bf.field) {
				continue
			}
			c.buffer = append(c.buffer[:i], c.buffer[i+1:]...)

			field, drop, err := c.applyPredicate(bf.packetType, bf.field)
			if err != nil {
				return ReceivedField{}, err
			}
			if drop {
				i = -1 // buffer mutated; rescan from the top
				continue
			}
			return ReceivedField{Field: field, PacketType: bf.packetType, conn: c}, nil
		}

		if c.closeErr != nil {
			return ReceivedField{}, c.closeErr
		}
		if !c.waitLocked(ctx) {
			return ReceivedField{}, ctx.Err()
		}
	}
}

// waitLocked blocks on c.cond (released while waiting, re-acquired on
// return) until a new field arrives, the connection closes, or ctx is
// done. Returns false only for ctx cancellation.
func (c *Connection) waitLocked(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		return false
	}
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-stop:
		}
		close(done)
	}()
	c.cond.Wait()
	close(stop)
	<-done
	return ctx.Err() == nil
}

// applyPredicate implements spec.md §4.4.1: a field carrying ERRO/ERRC
// under auto_erro becomes a CommandError delivered to the caller that was
// waiting for it; a field carrying WARN/WARC under auto_warn is logged as
// a CommandWarning and dropped only when its own name is WARN; a field
// carrying ACKN under auto_ackn is dropped silently.
func (c *Connection) applyPredicate(packetType string, f packet.Field) (packet.Field, bool, error) {
	p := c.predicate

	if p.AutoErro {
		erro, hasErro := f.Get("ERRO")
		errc, hasErrc := f.Get("ERRC")
		if hasErro || hasErrc {
			c.metrics.CommandError()
			return packet.Field{}, false, &errors.CommandError{
				PacketType: packetType,
				FieldName:  f.Name,
				FieldID:    f.ID,
				Detail:     stringParam(erro),
				Code:       intParam(errc),
			}
		}
	}

	if p.AutoWarn {
		warn, hasWarn := f.Get("WARN")
		warc, hasWarc := f.Get("WARC")
		if hasWarn || hasWarc {
			c.metrics.CommandWarning()
			cw := &errors.CommandWarning{
				PacketType: packetType,
				FieldName:  f.Name,
				FieldID:    f.ID,
				Detail:     stringParam(warn),
				Code:       intParam(warc),
			}
			c.logger.WithField("warning", cw.Error()).Warn("command warning")
			if f.Name == "WARN" {
				return packet.Field{}, true, nil
			}
		}
	}

	if p.AutoAckn {
		if _, hasAckn := f.Get("ACKN"); hasAckn {
			return packet.Field{}, true, nil
		}
	}

	return f, false, nil
}

func stringParam(v any) string {
	s, _ := v.(string)
	return s
}

func intParam(v any) int {
	switch n := v.(type) {
	case int32:
		return int(n)
	case uint32:
		return int(n)
	default:
		return 0
	}
}
