package conn

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/crfs/ncplib/packet"
)

// keepAlivePacketID is the fixed id (never drawn from the ordinary
// counter) carried by every keep-alive packet, per spec.md §4.4.3.
const keepAlivePacketID uint32 = 1

// legacyKeepAliveInterval is the fixed send interval used when the peer
// does not understand timeout negotiation (LINK=0 on SCAR, spec.md
// §4.4.3's "Legacy mode").
const legacyKeepAliveInterval = 3 * time.Second

// buildKeepAliveTemplate precomputes the constant portion of the
// keep-alive packet (type LINK, id 1, one zero-parameter field named
// LINK, no checksum) so each send only needs to splice in the current
// timestamp — the optimization spec.md §4.9's "keep-alive template" open
// question calls out explicitly.
func buildKeepAliveTemplate(clientID [4]byte) []byte {
	buf, err := packet.Encode("LINK", keepAlivePacketID, time.Unix(0, 0), clientID, []packet.Field{
		{Name: "LINK", ID: keepAlivePacketID, Params: nil},
	})
	if err != nil {
		// Encode only fails on an identifier that is not 1-4 bytes long or
		// a value-encoding error, neither of which is possible for this
		// fixed literal.
		panic("ncp: keep-alive template failed to encode: " + err.Error())
	}
	return buf
}

// spliceTimestamp returns a copy of the template with the header's
// seconds field overwritten with now, leaving the nanosecond field at
// the zero the template already carries.
func spliceTimestamp(template []byte, now time.Time) []byte {
	out := make([]byte, len(template))
	copy(out, template)
	binary.LittleEndian.PutUint32(out[20:24], uint32(now.Unix()))
	return out
}

// effectiveInterval returns the keep-alive send interval for the
// connection's negotiated (or legacy) timeout, per spec.md §4.4.3:
// ⌊timeout×0.66⌋ whole seconds (e.g. a 60s timeout floors to 39s, §8
// scenario 3), not a fractional-second duration.
func (c *Connection) effectiveInterval() time.Duration {
	if c.timeout == 0 {
		return legacyKeepAliveInterval
	}
	return time.Duration(int64(c.timeout.Seconds()*0.66)) * time.Second
}

// notifyKeepAliveReset tells keepAliveLoop that an outbound packet was
// just sent, postponing the next scheduled keep-alive (spec.md §4.4.3:
// "piggybacking counts as keep-alive"). Non-blocking: a pending,
// not-yet-consumed reset is as good as two.
func (c *Connection) notifyKeepAliveReset() {
	select {
	case c.resetKA <- struct{}{}:
	default:
	}
}

// keepAliveLoop sends the precomputed template at effectiveInterval(),
// restarting the timer whenever outbound traffic (an application send or
// a keep-alive of its own) occurs, until ctx is cancelled by Close.
func (c *Connection) keepAliveLoop(ctx context.Context) error {
	interval := c.effectiveInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.resetKA:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
		case <-timer.C:
			if err := c.sendKeepAlive(); err != nil {
				return err
			}
			timer.Reset(interval)
		}
	}
}

func (c *Connection) sendKeepAlive() error {
	buf := spliceTimestamp(c.keepTmpl, time.Now().UTC())

	c.writeMu.Lock()
	_, err := c.netConn.Write(buf)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}
	c.metrics.PacketEncoded()
	c.metrics.KeepaliveSent(c.keepAliveModeLabel())
	return nil
}

func (c *Connection) keepAliveModeLabel() string {
	if c.timeout == 0 {
		return "legacy"
	}
	return "negotiated"
}
