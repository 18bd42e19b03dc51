package conn

import (
	"context"
	"time"

	"github.com/crfs/ncplib/packet"
)

// FieldSpec is a field to send: a name and its ordered parameter list.
// IDs are assigned by SendPacket/Send, not by the caller — see
// ReceivedField.Send for the one case (replying in place) where the
// original field's id is reused instead.
type FieldSpec struct {
	Name   string
	Params []packet.Param
}

// Send emits a single-field packet and returns a Response bound to
// (packetType, {(fieldName, id)}) — spec.md §4.4's send().
func (c *Connection) Send(packetType, fieldName string, params []packet.Param) (*Response, error) {
	return c.SendPacket(packetType, []FieldSpec{{Name: fieldName, Params: params}})
}

// SendPacket emits every field in one packet and returns a Response bound
// to the full expected-field set — spec.md §4.4's send_packet(). Field
// ids are generated under writeMu, the same lock that serializes the
// write itself, so concurrent senders (spec.md §5: "one receiver loop,
// many senders") never race on idGen or interleave two packets' bytes.
func (c *Connection) SendPacket(packetType string, fields []FieldSpec) (*Response, error) {
	if err := c.checkSendable(); err != nil {
		return nil, err
	}

	pf := make([]packet.Field, len(fields))

	c.writeMu.Lock()
	for i, fs := range fields {
		pf[i] = packet.Field{Name: fs.Name, ID: c.nextID(), Params: fs.Params}
	}
	err := c.writer.WritePacket(packetType, c.nextID(), time.Now().UTC(), c.clientID, pf)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	return c.finishSend(packetType, pf), nil
}

// sendFields writes pf, whose field ids are already fixed (a reply in
// place reusing the peer's original id — see ReceivedField.Send), as one
// packet. Only the packet id itself is generated here, still under
// writeMu alongside the write.
func (c *Connection) sendFields(packetType string, pf []packet.Field) (*Response, error) {
	if err := c.checkSendable(); err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	err := c.writer.WritePacket(packetType, c.nextID(), time.Now().UTC(), c.clientID, pf)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	return c.finishSend(packetType, pf), nil
}

// finishSend builds the Response bound to pf's expected-field set and
// records the post-write bookkeeping (metrics, logging, keep-alive reset)
// common to both send paths.
func (c *Connection) finishSend(packetType string, pf []packet.Field) *Response {
	expected := make(map[fieldKey]struct{}, len(pf))
	for _, f := range pf {
		expected[fieldKey{f.Name, f.ID}] = struct{}{}
	}
	c.metrics.PacketEncoded()
	c.logger.WithField("packet_type", packetType).Debug("sent packet")
	c.notifyKeepAliveReset()

	return &Response{conn: c, packetType: packetType, expected: expected}
}

// Recv returns the next field that passes the connection's filter
// predicate — spec.md §4.4's recv().
func (c *Connection) Recv(ctx context.Context) (ReceivedField, error) {
	return c.recvMatching(ctx, anySelector)
}

// RecvField repeatedly draws from the connection until a field matching
// (packetType, fieldName) arrives — spec.md §4.4's recv_field().
func (c *Connection) RecvField(ctx context.Context, packetType, fieldName string) (ReceivedField, error) {
	return c.recvMatching(ctx, fieldNameSelector(packetType, fieldName))
}
