package conn

import (
	"context"

	"github.com/crfs/ncplib/packet"
)

// Response is returned by Send/SendPacket: a handle bound to the
// expected-field set of the fields just sent (spec.md §3, §4.4). It does
// not own a private queue — Recv/RecvField draw from the same connection
// FIFO every other consumer does, filtered down to this response's set.
type Response struct {
	conn       *Connection
	packetType string
	expected   map[fieldKey]struct{}
}

// Recv returns the next field in the response's expected-field set,
// draining fields not in that set back into the shared buffer for other
// consumers (spec.md §4.4.2).
func (r *Response) Recv(ctx context.Context) (ReceivedField, error) {
	return r.conn.recvMatching(ctx, func(packetType string, f packet.Field) bool {
		if packetType != r.packetType {
			return false
		}
		_, ok := r.expected[fieldKey{f.Name, f.ID}]
		return ok
	})
}

// RecvField is Recv further filtered to a specific field name.
func (r *Response) RecvField(ctx context.Context, fieldName string) (ReceivedField, error) {
	return r.conn.recvMatching(ctx, func(packetType string, f packet.Field) bool {
		if packetType != r.packetType || f.Name != fieldName {
			return false
		}
		_, ok := r.expected[fieldKey{f.Name, f.ID}]
		return ok
	})
}
