package conn

import (
	"net"
	"time"

	"github.com/crfs/ncplib/errors"
	"github.com/crfs/ncplib/packet"
)

const minNegotiatedTimeout = 5
const maxNegotiatedTimeout = 60

// DialClient wraps an already-connected (and, if applicable, already
// tunneled/TLS-wrapped) net.Conn, drives the client side of the LINK
// handshake (spec.md §4.5's "Client initiate mirrors this"), arms the
// connection, and returns it in StateOpen. Grounded on
// original_source/ncplib/client.py's Client._handle_auth.
func DialClient(netConn net.Conn, opts Options) (*Connection, error) {
	c := newConnection(netConn, opts)

	if _, err := c.recvRawField("LINK", "HELO"); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	if err := c.sendRaw("LINK", []packet.Field{
		{Name: "CCRE", ID: c.nextID(), Params: []packet.Param{
			{Name: "CIW", Value: c.hostname},
			{Name: "LINK", Value: int32(opts.RequestedTimeout)},
		}},
	}); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	scar, err := c.recvRawField("LINK", "SCAR")
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	effective, err := negotiatedTimeout(scar)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	if err := c.sendRaw("LINK", []packet.Field{
		{Name: "CARE", ID: c.nextID(), Params: []packet.Param{
			{Name: "CAR", Value: c.hostname},
		}},
	}); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	if _, err := c.recvRawField("LINK", "SCON"); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	c.arm(time.Duration(effective) * time.Second)
	return c, nil
}

// negotiatedTimeout reads the LINK parameter off an SCAR field. A missing
// parameter is treated as legacy mode (0), matching the leniency of the
// rest of the handshake's "not validated beyond presence" parameters.
func negotiatedTimeout(f packet.Field) (int, error) {
	v, ok := f.Get("LINK")
	if !ok {
		return 0, nil
	}
	switch n := v.(type) {
	case int32:
		return int(n), nil
	case uint32:
		return int(n), nil
	default:
		return 0, errors.NewDecodeError("LINK SCAR: unexpected LINK parameter type %T", v)
	}
}

// recvRawField reads packets directly off the stream (bypassing the
// buffer/predicate, which aren't armed until arm() runs) until it finds
// one of the given type carrying a field of the given name, and returns
// that field.
func (c *Connection) recvRawField(packetType, fieldName string) (packet.Field, error) {
	p, warnings, err := c.reader.ReadPacket()
	if err != nil {
		return packet.Field{}, err
	}
	for _, w := range warnings {
		c.recordWarning(w)
	}
	if p.Type != packetType {
		return packet.Field{}, errors.NewDecodeError("handshake: expected packet type %s, got %s", packetType, p.Type)
	}
	for _, f := range p.Fields {
		if f.Name == fieldName {
			return f, nil
		}
	}
	return packet.Field{}, errors.NewDecodeError("handshake: %s packet missing %s field", packetType, fieldName)
}

func (c *Connection) sendRaw(packetType string, fields []packet.Field) error {
	return c.writer.WritePacket(packetType, c.nextID(), time.Now().UTC(), c.clientID, fields)
}
