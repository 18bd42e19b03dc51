package conn

import (
	"net"
	"time"

	"github.com/crfs/ncplib/errors"
	"github.com/crfs/ncplib/packet"
)

// AcceptServer wraps an accepted (and, if applicable, already
// tunneled/TLS-wrapped) net.Conn, drives the server side of the LINK
// handshake (spec.md §4.5, steps 1-7), arms the connection, and returns
// it in StateOpen. Grounded on original_source/ncplib/server.py's accept
// sequence.
func AcceptServer(netConn net.Conn, opts Options) (*Connection, error) {
	c := newConnection(netConn, opts)

	if err := c.sendRaw("LINK", []packet.Field{
		{Name: "HELO", ID: c.nextID(), Params: nil},
	}); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	ccre, err := c.recvRawField("LINK", "CCRE")
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	if hostname, ok := ccre.Get("CIW"); ok {
		if s, ok := hostname.(string); ok {
			c.setRemoteHostname(s)
		}
	}
	requested, err := negotiatedTimeout(ccre)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	effective, clamped := clampTimeout(requested)
	if clamped {
		c.logger.WithField("warning", (&errors.NCPWarning{
			Message: "client requested keep-alive timeout outside [5,60], clamped",
		}).Error()).Warn("handshake")
	}

	if err := c.sendRaw("LINK", []packet.Field{
		{Name: "SCAR", ID: c.nextID(), Params: []packet.Param{
			{Name: "LINK", Value: int32(effective)},
		}},
	}); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	if _, err := c.recvRawField("LINK", "CARE"); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	if err := c.sendRaw("LINK", []packet.Field{
		{Name: "SCON", ID: c.nextID(), Params: nil},
	}); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	c.arm(time.Duration(effective) * time.Second)
	return c, nil
}

// clampTimeout implements spec.md §4.4.3's negotiated-mode range: 0 means
// legacy and passes through unchanged, anything else clamps to [5, 60].
func clampTimeout(requested int) (effective int, clamped bool) {
	if requested == 0 {
		return 0, false
	}
	if requested < minNegotiatedTimeout {
		return minNegotiatedTimeout, true
	}
	if requested > maxNegotiatedTimeout {
		return maxNegotiatedTimeout, true
	}
	return requested, false
}
