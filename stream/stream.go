// Package stream implements the framed reader/writer (C3): it drives
// packet.DecodeHeader/Continue with exactly two reads per packet off a
// net.Conn, and translates raw I/O failures into the shared errors (C7)
// taxonomy instead of leaking *net.OpError / io.EOF to callers.
//
// Grounded on protocol/protocol.go's Decode, which reads a fixed header
// then io.ReadFull's the declared body length; generalized here to the
// two-phase Header/Continue split packet.DecodeHeader exposes, and to
// NCP's richer error taxonomy (a plain io.EOF at a packet boundary is a
// graceful close, not a failure; header malformation is a DecodeError,
// not a generic error).
package stream

import (
	"io"
	"net"
	"time"

	"github.com/crfs/ncplib/errors"
	"github.com/crfs/ncplib/packet"
)

// Reader reads whole packets off a net.Conn, one at a time.
type Reader struct {
	conn net.Conn
	buf  [32]byte // header scratch space, reused across ReadPacket calls
}

func NewReader(conn net.Conn) *Reader {
	return &Reader{conn: conn}
}

// ReadPacket blocks until a full packet has arrived, or returns a
// translated error: *errors.ConnectionClosed on a clean EOF at a packet
// boundary, *errors.NetworkTimeoutError on a deadline expiry, otherwise
// *errors.NetworkError or *errors.DecodeError.
func (r *Reader) ReadPacket() (*packet.Packet, []packet.Warning, error) {
	if _, err := io.ReadFull(r.conn, r.buf[:]); err != nil {
		return nil, nil, translateReadErr("reading packet header", err, true)
	}
	h, err := packet.DecodeHeader(r.buf[:])
	if err != nil {
		return nil, nil, err
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r.conn, body); err != nil {
		return nil, nil, translateReadErr("reading packet body", err, false)
	}
	return h.Continue(body)
}

// translateReadErr classifies a read failure. atBoundary is true only for
// the header read, where a clean io.EOF (zero bytes read) means the peer
// closed gracefully between packets. Any other end-of-stream — a partial
// header (io.ReadFull reports io.ErrUnexpectedEOF once it has read at
// least one byte) or a short body read, however it arrived mid-packet —
// is a malformed frame, not a graceful close: spec.md §4.3, "End-of-stream
// mid-packet becomes DecodeError".
func translateReadErr(op string, err error, atBoundary bool) error {
	if atBoundary && err == io.EOF {
		return &errors.ConnectionClosed{}
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.NewDecodeError("%s: unexpected end of stream mid-packet", op)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &errors.NetworkTimeoutError{Op: op}
	}
	return &errors.NetworkError{Op: op, Err: err}
}

// Writer serializes and writes whole packets to a net.Conn. It does not
// buffer or coalesce: each WritePacket call issues exactly one Write of
// the fully encoded frame, since NCP packets are typically small and
// Nagle-friendly coalescing is the kernel's job, not this package's
// (mirrors transport/client_transport.go's single Encode-then-Write call
// under its write mutex; callers needing that same serialization own the
// mutex themselves — see conn.Connection).
type Writer struct {
	conn net.Conn
}

func NewWriter(conn net.Conn) *Writer {
	return &Writer{conn: conn}
}

func (w *Writer) WritePacket(packetType string, id uint32, timestamp time.Time, info [4]byte, fields []packet.Field) error {
	buf, err := packet.Encode(packetType, id, timestamp, info, fields)
	if err != nil {
		return err
	}
	if _, err := w.conn.Write(buf); err != nil {
		return translateReadErr("writing packet", err, false)
	}
	return nil
}
