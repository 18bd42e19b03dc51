// Package conn implements the connection core (C4): the field buffer,
// send/recv API, response objects, keep-alive scheduler, predicate
// filtering, and the open/closing/closed lifecycle (spec.md §4.4). The
// LINK handshake (C5) lives alongside it in handshake_client.go and
// handshake_server.go, since it needs direct access to a Connection's
// unexported fields before the predicate and keep-alive are armed — the
// same relationship original_source/ncplib/client.go's _handle_auth and
// ncplib/server.py's _handle_auth have to their connection object.
//
// Grounded on transport/client_transport.go's single-TCP-connection,
// background-recv-loop shape, generalized from its per-request-id
// sync.Map demux (wrong model here — see dispatch.go) to the FIFO +
// per-response-predicate model spec.md §4.9 requires.
package conn

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/crfs/ncplib/errors"
	"github.com/crfs/ncplib/metrics"
	"github.com/crfs/ncplib/packet"
	"github.com/crfs/ncplib/stream"
)

// Side distinguishes a client-initiated from a server-accepted connection,
// used for the server-side predicate ("accepts all fields", spec.md
// §4.4.1) and for metrics/log labels.
type Side int

const (
	SideClient Side = iota
	SideServer
)

func (s Side) String() string {
	if s == SideServer {
		return "server"
	}
	return "client"
}

// State is the connection lifecycle state (spec.md §4.4.5).
type State int

const (
	StateInitial State = iota
	StateHandshake
	StateOpen
	StateClosing
	StateErrorClose
	StateClosed
)

// Predicate selects which of the three client-side auto-filter policies
// are active (spec.md §4.4.1). The server-side predicate is the zero
// value: it accepts every field.
type Predicate struct {
	AutoErro bool
	AutoWarn bool
	AutoAckn bool
}

// DefaultPredicate is the client-side default: all three policies on.
var DefaultPredicate = Predicate{AutoErro: true, AutoWarn: true, AutoAckn: true}

// Options configures a Connection. Handshake-derived fields (EffectiveTimeout)
// are filled in by the handshake, not the caller.
type Options struct {
	Side      Side
	Predicate Predicate

	// ClientID is the 4-byte info tag stamped on outbound packets (the low
	// 4 bytes of the host MAC address on the client side, per spec.md §3;
	// the server's may be zero).
	ClientID [4]byte

	// Hostname is this side's identity, sent as CIW (client) or implied by
	// the accept (server). RemoteHostname is the peer's, for display.
	Hostname string

	// RequestedTimeout is the client's requested keep-alive timeout in
	// seconds (0 requests legacy mode). Ignored on the server side, which
	// always clamps whatever the client asked for.
	RequestedTimeout int

	Logger  *logrus.Logger
	Metrics *metrics.Metrics
}

// fieldKey identifies a field within a packet type by name and id — the
// unit spec.md §4.4.2 calls "the expected-field set".
type fieldKey struct {
	name string
	id   uint32
}

type bufferedField struct {
	packetType string
	field      packet.Field
}

// Connection is the full-duplex NCP conversation over one TCP (or
// tunneled/TLS-wrapped) stream.
type Connection struct {
	netConn net.Conn
	reader  *stream.Reader
	writer  *stream.Writer
	writeMu sync.Mutex

	side      Side
	predicate Predicate
	clientID  [4]byte
	hostname  string

	remoteHostnameMu sync.Mutex
	remoteHostname   string

	idGen uint32 // protected by writeMu

	mu                   sync.Mutex
	cond                 *sync.Cond
	buffer               []bufferedField
	closeErr             error
	state                State
	closedMetricRecorded bool // guards ConnectionClosed against double-counting between recordCloseErr and Close

	timeout  time.Duration // 0 = legacy mode (fixed 3s keep-alive, no recv deadline)
	resetKA  chan struct{}
	keepTmpl []byte // precomputed LINK keep-alive template, timestamp spliced in per send

	group      *errgroup.Group
	groupCtx   context.Context
	cancelFunc context.CancelFunc

	logger  *logrus.Entry
	metrics *metrics.Metrics

	id uuid.UUID
}

// newConnection wraps netConn, leaving the connection in StateHandshake.
// The handshake functions drive raw packet I/O directly (bypassing the
// predicate and buffer, which aren't armed yet); arm() transitions to
// StateOpen and starts the background goroutines.
func newConnection(netConn net.Conn, opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	id := uuid.New()
	c := &Connection{
		netConn:   netConn,
		reader:    stream.NewReader(netConn),
		writer:    stream.NewWriter(netConn),
		side:      opts.Side,
		predicate: opts.Predicate,
		clientID:  opts.ClientID,
		hostname:  opts.Hostname,
		state:     StateHandshake,
		resetKA:   make(chan struct{}, 1),
		metrics:   opts.Metrics,
		id:        id,
		logger: logger.WithFields(logrus.Fields{
			"conn_id":     id.String(),
			"remote_addr": netConn.RemoteAddr().String(),
			"side":        opts.Side.String(),
		}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// arm finishes construction once the handshake has negotiated a timeout:
// it builds the keep-alive template, starts the supervised decode and
// keep-alive goroutines, and transitions to StateOpen.
func (c *Connection) arm(effectiveTimeout time.Duration) {
	c.timeout = effectiveTimeout
	c.keepTmpl = buildKeepAliveTemplate(c.clientID)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	c.groupCtx = gctx
	c.cancelFunc = cancel
	c.group = g

	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()

	c.metrics.ConnectionOpened(c.side.String())

	g.Go(func() error { return c.decodeLoop() })
	g.Go(func() error { return c.keepAliveLoop(gctx) })
}

// RemoteHostname returns the peer's identifying hostname for display,
// distinct from Hostname (the identity this side sent in CCRE/accepted).
// Supplemented from original_source/ncplib/connection.py's
// ConnectionLoggerAdapter, which carries the same display-only label.
func (c *Connection) RemoteHostname() string {
	c.remoteHostnameMu.Lock()
	defer c.remoteHostnameMu.Unlock()
	return c.remoteHostname
}

func (c *Connection) setRemoteHostname(h string) {
	c.remoteHostnameMu.Lock()
	c.remoteHostname = h
	c.remoteHostnameMu.Unlock()
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EffectiveTimeout returns the receive timeout and keep-alive basis
// negotiated during the handshake (0 in legacy mode).
func (c *Connection) EffectiveTimeout() time.Duration {
	return c.timeout
}

// nextID returns the next value from the monotonic, wrap-around id
// counter shared between packets and fields (spec.md §4.4.4), skipping 0
// after wrap.
func (c *Connection) nextID() uint32 {
	c.idGen++
	if c.idGen == 0 {
		c.idGen = 1
	}
	return c.idGen
}

// Close transitions the connection to Closing, cancels the keep-alive
// scheduler, closes the socket (unblocking the decode loop's pending
// read), and waits for both background goroutines to exit. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	err := c.netConn.Close()
	if c.group != nil {
		_ = c.group.Wait()
	}

	c.mu.Lock()
	c.state = StateClosed
	recordClosed := !c.closedMetricRecorded
	c.closedMetricRecorded = true
	c.cond.Broadcast()
	c.mu.Unlock()

	// If the decode loop already recorded a close reason from its own
	// terminal error (recordCloseErr, in dispatch.go), don't double-count
	// — that happens whenever closing the socket here unblocks a pending
	// read with an error of its own.
	if recordClosed {
		c.metrics.ConnectionClosed(c.side.String(), "closed")
	}
	c.logger.Info("closed")
	return err
}

// WaitClosed blocks until the connection's background goroutines have
// exited, i.e. until the peer closed gracefully or a stream-fatal error
// occurred — without itself requesting a close.
func (c *Connection) WaitClosed() error {
	if c.group == nil {
		return nil
	}
	err := c.group.Wait()
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateClosed
	}
	c.mu.Unlock()
	return err
}

// checkSendable returns an error if the connection is not in a state
// that accepts new sends (spec.md §4.4.5: "Closing blocks new sends").
func (c *Connection) checkSendable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateOpen, StateHandshake:
		return nil
	default:
		return &errors.ConnectionClosed{}
	}
}
