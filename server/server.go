// Package server implements the NCP accept loop: listen, rate-limit
// accepts, run the tunnel/TLS/LINK-handshake sequence per connection, and
// hand the open *conn.Connection to the configured Handler — closing it
// when the handler returns, or translating its error into a best-effort
// LINK ERRO first (spec.md §6).
//
// Accept/connection pipeline:
//
//	Serve() → accept loop (rate-limited) → go handleConn
//	  handleConn: tunnel.Accept → conn.AcceptServer (LINK handshake) →
//	    Handler(connection) → close
//
// Grounded on server/server.go's accept-loop-plus-per-connection-goroutine
// shape in the teacher repo; the etcd registration, middleware chain, and
// reflection-based service dispatch it also does have no analogue here
// (NCP exposes one Handler per accepted connection, not a method-dispatch
// RPC surface) and are not carried over.
package server

import (
	"context"
	goerrors "errors"
	"net"
	"sync"
	"sync/atomic"

	validatorpkg "github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/crfs/ncplib/conn"
	ncperrors "github.com/crfs/ncplib/errors"
	"github.com/crfs/ncplib/metrics"
	"github.com/crfs/ncplib/packet"
	"github.com/crfs/ncplib/tunnel"
)

var validate = validatorpkg.New()

// Handler is invoked once per fully-handshaken connection; a typical
// Handler loops, drawing fields with c.Recv and replying, until it
// decides it's done or hits an unrecoverable error. It returns when
// done; the server then closes the connection. A returned *FieldError
// that carries a Field replies on that field alone via ERRO/ERRC and the
// server invokes Handler again — the connection itself isn't torn down
// (supplemented from original_source/ncplib/app.py's BadRequest, "one
// level more granular than" a whole-connection error). A *FieldError
// with no Field (the failure happened before any field was read) and
// every other error type are reported as a connection-wide LINK ERRO
// (spec.md §6) before closing.
type Handler func(ctx context.Context, c *conn.Connection) error

// FieldError reports a request-local failure for a single field instead
// of a whole-connection error. Supplemented from original_source/
// ncplib/app.py's BadRequest. Field is the originating field to reply on;
// leave it nil to degrade to a connection-wide error.
type FieldError struct {
	Field  *conn.ReceivedField
	Detail string
	Code   int
}

func (e *FieldError) Error() string { return e.Detail }

// AcceptOptions configures the server's listener and accept behavior.
type AcceptOptions struct {
	Network string `validate:"required"`
	Address string `validate:"required"`

	// MaxAcceptsPerSecond throttles the accept loop via a token bucket
	// (golang.org/x/time/rate), the same shape as the teacher's
	// middleware/rate_limit_middleware.go, moved from per-call RPC
	// throttling to per-accept connection throttling. 0 disables
	// throttling.
	MaxAcceptsPerSecond float64
	AcceptBurst         int

	Tunnel tunnel.AcceptOptions

	Predicate conn.Predicate // server-side default is the zero value: accept all fields.

	Logger  *logrus.Logger
	Metrics *metrics.Metrics

	Handler Handler `validate:"required"`
}

// Server listens and dispatches accepted connections to a Handler.
type Server struct {
	opts     AcceptOptions
	listener net.Listener
	limiter  *rate.Limiter

	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// New validates opts and constructs a Server; call Serve to start
// accepting.
func New(opts AcceptOptions) (*Server, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, err
	}
	s := &Server{opts: opts}
	if opts.MaxAcceptsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.MaxAcceptsPerSecond), opts.AcceptBurst)
	}
	return s, nil
}

// Serve listens on opts.Network/opts.Address and runs the accept loop
// until Close is called or the listener errors. Each accepted connection
// is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen(s.opts.Network, s.opts.Address)
	if err != nil {
		return err
	}
	s.listener = ln

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		raw, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, raw)
		}()
	}
}

// Close stops the accept loop and waits for in-flight connections'
// handlers to return.
func (s *Server) Close() error {
	s.shutdown.Store(true)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

// handleConn runs the tunnel/TLS/handshake sequence, then invokes the
// configured Handler in a loop: a field-scoped *FieldError replies in
// place and calls Handler again, while any other error translates to a
// best-effort LINK ERRO and closes the connection, per spec.md §6/§7.
func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	netConn, err := tunnel.Accept(raw, s.opts.Tunnel)
	if err != nil {
		_ = raw.Close()
		return
	}

	c, err := conn.AcceptServer(netConn, conn.Options{
		Side:      conn.SideServer,
		Predicate: s.opts.Predicate,
		Logger:    s.opts.Logger,
		Metrics:   s.opts.Metrics,
	})
	if err != nil {
		_ = netConn.Close()
		return
	}
	defer c.Close()

	for {
		err = s.runHandler(ctx, c)
		if err == nil {
			return
		}

		var fieldErr *FieldError
		if goerrors.As(err, &fieldErr) && fieldErr.Field != nil {
			// Reply on the originating field alone and give the handler
			// another turn — the connection survives a request-local
			// failure (SPEC_FULL.md's graceful-degradation rule).
			_, _ = fieldErr.Field.Send([]packet.Param{
				{Name: "ERRO", Value: fieldErr.Detail},
				{Name: "ERRC", Value: int32(fieldErr.Code)},
			})
			continue
		}

		var decodeErr *ncperrors.DecodeError
		switch {
		case fieldErr != nil:
			// No originating field to reply on (the handler failed before
			// receiving anything): degrades to a connection-wide error.
			sendConnectionError(c, fieldErr.Detail, fieldErr.Code)
		case goerrors.As(err, &decodeErr):
			sendConnectionError(c, "Bad request", 400)
		default:
			sendConnectionError(c, "Server error", 500)
		}
		return
	}
}

// runHandler invokes the Handler, recovering a panic into an error so the
// per-connection goroutine always reaches the error-translation step
// exactly once (spec.md §7: "caught exactly once at the top of the
// per-connection task").
func (s *Server) runHandler(ctx context.Context, c *conn.Connection) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if s.opts.Logger != nil {
				s.opts.Logger.WithField("panic", r).Error("handler panicked")
			}
			err = &FieldError{Detail: "Server error", Code: 500}
		}
	}()
	return s.opts.Handler(ctx, c)
}

func sendConnectionError(c *conn.Connection, detail string, code int) {
	_, _ = c.Send("LINK", "ERRO", []packet.Param{
		{Name: "ERRO", Value: detail},
		{Name: "ERRC", Value: int32(code)},
	})
}
