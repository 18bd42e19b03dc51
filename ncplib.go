// Package ncplib re-exports the public surface of the connection,
// client, server, tunnel, and error packages, mirroring
// original_source/ncplib/__init__.py's wildcard re-export of client,
// connection, errors, and server — a single import for callers who don't
// need the package split the implementation itself uses.
package ncplib

import (
	"context"

	"github.com/crfs/ncplib/client"
	"github.com/crfs/ncplib/conn"
	"github.com/crfs/ncplib/errors"
	"github.com/crfs/ncplib/packet"
	"github.com/crfs/ncplib/server"
	"github.com/crfs/ncplib/tunnel"
)

type (
	Connection = conn.Connection
	Response   = conn.Response
	Field      = packet.Field
	Param      = packet.Param
	Predicate  = conn.Predicate

	ConnectOptions = client.ConnectOptions
	AcceptOptions  = server.AcceptOptions
	Handler        = server.Handler
	FieldError     = server.FieldError

	TunnelDialOptions   = tunnel.DialOptions
	TunnelAcceptOptions = tunnel.AcceptOptions

	NetworkError        = errors.NetworkError
	NetworkTimeoutError = errors.NetworkTimeoutError
	ConnectionClosed    = errors.ConnectionClosed
	DecodeError         = errors.DecodeError
	AuthenticationError = errors.AuthenticationError
	CommandError        = errors.CommandError
	CommandWarning      = errors.CommandWarning
	DecodeWarning       = errors.DecodeWarning
	NCPWarning          = errors.NCPWarning
)

var DefaultPredicate = conn.DefaultPredicate

// Connect dials, tunnels, and handshakes a new client connection.
func Connect(ctx context.Context, opts ConnectOptions) (*Connection, error) {
	return client.Connect(ctx, opts)
}

// NewServer constructs a Server ready to Serve accepted connections.
func NewServer(opts AcceptOptions) (*server.Server, error) {
	return server.New(opts)
}
