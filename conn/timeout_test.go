package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crfs/ncplib/errors"
)

// TestIdleConnectionTimesOut exercises spec.md §8's "a connection that
// receives no traffic for T seconds raises NetworkTimeoutError" directly
// against arm(), bypassing the [5,60]-clamped handshake so the test can
// use a sub-second timeout instead of waiting out the real minimum.
func TestIdleConnectionTimesOut(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c := newConnection(clientConn, Options{Side: SideClient, Logger: quietLogger()})
	c.arm(200 * time.Millisecond)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Recv(ctx)
	require.Error(t, err)
	assert.IsType(t, &errors.NetworkTimeoutError{}, err)
}
