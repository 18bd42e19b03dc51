package conn

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crfs/ncplib/packet"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func dialAndAccept(t *testing.T, clientTimeout int) (client, server *Connection) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	type result struct {
		c   *Connection
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		c, err := DialClient(clientConn, Options{
			Side:             SideClient,
			Predicate:        DefaultPredicate,
			ClientID:         [4]byte{1, 2, 3, 4},
			Hostname:         "test-client",
			RequestedTimeout: clientTimeout,
			Logger:           quietLogger(),
		})
		clientCh <- result{c, err}
	}()
	go func() {
		c, err := AcceptServer(serverConn, Options{
			Side:     SideServer,
			ClientID: [4]byte{5, 6, 7, 8},
			Hostname: "test-server",
			Logger:   quietLogger(),
		})
		serverCh <- result{c, err}
	}()

	cr := <-clientCh
	sr := <-serverCh
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)
	return cr.c, sr.c
}

func TestHandshakeNegotiatesTimeout(t *testing.T) {
	client, server := dialAndAccept(t, 20)
	defer client.Close()
	defer server.Close()

	assert.Equal(t, 20*time.Second, client.timeout)
	assert.Equal(t, 20*time.Second, server.timeout)
	assert.Equal(t, StateOpen, client.State())
	assert.Equal(t, StateOpen, server.State())
	assert.Equal(t, "test-client", server.RemoteHostname())
}

// TestKeepAliveIntervalFloorsToWholeSeconds pins spec.md §8 scenario 3's
// worked example: a 60s negotiated timeout floors to a 39s keep-alive
// interval, not 39.6s.
func TestKeepAliveIntervalFloorsToWholeSeconds(t *testing.T) {
	client, server := dialAndAccept(t, 60)
	defer client.Close()
	defer server.Close()

	assert.Equal(t, 39*time.Second, client.effectiveInterval())
	assert.Equal(t, 39*time.Second, server.effectiveInterval())
}

func TestHandshakeClampsOutOfRangeTimeout(t *testing.T) {
	client, server := dialAndAccept(t, 9999)
	defer client.Close()
	defer server.Close()

	assert.Equal(t, 60*time.Second, client.timeout)
	assert.Equal(t, 60*time.Second, server.timeout)
}

func TestHandshakeLegacyMode(t *testing.T) {
	client, server := dialAndAccept(t, 0)
	defer client.Close()
	defer server.Close()

	assert.Equal(t, time.Duration(0), client.timeout)
	assert.Equal(t, time.Duration(0), server.timeout)
	assert.Equal(t, legacyKeepAliveInterval, client.effectiveInterval())
}

func TestEchoRoundTrip(t *testing.T) {
	client, server := dialAndAccept(t, 30)
	defer client.Close()
	defer server.Close()

	go func() {
		f, err := server.Recv(context.Background())
		if err != nil {
			return
		}
		f.Send([]packet.Param{{Name: "FOO", Value: "BAR"}})
	}()

	resp, err := client.Send("LINK", "ECHO", []packet.Param{{Name: "FOO", Value: "BAR"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := resp.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ECHO", f.Name)
	v, ok := f.Get("FOO")
	require.True(t, ok)
	assert.Equal(t, "BAR", v)
}

func TestAutoErroSurfacesCommandError(t *testing.T) {
	client, server := dialAndAccept(t, 30)
	defer client.Close()
	defer server.Close()

	go func() {
		f, err := server.Recv(context.Background())
		if err != nil {
			return
		}
		f.Send([]packet.Param{{Name: "ERRO", Value: "Server error"}, {Name: "ERRC", Value: int32(500)}})
	}()

	resp, err := client.Send("LINK", "DOIT", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = resp.Recv(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Server error")
}

func TestAutoAcknSuppressed(t *testing.T) {
	client, server := dialAndAccept(t, 30)
	defer client.Close()
	defer server.Close()

	go func() {
		f, err := server.Recv(context.Background())
		if err != nil {
			return
		}
		f.Send([]packet.Param{{Name: "ACKN", Value: "BAR"}})
		// A real field after the suppressed ACKN-only one.
		server.Send("LINK", "REAL", []packet.Param{{Name: "X", Value: int32(1)}})
	}()

	resp, err := client.Send("LINK", "DOIT", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = resp.Recv(ctx)
	assert.Error(t, err) // times out: the only reply field was suppressed
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := dialAndAccept(t, 30)
	defer server.Close()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, StateClosed, client.State())
}

func TestRecvAfterCloseReturnsError(t *testing.T) {
	client, server := dialAndAccept(t, 30)
	require.NoError(t, server.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Recv(ctx)
	assert.Error(t, err)
	require.NoError(t, client.Close())
}
