package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crfs/ncplib/conn"
)

func TestConnectHandshakesWithListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan *conn.Connection, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			serverCh <- nil
			return
		}
		c, err := conn.AcceptServer(raw, conn.Options{Side: conn.SideServer})
		if err != nil {
			serverCh <- nil
			return
		}
		serverCh <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Connect(ctx, ConnectOptions{
		Address:          ln.Addr().String(),
		Hostname:         "test-client",
		RequestedTimeout: 30,
		Predicate:        conn.DefaultPredicate,
	})
	require.NoError(t, err)
	defer c.Close()

	server := <-serverCh
	require.NotNil(t, server)
	defer server.Close()

	require.Equal(t, conn.StateOpen, c.State())
	require.Equal(t, conn.StateOpen, server.State())
}

func TestConnectDefaultsRequestedTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan *conn.Connection, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			serverCh <- nil
			return
		}
		c, err := conn.AcceptServer(raw, conn.Options{Side: conn.SideServer})
		if err != nil {
			serverCh <- nil
			return
		}
		serverCh <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// RequestedTimeout left unset: spec.md §6 documents a default of 60,
	// not legacy mode.
	c, err := Connect(ctx, ConnectOptions{Address: ln.Addr().String()})
	require.NoError(t, err)
	defer c.Close()

	server := <-serverCh
	require.NotNil(t, server)
	defer server.Close()

	require.Equal(t, 60*time.Second, c.EffectiveTimeout())
}

func TestConnectRejectsInvalidOptions(t *testing.T) {
	_, err := Connect(context.Background(), ConnectOptions{Address: ""})
	require.Error(t, err)
}
