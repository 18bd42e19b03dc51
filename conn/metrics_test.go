package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	ncpmetrics "github.com/crfs/ncplib/metrics"
)

func newTestMetrics(t *testing.T) (*ncpmetrics.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := ncpmetrics.New(reg)
	require.NoError(t, err)
	return m, reg
}

func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, mf := range f.GetMetric() {
			total += mf.GetCounter().GetValue()
		}
	}
	return total
}

func counterWithLabel(t *testing.T, reg *prometheus.Registry, name, labelName, labelValue string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, mf := range f.GetMetric() {
			for _, lp := range mf.GetLabel() {
				if lp.GetName() == labelName && lp.GetValue() == labelValue {
					total += mf.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

// TestDecodeErrorCloseRecordsMetrics covers a connection that tears down
// on a malformed frame without anyone calling Close(): the dedicated
// decode-error counter increments, and the closed-connection counter
// records reason "decode_error" on its own.
func TestDecodeErrorCloseRecordsMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c := newConnection(clientConn, Options{Side: SideClient, Logger: quietLogger(), Metrics: m})
	c.arm(0)
	defer c.Close()

	go func() {
		// 32 bytes of garbage: a full header's worth with an invalid
		// magic, so DecodeHeader fails fast instead of blocking on a body
		// read that never arrives.
		_, _ = serverConn.Write(make([]byte, 32))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Recv(ctx)
	require.Error(t, err)

	require.Equal(t, float64(1), counterTotal(t, reg, "ncp_decode_errors_total"))
	require.Equal(t, float64(1), counterWithLabel(t, reg, "ncp_connections_closed_total", "reason", "decode_error"))
}

// TestCloseAfterErrorCloseDoesNotDoubleCount covers recordCloseErr and a
// later explicit Close() both trying to record this connection's
// ConnectionClosed metric: only the first one counts.
func TestCloseAfterErrorCloseDoesNotDoubleCount(t *testing.T) {
	m, reg := newTestMetrics(t)
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c := newConnection(clientConn, Options{Side: SideClient, Logger: quietLogger(), Metrics: m})
	c.arm(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Recv(ctx)
	require.Error(t, err)
	require.Equal(t, float64(1), counterWithLabel(t, reg, "ncp_connections_closed_total", "reason", "timeout"))

	require.NoError(t, c.Close())
	require.Equal(t, float64(1), counterTotal(t, reg, "ncp_connections_closed_total"))
}
