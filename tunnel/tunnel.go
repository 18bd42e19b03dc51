// Package tunnel implements the HTTP-CONNECT adapter (C6): the client
// side writes a CONNECT request (with optional Basic Proxy-Authorization)
// and reads the status response; the server side reads one CONNECT
// request, validates method/URI, optionally verifies Basic auth, and
// replies 200 or 401 (spec.md §4.6). TLS, when configured, wraps the raw
// socket before either side touches it.
//
// Grounded on original_source/ncplib/http.py's decode_http_head (a
// regex-based HTTP status/request-line-plus-headers reader over an
// asyncio.StreamReader), reimplemented here with the standard library's
// own HTTP/1.1 line grammar (net/http's http.ReadRequest/ReadResponse)
// rather than hand-rolled regexes — the idiomatic Go way to parse HTTP,
// and exactly as strict about the wire grammar as the original's regexes.
package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/crfs/ncplib/errors"
)

// DefaultURI is the fixed CONNECT target spec.md §4.6 names.
const DefaultURI = "ncp.service"

// DialOptions configures the client side of the tunnel. A zero value
// disables tunneling: Dial becomes a plain net.Dial.
type DialOptions struct {
	Enabled  bool
	URI      string // defaults to DefaultURI
	Username string
	Password string

	// TLSConfig, if non-nil, wraps the connection in TLS after any tunnel
	// negotiation completes (spec.md §4.6: "TLS ... wraps the raw socket
	// before either side reads a byte" of the NCP conversation — the
	// tunnel's own HTTP exchange, when present, runs in the clear first).
	TLSConfig *tls.Config
}

// Dial connects to address, negotiates the HTTP-CONNECT tunnel if
// opts.Enabled, then wraps the result in TLS if opts.TLSConfig is set.
func Dial(ctx context.Context, address string, opts DialOptions) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &errors.NetworkError{Op: "dialing", Err: err}
	}

	if opts.Enabled {
		conn, err = connectTunnel(conn, opts)
		if err != nil {
			return nil, err
		}
	}

	if opts.TLSConfig != nil {
		tlsConn := tls.Client(conn, opts.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, &errors.NetworkError{Op: "TLS handshake", Err: err}
		}
		return tlsConn, nil
	}
	return conn, nil
}

func connectTunnel(conn net.Conn, opts DialOptions) (net.Conn, error) {
	uri := opts.URI
	if uri == "" {
		uri = DefaultURI
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\n", uri)
	if opts.Username != "" || opts.Password != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", basicAuthHeader(opts.Username, opts.Password))
	}
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		_ = conn.Close()
		return nil, &errors.NetworkError{Op: "writing CONNECT request", Err: err}
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		_ = conn.Close()
		return nil, errors.NewDecodeError("invalid HTTP tunnel response: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return conn, nil
	case http.StatusUnauthorized:
		_ = conn.Close()
		return nil, &errors.AuthenticationError{Message: "tunnel rejected Proxy-Authorization"}
	default:
		_ = conn.Close()
		return nil, &errors.NetworkError{Op: "tunnel CONNECT", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

func basicAuthHeader(username, password string) string {
	creds := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + creds
}

// Verifier checks Basic-auth credentials extracted from a CONNECT
// request's Proxy-Authorization header.
type Verifier func(username, password string) bool

// AcceptOptions configures the server side of the tunnel. A zero value
// (Enabled: false) disables tunneling: Accept returns netConn unchanged.
type AcceptOptions struct {
	Enabled  bool
	URI      string // defaults to DefaultURI
	Verifier Verifier // nil means authentication is not required

	TLSConfig *tls.Config
}

// Accept reads and validates one CONNECT request off netConn (when
// opts.Enabled), writes the status response, and wraps the result in TLS
// if opts.TLSConfig is set. Grounded on spec.md §4.6's server-accept
// paragraph: method must be CONNECT (else 405), URI must match (else
// 403), and authentication, when a Verifier is configured, must pass
// (else 401 with a Proxy-Authenticate challenge).
func Accept(netConn net.Conn, opts AcceptOptions) (net.Conn, error) {
	conn := netConn

	if opts.Enabled {
		var err error
		conn, err = acceptTunnel(conn, opts)
		if err != nil {
			return nil, err
		}
	}

	if opts.TLSConfig != nil {
		tlsConn := tls.Server(conn, opts.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return nil, &errors.NetworkError{Op: "TLS handshake", Err: err}
		}
		return tlsConn, nil
	}
	return conn, nil
}

func acceptTunnel(conn net.Conn, opts AcceptOptions) (net.Conn, error) {
	uri := opts.URI
	if uri == "" {
		uri = DefaultURI
	}

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		_ = conn.Close()
		return nil, errors.NewDecodeError("invalid HTTP tunnel request: %v", err)
	}

	if req.Method != http.MethodConnect {
		writeStatusLine(conn, http.StatusMethodNotAllowed, "Method Not Allowed")
		_ = conn.Close()
		return nil, &errors.AuthenticationError{Message: "tunnel: expected CONNECT, got " + req.Method}
	}
	if req.Host != uri && req.URL.Host != uri && req.RequestURI != uri {
		writeStatusLine(conn, http.StatusForbidden, "Forbidden")
		_ = conn.Close()
		return nil, &errors.AuthenticationError{Message: "tunnel: unexpected CONNECT target"}
	}

	if opts.Verifier != nil {
		username, password, ok := parseProxyAuthorization(req.Header.Get("Proxy-Authorization"))
		if !ok || !opts.Verifier(username, password) {
			writeUnauthorized(conn)
			_ = conn.Close()
			return nil, &errors.AuthenticationError{Message: "tunnel: Proxy-Authorization rejected"}
		}
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n")); err != nil {
		_ = conn.Close()
		return nil, &errors.NetworkError{Op: "writing tunnel 200 response", Err: err}
	}
	return conn, nil
}

func parseProxyAuthorization(header string) (username, password string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	return user, pass, true
}

func writeStatusLine(conn net.Conn, code int, text string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n\r\n", code, text)
}

func writeUnauthorized(conn net.Conn) {
	fmt.Fprint(conn, "HTTP/1.1 401 Unauthorized\r\nProxy-Authenticate: Basic realm=\"ncp\"\r\n\r\n")
}
