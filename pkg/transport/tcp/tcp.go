// Package tcp implements the TCP+TLS transport: a TLS 1.3 stream
// fallback for networks where UDP is blocked.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/beamshare/beam/pkg/constants"
	"github.com/beamshare/beam/pkg/transport"
)

// Transport dials and listens over TCP, wrapping every connection in a
// TLS 1.3 session with the shared ALPN identifier.
type Transport struct{}

// New returns the TCP+TLS transport.
func New() transport.Transport {
	return Transport{}
}

func (Transport) Name() string { return "tcp" }

// DefaultPort matches the QUIC default so a peer reachable on one
// transport is reachable on the other without extra configuration.
func (Transport) DefaultPort() int { return constants.DefaultQUICPort }

// withDefaults clones cfg and fills in the ALPN identifier and the TLS
// 1.3 floor when the caller left them unset.
func withDefaults(cfg *tls.Config) *tls.Config {
	out := cfg.Clone()
	if out == nil {
		out = &tls.Config{}
	}
	if len(out.NextProtos) == 0 {
		out.NextProtos = []string{constants.ALPNProtocol}
	}
	if out.MinVersion == 0 {
		out.MinVersion = tls.VersionTLS13
	}
	return out
}

// Listen binds a TCP listener on addr; each accepted connection performs
// the server side of the TLS handshake before it is returned.
func (Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inner, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen: %w", err)
	}
	return &listener{inner: inner.(*net.TCPListener), tls: withDefaults(tlsConfig)}, nil
}

// Dial connects to addr and completes the client side of the TLS
// handshake, bounded by ctx and the default connect timeout.
func (Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: constants.EndpointConnectTimeout},
		Config:    withDefaults(tlsConfig),
	}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial: %w", err)
	}
	return nc.(*tls.Conn), nil
}

type listener struct {
	inner *net.TCPListener
	tls   *tls.Config
}

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		l.inner.SetDeadline(deadline)
	}
	raw, err := l.inner.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc := tls.Server(raw, l.tls)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tcp accept handshake: %w", err)
	}
	return tc, nil
}

func (l *listener) Close() error { return l.inner.Close() }

func (l *listener) Addr() net.Addr { return l.inner.Addr() }
