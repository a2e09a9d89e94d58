// Package endpoint defines the abstract transport capability the transfer
// engine consumes (§4.6): an identity-addressed source of mutually
// authenticated, confidential, integrity-protected bidirectional streams.
// NAT traversal and relay fabric are external collaborators; this package
// only states the contract the Provider and Getter program against, plus
// one concrete QUIC-backed implementation for direct/LAN connectivity.
package endpoint

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"
)

// PublicKey identifies an Endpoint: the X25519 static public key of the
// process on the other end of a stream.
type PublicKey [32]byte

// AddressHints narrows how Connect should reach a target: zero or more
// direct socket addresses and/or a relay URL. Mirrors ticket.Hints without
// importing it, so this package has no dependency on the ticket codec.
type AddressHints struct {
	Direct   []net.Addr
	RelayURL string
}

// Stream is a single bidirectional, ordered byte stream between two
// Endpoints. Closing it signals end-of-stream to the peer.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Handler is invoked once per inbound stream; it may suspend arbitrarily.
// peer is the caller's authenticated PublicKey.
type Handler func(ctx context.Context, stream Stream, peer PublicKey)

// Listener represents a live accept loop; it must be kept open for the
// lifetime of a transfer (§4.7 Liveness) and explicitly closed when no
// longer needed (§9 Ownership of long-lived listeners).
type Listener interface {
	Close() error
}

// Endpoint produces and accepts encrypted, authenticated bidirectional
// streams addressed by PublicKey. Implementations must guarantee: mutual
// authentication by public key, confidentiality, integrity, and in-order
// delivery per direction (§4.6).
type Endpoint interface {
	// Identity returns this Endpoint's own public key.
	Identity() PublicKey

	// Listen starts accepting inbound streams, invoking handler for each.
	// The returned Listener must be closed to stop accepting.
	Listen(ctx context.Context, handler Handler) (Listener, error)

	// Connect establishes one new stream to target, using hints to locate
	// it. May take seconds; fails with a KindNetwork xferrors.Error
	// (Unreachable, Timeout, or AuthFailed in the message) on failure.
	Connect(ctx context.Context, target PublicKey, hints AddressHints) (Stream, error)

	// DirectAddresses returns the currently observed local direct
	// addresses, which may change over time.
	DirectAddresses() []net.Addr

	// RelayURL returns the currently configured relay, if any.
	RelayURL() *url.URL

	// Alive blocks until the endpoint has at least one known address or
	// ctx's deadline elapses.
	Alive(ctx context.Context) error
}
