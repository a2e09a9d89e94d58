// Package constants defines cross-cutting default values shared by the blob
// store, transfer protocol, and discovery layers.
package constants

import "time"

// Protocol Configuration
const (
	// ProtocolVersion is the wire/ticket version byte.
	ProtocolVersion = 1

	// Scheme is the literal prefix used by tickets and the mDNS service type.
	Scheme = "beam"

	// DefaultQUICPort is what each transport reports from DefaultPort and
	// the port discovery advertises when no DiscoveryPort is configured. It
	// is not substituted into listen addresses: an empty listen address
	// binds an OS-assigned port.
	DefaultQUICPort = 27490

	// ALPNProtocol is negotiated on every transport-level TLS handshake.
	ALPNProtocol = Scheme + "/1"

	// HashAlgorithm names the digest used throughout (blake3-256).
	HashAlgorithm = "blake3-256"
)

// Chunk and tree configuration
const (
	// ChunkSize is the default fixed-size unit of verified I/O, in bytes.
	// Must be a power of two.
	ChunkSize = 1024

	// ConcurrentImportWorkers bounds the Importer's parallel PutStream calls.
	ConcurrentImportWorkers = 4

	// ConcurrentFetchWorkers is not read by the Getter, which fetches a
	// hash-sequence collection's blobs one after another over one stream.
	ConcurrentFetchWorkers = 4
)

// Timing configuration (§5)
const (
	// EndpointConnectTimeout bounds Endpoint.Connect.
	EndpointConnectTimeout = 30 * time.Second

	// StreamIdleReadTimeout is the fatal idle-read timeout on an open stream.
	StreamIdleReadTimeout = 30 * time.Second

	// ListenerGracefulShutdown is how long a listener is given to drain
	// before a hard close.
	ListenerGracefulShutdown = 5 * time.Second

	// DiscoveryLivenessTTL is how long a NearbyDevice stays "available"
	// after its last advertisement.
	DiscoveryLivenessTTL = 30 * time.Second

	// ProgressFlushBytes and ProgressFlushInterval bound how often
	// FileProgress/Downloading events are emitted for a single entry.
	ProgressFlushBytes    = 64 * 1024
	ProgressFlushInterval = 250 * time.Millisecond
)

// Resource bounds (§5)
const (
	// ProgressChannelCapacity is the bounded size of a per-subscriber
	// progress event channel; producers drop the oldest event on overflow.
	ProgressChannelCapacity = 32

	// AbortChannelCapacity is always 1: one-shot, non-blocking cancel signal.
	AbortChannelCapacity = 1
)

// Proquint-style alphabet used to derive a short human alias for a peer
// identity (NearbyDevice.Alias).
const (
	Consonants = "bdfghjklmnprstvz"
	Vowels     = "aiou"
)

// EnvIdentitySeed is the optional environment variable carrying a
// hex-encoded 32-byte secret seed for deterministic endpoint identity.
const EnvIdentitySeed = "BEAM_IDENTITY_SEED"
