// Package provider implements the send side of the transfer protocol
// (§4.7): it accepts inbound streams from an Endpoint, validates request
// frames against the blob store, and streams verified chunks back in
// strictly ascending order, emitting connection events as it goes.
package provider

import (
	"context"
	"io"

	"github.com/beamshare/beam/pkg/blobstore"
	"github.com/beamshare/beam/pkg/endpoint"
	"github.com/beamshare/beam/pkg/hashtree"
	"github.com/beamshare/beam/pkg/wireproto"
	"github.com/beamshare/beam/pkg/xferrors"
	"github.com/beamshare/beam/pkg/xlog"
)

var log = xlog.New("provider")

// Event is one connection-lifecycle observation (§3 Progress Event,
// Connection variant).
type Event struct {
	Kind  EventKind
	Peer  endpoint.PublicKey
	Hash  hashtree.Hash
	Bytes uint64
}

// EventKind tags an Event's variant.
type EventKind int

const (
	ClientConnected EventKind = iota
	RequestStarted
	RequestProgress
	RequestCompleted
	ConnectionClosed
)

// Sink receives provider Events; implementations must not block for long,
// since the provider serializes delivery per stream.
type Sink func(Event)

// Provider serves GET_BLOB and GET_HASH_SEQUENCE requests from store over
// an Endpoint.
type Provider struct {
	store *blobstore.Store
	sink  Sink
}

// New creates a Provider reading from store and reporting to sink. sink
// may be nil, in which case events are discarded.
func New(store *blobstore.Store, sink Sink) *Provider {
	if sink == nil {
		sink = func(Event) {}
	}
	return &Provider{store: store, sink: sink}
}

// Handler returns an endpoint.Handler serving requests against p.store.
// The returned handler is what Listen (§4.6, §4.7) should be given; the
// caller owns the Listener's lifetime (§9).
func (p *Provider) Handler() endpoint.Handler {
	return func(ctx context.Context, stream endpoint.Stream, peer endpoint.PublicKey) {
		p.serve(ctx, stream, peer)
	}
}

func (p *Provider) serve(ctx context.Context, stream endpoint.Stream, peer endpoint.PublicKey) {
	defer stream.Close()
	p.sink(Event{Kind: ClientConnected, Peer: peer})
	defer p.sink(Event{Kind: ConnectionClosed, Peer: peer})

	req, err := wireproto.ReadRequest(stream)
	if err != nil {
		log.Errorf("malformed request from peer: %v", err)
		return
	}

	switch req.Op {
	case wireproto.OpGetBlob:
		p.serveOne(ctx, stream, peer, req.Hash, req.Range)
	case wireproto.OpGetHashSequence:
		p.serveHashSequence(ctx, stream, peer, req.Hash)
	}
}

func (p *Provider) serveOne(ctx context.Context, stream endpoint.Stream, peer endpoint.PublicKey, h hashtree.Hash, rng *wireproto.Range) {
	size, ok := p.store.Size(h)
	if !ok {
		_ = wireproto.WriteNotFound(stream)
		return
	}
	offset, length := uint64(0), size
	if rng != nil {
		offset, length = rng.Offset, rng.Length
	}
	p.sink(Event{Kind: RequestStarted, Peer: peer, Hash: h})
	if err := p.streamRange(ctx, stream, peer, h, offset, length); err != nil {
		log.Errorf("streaming %s to peer: %v", h, err)
		return
	}
	p.sink(Event{Kind: RequestCompleted, Peer: peer, Hash: h})
}

// serveHashSequence streams the hash-sequence blob itself followed by each
// blob it references, in collection order, so the whole collection
// transfers over a single round trip (§4.7).
func (p *Provider) serveHashSequence(ctx context.Context, stream endpoint.Stream, peer endpoint.PublicKey, root hashtree.Hash) {
	size, ok := p.store.Size(root)
	if !ok {
		_ = wireproto.WriteNotFound(stream)
		return
	}
	p.sink(Event{Kind: RequestStarted, Peer: peer, Hash: root})

	links, err := readWholeBlob(ctx, p.store, root, size)
	if err != nil {
		log.Errorf("reading hash-sequence %s: %v", root, err)
		return
	}
	if err := p.streamBlob(ctx, stream, peer, root, size); err != nil {
		log.Errorf("streaming hash-sequence %s: %v", root, err)
		return
	}

	for off := 0; off+32 <= len(links); off += 32 {
		var child hashtree.Hash
		copy(child[:], links[off:off+32])
		childSize, ok := p.store.Size(child)
		if !ok {
			// A referenced blob the provider no longer has: the client
			// detects this as a truncation when the declared size goes
			// unmet, per §4.7 failure semantics.
			return
		}
		if err := p.streamBlob(ctx, stream, peer, child, childSize); err != nil {
			log.Errorf("streaming %s: %v", child, err)
			return
		}
	}
	p.sink(Event{Kind: RequestCompleted, Peer: peer, Hash: root})
}

// streamBlob writes the size declaration followed by every chunk frame of
// hash, in ascending index order, then the terminal frame.
func (p *Provider) streamBlob(ctx context.Context, w io.Writer, peer endpoint.PublicKey, h hashtree.Hash, size uint64) error {
	return p.streamRange(ctx, w, peer, h, 0, size)
}

// streamRange writes the declared length followed by every chunk frame
// covering [offset, offset+length) of hash, then the terminal frame.
func (p *Provider) streamRange(ctx context.Context, w io.Writer, peer endpoint.PublicKey, h hashtree.Hash, offset, length uint64) error {
	if err := wireproto.WriteSizeDeclaration(w, length); err != nil {
		return err
	}
	cr, err := p.store.GetRange(ctx, h, offset, length)
	if err != nil {
		return err
	}
	defer cr.Close()

	var sent uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := wireproto.WriteChunk(w, uint32(c.Index), c.Data, c.Path); err != nil {
			return err
		}
		sent += uint64(len(c.Data))
		p.sink(Event{Kind: RequestProgress, Peer: peer, Hash: h, Bytes: sent})
	}
	return wireproto.WriteTerminal(w)
}

func readWholeBlob(ctx context.Context, store *blobstore.Store, h hashtree.Hash, size uint64) ([]byte, error) {
	cr, err := store.GetRange(ctx, h, 0, size)
	if err != nil {
		return nil, err
	}
	defer cr.Close()
	var out []byte
	for {
		c, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c.Data...)
	}
	if len(out)%32 != 0 {
		return nil, xferrors.MalformedCollection("hash-sequence blob length is not a multiple of 32")
	}
	return out, nil
}
