// Package getter implements the receive side of the transfer protocol
// (§4.8): it opens a stream to a ticket's endpoint identity, issues a
// GET_BLOB or GET_HASH_SEQUENCE request, verifies every chunk against the
// running outboard as it arrives, writes it into the blob store's partial
// slot, and emits download progress.
package getter

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/beamshare/beam/pkg/blobstore"
	"github.com/beamshare/beam/pkg/constants"
	"github.com/beamshare/beam/pkg/endpoint"
	"github.com/beamshare/beam/pkg/hashtree"
	"github.com/beamshare/beam/pkg/ticket"
	"github.com/beamshare/beam/pkg/wireproto"
	"github.com/beamshare/beam/pkg/xferrors"
)

// EventKind tags a download Event's variant (§3 Progress Event, Download).
type EventKind int

const (
	Connecting EventKind = iota
	Metadata
	Downloading
	Completed
)

// Event is one download progress observation.
type Event struct {
	Kind       EventKind
	Files      int
	TotalSize  uint64
	Offset     uint64
	Root       hashtree.Hash
}

// Sink receives getter Events.
type Sink func(Event)

// Result summarizes a finished fetch.
type Result struct {
	Root  hashtree.Hash
	Files int
	Bytes uint64
}

// Fetch opens a stream to t's endpoint identity over ep, requests t's
// root, verifies and stores every chunk, and returns once every blob the
// root refers to (the root itself for Raw, or the root plus every blob it
// references for HashSequence) is complete in store.
func Fetch(ctx context.Context, ep endpoint.Endpoint, t ticket.Ticket, store *blobstore.Store, sink Sink) (Result, error) {
	if sink == nil {
		sink = func(Event) {}
	}
	sink(Event{Kind: Connecting, Root: t.Root})

	hints := endpoint.AddressHints{RelayURL: t.Hints.RelayURL}
	for _, a := range t.Hints.Direct {
		hints.Direct = append(hints.Direct, &net.UDPAddr{IP: a.IP, Port: int(a.Port)})
	}

	stream, err := ep.Connect(ctx, endpoint.PublicKey(t.Identity), hints)
	if err != nil {
		return Result{}, err
	}
	defer stream.Close()
	_ = stream.SetReadDeadline(time.Now().Add(constants.StreamIdleReadTimeout))

	op := wireproto.OpGetBlob
	if t.Format == blobstore.HashSequence {
		op = wireproto.OpGetHashSequence
	}
	if err := wireproto.WriteRequest(stream, wireproto.Request{Op: op, Hash: t.Root}); err != nil {
		return Result{}, err
	}

	root, rootSize, err := fetchOneBlob(ctx, stream, store, t.Root, t.Format, nil)
	if err != nil {
		abortPartials(store, root)
		return Result{}, err
	}

	if t.Format != blobstore.HashSequence {
		sink(Event{Kind: Metadata, Files: 1, TotalSize: rootSize, Root: t.Root})
		sink(Event{Kind: Completed, Root: t.Root})
		return Result{Root: t.Root, Files: 1, Bytes: rootSize}, nil
	}

	links, err := readStoredBlob(ctx, store, t.Root, rootSize)
	if err != nil {
		return Result{}, err
	}
	// A hash sequence is generic at this layer: every link is fetched in
	// order. Interpreting the first link as collection metadata is the
	// collection codec's business, not the getter's.
	files := len(links) / 32
	sink(Event{Kind: Metadata, Files: files, Root: t.Root})

	// Within a blob, Downloading events are rate-limited to one per
	// ProgressFlushBytes or ProgressFlushInterval, whichever comes first
	// (§4.8); one more is emitted as each referenced blob completes.
	var total, sinceFlush uint64
	lastFlush := time.Now()
	report := func(n uint64) {
		total += n
		sinceFlush += n
		if sinceFlush >= constants.ProgressFlushBytes || time.Since(lastFlush) >= constants.ProgressFlushInterval {
			sink(Event{Kind: Downloading, Offset: total, Root: t.Root})
			sinceFlush = 0
			lastFlush = time.Now()
		}
	}

	var fetched uint64
	for off := 0; off+32 <= len(links); off += 32 {
		var child hashtree.Hash
		copy(child[:], links[off:off+32])
		_, size, err := fetchOneBlob(ctx, stream, store, child, blobstore.Raw, report)
		if err != nil {
			abortPartials(store, child)
			return Result{}, err
		}
		fetched += size
		sink(Event{Kind: Downloading, Offset: total, Root: t.Root})
	}

	sink(Event{Kind: Completed, Root: t.Root})
	return Result{Root: t.Root, Files: files, Bytes: fetched}, nil
}

// fetchOneBlob reads one blob's size declaration and chunk-frame stream
// from the already-open request stream, verifying and writing each chunk
// before returning the blob's verified hash and size.
func fetchOneBlob(ctx context.Context, stream endpoint.Stream, store *blobstore.Store, want hashtree.Hash, format blobstore.Format, progress func(n uint64)) (hashtree.Hash, uint64, error) {
	if progress == nil {
		progress = func(uint64) {}
	}
	if res, err := store.Contains(want); err == nil && res.Status == blobstore.Complete {
		// Already have it complete; the provider still sends its size
		// declaration and frames, so drain and discard them to keep the
		// stream in sync.
		size, err := wireproto.ReadSizeDeclaration(stream)
		if err != nil {
			return want, 0, err
		}
		if err := drainBlob(stream, size); err != nil {
			return want, 0, err
		}
		return want, size, nil
	}

	size, err := wireproto.ReadSizeDeclaration(stream)
	if err != nil {
		return want, 0, err
	}

	if size == 0 {
		// Empty blob: zero chunk frames, terminal frame only (§8).
		_ = stream.SetReadDeadline(time.Now().Add(constants.StreamIdleReadTimeout))
		frame, err := wireproto.ReadChunk(stream, 0)
		if err != nil {
			return want, 0, xferrors.Network("truncated before declared size", err)
		}
		if !frame.Terminal {
			return want, 0, xferrors.Integrity(want.String(), "chunk frame for an empty blob")
		}
		if _, _, err := store.PutStream(ctx, format, &want, bytes.NewReader(nil)); err != nil {
			return want, 0, err
		}
		return want, 0, nil
	}

	numChunks := hashtree.NumChunks(size, constants.ChunkSize)
	depth := depthFor(numChunks)

	pw, err := store.OpenPartial(want, format, size)
	if err != nil {
		return want, 0, err
	}

	// The terminal frame is always consumed, even once the blob completes
	// mid-stream (a resumed download's bitmap can fill before the provider
	// finishes sending), so the stream stays aligned for the next blob.
	complete := false
	for {
		if ctx.Err() != nil {
			pw.Abort()
			return want, 0, xferrors.Cancelled()
		}
		_ = stream.SetReadDeadline(time.Now().Add(constants.StreamIdleReadTimeout))
		frame, err := wireproto.ReadChunk(stream, depth)
		if err != nil {
			pw.Abort()
			return want, 0, xferrors.Network("truncated before declared size", err)
		}
		if frame.Terminal {
			break
		}
		if complete {
			continue
		}
		complete, err = pw.WriteChunk(uint64(frame.Index), frame.Data, frame.Path)
		if err != nil {
			pw.Abort()
			return want, 0, err
		}
		progress(uint64(len(frame.Data)))
	}

	res, err := store.Contains(want)
	if err != nil || res.Status != blobstore.Complete {
		pw.Abort()
		return want, 0, xferrors.Network("stream ended before blob reached declared size", nil)
	}
	return want, size, nil
}

func depthFor(numChunks uint64) int {
	depth := 0
	for n := numChunks; n > 1; n = (n + 1) / 2 {
		depth++
	}
	return depth
}

func drainBlob(stream endpoint.Stream, size uint64) error {
	numChunks := hashtree.NumChunks(size, constants.ChunkSize)
	depth := depthFor(numChunks)
	for {
		frame, err := wireproto.ReadChunk(stream, depth)
		if err != nil {
			return err
		}
		if frame.Terminal {
			return nil
		}
	}
}

func abortPartials(store *blobstore.Store, h hashtree.Hash) {
	_ = store.Delete(h)
}

func readStoredBlob(ctx context.Context, store *blobstore.Store, h hashtree.Hash, size uint64) ([]byte, error) {
	cr, err := store.GetRange(ctx, h, 0, size)
	if err != nil {
		return nil, err
	}
	defer cr.Close()
	var out []byte
	for {
		c, err := cr.Next()
		if err != nil {
			break
		}
		out = append(out, c.Data...)
	}
	return out, nil
}
