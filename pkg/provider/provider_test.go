package provider

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/beamshare/beam/pkg/blobstore"
	"github.com/beamshare/beam/pkg/endpoint"
	"github.com/beamshare/beam/pkg/hashtree"
	"github.com/beamshare/beam/pkg/wireproto"
)

// pipeStream adapts one end of a net.Pipe to endpoint.Stream, standing in
// for a real transport the way fetcher tests fake their network seam.
type pipeStream struct {
	net.Conn
}

func newStreamPair() (endpoint.Stream, endpoint.Stream) {
	a, b := net.Pipe()
	return pipeStream{a}, pipeStream{b}
}

func openStore(t *testing.T) *blobstore.Store {
	t.Helper()
	s, err := blobstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func serveOnPipe(t *testing.T, p *Provider) endpoint.Stream {
	t.Helper()
	server, client := newStreamPair()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Handler()(context.Background(), server, endpoint.PublicKey{1})
	}()
	t.Cleanup(func() {
		client.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("provider handler did not return")
		}
	})
	return client
}

func depthFor(numChunks uint64) int {
	d := 0
	for n := uint64(1); n < numChunks; n *= 2 {
		d++
	}
	return d
}

func readBlobFrames(t *testing.T, r io.Reader, size uint64) []byte {
	t.Helper()
	numChunks := hashtree.NumChunks(size, 1024)
	depth := depthFor(numChunks)
	var out []byte
	lastIndex := int64(-1)
	for {
		frame, err := wireproto.ReadChunk(r, depth)
		if err != nil {
			t.Fatalf("ReadChunk: %v", err)
		}
		if frame.Terminal {
			break
		}
		if int64(frame.Index) <= lastIndex {
			t.Fatalf("chunk index %d not strictly ascending after %d", frame.Index, lastIndex)
		}
		lastIndex = int64(frame.Index)
		out = append(out, frame.Data...)
	}
	return out
}

func TestServeBlobStreamsVerifiedChunks(t *testing.T) {
	store := openStore(t)
	data := bytes.Repeat([]byte{0xC3}, 3000)
	h, err := store.PutBytes(context.Background(), blobstore.Raw, data)
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	var mu sync.Mutex
	var events []Event
	p := New(store, func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	client := serveOnPipe(t, p)

	if err := wireproto.WriteRequest(client, wireproto.Request{Op: wireproto.OpGetBlob, Hash: h}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	size, err := wireproto.ReadSizeDeclaration(client)
	if err != nil {
		t.Fatalf("ReadSizeDeclaration: %v", err)
	}
	if size != uint64(len(data)) {
		t.Fatalf("declared size = %d, want %d", size, len(data))
	}
	got := readBlobFrames(t, client, size)
	if !bytes.Equal(got, data) {
		t.Fatalf("streamed %d bytes, want %d identical", len(got), len(data))
	}

	client.Close()
	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		closed := len(events) > 0 && events[len(events)-1].Kind == ConnectionClosed
		mu.Unlock()
		if closed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no ConnectionClosed event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	kinds := map[EventKind]bool{}
	for _, e := range events {
		kinds[e.Kind] = true
	}
	mu.Unlock()
	for _, k := range []EventKind{ClientConnected, RequestStarted, RequestCompleted, ConnectionClosed} {
		if !kinds[k] {
			t.Errorf("missing event kind %d", k)
		}
	}
}

func TestServeMissingHashRespondsNotFound(t *testing.T) {
	store := openStore(t)
	p := New(store, nil)
	client := serveOnPipe(t, p)

	var missing hashtree.Hash
	missing[0] = 0xDE
	if err := wireproto.WriteRequest(client, wireproto.Request{Op: wireproto.OpGetBlob, Hash: missing}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	var b [1]byte
	if _, err := io.ReadFull(client, b[:]); err != nil {
		t.Fatalf("reading NOT_FOUND byte: %v", err)
	}
	if b[0] != wireproto.NotFoundByte {
		t.Fatalf("response byte = %#x, want %#x", b[0], wireproto.NotFoundByte)
	}
	// The stream is closed right after.
	if _, err := client.Read(b[:]); err == nil {
		t.Fatalf("stream still open after NOT_FOUND")
	}
}

func TestServeRangeRequest(t *testing.T) {
	store := openStore(t)
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}
	h, err := store.PutBytes(context.Background(), blobstore.Raw, data)
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	p := New(store, nil)
	client := serveOnPipe(t, p)

	req := wireproto.Request{
		Op:    wireproto.OpGetBlob,
		Hash:  h,
		Range: &wireproto.Range{Offset: 2048, Length: 1024},
	}
	if err := wireproto.WriteRequest(client, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	if _, err := wireproto.ReadSizeDeclaration(client); err != nil {
		t.Fatalf("ReadSizeDeclaration: %v", err)
	}
	got := readBlobFrames(t, client, uint64(len(data)))
	if !bytes.Equal(got, data[2048:3072]) {
		t.Fatalf("range payload mismatch: %d bytes", len(got))
	}
}

func TestServeMalformedRequestClosesWithoutResponse(t *testing.T) {
	store := openStore(t)
	p := New(store, nil)
	client := serveOnPipe(t, p)

	// A full-length request frame with an unknown opcode.
	frame := make([]byte, 34)
	frame[0] = 0x7F
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var b [1]byte
	if _, err := client.Read(b[:]); err == nil {
		t.Fatalf("got response byte %#x for malformed request", b[0])
	}
}

func TestServeEmptyBlobSendsTerminalOnly(t *testing.T) {
	store := openStore(t)
	h, err := store.PutBytes(context.Background(), blobstore.Raw, nil)
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	p := New(store, nil)
	client := serveOnPipe(t, p)

	if err := wireproto.WriteRequest(client, wireproto.Request{Op: wireproto.OpGetBlob, Hash: h}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	size, err := wireproto.ReadSizeDeclaration(client)
	if err != nil {
		t.Fatalf("ReadSizeDeclaration: %v", err)
	}
	if size != 0 {
		t.Fatalf("declared size = %d, want 0", size)
	}
	frame, err := wireproto.ReadChunk(client, 0)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !frame.Terminal {
		t.Fatalf("empty blob emitted a chunk frame (index %d)", frame.Index)
	}
}
