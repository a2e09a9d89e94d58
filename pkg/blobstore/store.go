// Package blobstore implements the persisted, content-addressed blob store:
// chunked verified reads/writes, partial-blob tracking for out-of-order
// download, and a reference-counted GC sweep through hash-sequence blobs.
//
// Writes stage to a temp file and reach their final content-addressed
// name via os.Rename, so a crashed put never leaves a half-written blob
// under a valid hash name.
package blobstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/beamshare/beam/pkg/codec/cborcanon"
	"github.com/beamshare/beam/pkg/constants"
	"github.com/beamshare/beam/pkg/hashtree"
	"github.com/beamshare/beam/pkg/xferrors"
)

// Format tags a blob's payload interpretation.
type Format byte

const (
	// Raw blobs are a single opaque byte string.
	Raw Format = iota
	// HashSequence blobs are a concatenation of 32-byte hashes, each
	// referring to another blob.
	HashSequence
)

// Status describes how much of a blob's bytes are present locally.
type Status int

const (
	Missing Status = iota
	Partial
	Complete
)

// ContainsResult reports a blob's presence and, if partial, which chunks
// are verified so far.
type ContainsResult struct {
	Status Status
	Bitmap []bool // only meaningful when Status == Partial
}

// indexEntry is the persisted record for one known hash.
type indexEntry struct {
	Format Format `cbor:"format"`
	Size   uint64 `cbor:"size"`
}

// Store is a single process's view of the on-disk blob directory. All
// public operations are safe for concurrent use; writes to a given hash are
// mutually exclusive via a per-hash keyed lock, while reads of a complete
// blob are unrestricted.
type Store struct {
	root      string
	chunkSize uint64

	locksMu sync.Mutex
	locks   map[hashtree.Hash]*sync.Mutex

	indexMu sync.RWMutex
	index   map[hashtree.Hash]indexEntry
}

// Open creates (if needed) the data/tmp subdirectories under root and loads
// any existing index file.
func Open(root string) (*Store, error) {
	dataDir := filepath.Join(root, "data")
	tmpDir := filepath.Join(root, "tmp")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xferrors.Storage(dataDir, err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, xferrors.Storage(tmpDir, err)
	}

	s := &Store{
		root:      root,
		chunkSize: constants.ChunkSize,
		locks:     make(map[hashtree.Hash]*sync.Mutex),
		index:     make(map[hashtree.Hash]indexEntry),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) indexPath() string { return filepath.Join(s.root, "index.cbor") }

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return xferrors.Storage(s.indexPath(), err)
	}
	type wireEntry struct {
		Hash   string `cbor:"hash"`
		Format Format `cbor:"format"`
		Size   uint64 `cbor:"size"`
	}
	var entries []wireEntry
	if err := cborcanon.Unmarshal(data, &entries); err != nil {
		return xferrors.Storage(s.indexPath(), err)
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	for _, e := range entries {
		raw, err := hex.DecodeString(e.Hash)
		if err != nil || len(raw) != 32 {
			continue
		}
		var h hashtree.Hash
		copy(h[:], raw)
		s.index[h] = indexEntry{Format: e.Format, Size: e.Size}
	}
	return nil
}

// saveIndex rewrites the index file atomically. It takes indexMu itself and
// holds it across the write, so concurrent callers never share the temp
// file; callers must not hold indexMu.
func (s *Store) saveIndex() error {
	type wireEntry struct {
		Hash   string `cbor:"hash"`
		Format Format `cbor:"format"`
		Size   uint64 `cbor:"size"`
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	entries := make([]wireEntry, 0, len(s.index))
	for h, e := range s.index {
		entries = append(entries, wireEntry{Hash: h.String(), Format: e.Format, Size: e.Size})
	}

	data, err := cborcanon.Marshal(entries)
	if err != nil {
		return xferrors.Storage(s.indexPath(), err)
	}
	return atomicWrite(s.indexPath(), data)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return xferrors.Storage(path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return xferrors.Storage(path, err)
	}
	return nil
}

func (s *Store) dataPath(h hashtree.Hash) string {
	return filepath.Join(s.root, "data", h.String())
}

func (s *Store) outboardPath(h hashtree.Hash) string {
	return filepath.Join(s.root, "data", h.String()+".outboard")
}

func (s *Store) partialPath(h hashtree.Hash) string {
	return filepath.Join(s.root, "data", h.String()+".partial")
}

func (s *Store) bitmapPath(h hashtree.Hash) string {
	return filepath.Join(s.root, "data", h.String()+".partial.bitmap")
}

func (s *Store) lockFor(h hashtree.Hash) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[h]
	if !ok {
		l = &sync.Mutex{}
		s.locks[h] = l
	}
	return l
}

// PutStream consumes a byte stream, writes chunks to a staging file while
// updating a streaming hasher, and on finalization validates expectedHash
// if supplied before atomically renaming into the data directory.
func (s *Store) PutStream(ctx context.Context, format Format, expectedHash *hashtree.Hash, r io.Reader) (hashtree.Hash, uint64, error) {
	tmpFile, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-*.tmp")
	if err != nil {
		return hashtree.Hash{}, 0, xferrors.Storage(s.root, err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	hasher := hashtree.NewStreamingHasher(s.chunkSize)
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			tmpFile.Close()
			return hashtree.Hash{}, 0, xferrors.Cancelled()
		default:
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := tmpFile.Write(buf[:n]); werr != nil {
				tmpFile.Close()
				return hashtree.Hash{}, 0, xferrors.Storage(tmpPath, werr)
			}
			_, _ = hasher.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			tmpFile.Close()
			return hashtree.Hash{}, 0, xferrors.Storage(tmpPath, rerr)
		}
	}
	if err := tmpFile.Close(); err != nil {
		return hashtree.Hash{}, 0, xferrors.Storage(tmpPath, err)
	}

	tree, total := hasher.Finalize()
	root := tree.Root()
	if expectedHash != nil && root != *expectedHash {
		return hashtree.Hash{}, 0, xferrors.Integrity(root.String(), "put_stream: hash mismatch against expected_hash")
	}

	lock := s.lockFor(root)
	lock.Lock()
	defer lock.Unlock()

	target := s.dataPath(root)
	if _, err := os.Stat(target); err == nil {
		// Content-addressed: already present, nothing further to do.
		return root, total, nil
	}

	if err := atomicRename(tmpPath, target); err != nil {
		return hashtree.Hash{}, 0, xferrors.Storage(target, err)
	}
	if err := atomicWrite(s.outboardPath(root), hashtree.EncodeOutboard(tree, s.chunkSize)); err != nil {
		return hashtree.Hash{}, 0, err
	}

	s.indexMu.Lock()
	s.index[root] = indexEntry{Format: format, Size: total}
	s.indexMu.Unlock()
	if err := s.saveIndex(); err != nil {
		return hashtree.Hash{}, 0, err
	}

	return root, total, nil
}

func atomicRename(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	return nil
}

// PutBytes is a convenience wrapper around PutStream for in-memory data.
func (s *Store) PutBytes(ctx context.Context, format Format, data []byte) (hashtree.Hash, error) {
	h, _, err := s.PutStream(ctx, format, nil, &byteReader{data: data})
	return h, err
}

type byteReader struct {
	data []byte
	pos  int
}

func (b *byteReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}

// Contains reports whether hash is fully stored, partially stored, or
// missing entirely.
func (s *Store) Contains(h hashtree.Hash) (ContainsResult, error) {
	if _, err := os.Stat(s.dataPath(h)); err == nil {
		return ContainsResult{Status: Complete}, nil
	}
	bitmapData, err := os.ReadFile(s.bitmapPath(h))
	if os.IsNotExist(err) {
		return ContainsResult{Status: Missing}, nil
	}
	if err != nil {
		return ContainsResult{}, xferrors.Storage(s.bitmapPath(h), err)
	}
	bitmap := make([]bool, len(bitmapData))
	for i, b := range bitmapData {
		bitmap[i] = b != 0
	}
	return ContainsResult{Status: Partial, Bitmap: bitmap}, nil
}

// Size returns the known size of hash, if the store has recorded it. Only
// complete blobs are recorded; a blob still being written through
// OpenPartial has no recorded size.
func (s *Store) Size(h hashtree.Hash) (uint64, bool) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	e, ok := s.index[h]
	return e.Size, ok
}

// Format returns the recorded format tag for hash, if known.
func (s *Store) Format(h hashtree.Hash) (Format, bool) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	e, ok := s.index[h]
	return e.Format, ok
}

// Chunk is one verified unit of a GetRange stream.
type Chunk struct {
	Index uint64
	Data  []byte
	Path  []hashtree.PathStep
}

// ChunkReader lazily emits verified chunks for a GetRange call.
type ChunkReader struct {
	f         *os.File
	tree      *hashtree.Tree
	chunkSize uint64
	size      uint64
	startIdx  uint64
	endIdx    uint64
	cur       uint64
}

// Next returns the next chunk in the range, or io.EOF once exhausted.
func (c *ChunkReader) Next() (Chunk, error) {
	if c.cur > c.endIdx {
		return Chunk{}, io.EOF
	}
	idx := c.cur
	start := idx * c.chunkSize
	end := start + c.chunkSize
	if end > c.size {
		end = c.size
	}
	buf := make([]byte, end-start)
	if len(buf) > 0 {
		if _, err := c.f.ReadAt(buf, int64(start)); err != nil {
			return Chunk{}, xferrors.Storage(c.f.Name(), err)
		}
	}
	path, err := c.tree.Path(idx)
	if err != nil {
		return Chunk{}, xferrors.Integrity("", err.Error())
	}
	c.cur++
	return Chunk{Index: idx, Data: buf, Path: path}, nil
}

// Close releases the underlying file handle.
func (c *ChunkReader) Close() error {
	return c.f.Close()
}

// GetRange returns a lazy, chunk-verified reader over [offset, offset+length)
// of the blob named by hash.
func (s *Store) GetRange(ctx context.Context, h hashtree.Hash, offset, length uint64) (*ChunkReader, error) {
	path := s.dataPath(h)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, xferrors.Integrity(h.String(), "blob not found")
	}
	if err != nil {
		return nil, xferrors.Storage(path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xferrors.Storage(path, err)
	}
	size := uint64(info.Size())

	outboardData, err := os.ReadFile(s.outboardPath(h))
	if err != nil {
		f.Close()
		return nil, xferrors.Storage(s.outboardPath(h), err)
	}

	leaves, err := leavesFromFile(f, size, s.chunkSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	tree, err := hashtree.DecodeOutboard(outboardData, leaves)
	if err != nil {
		f.Close()
		return nil, xferrors.Storage(s.outboardPath(h), err)
	}
	if tree.Root() != h {
		f.Close()
		return nil, xferrors.Integrity(h.String(), "stored blob does not hash to its own name")
	}

	if offset+length > size {
		if offset > size {
			f.Close()
			return nil, fmt.Errorf("blobstore: range out of bounds: offset=%d length=%d size=%d", offset, length, size)
		}
		length = size - offset
	}
	if length == 0 {
		// Empty range (including any read of an empty blob): no chunk
		// frames at all, Next() yields io.EOF immediately.
		return &ChunkReader{f: f, tree: tree, chunkSize: s.chunkSize, size: size, startIdx: 1, endIdx: 0, cur: 1}, nil
	}
	startIdx := offset / s.chunkSize
	endIdx := (offset + length - 1) / s.chunkSize

	return &ChunkReader{f: f, tree: tree, chunkSize: s.chunkSize, size: size, startIdx: startIdx, endIdx: endIdx, cur: startIdx}, nil
}

func leavesFromFile(f *os.File, size, chunkSize uint64) ([]hashtree.Hash, error) {
	if size == 0 {
		// Mirror Build's empty-leaf convention so an empty blob's
		// outboard (leafCount 1) decodes.
		return []hashtree.Hash{hashtree.ChunkHash(nil)}, nil
	}
	n := hashtree.NumChunks(size, chunkSize)
	leaves := make([]hashtree.Hash, 0, n)
	buf := make([]byte, chunkSize)
	for i := uint64(0); i < n; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > size {
			end = size
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, int64(start)); err != nil {
			return nil, xferrors.Storage(f.Name(), err)
		}
		leaves = append(leaves, hashtree.ChunkHash(chunk))
	}
	return leaves, nil
}

// Delete removes a blob's data and outboard files and drops its index
// entry.
func (s *Store) Delete(h hashtree.Hash) error {
	lock := s.lockFor(h)
	lock.Lock()
	defer lock.Unlock()

	for _, p := range []string{s.dataPath(h), s.outboardPath(h), s.partialPath(h), s.bitmapPath(h)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return xferrors.Storage(p, err)
		}
	}
	s.indexMu.Lock()
	delete(s.index, h)
	s.indexMu.Unlock()
	return s.saveIndex()
}

// GC retains every blob reachable from roots (following hash-sequence
// blobs transitively) and deletes everything else the store currently
// knows about.
func (s *Store) GC(ctx context.Context, roots []hashtree.Hash) error {
	reachable := make(map[hashtree.Hash]bool)
	queue := append([]hashtree.Hash{}, roots...)
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if reachable[h] {
			continue
		}
		reachable[h] = true

		format, ok := s.Format(h)
		if !ok || format != HashSequence {
			continue
		}
		size, _ := s.Size(h)
		cr, err := s.GetRange(ctx, h, 0, size)
		if err != nil {
			continue
		}
		var body []byte
		for {
			c, err := cr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				cr.Close()
				return err
			}
			body = append(body, c.Data...)
		}
		cr.Close()
		for off := 0; off+32 <= len(body); off += 32 {
			var child hashtree.Hash
			copy(child[:], body[off:off+32])
			queue = append(queue, child)
		}
	}

	s.indexMu.RLock()
	var toDelete []hashtree.Hash
	for h := range s.index {
		if !reachable[h] {
			toDelete = append(toDelete, h)
		}
	}
	s.indexMu.RUnlock()

	for _, h := range toDelete {
		if err := s.Delete(h); err != nil {
			return err
		}
	}
	return nil
}
