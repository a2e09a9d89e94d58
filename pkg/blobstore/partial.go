package blobstore

import (
	"os"
	"sync"

	"github.com/beamshare/beam/pkg/hashtree"
	"github.com/beamshare/beam/pkg/xferrors"
)

// PartialWriter accepts chunk writes at arbitrary indices, each carrying
// its own verification path against the target hash, and transitions to a
// complete blob once every chunk has arrived and verified.
type PartialWriter struct {
	store     *Store
	hash      hashtree.Hash
	format    Format
	size      uint64
	chunkSize uint64
	numChunks uint64

	mu      sync.Mutex
	f       *os.File
	leaves  []hashtree.Hash
	present []bool
	count   uint64
}

// OpenPartial creates or reopens a partial blob of declaredSize for hash,
// ready to accept out-of-order verified chunk writes.
func (s *Store) OpenPartial(h hashtree.Hash, format Format, declaredSize uint64) (*PartialWriter, error) {
	path := s.partialPath(h)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, xferrors.Storage(path, err)
	}
	if err := f.Truncate(int64(declaredSize)); err != nil {
		f.Close()
		return nil, xferrors.Storage(path, err)
	}

	numChunks := hashtree.NumChunks(declaredSize, s.chunkSize)
	if numChunks == 0 {
		numChunks = 1
	}

	pw := &PartialWriter{
		store:     s,
		hash:      h,
		format:    format,
		size:      declaredSize,
		chunkSize: s.chunkSize,
		numChunks: numChunks,
		f:         f,
		leaves:    make([]hashtree.Hash, numChunks),
		present:   make([]bool, numChunks),
	}

	if bitmapData, err := os.ReadFile(s.bitmapPath(h)); err == nil {
		// Recompute each present chunk's leaf from the staged bytes so
		// a resume across process restarts can still finalize the tree.
		buf := make([]byte, s.chunkSize)
		for i, b := range bitmapData {
			if i >= len(pw.present) || b == 0 {
				continue
			}
			start := uint64(i) * s.chunkSize
			end := start + s.chunkSize
			if end > declaredSize {
				end = declaredSize
			}
			chunk := buf[:end-start]
			if _, err := f.ReadAt(chunk, int64(start)); err != nil {
				continue // treat as absent; the chunk will be re-fetched
			}
			pw.leaves[i] = hashtree.ChunkHash(chunk)
			pw.present[i] = true
			pw.count++
		}
	}

	return pw, nil
}

// WriteChunk verifies chunkData against the partial's target hash using
// path before writing a single byte, so a substituted or corrupted chunk
// is rejected immediately rather than only detected once the whole blob
// has arrived. WriteChunk returns true once the blob transitions to
// complete.
func (pw *PartialWriter) WriteChunk(index uint64, data []byte, path []hashtree.PathStep) (bool, error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if index >= pw.numChunks {
		return false, xferrors.Integrity(pw.hash.String(), "chunk index outside declared size")
	}

	if err := hashtree.Verify(pw.hash, index, data, path, pw.size, pw.chunkSize); err != nil {
		return false, xferrors.Integrity(pw.hash.String(), err.Error())
	}

	if !pw.present[index] {
		if _, err := pw.f.WriteAt(data, int64(index*pw.chunkSize)); err != nil {
			return false, xferrors.Storage(pw.f.Name(), err)
		}
		pw.leaves[index] = hashtree.ChunkHash(data)
		pw.present[index] = true
		pw.count++
		_ = pw.saveBitmapLocked()
	}

	if pw.count < pw.numChunks {
		return false, nil
	}

	tree := hashtree.Build(pw.leaves)
	if tree.Root() != pw.hash {
		return false, xferrors.Integrity(pw.hash.String(), "reconstructed blob does not match target hash")
	}

	if err := pw.finalizeLocked(tree); err != nil {
		return false, err
	}
	return true, nil
}

func (pw *PartialWriter) saveBitmapLocked() error {
	bitmap := make([]byte, len(pw.present))
	for i, b := range pw.present {
		if b {
			bitmap[i] = 1
		}
	}
	return atomicWrite(pw.store.bitmapPath(pw.hash), bitmap)
}

func (pw *PartialWriter) finalizeLocked(tree *hashtree.Tree) error {
	lock := pw.store.lockFor(pw.hash)
	lock.Lock()
	defer lock.Unlock()

	if err := pw.f.Close(); err != nil {
		return xferrors.Storage(pw.f.Name(), err)
	}
	target := pw.store.dataPath(pw.hash)
	if err := os.Rename(pw.store.partialPath(pw.hash), target); err != nil {
		return xferrors.Storage(target, err)
	}
	if err := atomicWrite(pw.store.outboardPath(pw.hash), hashtree.EncodeOutboard(tree, pw.chunkSize)); err != nil {
		return err
	}
	os.Remove(pw.store.bitmapPath(pw.hash))

	pw.store.indexMu.Lock()
	pw.store.index[pw.hash] = indexEntry{Format: pw.format, Size: pw.size}
	pw.store.indexMu.Unlock()
	return pw.store.saveIndex()
}

// Abort discards the partial blob's on-disk state entirely.
func (pw *PartialWriter) Abort() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.f.Close()
	os.Remove(pw.store.partialPath(pw.hash))
	os.Remove(pw.store.bitmapPath(pw.hash))
	return nil
}

// Progress returns the number of chunks verified so far and the total.
func (pw *PartialWriter) Progress() (count, total uint64) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.count, pw.numChunks
}
