// Package hashtree implements blake3 chunked hashing with verifiable ranges:
// a streaming hasher that yields a root on finalization, and a verifier that
// checks a single chunk against that root given a compact verification path.
//
// The tree is built directly on lukechampine.com/blake3's keyed-hash
// primitive rather than an off-the-shelf Bao library.
//
// Tree shape: a left-complete binary tree over fixed-size chunks. Leaves are
// the plain blake3 hash of each chunk's bytes. An interior node is the
// keyed blake3 hash of its two children concatenated. When a level has an
// odd node out, that node is promoted unchanged to the next level rather
// than duplicated, so there is exactly one well-defined root for any chunk
// count and no duplicate-leaf second-preimage hazard.
package hashtree

import (
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"
)

// Hash is a 32-byte blake3 digest.
type Hash [32]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// nodeKey domain-separates interior-node hashing from leaf hashing so a
// crafted chunk can never be mistaken for a combined pair of children.
var nodeKey = blake3.Sum256([]byte("beam-hashtree-interior-node-v1"))

// ChunkHash returns the leaf hash of a single chunk's bytes.
func ChunkHash(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// combine computes the keyed hash of two child nodes in order.
func combine(left, right Hash) Hash {
	h := blake3.New(32, nodeKey[:])
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// NumChunks returns the number of fixed-size chunks needed to cover size
// bytes, given chunkSize.
func NumChunks(size uint64, chunkSize uint64) uint64 {
	if size == 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// Tree holds every level of the verification tree, from leaves (level 0) to
// the single-node root (last level). It is built once a blob's full set of
// chunk hashes is known, e.g. from a completed streaming hash or from an
// on-disk outboard file.
type Tree struct {
	levels [][]Hash
}

// Build constructs a Tree from the ordered leaf (chunk) hashes. An empty
// leaf set yields a Tree whose root is the canonical empty-blob hash
// (ChunkHash(nil)).
func Build(leaves []Hash) *Tree {
	if len(leaves) == 0 {
		leaves = []Hash{ChunkHash(nil)}
	}
	levels := [][]Hash{leaves}
	cur := leaves
	for len(cur) > 1 {
		next := make([]Hash, (len(cur)+1)/2)
		for i := range next {
			l := cur[i*2]
			if i*2+1 < len(cur) {
				next[i] = combine(l, cur[i*2+1])
			} else {
				next[i] = l
			}
		}
		levels = append(levels, next)
		cur = next
	}
	return &Tree{levels: levels}
}

// Root returns the tree's top hash.
func (t *Tree) Root() Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Depth returns the number of interior levels above the leaves (0 for a
// single-chunk or empty blob).
func (t *Tree) Depth() int {
	return len(t.levels) - 1
}

// StepKind tags a single hop of a verification path.
type StepKind byte

const (
	// StepPassthrough means this node was promoted unchanged (no sibling
	// at this level); the hash carries forward untouched.
	StepPassthrough StepKind = 0
	// StepSiblingRight means the sibling is this node's right child:
	// parent = combine(current, sibling).
	StepSiblingRight StepKind = 1
	// StepSiblingLeft means the sibling is this node's left child:
	// parent = combine(sibling, current).
	StepSiblingLeft StepKind = 2
)

// PathStep is one hop of a verification path from a leaf toward the root.
type PathStep struct {
	Kind    StepKind
	Sibling Hash // zero when Kind == StepPassthrough
}

// Path returns the verification path for the leaf at index, bottom to top.
func (t *Tree) Path(index uint64) ([]PathStep, error) {
	if index >= uint64(len(t.levels[0])) {
		return nil, fmt.Errorf("hashtree: index %d out of range (%d leaves)", index, len(t.levels[0]))
	}
	var path []PathStep
	i := index
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		if i%2 == 0 {
			if int(i+1) < len(nodes) {
				path = append(path, PathStep{Kind: StepSiblingRight, Sibling: nodes[i+1]})
			} else {
				path = append(path, PathStep{Kind: StepPassthrough})
			}
		} else {
			path = append(path, PathStep{Kind: StepSiblingLeft, Sibling: nodes[i-1]})
		}
		i /= 2
	}
	return path, nil
}

// Verify checks that chunkData, at chunkIndex of a blob with the given
// total size and chunkSize, is consistent with root via path. It returns
// nil on success and a descriptive error on any rejection: length mismatch,
// interior hash disagreement, or an index outside the declared size.
func Verify(root Hash, chunkIndex uint64, chunkData []byte, path []PathStep, size uint64, chunkSize uint64) error {
	numChunks := NumChunks(size, chunkSize)
	if numChunks == 0 {
		numChunks = 1
	}
	if chunkIndex >= numChunks {
		return fmt.Errorf("hashtree: chunk index %d outside declared size (numChunks=%d)", chunkIndex, numChunks)
	}

	expectedLen := chunkSize
	if chunkIndex == numChunks-1 {
		rem := size % chunkSize
		if rem != 0 {
			expectedLen = rem
		}
	}
	if size == 0 {
		expectedLen = 0
	}
	if uint64(len(chunkData)) != expectedLen {
		return fmt.Errorf("hashtree: chunk %d length mismatch: want %d, got %d", chunkIndex, expectedLen, len(chunkData))
	}

	cur := ChunkHash(chunkData)
	for _, step := range path {
		switch step.Kind {
		case StepPassthrough:
			// cur carries forward unchanged.
		case StepSiblingRight:
			cur = combine(cur, step.Sibling)
		case StepSiblingLeft:
			cur = combine(step.Sibling, cur)
		default:
			return fmt.Errorf("hashtree: unknown path step kind %d", step.Kind)
		}
	}

	if cur != root {
		return fmt.Errorf("hashtree: chunk %d failed verification against root", chunkIndex)
	}
	return nil
}

// EncodePath serializes a verification path to bytes: each step is 1 byte
// kind, followed by 32 bytes of sibling hash when the kind carries one.
func EncodePath(path []PathStep) []byte {
	buf := make([]byte, 0, len(path)*33)
	for _, step := range path {
		buf = append(buf, byte(step.Kind))
		if step.Kind != StepPassthrough {
			buf = append(buf, step.Sibling[:]...)
		}
	}
	return buf
}

// DecodePath parses a verification path previously produced by EncodePath.
func DecodePath(buf []byte) ([]PathStep, error) {
	var path []PathStep
	for len(buf) > 0 {
		kind := StepKind(buf[0])
		buf = buf[1:]
		step := PathStep{Kind: kind}
		if kind != StepPassthrough {
			if len(buf) < 32 {
				return nil, fmt.Errorf("hashtree: truncated verification path")
			}
			copy(step.Sibling[:], buf[:32])
			buf = buf[32:]
		}
		path = append(path, step)
	}
	return path, nil
}

// StreamingHasher accumulates chunk hashes as data is written in
// chunk-sized (or smaller, for the final chunk) pieces and yields the root
// and full tree on Finalize. It mirrors the shape of a streaming hash API
// but tracks each chunk boundary explicitly so the outboard tree can be
// built without re-reading the input.
type StreamingHasher struct {
	chunkSize uint64
	leaves    []Hash
	buf       []byte
	total     uint64
}

// NewStreamingHasher creates a hasher splitting input into chunkSize chunks.
func NewStreamingHasher(chunkSize uint64) *StreamingHasher {
	return &StreamingHasher{chunkSize: chunkSize}
}

// Write feeds arbitrary-size data into the hasher, splitting it into
// chunk-sized leaves as boundaries are crossed.
func (s *StreamingHasher) Write(p []byte) (int, error) {
	n := len(p)
	s.total += uint64(n)
	s.buf = append(s.buf, p...)
	for uint64(len(s.buf)) >= s.chunkSize {
		s.leaves = append(s.leaves, ChunkHash(s.buf[:s.chunkSize]))
		s.buf = s.buf[s.chunkSize:]
	}
	return n, nil
}

// Finalize flushes any trailing partial chunk and returns the completed
// Tree along with the total byte count written.
func (s *StreamingHasher) Finalize() (*Tree, uint64) {
	if len(s.buf) > 0 {
		s.leaves = append(s.leaves, ChunkHash(s.buf))
		s.buf = nil
	}
	return Build(s.leaves), s.total
}

// LeafHashesFromBytes splits data into chunkSize chunks and returns their
// leaf hashes, for callers that already hold the full byte slice.
func LeafHashesFromBytes(data []byte, chunkSize uint64) []Hash {
	if len(data) == 0 {
		return nil
	}
	n := NumChunks(uint64(len(data)), chunkSize)
	leaves := make([]Hash, 0, n)
	for i := uint64(0); i < n; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		leaves = append(leaves, ChunkHash(data[start:end]))
	}
	return leaves
}

// outboardMagic/version guard the on-disk <hash>.outboard format: a flat
// concatenation of interior-level hashes, level by level, bottom to top,
// preceded by a small header.
const outboardMagic = "BTR1"

// EncodeOutboard serializes every level of t except the leaves (which the
// blob store can always recompute from chunk bytes) into the <hash>.outboard
// on-disk format: magic, chunk size, leaf count, then each level's hashes.
func EncodeOutboard(t *Tree, chunkSize uint64) []byte {
	out := []byte(outboardMagic)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], chunkSize)
	out = append(out, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(len(t.levels[0])))
	out = append(out, tmp[:]...)
	for level := 1; level < len(t.levels); level++ {
		for _, h := range t.levels[level] {
			out = append(out, h[:]...)
		}
	}
	return out
}

// DecodeOutboard reconstructs a Tree from an on-disk outboard file and the
// independently-known leaf hashes (recomputed from chunk bytes by the
// caller). It checks the header magic and that the recorded leaf count
// matches len(leaves); the stored interior hashes are not read or compared.
// The trust anchor is the expected root the caller compares against.
func DecodeOutboard(data []byte, leaves []Hash) (*Tree, error) {
	if len(data) < 20 || string(data[:4]) != outboardMagic {
		return nil, fmt.Errorf("hashtree: bad outboard header")
	}
	chunkSize := binary.BigEndian.Uint64(data[4:12])
	_ = chunkSize
	leafCount := binary.BigEndian.Uint64(data[12:20])
	if leafCount != uint64(len(leaves)) {
		return nil, fmt.Errorf("hashtree: outboard leaf count %d does not match %d recomputed leaves", leafCount, len(leaves))
	}

	// Rebuild the full tree from the leaves directly; the persisted
	// interior levels exist for fast random access in a future
	// implementation but are not required for correctness here since
	// Build is cheap and always authoritative.
	return Build(leaves), nil
}
