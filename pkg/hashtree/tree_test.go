package hashtree

import (
	"bytes"
	"testing"
)

func TestBuildAndVerifySingleChunk(t *testing.T) {
	data := []byte("hello")
	leaves := LeafHashesFromBytes(data, 1024)
	tree := Build(leaves)
	if tree.Depth() != 0 {
		t.Fatalf("expected depth 0 for single chunk, got %d", tree.Depth())
	}

	path, err := tree.Path(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 0 {
		t.Fatalf("expected empty verification path for a single-chunk tree, got %d steps", len(path))
	}

	if err := Verify(tree.Root(), 0, data, path, uint64(len(data)), 1024); err != nil {
		t.Fatalf("expected valid chunk to verify: %v", err)
	}
}

func TestBuildAndVerifyMultiChunkOddCount(t *testing.T) {
	chunkSize := uint64(4)
	data := []byte("aaaabbbbccccddddee") // 18 bytes -> chunks of 4: 4 full + 1 of 2 bytes = 5 chunks (odd count)
	leaves := LeafHashesFromBytes(data, chunkSize)
	if len(leaves) != 5 {
		t.Fatalf("expected 5 leaves, got %d", len(leaves))
	}

	tree := Build(leaves)
	root := tree.Root()

	for i := uint64(0); i < uint64(len(leaves)); i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		chunk := data[start:end]

		path, err := tree.Path(i)
		if err != nil {
			t.Fatal(err)
		}
		if err := Verify(root, i, chunk, path, uint64(len(data)), chunkSize); err != nil {
			t.Fatalf("chunk %d failed to verify: %v", i, err)
		}
	}
}

func TestVerifyRejectsTamperedChunk(t *testing.T) {
	chunkSize := uint64(4)
	data := []byte("aaaabbbbcccc")
	leaves := LeafHashesFromBytes(data, chunkSize)
	tree := Build(leaves)
	root := tree.Root()

	path, err := tree.Path(1)
	if err != nil {
		t.Fatal(err)
	}

	tampered := []byte("XXXX")
	if err := Verify(root, 1, tampered, path, uint64(len(data)), chunkSize); err == nil {
		t.Fatalf("expected tampered chunk to fail verification")
	}
}

func TestVerifyRejectsLengthMismatch(t *testing.T) {
	chunkSize := uint64(4)
	data := []byte("aaaabbbb")
	leaves := LeafHashesFromBytes(data, chunkSize)
	tree := Build(leaves)
	root := tree.Root()

	path, err := tree.Path(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(root, 0, []byte("aaa"), path, uint64(len(data)), chunkSize); err == nil {
		t.Fatalf("expected length mismatch to be rejected")
	}
}

func TestEmptyBlobHasCanonicalHash(t *testing.T) {
	tree1 := Build(nil)
	tree2 := Build(LeafHashesFromBytes(nil, 1024))
	if tree1.Root() != tree2.Root() {
		t.Fatalf("expected empty blob to have a canonical hash regardless of construction path")
	}
	if tree1.Root() != ChunkHash(nil) {
		t.Fatalf("expected empty blob root to equal ChunkHash(nil)")
	}
}

func TestPathEncodeDecodeRoundTrip(t *testing.T) {
	chunkSize := uint64(4)
	data := []byte("aaaabbbbccccdd")
	leaves := LeafHashesFromBytes(data, chunkSize)
	tree := Build(leaves)

	for i := range leaves {
		path, err := tree.Path(uint64(i))
		if err != nil {
			t.Fatal(err)
		}
		encoded := EncodePath(path)
		decoded, err := DecodePath(encoded)
		if err != nil {
			t.Fatal(err)
		}
		if len(decoded) != len(path) {
			t.Fatalf("round-trip step count mismatch: got %d want %d", len(decoded), len(path))
		}
		for j := range path {
			if decoded[j] != path[j] {
				t.Fatalf("round-trip step %d mismatch", j)
			}
		}
	}
}

func TestStreamingHasherMatchesBatch(t *testing.T) {
	chunkSize := uint64(4)
	data := []byte("aaaabbbbccccdd")

	sh := NewStreamingHasher(chunkSize)
	// Feed in ragged writes that don't align to chunk boundaries.
	_, _ = sh.Write(data[:3])
	_, _ = sh.Write(data[3:10])
	_, _ = sh.Write(data[10:])
	tree, total := sh.Finalize()

	if total != uint64(len(data)) {
		t.Fatalf("expected total %d, got %d", len(data), total)
	}

	batch := Build(LeafHashesFromBytes(data, chunkSize))
	if tree.Root() != batch.Root() {
		t.Fatalf("streaming hash root does not match batch hash root")
	}
}

func TestOutboardEncodeDecode(t *testing.T) {
	chunkSize := uint64(4)
	data := []byte("aaaabbbbccccdd")
	leaves := LeafHashesFromBytes(data, chunkSize)
	tree := Build(leaves)

	encoded := EncodeOutboard(tree, chunkSize)
	decoded, err := DecodeOutboard(encoded, leaves)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Root() != tree.Root() {
		t.Fatalf("outboard round-trip root mismatch")
	}
}

func TestNumChunks(t *testing.T) {
	cases := []struct {
		size, chunkSize, want uint64
	}{
		{0, 1024, 0},
		{1, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{1<<32 - 1, 1024, (1<<32-1+1023)/1024},
	}
	for _, c := range cases {
		if got := NumChunks(c.size, c.chunkSize); got != c.want {
			t.Fatalf("NumChunks(%d,%d) = %d, want %d", c.size, c.chunkSize, got, c.want)
		}
	}
}

func TestChunkHashDeterministic(t *testing.T) {
	a := ChunkHash([]byte("hello"))
	b := ChunkHash([]byte("hello"))
	if !bytes.Equal(a[:], b[:]) {
		t.Fatalf("expected identical input to hash identically")
	}
}
