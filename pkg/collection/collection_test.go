package collection

import (
	"context"
	"testing"

	"github.com/beamshare/beam/pkg/blobstore"
)

func openStore(t *testing.T) *blobstore.Store {
	t.Helper()
	store, err := blobstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	h1, err := store.PutBytes(ctx, blobstore.Raw, []byte("hello"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	h2, err := store.PutBytes(ctx, blobstore.Raw, []byte("world, a bit longer than one chunk boundary"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	entries := []Entry{
		{Name: "a/x.bin", Hash: h1},
		{Name: "a/y.bin", Hash: h2},
	}
	root, err := Encode(ctx, store, entries)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(ctx, store, root)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(decoded))
	}
	if decoded[0].Name != "a/x.bin" || decoded[0].Hash != h1 {
		t.Errorf("entry 0 mismatch: %+v", decoded[0])
	}
	if decoded[1].Name != "a/y.bin" || decoded[1].Hash != h2 {
		t.Errorf("entry 1 mismatch: %+v", decoded[1])
	}
}

func TestEmptyFileRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	h, err := store.PutBytes(ctx, blobstore.Raw, nil)
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	root, err := Encode(ctx, store, []Entry{{Name: "empty.txt", Hash: h}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(ctx, store, root)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Name != "empty.txt" {
		t.Fatalf("unexpected decode result: %+v", decoded)
	}
}

func TestDuplicateNameRejectedAtEncode(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	h, _ := store.PutBytes(ctx, blobstore.Raw, []byte("x"))

	_, err := Encode(ctx, store, []Entry{{Name: "a.txt", Hash: h}, {Name: "a.txt", Hash: h}})
	if err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
}

func TestDotDotNameRejected(t *testing.T) {
	if err := ValidateName("../etc/passwd"); err == nil {
		t.Fatal("expected '..' component to be rejected")
	}
	if err := ValidateName("a/../b"); err == nil {
		t.Fatal("expected '..' component to be rejected")
	}
}

func TestNameValidationEdgeCases(t *testing.T) {
	cases := map[string]bool{
		"a/b/c.txt": true,
		"":          false,
		"/abs":      false,
		"a//b":      false,
		"a/":        false,
	}
	for name, want := range cases {
		err := ValidateName(name)
		if (err == nil) != want {
			t.Errorf("ValidateName(%q): err=%v, want valid=%v", name, err, want)
		}
	}
}

func TestDecodeRejectsLinksLengthNotMultipleOf32(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	root, err := store.PutBytes(ctx, blobstore.HashSequence, make([]byte, 33))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	if _, err := Decode(ctx, store, root); err == nil {
		t.Fatal("expected decode to reject a links blob whose length is not a multiple of 32")
	}
}

func TestSortByName(t *testing.T) {
	entries := []Entry{{Name: "b"}, {Name: "a"}, {Name: "c"}}
	SortByName(entries)
	if entries[0].Name != "a" || entries[1].Name != "b" || entries[2].Name != "c" {
		t.Fatalf("not sorted: %+v", entries)
	}
}
