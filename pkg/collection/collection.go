// Package collection implements the manifest codec for a set of named
// files (§3, §4.3): an ordered list of (name, hash) entries, serialized as
// two blobs in the blob store: a metadata blob holding the names and a
// links blob of concatenated hashes whose own hash is the collection's
// root.
package collection

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/beamshare/beam/pkg/blobstore"
	"github.com/beamshare/beam/pkg/hashtree"
	"github.com/beamshare/beam/pkg/xferrors"
)

// Entry is one (name, hash) pair in a collection.
type Entry struct {
	Name string
	Hash hashtree.Hash
	Size uint64
}

// ValidateName enforces the §3 normalization rules: forward slashes only,
// no leading slash, no ".." component, no empty component, no NUL byte.
func ValidateName(name string) error {
	if name == "" {
		return xferrors.MalformedCollection("empty name")
	}
	if strings.ContainsRune(name, 0) {
		return xferrors.MalformedCollection("name contains NUL: " + name)
	}
	if strings.HasPrefix(name, "/") {
		return xferrors.MalformedCollection("name has a leading slash: " + name)
	}
	if strings.Contains(name, "\\") {
		return xferrors.MalformedCollection("name contains a backslash: " + name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" {
			return xferrors.MalformedCollection("name has an empty path component: " + name)
		}
		if part == ".." {
			return xferrors.MalformedCollection("name escapes its root with '..': " + name)
		}
	}
	return nil
}

// Encode writes the metadata blob (a length-prefixed list of
// length-prefixed UTF-8 names, in entries' order) and the links blob (the
// 32-byte concatenation meta_hash || entry0_hash || entry1_hash || …) into
// store, returning the collection's root hash (the links blob's hash).
// Entries must already be in their final collection order;
// Encode does not sort.
func Encode(ctx context.Context, store *blobstore.Store, entries []Entry) (hashtree.Hash, error) {
	for _, e := range entries {
		if err := ValidateName(e.Name); err != nil {
			return hashtree.Hash{}, err
		}
	}
	if dup := findDuplicateName(entries); dup != "" {
		return hashtree.Hash{}, xferrors.MalformedCollection("duplicate name: " + dup)
	}

	meta := encodeMetadata(entries)
	metaHash, err := store.PutBytes(ctx, blobstore.Raw, meta)
	if err != nil {
		return hashtree.Hash{}, err
	}

	links := make([]byte, 0, 32*(len(entries)+1))
	links = append(links, metaHash[:]...)
	for _, e := range entries {
		links = append(links, e.Hash[:]...)
	}
	root, err := store.PutBytes(ctx, blobstore.HashSequence, links)
	if err != nil {
		return hashtree.Hash{}, err
	}
	return root, nil
}

// Decode loads the links blob named by root, verifies its length is a
// multiple of 32, loads the metadata blob, asserts the name count equals
// the link count minus one, validates every name, and returns the ordered
// entries.
func Decode(ctx context.Context, store *blobstore.Store, root hashtree.Hash) ([]Entry, error) {
	linkSize, ok := store.Size(root)
	if !ok {
		return nil, xferrors.Integrity(root.String(), "collection root not found")
	}
	links, err := readAll(ctx, store, root, linkSize)
	if err != nil {
		return nil, err
	}
	if len(links)%32 != 0 {
		return nil, xferrors.MalformedCollection("links blob length is not a multiple of 32")
	}
	if len(links) == 0 {
		return nil, xferrors.MalformedCollection("links blob is empty: missing metadata hash")
	}

	var metaHash hashtree.Hash
	copy(metaHash[:], links[:32])
	linkHashes := links[32:]
	linkCount := len(linkHashes) / 32

	metaSize, ok := store.Size(metaHash)
	if !ok {
		return nil, xferrors.Integrity(metaHash.String(), "collection metadata blob not found")
	}
	metaBytes, err := readAll(ctx, store, metaHash, metaSize)
	if err != nil {
		return nil, err
	}
	names, err := decodeMetadata(metaBytes)
	if err != nil {
		return nil, err
	}
	if len(names) != linkCount {
		return nil, xferrors.MalformedCollection(
			fmt.Sprintf("name count %d does not equal link count minus one (%d)", len(names), linkCount))
	}

	entries := make([]Entry, linkCount)
	for i := 0; i < linkCount; i++ {
		if err := ValidateName(names[i]); err != nil {
			return nil, err
		}
		var h hashtree.Hash
		copy(h[:], linkHashes[i*32:(i+1)*32])
		size, _ := store.Size(h)
		entries[i] = Entry{Name: names[i], Hash: h, Size: size}
	}
	if dup := findDuplicateName(entries); dup != "" {
		return nil, xferrors.MalformedCollection("duplicate name: " + dup)
	}
	return entries, nil
}

// SortByName orders entries by normalized name, ascending, as the Importer
// requires for a deterministic collection order (§4.4).
func SortByName(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}

func findDuplicateName(entries []Entry) string {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Name]; ok {
			return e.Name
		}
		seen[e.Name] = struct{}{}
	}
	return ""
}

func encodeMetadata(entries []Entry) []byte {
	var buf []byte
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(entries)))
	buf = append(buf, lenBuf[:]...)
	for _, e := range entries {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Name)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, e.Name...)
	}
	return buf
}

func decodeMetadata(data []byte) ([]string, error) {
	if len(data) < 4 {
		return nil, xferrors.MalformedCollection("metadata blob too short for a count")
	}
	count := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 4 {
			return nil, xferrors.MalformedCollection("metadata blob truncated before a name length")
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint64(len(data)) < uint64(n) {
			return nil, xferrors.MalformedCollection("metadata blob truncated before a name")
		}
		names = append(names, string(data[:n]))
		data = data[n:]
	}
	if len(data) != 0 {
		return nil, xferrors.MalformedCollection("metadata blob has trailing bytes")
	}
	return names, nil
}

func readAll(ctx context.Context, store *blobstore.Store, h hashtree.Hash, size uint64) ([]byte, error) {
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
	return out, nil
}
