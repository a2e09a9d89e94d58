package ticket

import (
	"net"
	"reflect"
	"strings"
	"testing"

	"github.com/beamshare/beam/pkg/blobstore"
)

func sampleTicket() Ticket {
	var root, id [32]byte
	for i := range root {
		root[i] = byte(i)
	}
	for i := range id {
		id[i] = byte(255 - i)
	}
	return Ticket{
		Version:  1,
		Format:   blobstore.HashSequence,
		Root:     root,
		Identity: id,
		Hints: Hints{
			Direct: []DirectAddr{
				{IP: net.ParseIP("192.168.1.5"), Port: 27490},
				{IP: net.ParseIP("10.0.0.1"), Port: 9000},
			},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := sampleTicket()
	encoded, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	// Encode canonicalizes direct-address order, so compare against a
	// ticket already in that canonical order rather than the input order.
	canon, _ := Encode(orig)
	canonDecoded, _ := Decode(canon)
	if !reflect.DeepEqual(decoded, canonDecoded) {
		t.Fatalf("decode(encode(t)) is not stable across calls: %+v vs %+v", decoded, canonDecoded)
	}
	if decoded.Root != orig.Root || decoded.Identity != orig.Identity || decoded.Format != orig.Format {
		t.Fatalf("round-trip mismatch: %+v", decoded)
	}
	if len(decoded.Hints.Direct) != 2 {
		t.Fatalf("expected 2 direct addresses, got %d", len(decoded.Hints.Direct))
	}
}

func TestEncodeWithRelayOnly(t *testing.T) {
	orig := sampleTicket()
	orig.Hints = Hints{RelayURL: "https://relay.example.com"}
	encoded, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Hints.RelayURL != orig.Hints.RelayURL {
		t.Fatalf("relay URL mismatch: %q != %q", decoded.Hints.RelayURL, orig.Hints.RelayURL)
	}
	if len(decoded.Hints.Direct) != 0 {
		t.Fatalf("expected no direct addresses")
	}
	if decoded.Hints.IsNearby() {
		t.Fatalf("a relay-only ticket must not be reported as nearby")
	}
}

func TestEncodeRejectsEmptyHints(t *testing.T) {
	orig := sampleTicket()
	orig.Hints = Hints{}
	if _, err := Encode(orig); err == nil {
		t.Fatal("expected empty hint set to be rejected")
	}
}

func TestDecodeRejectsUnknownScheme(t *testing.T) {
	if _, err := Decode("nope:AAAA"); err == nil {
		t.Fatal("expected unknown scheme to be rejected")
	}
}

func TestDecodeRejectsTruncatedBody(t *testing.T) {
	if _, err := Decode("beam:AA"); err == nil {
		t.Fatal("expected truncated body to be rejected")
	}
}

func TestDecodeIsCaseInsensitive(t *testing.T) {
	encoded, _ := Encode(sampleTicket())
	upper := "BEAM:" + strings.ToUpper(encoded[len("beam:"):])
	if _, err := Decode(upper); err != nil {
		t.Fatalf("expected case-insensitive scheme/body decode, got: %v", err)
	}
}

func TestNearbyTicketHasOnlyDirectAddresses(t *testing.T) {
	orig := sampleTicket()
	if !orig.Hints.IsNearby() {
		t.Fatal("a direct-only ticket should be reported as nearby")
	}
}
