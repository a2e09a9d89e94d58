// Package ticket implements the compact shareable ticket (§3, §4.9, §6):
// a self-describing string binding a root hash and its blob format to an
// Endpoint identity and a set of address hints, so any holder can locate
// and fetch the referenced collection or blob.
package ticket

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/beamshare/beam/pkg/blobstore"
	"github.com/beamshare/beam/pkg/constants"
	"github.com/beamshare/beam/pkg/hashtree"
	"github.com/beamshare/beam/pkg/xferrors"
)

// DirectAddr is one direct socket address hint.
type DirectAddr struct {
	IP   net.IP
	Port uint16
}

func (a DirectAddr) family() byte {
	if ip4 := a.IP.To4(); ip4 != nil {
		return 4
	}
	return 6
}

func (a DirectAddr) bytes() []byte {
	if ip4 := a.IP.To4(); ip4 != nil {
		return ip4
	}
	return a.IP.To16()
}

// Hints is the address hint set carried by a Ticket: zero or more direct
// socket addresses, and/or a relay URL. At least one of the two forms must
// be present.
type Hints struct {
	Direct   []DirectAddr
	RelayURL string
}

// IsNearby reports whether hints contain only direct addresses, i.e. this
// ticket can be fetched over LAN without relay fallback (§4.11).
func (h Hints) IsNearby() bool {
	return h.RelayURL == "" && len(h.Direct) > 0
}

// Ticket is the fully decoded self-describing transfer locator.
type Ticket struct {
	Version  byte
	Format   blobstore.Format
	Root     hashtree.Hash
	Identity [32]byte
	Hints    Hints
}

// Encode produces the canonical textual form "<scheme>:<base32>". Direct
// addresses are sorted by (family, bytes, port) before encoding so two
// logically identical tickets always serialize to the same string.
func Encode(t Ticket) (string, error) {
	if len(t.Hints.Direct) == 0 && t.Hints.RelayURL == "" {
		return "", xferrors.Usage("ticket must carry at least one address hint")
	}

	direct := append([]DirectAddr(nil), t.Hints.Direct...)
	sort.Slice(direct, func(i, j int) bool {
		if direct[i].family() != direct[j].family() {
			return direct[i].family() < direct[j].family()
		}
		bi, bj := direct[i].bytes(), direct[j].bytes()
		if c := compareBytes(bi, bj); c != 0 {
			return c < 0
		}
		return direct[i].Port < direct[j].Port
	})

	var buf []byte
	buf = append(buf, constants.ProtocolVersion)
	buf = append(buf, byte(t.Format))
	buf = append(buf, t.Root[:]...)
	buf = append(buf, t.Identity[:]...)

	relay := []byte(t.Hints.RelayURL)
	buf = append(buf, putUint16(uint16(len(relay)))...)
	buf = append(buf, relay...)

	buf = append(buf, putUint16(uint16(len(direct)))...)
	for _, a := range direct {
		buf = append(buf, a.family())
		b := a.bytes()
		buf = append(buf, byte(len(b)))
		buf = append(buf, b...)
		buf = append(buf, putUint16(a.Port)...)
	}

	body := base32Encoding.EncodeToString(buf)
	return fmt.Sprintf("%s:%s", constants.Scheme, strings.ToLower(body)), nil
}

// Decode parses a ticket previously produced by Encode, rejecting an
// unknown scheme, unknown version byte, truncated body, or an empty
// address hint set.
func Decode(s string) (Ticket, error) {
	prefix := constants.Scheme + ":"
	if !strings.HasPrefix(strings.ToLower(s), prefix) {
		return Ticket{}, xferrors.Usage("ticket: unknown scheme")
	}
	body := s[len(prefix):]
	buf, err := base32Encoding.DecodeString(strings.ToUpper(body))
	if err != nil {
		return Ticket{}, xferrors.Usage("ticket: malformed base32 body: " + err.Error())
	}

	const headerLen = 1 + 1 + 32 + 32
	if len(buf) < headerLen+2 {
		return Ticket{}, xferrors.Usage("ticket: truncated body")
	}
	t := Ticket{}
	t.Version = buf[0]
	if t.Version != constants.ProtocolVersion {
		return Ticket{}, xferrors.Usage(fmt.Sprintf("ticket: unknown version byte %d", t.Version))
	}
	t.Format = blobstore.Format(buf[1])
	copy(t.Root[:], buf[2:34])
	copy(t.Identity[:], buf[34:66])
	rest := buf[66:]

	relayLen, rest, err := takeUint16(rest)
	if err != nil {
		return Ticket{}, err
	}
	if uint64(len(rest)) < uint64(relayLen) {
		return Ticket{}, xferrors.Usage("ticket: truncated relay URL")
	}
	t.Hints.RelayURL = string(rest[:relayLen])
	rest = rest[relayLen:]

	count, rest, err := takeUint16(rest)
	if err != nil {
		return Ticket{}, err
	}
	for i := uint16(0); i < count; i++ {
		if len(rest) < 2 {
			return Ticket{}, xferrors.Usage("ticket: truncated direct address")
		}
		family := rest[0]
		ipLen := int(rest[1])
		rest = rest[2:]
		if len(rest) < ipLen+2 {
			return Ticket{}, xferrors.Usage("ticket: truncated direct address")
		}
		ip := append(net.IP(nil), rest[:ipLen]...)
		rest = rest[ipLen:]
		port := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		_ = family
		t.Hints.Direct = append(t.Hints.Direct, DirectAddr{IP: ip, Port: port})
	}
	if len(rest) != 0 {
		return Ticket{}, xferrors.Usage("ticket: trailing bytes after body")
	}
	if len(t.Hints.Direct) == 0 && t.Hints.RelayURL == "" {
		return Ticket{}, xferrors.Usage("ticket: empty address hint set")
	}
	if t.Hints.RelayURL != "" {
		if _, err := url.Parse(t.Hints.RelayURL); err != nil {
			return Ticket{}, xferrors.Usage("ticket: malformed relay URL: " + err.Error())
		}
	}
	return t, nil
}

var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func putUint16(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}

func takeUint16(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, nil, xferrors.Usage("ticket: truncated body")
	}
	return binary.BigEndian.Uint16(buf[:2]), buf[2:], nil
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}
