// Package identity manages this process's Ed25519 signing keypair and
// X25519 key-agreement keypair. The X25519 public key is the 32-byte key
// that names an Endpoint (§4.6) and that the Noise handshake authenticates;
// the Ed25519 public key is the input to the human alias. Keys are generated
// fresh, loaded from an optional deterministic seed
// (constants.EnvIdentitySeed), or persisted to a per-user config path.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/beamshare/beam/pkg/constants"
	"golang.org/x/crypto/curve25519"
)

// Identity holds a process's signing and key-agreement keypairs. The
// X25519 KeyAgreementPublicKey is the 32-byte PublicKey that addresses an
// Endpoint throughout the rest of this module.
type Identity struct {
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`

	alias string
}

// Generate creates a fresh identity from the system CSPRNG.
func Generate() (*Identity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("identity: generate key-agreement key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	return &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}, nil
}

// FromSeed deterministically derives an identity from a 32-byte seed, for
// the BEAM_IDENTITY_SEED environment variable (§6).
func FromSeed(seed [32]byte) *Identity {
	sigPriv := ed25519.NewKeyFromSeed(seed[:])
	sigPub := sigPriv.Public().(ed25519.PublicKey)

	var kaPriv, kaPub [32]byte
	copy(kaPriv[:], seed[:])
	// Clamp per curve25519 convention so the scalar is a valid X25519 key.
	kaPriv[0] &= 248
	kaPriv[31] &= 127
	kaPriv[31] |= 64
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	return &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}
}

// Load resolves an identity per §6: a hex-encoded seed from
// constants.EnvIdentitySeed if set, else a persisted identity at path, else
// a freshly generated one saved to path.
func Load(path string) (*Identity, error) {
	if seedHex := os.Getenv(constants.EnvIdentitySeed); seedHex != "" {
		raw, err := hex.DecodeString(seedHex)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("identity: %s must be 64 hex characters", constants.EnvIdentitySeed)
		}
		var seed [32]byte
		copy(seed[:], raw)
		return FromSeed(seed), nil
	}

	if id, err := LoadFromFile(path); err == nil {
		return id, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.SaveToFile(path); err != nil {
		return nil, err
	}
	return id, nil
}

// PublicKey returns the 32-byte Ed25519 signing public key, from which
// Alias is derived. The Endpoint is addressed by KeyAgreementPublicKey,
// not by this key.
func (id *Identity) PublicKey() [32]byte {
	var pk [32]byte
	copy(pk[:], id.SigningPublicKey)
	return pk
}

// Alias returns a short human-readable proquint derived from the public
// key, for NearbyDevice advertisements (§3). Cached after first call.
func (id *Identity) Alias() string {
	if id.alias == "" {
		id.alias = ProquintAlias(id.PublicKey())
	}
	return id.alias
}

// ProquintAlias encodes the first 32 bits of pk as two consonant-vowel
// proquints, e.g. "bodam-rufan".
func ProquintAlias(pk [32]byte) string {
	v := uint32(pk[0])<<24 | uint32(pk[1])<<16 | uint32(pk[2])<<8 | uint32(pk[3])
	return proquint(uint16(v>>16)) + "-" + proquint(uint16(v))
}

func proquint(v uint16) string {
	c, vo := constants.Consonants, constants.Vowels
	b := make([]byte, 5)
	b[0] = c[(v>>12)&0x0F]
	b[1] = vo[(v>>10)&0x03]
	b[2] = c[(v>>6)&0x0F]
	b[3] = vo[(v>>4)&0x03]
	b[4] = c[v&0x0F]
	return string(b)
}

// SaveToFile persists the identity as JSON with owner-only permissions.
func (id *Identity) SaveToFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("identity: create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadFromFile loads a persisted identity from path.
func LoadFromFile(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("identity: unmarshal: %w", err)
	}
	return &id, nil
}

// DefaultPath returns the per-user config path identities are persisted to
// when no deterministic seed is supplied.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, constants.Scheme, "identity.json")
}
