package model

import (
	"encoding/hex"
	"strings"

	"github.com/atmx/marketd/internal/fault"
)

// IdentityLen is the size of every account, market and vault key.
const IdentityLen = 32

// Identity is an opaque 32-byte key. Participants use their ed25519 public
// key; markets and vaults use keys derived by package keys.
type Identity [IdentityLen]byte

// ParseIdentity decodes a hex key, with or without a 0x prefix.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != IdentityLen {
		return id, fault.ErrInvalidIdentity
	}
	copy(id[:], raw)
	return id, nil
}

// IsZero reports whether id is the all-zero key.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for log lines.
func (id Identity) Short() string {
	return id.String()[:8]
}

func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Identity) UnmarshalText(text []byte) error {
	v, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
