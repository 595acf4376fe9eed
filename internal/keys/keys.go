// Package keys derives deterministic record identities from the program
// identity and a list of seeds.
package keys

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"github.com/atmx/marketd/internal/model"
)

const (
	seedMarket = "market"
	seedVault  = "vault"
)

// Deriver hashes seeds under one program identity. Two deployments with
// different program identities never derive the same record key.
type Deriver struct {
	program model.Identity
}

// NewDeriver returns a Deriver namespaced by program.
func NewDeriver(program model.Identity) *Deriver {
	return &Deriver{program: program}
}

// Program returns the namespace identity.
func (d *Deriver) Program() model.Identity {
	return d.program
}

// Derive returns SHA3-256(program || len(seed_i) || seed_i ...). Length
// prefixes keep ("ab","c") and ("a","bc") apart.
func (d *Deriver) Derive(seeds ...[]byte) model.Identity {
	h := sha3.New256()
	h.Write(d.program[:])
	var n [4]byte
	for _, s := range seeds {
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		h.Write(n[:])
		h.Write(s)
	}
	var out model.Identity
	copy(out[:], h.Sum(nil))
	return out
}

// Market derives the market identity for a creator and question.
func (d *Deriver) Market(creator model.Identity, question string) model.Identity {
	return d.Derive([]byte(seedMarket), creator[:], []byte(question))
}

// Vault derives the pool account that holds a market's value.
func (d *Deriver) Vault(market model.Identity) model.Identity {
	return d.Derive([]byte(seedVault), market[:])
}
