// Package hdwallet derives platform deposit addresses from a watch-only
// extended public key and allocates derivation indices race-safely.
package hdwallet

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/hdkeychain"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Deriver derives deposit addresses from an extended public key. Derivation
// follows the external chain (xpub/0/index), so the signing side never has to
// leave cold storage.
type Deriver struct {
	branch *hdkeychain.ExtendedKey
}

// NewDeriver parses the extended public key and pre-derives the external
// branch. Private extended keys are rejected: this service is watch-only.
func NewDeriver(xpub string) (*Deriver, error) {
	key, err := hdkeychain.NewKeyFromString(strings.TrimSpace(xpub))
	if err != nil {
		return nil, fmt.Errorf("hdwallet: parse extended key: %w", err)
	}
	if key.IsPrivate() {
		return nil, fmt.Errorf("hdwallet: extended public key required, got private key")
	}
	branch, err := key.Child(0)
	if err != nil {
		return nil, fmt.Errorf("hdwallet: derive external branch: %w", err)
	}
	return &Deriver{branch: branch}, nil
}

// Derive returns the lowercase EVM address at the supplied index. The result
// is a pure function of the configured xpub and the index.
func (d *Deriver) Derive(index uint32) (string, error) {
	if d == nil || d.branch == nil {
		return "", fmt.Errorf("hdwallet: deriver not initialised")
	}
	child, err := d.branch.Child(index)
	if err != nil {
		return "", fmt.Errorf("hdwallet: derive index %d: %w", index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("hdwallet: public key at index %d: %w", index, err)
	}
	address := gethcrypto.PubkeyToAddress(*pub.ToECDSA())
	return strings.ToLower(address.Hex()), nil
}
