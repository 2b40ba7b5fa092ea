// Package keychain maps wallet derivation indices to puzzle hashes. Each
// index is an unhardened BIP32 child of the wallet's extended public key and
// its puzzle hash commits to the child's compressed public key.
package keychain

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ronickg/chia-wallet-sdk/internal/config"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
)

var (
	// ErrHardenedIndex is returned for indices in the hardened range.
	ErrHardenedIndex = errors.New("index is in the hardened range")
	// ErrNoKey is returned when a wallet config names neither an xpub nor a seed.
	ErrNoKey = errors.New("wallet has neither xpub nor seed configured")
)

// Deriver turns a derivation index into a puzzle hash. Implementations must
// be deterministic.
type Deriver interface {
	PuzzleHash(index uint32) (model.Bytes32, error)
}

type HDDeriver struct {
	key *hdkeychain.ExtendedKey
}

// NewHDDeriver builds a deriver from a serialized extended key. Private keys
// are neutered first.
func NewHDDeriver(extendedKey string) (*HDDeriver, error) {
	key, err := hdkeychain.NewKeyFromString(extendedKey)
	if err != nil {
		return nil, fmt.Errorf("parse extended key: %w", err)
	}
	return newHDDeriver(key)
}

// NewHDDeriverFromSeed builds a deriver from a raw seed.
func NewHDDeriverFromSeed(seed []byte) (*HDDeriver, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("master key from seed: %w", err)
	}
	return newHDDeriver(master)
}

// FromConfig prefers the configured xpub and falls back to the hex seed.
func FromConfig(conf *config.WalletConfig) (*HDDeriver, error) {
	switch {
	case conf.ExtendedPublicKey != "":
		return NewHDDeriver(conf.ExtendedPublicKey)
	case conf.Seed != "":
		seed, err := hex.DecodeString(conf.Seed)
		if err != nil {
			return nil, fmt.Errorf("decode seed: %w", err)
		}
		return NewHDDeriverFromSeed(seed)
	}
	return nil, ErrNoKey
}

func newHDDeriver(key *hdkeychain.ExtendedKey) (*HDDeriver, error) {
	if key.IsPrivate() {
		pub, err := key.Neuter()
		if err != nil {
			return nil, err
		}
		key = pub
	}
	return &HDDeriver{key: key}, nil
}

// ExtendedPublicKey is the serialized key the deriver works from.
func (d *HDDeriver) ExtendedPublicKey() string {
	return d.key.String()
}

func (d *HDDeriver) PuzzleHash(index uint32) (model.Bytes32, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return model.Bytes32{}, ErrHardenedIndex
	}
	child, err := d.key.Derive(index)
	if err != nil {
		return model.Bytes32{}, fmt.Errorf("derive %d: %w", index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return model.Bytes32{}, err
	}
	return model.Hash(pub.SerializeCompressed()), nil
}
