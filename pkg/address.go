package pkg

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// EncodeAddress renders a puzzle hash as a bech32m address, eg: xch1...
func EncodeAddress(prefix string, puzzleHash [32]byte) (string, error) {
	data, err := bech32.ConvertBits(puzzleHash[:], 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.EncodeM(prefix, data)
}

// DecodeAddress parses a bech32m address back into its puzzle hash.
func DecodeAddress(address string) (string, [32]byte, error) {
	var ph [32]byte
	prefix, data, version, err := bech32.DecodeGeneric(address)
	if err != nil {
		return "", ph, err
	}
	if version != bech32.VersionM {
		return "", ph, fmt.Errorf("address %s is not bech32m", address)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", ph, err
	}
	if len(raw) != len(ph) {
		return "", ph, fmt.Errorf("address %s holds %d bytes, expected 32", address, len(raw))
	}
	copy(ph[:], raw)
	return prefix, ph, nil
}

// ParsePuzzleHash accepts either a hex puzzle hash, with or without 0x, or a
// bech32m address.
func ParsePuzzleHash(s string) ([32]byte, error) {
	var ph [32]byte
	if raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x")); err == nil && len(raw) == len(ph) {
		copy(ph[:], raw)
		return ph, nil
	}
	_, ph, err := DecodeAddress(s)
	return ph, err
}
