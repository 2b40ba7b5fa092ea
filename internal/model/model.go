package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// MaxHintsPerCoin caps how many hints a single coin may carry.
const MaxHintsPerCoin = 4

// Bytes32 is a 32 byte hash: coin ids, puzzle hashes, hints and header hashes.
type Bytes32 [32]byte

// Bytes32FromHex parses a hex string, with or without a 0x prefix.
func Bytes32FromHex(s string) (Bytes32, error) {
	var b Bytes32
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return b, err
	}
	if len(raw) != len(b) {
		return b, fmt.Errorf("invalid length %d, expected 32 bytes", len(raw))
	}
	copy(b[:], raw)
	return b, nil
}

// Bytes32FromSlice copies a 32 byte slice.
func Bytes32FromSlice(raw []byte) (Bytes32, error) {
	var b Bytes32
	if len(raw) != len(b) {
		return b, fmt.Errorf("invalid length %d, expected 32 bytes", len(raw))
	}
	copy(b[:], raw)
	return b, nil
}

func (b Bytes32) String() string {
	return hex.EncodeToString(b[:])
}

func (b Bytes32) IsZero() bool {
	return b == Bytes32{}
}

func (b Bytes32) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Bytes32) UnmarshalText(text []byte) error {
	v, err := Bytes32FromHex(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Hash returns sha256 over the concatenation of parts.
func Hash(parts ...[]byte) Bytes32 {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Bytes32
	copy(out[:], h.Sum(nil))
	return out
}

// Coin is the basic spendable unit. Its id is derived from its three fields.
type Coin struct {
	ParentCoinInfo Bytes32 `json:"parent_coin_info"`
	PuzzleHash     Bytes32 `json:"puzzle_hash"`
	Amount         uint64  `json:"amount"`
}

func NewCoin(parent, puzzleHash Bytes32, amount uint64) Coin {
	return Coin{ParentCoinInfo: parent, PuzzleHash: puzzleHash, Amount: amount}
}

// CoinID hashes parent, puzzle hash and the canonical amount encoding.
func (c Coin) CoinID() Bytes32 {
	return Hash(c.ParentCoinInfo[:], c.PuzzleHash[:], AmountBytes(c.Amount))
}

// AmountBytes encodes an amount as a minimal big-endian two's complement
// integer: zero is empty, and a 0x00 byte is prepended when the high bit is
// set so the value stays positive.
func AmountBytes(amount uint64) []byte {
	if amount == 0 {
		return []byte{}
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], amount)
	b := bytes.TrimLeft(buf[:], "\x00")
	if b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return b
}

// CoinState is a coin plus the heights it was created and spent at.
type CoinState struct {
	Coin          Coin    `json:"coin"`
	SpentHeight   *uint32 `json:"spent_height"`
	CreatedHeight *uint32 `json:"created_height"`
}

func NewCoinState(coin Coin, spentHeight, createdHeight *uint32) CoinState {
	return CoinState{Coin: coin, SpentHeight: spentHeight, CreatedHeight: createdHeight}
}

// Height returns a pointer to h, for building optional heights.
func Height(h uint32) *uint32 {
	return &h
}

func (cs CoinState) IsSpent() bool {
	return cs.SpentHeight != nil
}

// Equal compares coin and heights by value.
func (cs CoinState) Equal(o CoinState) bool {
	return cs.Coin == o.Coin &&
		heightEqual(cs.SpentHeight, o.SpentHeight) &&
		heightEqual(cs.CreatedHeight, o.CreatedHeight)
}

// Merge folds a newer observation of the same coin into cs. Heights only
// move from unset to set, so an older snapshot can never undo a spend.
func (cs CoinState) Merge(o CoinState) CoinState {
	out := cs
	if out.CreatedHeight == nil && o.CreatedHeight != nil {
		out.CreatedHeight = Height(*o.CreatedHeight)
	}
	if out.SpentHeight == nil && o.SpentHeight != nil {
		out.SpentHeight = Height(*o.SpentHeight)
	}
	return out
}

// Valid reports whether the height invariant holds.
func (cs CoinState) Valid() bool {
	if cs.SpentHeight == nil {
		return true
	}
	return cs.CreatedHeight != nil && *cs.SpentHeight >= *cs.CreatedHeight
}

// ChangedSince reports whether the coin was created or spent at or after h.
func (cs CoinState) ChangedSince(h uint32) bool {
	if cs.CreatedHeight != nil && *cs.CreatedHeight >= h {
		return true
	}
	return cs.SpentHeight != nil && *cs.SpentHeight >= h
}

// LastChange is the most recent height recorded on the state.
func (cs CoinState) LastChange() uint32 {
	if cs.SpentHeight != nil {
		return *cs.SpentHeight
	}
	if cs.CreatedHeight != nil {
		return *cs.CreatedHeight
	}
	return 0
}

func heightEqual(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// CoinStateUpdate is pushed to a connection when watched coins change.
type CoinStateUpdate struct {
	Height     uint32      `json:"height"`
	PeakHeight uint32      `json:"peak_height"`
	PeakHash   Bytes32     `json:"peak_hash"`
	Items      []CoinState `json:"items"`
}

func NewCoinStateUpdate(height, peakHeight uint32, peakHash Bytes32, items []CoinState) CoinStateUpdate {
	return CoinStateUpdate{Height: height, PeakHeight: peakHeight, PeakHash: peakHash, Items: items}
}

// CoinStateFilters narrows puzzle hash queries.
type CoinStateFilters struct {
	IncludeSpent   bool   `json:"include_spent"`
	IncludeUnspent bool   `json:"include_unspent"`
	IncludeHinted  bool   `json:"include_hinted"`
	MinAmount      uint64 `json:"min_amount"`
}

func NewCoinStateFilters(includeSpent, includeUnspent, includeHinted bool, minAmount uint64) CoinStateFilters {
	return CoinStateFilters{
		IncludeSpent:   includeSpent,
		IncludeUnspent: includeUnspent,
		IncludeHinted:  includeHinted,
		MinAmount:      minAmount,
	}
}

// AllCoins is the filter used when a request carries none.
func AllCoins() CoinStateFilters {
	return NewCoinStateFilters(true, true, true, 0)
}

// Allows applies the filter to a state. byHint is true when the coin matched
// the query only through one of its hints.
func (f CoinStateFilters) Allows(cs CoinState, byHint bool) bool {
	if cs.IsSpent() && !f.IncludeSpent {
		return false
	}
	if !cs.IsSpent() && !f.IncludeUnspent {
		return false
	}
	if byHint && !f.IncludeHinted {
		return false
	}
	return cs.Coin.Amount >= f.MinAmount
}

// CoinOutput is a coin created by a spend.
type CoinOutput struct {
	PuzzleHash Bytes32   `json:"puzzle_hash"`
	Amount     uint64    `json:"amount"`
	Hints      []Bytes32 `json:"hints,omitempty"`
}

// CoinSpend spends a coin and declares the coins it creates.
type CoinSpend struct {
	Coin    Coin         `json:"coin"`
	Outputs []CoinOutput `json:"outputs"`
}

// SpendBundle is a set of spends applied together as one block.
type SpendBundle struct {
	CoinSpends []CoinSpend `json:"coin_spends"`
}

// Name is the transaction id of the bundle.
func (sb SpendBundle) Name() Bytes32 {
	parts := make([][]byte, 0, len(sb.CoinSpends)*4)
	for _, cs := range sb.CoinSpends {
		id := cs.Coin.CoinID()
		parts = append(parts, id[:])
		for _, out := range cs.Outputs {
			ph := out.PuzzleHash
			parts = append(parts, ph[:], AmountBytes(out.Amount))
		}
	}
	return Hash(parts...)
}
