// Package ledger is an in-memory, height-indexed coin set standing in for a
// full node's chain state. It records when coins are created and spent and
// answers point and puzzle hash queries. It is not safe for concurrent use;
// callers serialize access.
package ledger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"github.com/scylladb/go-set/strset"
)

var (
	ErrCoinNotFound    = errors.New("coin not found")
	ErrDoubleSpend     = errors.New("coin already spent")
	ErrDuplicateCoin   = errors.New("coin already exists")
	ErrExcessiveOutput = errors.New("outputs exceed inputs")
	ErrTooManyHints    = errors.New("too many hints")
	ErrEmptyBundle     = errors.New("empty spend bundle")
)

// Change is one coin state touched by a mutation, with the coin's hints.
type Change struct {
	State model.CoinState
	Hints []model.Bytes32
}

// Mutation describes a committed change to the coin set.
type Mutation struct {
	Height     uint32
	PeakHeight uint32
	PeakHash   model.Bytes32
	Changes    []Change
}

type record struct {
	state model.CoinState
	hints []model.Bytes32
}

func key(b model.Bytes32) string {
	return string(b[:])
}

func fromKey(k string) model.Bytes32 {
	var b model.Bytes32
	copy(b[:], k)
	return b
}

// index maps a puzzle hash, hint or parent id to a set of coin ids.
type index map[string]*strset.Set

func (ix index) add(k, coinID model.Bytes32) {
	set, ok := ix[key(k)]
	if !ok {
		set = strset.New()
		ix[key(k)] = set
	}
	set.Add(key(coinID))
}

func (ix index) get(k model.Bytes32) *strset.Set {
	if set, ok := ix[key(k)]; ok {
		return set
	}
	return strset.New()
}

type Ledger struct {
	genesis      model.Bytes32
	height       uint32
	headerHashes []model.Bytes32
	coins        map[model.Bytes32]*record
	byPuzzle     index
	byHint       index
	byParent     index
	mintNonce    uint64
}

// New creates an empty ledger at height 0.
func New(genesisChallenge model.Bytes32) *Ledger {
	return &Ledger{
		genesis:      genesisChallenge,
		headerHashes: []model.Bytes32{nextHeaderHash(genesisChallenge, 0)},
		coins:        make(map[model.Bytes32]*record),
		byPuzzle:     make(index),
		byHint:       make(index),
		byParent:     make(index),
	}
}

func nextHeaderHash(prev model.Bytes32, height uint32) model.Bytes32 {
	var h [4]byte
	binary.BigEndian.PutUint32(h[:], height)
	return model.Hash(prev[:], h[:])
}

func (l *Ledger) GenesisChallenge() model.Bytes32 {
	return l.genesis
}

// Height is the current peak height.
func (l *Ledger) Height() uint32 {
	return l.height
}

func (l *Ledger) PeakHash() model.Bytes32 {
	return l.headerHashes[l.height]
}

func (l *Ledger) HeaderHash(height uint32) (model.Bytes32, bool) {
	if int(height) >= len(l.headerHashes) {
		return model.Bytes32{}, false
	}
	return l.headerHashes[height], true
}

// Len is the number of coins ever created.
func (l *Ledger) Len() int {
	return len(l.coins)
}

// Mint creates a coin out of thin air at the current height. The peak does
// not move.
func (l *Ledger) Mint(puzzleHash model.Bytes32, amount uint64) (model.Coin, Mutation) {
	l.mintNonce++
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], l.mintNonce)
	parent := model.Hash(l.genesis[:], []byte("mint"), nonce[:])

	coin := model.NewCoin(parent, puzzleHash, amount)
	rec := l.insert(coin, nil)

	return coin, Mutation{
		Height:     l.height,
		PeakHeight: l.height,
		PeakHash:   l.PeakHash(),
		Changes:    []Change{{State: rec.state, Hints: nil}},
	}
}

// AddHint attaches a hint to an existing coin.
func (l *Ledger) AddHint(coinID, hint model.Bytes32) error {
	rec, ok := l.coins[coinID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCoinNotFound, coinID)
	}
	for _, h := range rec.hints {
		if h == hint {
			return nil
		}
	}
	if len(rec.hints) >= model.MaxHintsPerCoin {
		return ErrTooManyHints
	}
	rec.hints = append(rec.hints, hint)
	l.byHint.add(hint, coinID)
	return nil
}

func (l *Ledger) insert(coin model.Coin, hints []model.Bytes32) *record {
	id := coin.CoinID()
	rec := &record{
		state: model.NewCoinState(coin, nil, model.Height(l.height)),
		hints: append([]model.Bytes32(nil), hints...),
	}
	l.coins[id] = rec
	l.byPuzzle.add(coin.PuzzleHash, id)
	l.byParent.add(coin.ParentCoinInfo, id)
	for _, h := range hints {
		l.byHint.add(h, id)
	}
	return rec
}

// ApplyBlock validates a bundle and applies it as one block: spends and
// creations are recorded at the current height, then the peak advances.
func (l *Ledger) ApplyBlock(bundle model.SpendBundle) (Mutation, error) {
	if err := l.validate(bundle); err != nil {
		return Mutation{}, err
	}

	recorded := l.height
	changes := make([]Change, 0, len(bundle.CoinSpends)*2)
	for _, spend := range bundle.CoinSpends {
		rec := l.coins[spend.Coin.CoinID()]
		rec.state.SpentHeight = model.Height(recorded)
		changes = append(changes, Change{State: rec.state, Hints: rec.hints})
	}
	for _, spend := range bundle.CoinSpends {
		parent := spend.Coin.CoinID()
		for _, out := range spend.Outputs {
			rec := l.insert(model.NewCoin(parent, out.PuzzleHash, out.Amount), out.Hints)
			changes = append(changes, Change{State: rec.state, Hints: rec.hints})
		}
	}

	l.height++
	l.headerHashes = append(l.headerHashes, nextHeaderHash(l.headerHashes[recorded], l.height))

	return Mutation{
		Height:     l.height,
		PeakHeight: l.height,
		PeakHash:   l.PeakHash(),
		Changes:    changes,
	}, nil
}

func (l *Ledger) validate(bundle model.SpendBundle) error {
	if len(bundle.CoinSpends) == 0 {
		return ErrEmptyBundle
	}

	var in, out, carry uint64
	spent := strset.NewWithSize(len(bundle.CoinSpends))
	created := strset.New()
	for _, spend := range bundle.CoinSpends {
		id := spend.Coin.CoinID()
		rec, ok := l.coins[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrCoinNotFound, id)
		}
		if rec.state.IsSpent() {
			return fmt.Errorf("%w: %s", ErrDoubleSpend, id)
		}
		if spent.Has(key(id)) {
			return fmt.Errorf("%w: %s spent twice in bundle", ErrDoubleSpend, id)
		}
		spent.Add(key(id))
		if in, carry = bits.Add64(in, spend.Coin.Amount, 0); carry != 0 {
			return fmt.Errorf("%w: input total overflows", ErrExcessiveOutput)
		}

		for _, o := range spend.Outputs {
			if len(o.Hints) > model.MaxHintsPerCoin {
				return ErrTooManyHints
			}
			child := model.NewCoin(id, o.PuzzleHash, o.Amount).CoinID()
			if _, exists := l.coins[child]; exists {
				return fmt.Errorf("%w: %s", ErrDuplicateCoin, child)
			}
			if created.Has(key(child)) {
				return fmt.Errorf("%w: %s created twice in bundle", ErrDuplicateCoin, child)
			}
			created.Add(key(child))
			if out, carry = bits.Add64(out, o.Amount, 0); carry != 0 {
				return fmt.Errorf("%w: output total overflows", ErrExcessiveOutput)
			}
		}
	}
	if out > in {
		return fmt.Errorf("%w: %d > %d", ErrExcessiveOutput, out, in)
	}
	return nil
}

// CoinState returns the current state of a coin.
func (l *Ledger) CoinState(id model.Bytes32) (model.CoinState, bool) {
	rec, ok := l.coins[id]
	if !ok {
		return model.CoinState{}, false
	}
	return rec.state, true
}

// Hints returns the hints attached to a coin.
func (l *Ledger) Hints(id model.Bytes32) []model.Bytes32 {
	rec, ok := l.coins[id]
	if !ok {
		return nil
	}
	return append([]model.Bytes32(nil), rec.hints...)
}

// CoinStates returns the states of known ids changed at or after minHeight.
// Unknown ids are skipped.
func (l *Ledger) CoinStates(ids []model.Bytes32, minHeight uint32) []model.CoinState {
	states := make([]model.CoinState, 0, len(ids))
	seen := strset.NewWithSize(len(ids))
	for _, id := range ids {
		if seen.Has(key(id)) {
			continue
		}
		seen.Add(key(id))
		rec, ok := l.coins[id]
		if !ok || !rec.state.ChangedSince(minHeight) {
			continue
		}
		states = append(states, rec.state)
	}
	sortStates(states)
	return states
}

// PuzzleStates returns the states of coins whose puzzle hash, or any hint,
// is one of hashes, changed at or after minHeight and passing filters.
func (l *Ledger) PuzzleStates(hashes []model.Bytes32, minHeight uint32, filters model.CoinStateFilters) []model.CoinState {
	direct := strset.New()
	hinted := strset.New()
	for _, h := range hashes {
		direct.Merge(l.byPuzzle.get(h))
		hinted.Merge(l.byHint.get(h))
	}
	hinted.Separate(direct)

	states := make([]model.CoinState, 0, direct.Size()+hinted.Size())
	pick := func(byHint bool) func(string) bool {
		return func(id string) bool {
			st := l.coins[fromKey(id)].state
			if st.ChangedSince(minHeight) && filters.Allows(st, byHint) {
				states = append(states, st)
			}
			return true
		}
	}
	direct.Each(pick(false))
	hinted.Each(pick(true))
	sortStates(states)
	return states
}

// Children returns the coins created by spending id.
func (l *Ledger) Children(id model.Bytes32) []model.CoinState {
	children := l.byParent.get(id)
	states := make([]model.CoinState, 0, children.Size())
	children.Each(func(child string) bool {
		states = append(states, l.coins[fromKey(child)].state)
		return true
	})
	sortStates(states)
	return states
}

// sortStates orders by last change height, then coin id.
func sortStates(states []model.CoinState) {
	sort.Slice(states, func(i, j int) bool {
		hi, hj := states[i].LastChange(), states[j].LastChange()
		if hi != hj {
			return hi < hj
		}
		a, b := states[i].Coin.CoinID(), states[j].Coin.CoinID()
		return bytes.Compare(a[:], b[:]) < 0
	})
}
