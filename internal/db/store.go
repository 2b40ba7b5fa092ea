package db

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ronickg/chia-wallet-sdk/internal/config"
	"github.com/ronickg/chia-wallet-sdk/internal/keychain"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"github.com/ronickg/chia-wallet-sdk/pkg"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// XCHDecimals is the number of mojo digits after the XCH decimal point.
const XCHDecimals = 12

var (
	derivationPrefix = []byte("d:")
	coinPrefix       = []byte("c:")
	puzzlePrefix     = []byte("p:")

	countKey = []byte("d:n")
)

func indexKey(index uint32) []byte {
	return append([]byte("d:i:"), pkg.Uint32ToBytes(index)...)
}

func coinKey(id model.Bytes32) []byte {
	return append(append([]byte(nil), coinPrefix...), id[:]...)
}

func puzzleKey(ph model.Bytes32) []byte {
	return append(append([]byte(nil), puzzlePrefix...), ph[:]...)
}

// Store is the wallet's derivation store and coin store.
//
// Keys:
//
//	d:n                      derivation count
//	d:i:<index>              puzzle hash of a derivation index
//	c:<coin id>              coin state record
//	p:<puzzle hash><coin id> coins seen per puzzle hash
type Store struct {
	kv      KV
	deriver keychain.Deriver
	logger  *zap.Logger
}

func NewStore(kv KV, deriver keychain.Deriver, logger *zap.Logger) *Store {
	return &Store{
		kv:      kv,
		deriver: deriver,
		logger:  logger,
	}
}

// Open builds the configured engine and wraps it in a Store.
func Open(conf *config.Config, deriver keychain.Deriver, logger *zap.Logger) (*Store, error) {
	kv, err := OpenKV(conf, logger)
	if err != nil {
		return nil, err
	}
	return NewStore(kv, deriver, logger), nil
}

// KV exposes the underlying engine.
func (s *Store) KV() KV {
	return s.kv
}

func (s *Store) Close() error {
	return s.kv.Close()
}

func (s *Store) Count(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	val, err := s.kv.Get(countKey)
	if err != nil {
		return 0, err
	}
	if len(val) == 0 {
		return 0, nil
	}
	return pkg.BytesToUint32(val)
}

// DeriveToIndex derives every index in [count, index) and raises the count to
// index. It does nothing when index <= count.
func (s *Store) DeriveToIndex(ctx context.Context, index uint32) error {
	start := time.Now()
	count, err := s.Count(ctx)
	if err != nil {
		return err
	}
	if index <= count {
		return nil
	}

	b := &Batch{}
	for i := count; i < index; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ph, err := s.deriver.PuzzleHash(i)
		if err != nil {
			return fmt.Errorf("derive index %d: %w", i, err)
		}
		b.Set(indexKey(i), ph[:])
	}
	b.Set(countKey, pkg.Uint32ToBytes(index))
	if err := s.kv.Write(b); err != nil {
		return err
	}

	s.logger.Debug("DeriveToIndex::Info",
		zap.Uint32("from", count),
		zap.Uint32("to", index),
		zap.Duration("ttl", time.Since(start)))
	return nil
}

func (s *Store) PuzzleHash(ctx context.Context, index uint32) (model.Bytes32, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Bytes32{}, false, err
	}
	val, err := s.kv.Get(indexKey(index))
	if err != nil {
		return model.Bytes32{}, false, err
	}
	if len(val) == 0 {
		return model.Bytes32{}, false, nil
	}
	ph, err := model.Bytes32FromSlice(val)
	if err != nil {
		return model.Bytes32{}, false, fmt.Errorf("index %d: %w", index, err)
	}
	return ph, true, nil
}

// UpdateCoinState records coin states, merging each into what is already
// stored so heights never regress.
func (s *Store) UpdateCoinState(ctx context.Context, states []model.CoinState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(states) == 0 {
		return nil
	}

	merged := make(map[model.Bytes32]model.CoinState, len(states))
	order := make([]model.Bytes32, 0, len(states))
	for _, st := range states {
		id := st.Coin.CoinID()
		prev, ok := merged[id]
		if !ok {
			stored, found, err := s.CoinState(ctx, id)
			if err != nil {
				return err
			}
			if found {
				prev, ok = stored, true
			}
			order = append(order, id)
		}
		if ok {
			st = prev.Merge(st)
		}
		merged[id] = st
	}

	b := &Batch{}
	for _, id := range order {
		st := merged[id]
		b.Set(coinKey(id), encodeCoinState(st))
		b.Set(append(puzzleKey(st.Coin.PuzzleHash), id[:]...), nil)
	}
	return s.kv.Write(b)
}

// IsUsed reports whether any coin has been recorded for the puzzle hash.
func (s *Store) IsUsed(ctx context.Context, puzzleHash model.Bytes32) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return hasPrefix(s.kv, puzzleKey(puzzleHash))
}

func (s *Store) CoinState(ctx context.Context, id model.Bytes32) (model.CoinState, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.CoinState{}, false, err
	}
	val, err := s.kv.Get(coinKey(id))
	if err != nil {
		return model.CoinState{}, false, err
	}
	if len(val) == 0 {
		return model.CoinState{}, false, nil
	}
	cs, err := decodeCoinState(val)
	if err != nil {
		return model.CoinState{}, false, fmt.Errorf("coin %s: %w", id, err)
	}
	return cs, true, nil
}

// CoinStates returns every recorded coin state in coin id order.
func (s *Store) CoinStates(ctx context.Context) ([]model.CoinState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []model.CoinState
	err := s.kv.IteratePrefix(coinPrefix, func(key, value []byte) error {
		cs, err := decodeCoinState(value)
		if err != nil {
			return fmt.Errorf("invalid value for key:%x: %w", key, err)
		}
		out = append(out, cs)
		return nil
	})
	return out, err
}

// Balance is the wallet's spendable total.
type Balance struct {
	Mojos decimal.Decimal
	Coins int
}

// XCH formats the balance in XCH with full mojo precision.
func (b Balance) XCH() string {
	return b.Mojos.Shift(-XCHDecimals).StringFixed(XCHDecimals)
}

// Balance sums the amounts of unspent coins.
func (s *Store) Balance(ctx context.Context) (Balance, error) {
	states, err := s.CoinStates(ctx)
	if err != nil {
		return Balance{}, err
	}
	bal := Balance{Mojos: decimal.Zero}
	for _, cs := range states {
		if cs.IsSpent() || cs.CreatedHeight == nil {
			continue
		}
		amount := new(big.Int).SetUint64(cs.Coin.Amount)
		bal.Mojos = bal.Mojos.Add(decimal.NewFromBigInt(amount, 0))
		bal.Coins++
	}
	return bal, nil
}
