// Package wallet keeps a derivation wallet in sync with a peer. It grows the
// wallet's address range until a gap of unused addresses exists at the top,
// subscribes every address it derives and applies the coin states the peer
// reports to the coin store.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ronickg/chia-wallet-sdk/internal/config"
	"github.com/ronickg/chia-wallet-sdk/internal/db"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrIndexOverflow is returned when the derivation range would pass the last
// representable index.
var ErrIndexOverflow = errors.New("derivation index overflow")

// DerivationStore maps the contiguous index range [0, Count) to puzzle hashes.
type DerivationStore interface {
	Count(ctx context.Context) (uint32, error)
	DeriveToIndex(ctx context.Context, index uint32) error
	PuzzleHash(ctx context.Context, index uint32) (model.Bytes32, bool, error)
}

// CoinStore persists coin states.
type CoinStore interface {
	UpdateCoinState(ctx context.Context, states []model.CoinState) error
	IsUsed(ctx context.Context, puzzleHash model.Bytes32) (bool, error)
}

// Peer is the part of a peer connection the syncer drives.
type Peer interface {
	RegisterForPhUpdates(ctx context.Context, hashes []model.Bytes32, minHeight uint32) ([]model.CoinState, error)
	Events() <-chan model.CoinStateUpdate
}

type balancer interface {
	Balance(ctx context.Context) (db.Balance, error)
}

type State int32

const (
	StateEmpty State = iota
	StateBootstrapping
	StateConverged
	StateReconciling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBootstrapping:
		return "bootstrapping"
	case StateConverged:
		return "converged"
	case StateReconciling:
		return "reconciling"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// SyncConfig holds the settings used while syncing a derivation wallet.
type SyncConfig struct {
	// MinimumUnusedDerivations is the gap of unused addresses kept at the
	// top of the derivation range.
	MinimumUnusedDerivations uint32
	// SubscribeBatchSize caps the puzzle hashes sent in one registration.
	SubscribeBatchSize int
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MinimumUnusedDerivations: config.DefaultMinimumUnusedDerivations,
		SubscribeBatchSize:       config.DefaultSubscribeBatchSize,
	}
}

func NewSyncConfig(conf *config.WalletConfig) SyncConfig {
	return SyncConfig{
		MinimumUnusedDerivations: conf.MinimumUnusedDerivations,
		SubscribeBatchSize:       conf.SubscribeBatchSize,
	}
}

// Syncer drives one wallet. Its operations are serialized.
type Syncer struct {
	mu          sync.Mutex
	conf        SyncConfig
	derivations DerivationStore
	coins       CoinStore
	peer        Peer
	logger      *zap.Logger
	state       atomic.Int32
}

func NewSyncer(conf SyncConfig, derivations DerivationStore, coins CoinStore, peer Peer, logger *zap.Logger) *Syncer {
	def := DefaultSyncConfig()
	if conf.MinimumUnusedDerivations == 0 {
		conf.MinimumUnusedDerivations = def.MinimumUnusedDerivations
	}
	if conf.SubscribeBatchSize <= 0 {
		conf.SubscribeBatchSize = def.SubscribeBatchSize
	}
	return &Syncer{
		conf:        conf,
		derivations: derivations,
		coins:       coins,
		peer:        peer,
		logger:      logger,
	}
}

func (s *Syncer) State() State {
	return State(s.state.Load())
}

func (s *Syncer) setState(st State) {
	if prev := State(s.state.Swap(int32(st))); prev != st {
		s.logger.Debug("state", zap.Stringer("from", prev), zap.Stringer("to", st))
	}
}

// SyncToUnusedIndex derives and subscribes addresses until at least
// MinimumUnusedDerivations unused addresses sit at the top of the range, and
// returns the lowest index of that unused run.
func (s *Syncer) SyncToUnusedIndex(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncToUnusedIndex(ctx)
}

func (s *Syncer) syncToUnusedIndex(ctx context.Context) (uint32, error) {
	gap := s.conf.MinimumUnusedDerivations

	count, err := s.derivations.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		if err := s.deriveMore(ctx, gap); err != nil {
			return 0, err
		}
	}

	for {
		unused, found, err := s.unusedIndex(ctx)
		if err != nil {
			return 0, err
		}
		if !found {
			// every derived address is used
			if err := s.deriveMore(ctx, gap); err != nil {
				return 0, err
			}
			continue
		}

		count, err := s.derivations.Count(ctx)
		if err != nil {
			return 0, err
		}
		if count-unused >= gap {
			return unused, nil
		}
		// Topping up the gap subscribes new addresses whose snapshots may
		// mark some of them used, so scan again.
		if err := s.deriveMore(ctx, gap); err != nil {
			return 0, err
		}
	}
}

// UnusedIndex returns the lowest index of the trailing run of unused
// addresses. found is false when the range is empty or its last address is
// used.
func (s *Syncer) UnusedIndex(ctx context.Context) (index uint32, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unusedIndex(ctx)
}

func (s *Syncer) unusedIndex(ctx context.Context) (uint32, bool, error) {
	count, err := s.derivations.Count(ctx)
	if err != nil {
		return 0, false, err
	}

	var (
		unused uint32
		found  bool
	)
	for i := count; i > 0; i-- {
		index := i - 1
		ph, ok, err := s.derivations.PuzzleHash(ctx, index)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, fmt.Errorf("missing puzzle hash for index %d of %d", index, count)
		}
		used, err := s.coins.IsUsed(ctx, ph)
		if err != nil {
			return 0, false, err
		}
		if used {
			break
		}
		unused, found = index, true
	}
	return unused, found, nil
}

// DeriveMore extends the derivation range by n and subscribes the new
// addresses.
func (s *Syncer) DeriveMore(ctx context.Context, n uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deriveMore(ctx, n)
}

func (s *Syncer) deriveMore(ctx context.Context, n uint32) error {
	if n == 0 {
		return nil
	}
	start, err := s.derivations.Count(ctx)
	if err != nil {
		return err
	}
	if uint64(start)+uint64(n) > math.MaxUint32 {
		return ErrIndexOverflow
	}
	end := start + n
	if err := s.derivations.DeriveToIndex(ctx, end); err != nil {
		return fmt.Errorf("derive to index %d: %w", end, err)
	}

	hashes, err := s.puzzleHashes(ctx, start, end)
	if err != nil {
		return err
	}
	s.logger.Info("DeriveMore::Info", zap.Uint32("from", start), zap.Uint32("to", end))
	return s.subscribe(ctx, hashes)
}

func (s *Syncer) puzzleHashes(ctx context.Context, start, end uint32) ([]model.Bytes32, error) {
	hashes := make([]model.Bytes32, 0, end-start)
	for index := start; index < end; index++ {
		ph, ok, err := s.derivations.PuzzleHash(ctx, index)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("missing puzzle hash for index %d", index)
		}
		hashes = append(hashes, ph)
	}
	return hashes, nil
}

// Subscribe registers puzzle hashes with the peer in batches and records each
// batch's snapshot before sending the next.
func (s *Syncer) Subscribe(ctx context.Context, hashes []model.Bytes32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribe(ctx, hashes)
}

func (s *Syncer) subscribe(ctx context.Context, hashes []model.Bytes32) error {
	size := s.conf.SubscribeBatchSize
	for i := 0; i < len(hashes); i += size {
		end := i + size
		if end > len(hashes) {
			end = len(hashes)
		}
		start := time.Now()
		states, err := s.peer.RegisterForPhUpdates(ctx, hashes[i:end], 0)
		if err != nil {
			return fmt.Errorf("register puzzle hashes %d-%d: %w", i, end, err)
		}
		if err := s.coins.UpdateCoinState(ctx, states); err != nil {
			return fmt.Errorf("update coin state: %w", err)
		}
		s.logger.Debug("Subscribe::Info",
			zap.Int("puzzle_hashes", end-i),
			zap.Int("coin_states", len(states)),
			zap.Duration("ttl", time.Since(start)))
	}
	return nil
}

// IncrementalSync subscribes the existing range, converges, and then keeps
// the wallet converged as the peer pushes updates. It signals synced, without
// blocking, after each convergence. It returns nil once the peer's event
// stream ends.
func (s *Syncer) IncrementalSync(ctx context.Context, synced chan<- struct{}) error {
	s.setState(StateBootstrapping)
	defer s.setState(StateStopped)

	if err := s.bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := s.converge(ctx, synced); err != nil {
		return err
	}

	events := s.peer.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-events:
			if !ok {
				s.logger.Info("IncrementalSync::EventStreamClosed")
				return nil
			}
			s.setState(StateReconciling)
			s.logger.Debug("IncrementalSync::Update",
				zap.Uint32("height", update.Height),
				zap.Uint32("peak_height", update.PeakHeight),
				zap.Int("coin_states", len(update.Items)))
			if err := s.coins.UpdateCoinState(ctx, update.Items); err != nil {
				return fmt.Errorf("apply update at height %d: %w", update.Height, err)
			}
			if err := s.converge(ctx, synced); err != nil {
				return err
			}
		}
	}
}

func (s *Syncer) bootstrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.derivations.Count(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	hashes, err := s.puzzleHashes(ctx, 0, count)
	if err != nil {
		return err
	}
	return s.subscribe(ctx, hashes)
}

func (s *Syncer) converge(ctx context.Context, synced chan<- struct{}) error {
	index, err := s.SyncToUnusedIndex(ctx)
	if err != nil {
		return fmt.Errorf("sync to unused index: %w", err)
	}
	s.setState(StateConverged)

	fields := []zap.Field{zap.Uint32("unused_index", index)}
	if bal, err := s.Balance(ctx); err == nil {
		fields = append(fields, zap.String("balance", bal.XCH()), zap.Int("coins", bal.Coins))
	}
	s.logger.Info("IncrementalSync::Synced", fields...)

	if synced != nil {
		select {
		case synced <- struct{}{}:
		default:
		}
	}
	return nil
}

// ErrNoBalance is returned by Balance when the coin store cannot total coins.
var ErrNoBalance = errors.New("coin store does not report balances")

// Balance reports the spendable balance recorded by the coin store.
func (s *Syncer) Balance(ctx context.Context) (db.Balance, error) {
	b, ok := s.coins.(balancer)
	if !ok {
		return db.Balance{}, ErrNoBalance
	}
	return b.Balance(ctx)
}
