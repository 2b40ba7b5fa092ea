package server

import (
	"sort"

	"github.com/ronickg/chia-wallet-sdk/internal/ledger"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"go.uber.org/zap"
)

// MintCoin creates a coin at the current height and notifies watchers.
func (s *Server) MintCoin(puzzleHash model.Bytes32, amount uint64) model.Coin {
	s.mu.Lock()
	defer s.mu.Unlock()
	coin, mut := s.ledger.Mint(puzzleHash, amount)
	s.notify(mut)
	s.logger.Debug("MintCoin::Info",
		zap.Stringer("coin_id", coin.CoinID()),
		zap.Uint64("amount", amount),
		zap.Uint32("height", mut.Height))
	return coin
}

// AddHint tags an existing coin. Sessions already notified of the coin are
// not notified again.
func (s *Server) AddHint(coinID, hint model.Bytes32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.AddHint(coinID, hint)
}

// PushBlock applies a spend bundle as one block and notifies watchers.
func (s *Server) PushBlock(bundle model.SpendBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mut, err := s.ledger.ApplyBlock(bundle)
	if err != nil {
		return err
	}
	s.notify(mut)
	s.logger.Info("PushBlock::Info",
		zap.Stringer("txid", bundle.Name()),
		zap.Uint32("height", mut.PeakHeight),
		zap.Int("changes", len(mut.Changes)))
	return nil
}

func (s *Server) CoinState(coinID model.Bytes32) (model.CoinState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.CoinState(coinID)
}

func (s *Server) CoinStates(coinIDs []model.Bytes32, minHeight uint32) []model.CoinState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.CoinStates(coinIDs, minHeight)
}

func (s *Server) Children(coinID model.Bytes32) []model.CoinState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Children(coinID)
}

func (s *Server) PuzzleStates(hashes []model.Bytes32, minHeight uint32, filters model.CoinStateFilters) []model.CoinState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.PuzzleStates(hashes, minHeight, filters)
}

func (s *Server) Height() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Height()
}

func (s *Server) PeakHash() model.Bytes32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.PeakHash()
}

func (s *Server) HeaderHash(height uint32) (model.Bytes32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.HeaderHash(height)
}

func (s *Server) GenesisChallenge() model.Bytes32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.GenesisChallenge()
}

// Sessions is the number of open websocket sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Subscriptions summarizes every session's watch set.
func (s *Server) Subscriptions() []model.SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SubscriptionInfo, 0, len(s.conns))
	for id := range s.conns {
		coinIDs, puzzleHashes := s.registry.Counts(id)
		out = append(out, model.SubscriptionInfo{
			Session:      uint64(id),
			CoinIDs:      coinIDs,
			PuzzleHashes: puzzleHashes,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}

// Reset replaces the ledger with an empty one and clears every watch set.
// Sessions stay open.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = ledger.New(s.ledger.GenesisChallenge())
	s.registry.Reset()
}
