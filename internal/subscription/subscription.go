// Package subscription keeps the per-session watch sets a peer uses to decide
// which coin state changes each connection hears about. A Registry does no
// locking of its own: the server guards it with the same lock as the ledger
// so that a registration's snapshot and its watch set update are one step.
package subscription

import (
	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"github.com/scylladb/go-set/strset"
)

// SessionID identifies one connection for its whole lifetime.
type SessionID uint64

// Subscription is the watch set of one session.
type Subscription struct {
	coinIDs      *strset.Set
	puzzleHashes *strset.Set // puzzle hashes and hints share one key space
}

func newSubscription() *Subscription {
	return &Subscription{
		coinIDs:      strset.New(),
		puzzleHashes: strset.New(),
	}
}

func key(b model.Bytes32) string {
	return string(b[:])
}

// Matches reports whether a coin state, carrying the given hints, is watched.
func (s *Subscription) Matches(state model.CoinState, hints []model.Bytes32) bool {
	if s.coinIDs.Has(key(state.Coin.CoinID())) {
		return true
	}
	if s.puzzleHashes.Has(key(state.Coin.PuzzleHash)) {
		return true
	}
	for _, h := range hints {
		if s.puzzleHashes.Has(key(h)) {
			return true
		}
	}
	return false
}

type Registry struct {
	subs map[SessionID]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[SessionID]*Subscription)}
}

func (r *Registry) get(id SessionID) *Subscription {
	sub, ok := r.subs[id]
	if !ok {
		sub = newSubscription()
		r.subs[id] = sub
	}
	return sub
}

// AddCoinIDs extends a session's coin id watch set.
func (r *Registry) AddCoinIDs(id SessionID, coinIDs []model.Bytes32) {
	sub := r.get(id)
	for _, c := range coinIDs {
		sub.coinIDs.Add(key(c))
	}
}

// AddPuzzleHashes extends a session's puzzle hash and hint watch set.
func (r *Registry) AddPuzzleHashes(id SessionID, hashes []model.Bytes32) {
	sub := r.get(id)
	for _, h := range hashes {
		sub.puzzleHashes.Add(key(h))
	}
}

// Remove drops everything a session registered.
func (r *Registry) Remove(id SessionID) {
	delete(r.subs, id)
}

// Matches reports whether the session watches the coin state.
func (r *Registry) Matches(id SessionID, state model.CoinState, hints []model.Bytes32) bool {
	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	return sub.Matches(state, hints)
}

// Filter returns the subset of states the session watches, preserving order.
// hintsOf supplies the hints of each state's coin.
func (r *Registry) Filter(id SessionID, states []model.CoinState, hintsOf func(int) []model.Bytes32) []model.CoinState {
	sub, ok := r.subs[id]
	if !ok {
		return nil
	}
	var out []model.CoinState
	for i, st := range states {
		if sub.Matches(st, hintsOf(i)) {
			out = append(out, st)
		}
	}
	return out
}

// Counts returns how many coin ids and puzzle hashes a session watches.
func (r *Registry) Counts(id SessionID) (coinIDs, puzzleHashes int) {
	sub, ok := r.subs[id]
	if !ok {
		return 0, 0
	}
	return sub.coinIDs.Size(), sub.puzzleHashes.Size()
}

// Len is the number of sessions with a watch set.
func (r *Registry) Len() int {
	return len(r.subs)
}

// Reset drops every subscription.
func (r *Registry) Reset() {
	r.subs = make(map[SessionID]*Subscription)
}
