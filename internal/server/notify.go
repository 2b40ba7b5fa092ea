package server

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/ronickg/chia-wallet-sdk/internal/ledger"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"go.uber.org/zap"
)

// notify pushes a committed mutation to every session watching part of it.
// Callers hold s.mu, so sessions see mutations in ledger order.
func (s *Server) notify(mut ledger.Mutation) {
	if len(mut.Changes) == 0 || len(s.conns) == 0 {
		return
	}
	states := make([]model.CoinState, len(mut.Changes))
	for i, ch := range mut.Changes {
		states[i] = ch.State
	}
	hintsOf := func(i int) []model.Bytes32 { return mut.Changes[i].Hints }

	for id, c := range s.conns {
		items := s.registry.Filter(id, states, hintsOf)
		if len(items) == 0 {
			continue
		}
		update := model.NewCoinStateUpdate(mut.Height, mut.PeakHeight, mut.PeakHash, items)
		msg, err := model.NewMessage(model.TypeCoinStateUpdate, nil, update)
		if err != nil {
			s.logger.Error("notify::Marshal", zap.Error(err))
			return
		}
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("notify::Marshal", zap.Error(err))
			return
		}
		prepared, err := websocket.NewPreparedMessage(websocket.TextMessage, data)
		if err != nil {
			s.logger.Error("notify::Prepare", zap.Error(err))
			return
		}

		select {
		case c.updates <- prepared:
		default:
			updatesDropped.Inc()
			s.logger.Warn("update dropped, session outbound buffer full",
				zap.Uint64("session", uint64(id)),
				zap.Uint32("height", mut.Height),
				zap.Int("coin_states", len(items)))
		}
	}
}
