package server

import (
	"errors"
	"fmt"

	"github.com/ronickg/chia-wallet-sdk/internal/ledger"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
)

type wsHandler func(s *Server, c *conn, req *model.Message) (string, interface{}, *model.ProtocolError)

var wsHandlers = map[string]wsHandler{
	model.TypeRegisterForCoinUpdates: (*Server).registerForCoinUpdates,
	model.TypeRegisterForPhUpdates:   (*Server).registerForPhUpdates,
	model.TypeRequestChildren:        (*Server).requestChildren,
	model.TypeRequestCoinState:       (*Server).requestCoinState,
	model.TypeRequestPuzzleState:     (*Server).requestPuzzleState,
	model.TypeSendTransaction:        (*Server).sendTransaction,
}

func decodeParams(req *model.Message, v interface{}) *model.ProtocolError {
	if err := req.Decode(v); err != nil {
		return model.NewInvalidParamsError(err.Error())
	}
	return nil
}

func (s *Server) registerForCoinUpdates(c *conn, req *model.Message) (string, interface{}, *model.ProtocolError) {
	var params model.RegisterForCoinUpdates
	if perr := decodeParams(req, &params); perr != nil {
		return "", nil, perr
	}

	s.mu.Lock()
	states := s.ledger.CoinStates(params.CoinIDs, params.MinHeight)
	s.registry.AddCoinIDs(c.id, params.CoinIDs)
	s.mu.Unlock()

	return model.TypeRespondToCoinUpdates, &model.RespondToCoinUpdates{
		CoinIDs:    params.CoinIDs,
		MinHeight:  params.MinHeight,
		CoinStates: states,
	}, nil
}

func (s *Server) registerForPhUpdates(c *conn, req *model.Message) (string, interface{}, *model.ProtocolError) {
	var params model.RegisterForPhUpdates
	if perr := decodeParams(req, &params); perr != nil {
		return "", nil, perr
	}
	filters := model.AllCoins()
	if params.Filters != nil {
		filters = *params.Filters
	}

	s.mu.Lock()
	states := s.ledger.PuzzleStates(params.PuzzleHashes, params.MinHeight, filters)
	s.registry.AddPuzzleHashes(c.id, params.PuzzleHashes)
	s.mu.Unlock()

	return model.TypeRespondToPhUpdates, &model.RespondToPhUpdates{
		PuzzleHashes: params.PuzzleHashes,
		MinHeight:    params.MinHeight,
		CoinStates:   states,
	}, nil
}

func (s *Server) requestChildren(_ *conn, req *model.Message) (string, interface{}, *model.ProtocolError) {
	var params model.RequestChildren
	if perr := decodeParams(req, &params); perr != nil {
		return "", nil, perr
	}

	s.mu.Lock()
	states := s.ledger.Children(params.CoinName)
	s.mu.Unlock()

	return model.TypeRespondChildren, &model.RespondChildren{CoinStates: states}, nil
}

// checkPrevious validates a (previous height, header hash) pair against the
// chain and returns the lowest height the caller has not seen. Callers hold
// s.mu.
func (s *Server) checkPrevious(previous *uint32, headerHash model.Bytes32) (uint32, error) {
	if previous == nil {
		if headerHash != s.ledger.GenesisChallenge() {
			return 0, errors.New("header hash does not match genesis challenge")
		}
		return 0, nil
	}
	want, ok := s.ledger.HeaderHash(*previous)
	if !ok {
		return 0, fmt.Errorf("previous height %d is above the peak", *previous)
	}
	if want != headerHash {
		return 0, fmt.Errorf("header hash mismatch at height %d", *previous)
	}
	return *previous + 1, nil
}

func (s *Server) requestCoinState(c *conn, req *model.Message) (string, interface{}, *model.ProtocolError) {
	var params model.RequestCoinState
	if perr := decodeParams(req, &params); perr != nil {
		return "", nil, perr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	minHeight, err := s.checkPrevious(params.PreviousHeight, params.HeaderHash)
	if err != nil {
		return model.TypeRejectCoinState, &model.RejectCoinState{Reason: err.Error()}, nil
	}
	states := s.ledger.CoinStates(params.CoinIDs, minHeight)
	if params.Subscribe {
		s.registry.AddCoinIDs(c.id, params.CoinIDs)
	}

	return model.TypeRespondCoinState, &model.RespondCoinState{
		CoinIDs:    params.CoinIDs,
		CoinStates: states,
	}, nil
}

func (s *Server) requestPuzzleState(c *conn, req *model.Message) (string, interface{}, *model.ProtocolError) {
	var params model.RequestPuzzleState
	if perr := decodeParams(req, &params); perr != nil {
		return "", nil, perr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	minHeight, err := s.checkPrevious(params.PreviousHeight, params.HeaderHash)
	if err != nil {
		return model.TypeRejectPuzzleState, &model.RejectPuzzleState{Reason: err.Error()}, nil
	}

	states := s.ledger.PuzzleStates(params.PuzzleHashes, minHeight, params.Filters)
	resp := &model.RespondPuzzleState{
		PuzzleHashes: params.PuzzleHashes,
		Height:       s.ledger.Height(),
		HeaderHash:   s.ledger.PeakHash(),
		IsFinished:   true,
	}
	if page, height, capped := capStates(states, s.conf.PuzzleStateLimit); capped {
		resp.CoinStates = page
		resp.Height = height
		resp.HeaderHash, _ = s.ledger.HeaderHash(height)
		resp.IsFinished = false
	} else {
		resp.CoinStates = states
	}

	if resp.IsFinished && params.SubscribeWhenFinished {
		s.registry.AddPuzzleHashes(c.id, params.PuzzleHashes)
	}
	return model.TypeRespondPuzzleState, resp, nil
}

// capStates trims states, sorted by last change height, to at most limit
// entries without splitting a height. It returns the kept states and the
// last height they fully cover. A single height holding more than limit
// states is returned whole.
func capStates(states []model.CoinState, limit int) ([]model.CoinState, uint32, bool) {
	if limit <= 0 || len(states) <= limit {
		return states, 0, false
	}
	cut := states[limit].LastChange()
	n := limit
	for n > 0 && states[n-1].LastChange() == cut {
		n--
	}
	if n == 0 {
		for n < len(states) && states[n].LastChange() == cut {
			n++
		}
		if n == len(states) {
			return states, 0, false
		}
		return states[:n], cut, true
	}
	return states[:n], cut - 1, true
}

func (s *Server) sendTransaction(_ *conn, req *model.Message) (string, interface{}, *model.ProtocolError) {
	var params model.SendTransaction
	if perr := decodeParams(req, &params); perr != nil {
		return "", nil, perr
	}

	txID := params.Transaction.Name()
	if err := s.PushBlock(params.Transaction); err != nil {
		return model.TypeTransactionAck, &model.TransactionAck{
			TxID:   txID,
			Status: model.TxStatusFailed,
			Error:  err.Error(),
		}, nil
	}
	return model.TypeTransactionAck, &model.TransactionAck{TxID: txID, Status: model.TxStatusSuccess}, nil
}

// isValidationError reports whether err is the ledger refusing a bundle.
func isValidationError(err error) bool {
	for _, target := range []error{
		ledger.ErrCoinNotFound,
		ledger.ErrDoubleSpend,
		ledger.ErrDuplicateCoin,
		ledger.ErrExcessiveOutput,
		ledger.ErrTooManyHints,
		ledger.ErrEmptyBundle,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
