package peer

import (
	"context"
	"fmt"

	"github.com/ronickg/chia-wallet-sdk/internal/model"
)

// RejectError is a state request the peer refused, typically because the
// caller's header hash is not on the peer's chain.
type RejectError struct {
	Type   string
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Reason)
}

// RegisterForCoinUpdates watches coin ids and returns their current states.
// Unknown ids are omitted from the result.
func (p *Peer) RegisterForCoinUpdates(ctx context.Context, coinIDs []model.Bytes32, minHeight uint32) ([]model.CoinState, error) {
	var resp model.RespondToCoinUpdates
	err := p.request(ctx, model.TypeRegisterForCoinUpdates, model.TypeRespondToCoinUpdates,
		&model.RegisterForCoinUpdates{CoinIDs: coinIDs, MinHeight: minHeight}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.CoinStates, nil
}

// RegisterForPhUpdates watches puzzle hashes and returns every coin state
// they currently match.
func (p *Peer) RegisterForPhUpdates(ctx context.Context, hashes []model.Bytes32, minHeight uint32) ([]model.CoinState, error) {
	return p.RegisterForPhUpdatesWithFilters(ctx, hashes, minHeight, nil)
}

func (p *Peer) RegisterForPhUpdatesWithFilters(ctx context.Context, hashes []model.Bytes32, minHeight uint32, filters *model.CoinStateFilters) ([]model.CoinState, error) {
	var resp model.RespondToPhUpdates
	err := p.request(ctx, model.TypeRegisterForPhUpdates, model.TypeRespondToPhUpdates,
		&model.RegisterForPhUpdates{PuzzleHashes: hashes, MinHeight: minHeight, Filters: filters}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.CoinStates, nil
}

func (p *Peer) RequestChildren(ctx context.Context, coinID model.Bytes32) ([]model.CoinState, error) {
	var resp model.RespondChildren
	err := p.request(ctx, model.TypeRequestChildren, model.TypeRespondChildren,
		&model.RequestChildren{CoinName: coinID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.CoinStates, nil
}

// RequestCoinState fetches coin states changed after previousHeight. A nil
// previousHeight asks for everything and must be paired with the genesis
// challenge as header hash.
func (p *Peer) RequestCoinState(ctx context.Context, req *model.RequestCoinState) (*model.RespondCoinState, error) {
	resp, err := p.call(ctx, model.TypeRequestCoinState, req)
	if err != nil {
		return nil, err
	}
	switch resp.Type {
	case model.TypeRespondCoinState:
		out := new(model.RespondCoinState)
		if err := resp.Decode(out); err != nil {
			return nil, err
		}
		return out, nil
	case model.TypeRejectCoinState:
		var rej model.RejectCoinState
		if err := resp.Decode(&rej); err != nil {
			return nil, err
		}
		return nil, &RejectError{Type: resp.Type, Reason: rej.Reason}
	}
	return nil, fmt.Errorf("%s: unexpected response %q", model.TypeRequestCoinState, resp.Type)
}

// RequestPuzzleState pages through the coin states of puzzle hashes. When the
// response is not finished, the next page continues from its height and
// header hash.
func (p *Peer) RequestPuzzleState(ctx context.Context, req *model.RequestPuzzleState) (*model.RespondPuzzleState, error) {
	resp, err := p.call(ctx, model.TypeRequestPuzzleState, req)
	if err != nil {
		return nil, err
	}
	switch resp.Type {
	case model.TypeRespondPuzzleState:
		out := new(model.RespondPuzzleState)
		if err := resp.Decode(out); err != nil {
			return nil, err
		}
		return out, nil
	case model.TypeRejectPuzzleState:
		var rej model.RejectPuzzleState
		if err := resp.Decode(&rej); err != nil {
			return nil, err
		}
		return nil, &RejectError{Type: resp.Type, Reason: rej.Reason}
	}
	return nil, fmt.Errorf("%s: unexpected response %q", model.TypeRequestPuzzleState, resp.Type)
}

func (p *Peer) SendTransaction(ctx context.Context, bundle model.SpendBundle) (*model.TransactionAck, error) {
	ack := new(model.TransactionAck)
	err := p.request(ctx, model.TypeSendTransaction, model.TypeTransactionAck,
		&model.SendTransaction{Transaction: bundle}, ack)
	if err != nil {
		return nil, err
	}
	return ack, nil
}
