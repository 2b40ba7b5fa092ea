package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testCoin = model.NewCoin(model.Bytes32{1}, model.Bytes32{2}, 3)

// scriptedPeer answers every request from a fixed script and pushes one
// update after each puzzle hash registration. A puzzle state request makes it
// hang up.
func scriptedPeer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			req := new(model.Message)
			if err := ws.ReadJSON(req); err != nil {
				return
			}
			if req.Type == model.TypeRequestPuzzleState {
				return
			}
			state := model.NewCoinState(testCoin, nil, model.Height(0))
			var resp *model.Message
			switch req.Type {
			case model.TypeRegisterForPhUpdates:
				resp, _ = model.NewMessage(model.TypeRespondToPhUpdates, req.ID, &model.RespondToPhUpdates{CoinStates: []model.CoinState{state}})
			case model.TypeRequestCoinState:
				resp, _ = model.NewMessage(model.TypeRejectCoinState, req.ID, &model.RejectCoinState{Reason: "reorg"})
			case model.TypeSendTransaction:
				resp, _ = model.NewMessage(model.TypeRespondChildren, req.ID, &model.RespondChildren{})
			default:
				resp, _ = model.NewMessage(model.TypeReject, req.ID, model.NewUnknownMethodError(req.Type))
			}
			if err := ws.WriteJSON(resp); err != nil {
				return
			}
			if req.Type == model.TypeRegisterForPhUpdates {
				push, _ := model.NewMessage(model.TypeCoinStateUpdate, nil, model.NewCoinStateUpdate(1, 1, model.Bytes32{}, []model.CoinState{state}))
				if err := ws.WriteJSON(push); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dialScripted(t *testing.T, ts *httptest.Server) *Peer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	p, err := Dial(context.Background(), url, Options{BaseMessageRate: 100, RateLimitFactor: 0.6}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestRequestsAndEvents(t *testing.T) {
	p := dialScripted(t, scriptedPeer(t))
	ctx := context.Background()

	states, err := p.RegisterForPhUpdates(ctx, []model.Bytes32{testCoin.PuzzleHash}, 0)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, testCoin, states[0].Coin)

	select {
	case u := <-p.Events():
		require.Equal(t, uint32(1), u.Height)
		require.Len(t, u.Items, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no update")
	}

	_, err = p.RequestCoinState(ctx, &model.RequestCoinState{})
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "reorg", rej.Reason)

	_, err = p.RequestChildren(ctx, testCoin.CoinID())
	var perr *model.ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, model.ErrCodeUnknownMethod, perr.Code)

	_, err = p.SendTransaction(ctx, model.SpendBundle{})
	require.ErrorContains(t, err, "unexpected response")
}

func TestCloseEndsStream(t *testing.T) {
	ts := scriptedPeer(t)
	p := dialScripted(t, ts)

	require.NoError(t, p.Close())
	select {
	case _, ok := <-p.Events():
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("event stream not closed")
	}
	require.ErrorIs(t, p.Err(), ErrPeerClosed)

	_, err := p.RegisterForPhUpdates(context.Background(), nil, 0)
	require.ErrorIs(t, err, ErrPeerClosed)
}

func TestRemoteCloseEndsStream(t *testing.T) {
	ts := scriptedPeer(t)
	p := dialScripted(t, ts)

	_, err := p.RequestPuzzleState(context.Background(), &model.RequestPuzzleState{})
	require.ErrorIs(t, err, ErrPeerClosed)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not notice the remote close")
	}
	_, ok := <-p.Events()
	require.False(t, ok)
	require.ErrorIs(t, p.Err(), ErrPeerClosed)
}

func TestCanceledRequest(t *testing.T) {
	p := dialScripted(t, scriptedPeer(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.RegisterForPhUpdates(ctx, nil, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDialRetriesThenFails(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	_, err := Dial(context.Background(), url, Options{DialAttempts: 2}, zap.NewNop())
	require.Error(t, err)
}
