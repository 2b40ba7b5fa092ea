package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ronickg/chia-wallet-sdk/internal/config"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func readMessage(t *testing.T, ws *websocket.Conn) *model.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
	msg := new(model.Message)
	require.NoError(t, ws.ReadJSON(msg))
	return msg
}

func TestMalformedRequests(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readMessage(t, ws)
	require.Equal(t, model.TypeReject, msg.Type)
	var perr model.ProtocolError
	require.NoError(t, msg.Decode(&perr))
	require.Equal(t, model.ErrCodeParse, perr.Code)

	id := uint16(7)
	require.NoError(t, ws.WriteJSON(&model.Message{Type: "no_such_request", ID: &id, Data: json.RawMessage(`{}`)}))
	msg = readMessage(t, ws)
	require.Equal(t, model.TypeReject, msg.Type)
	require.Equal(t, id, *msg.ID)
	require.NoError(t, msg.Decode(&perr))
	require.Equal(t, model.ErrCodeUnknownMethod, perr.Code)

	id++
	require.NoError(t, ws.WriteJSON(&model.Message{Type: model.TypeRequestChildren, ID: &id, Data: json.RawMessage(`{"coin_name":"zz"}`)}))
	msg = readMessage(t, ws)
	require.Equal(t, model.TypeReject, msg.Type)
	require.NoError(t, msg.Decode(&perr))
	require.Equal(t, model.ErrCodeInvalidParams, perr.Code)

	// the session survives and still answers
	id++
	req, err := model.NewMessage(model.TypeRequestChildren, &id, &model.RequestChildren{CoinName: model.Bytes32{1}})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(req))
	msg = readMessage(t, ws)
	require.Equal(t, model.TypeRespondChildren, msg.Type)
	require.Equal(t, id, *msg.ID)
}

// Each coin created while a registration is in flight must reach the session
// exactly once, through the snapshot or through an update.
func TestRegistrationAtomicity(t *testing.T) {
	s, ts := newTestServer(t, nil)
	p := connect(t, ts)
	ph := model.Bytes32{1}
	const coins = 200

	minted := make(chan model.Coin, coins+1)
	var snapshot []model.CoinState
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		for i := 0; i < coins; i++ {
			minted <- s.MintCoin(ph, uint64(i))
		}
		return nil
	})
	g.Go(func() error {
		var err error
		snapshot, err = p.RegisterForPhUpdates(ctx, []model.Bytes32{ph}, 0)
		return err
	})
	require.NoError(t, g.Wait())

	// a sentinel minted after the registration is always pushed
	sentinel := s.MintCoin(ph, coins)
	close(minted)

	seen := make(map[model.Bytes32]int)
	for _, cs := range snapshot {
		seen[cs.Coin.CoinID()]++
	}
	for done := false; !done; {
		for _, cs := range nextUpdate(t, p).Items {
			seen[cs.Coin.CoinID()]++
			if cs.Coin == sentinel {
				done = true
			}
		}
	}

	for coin := range minted {
		require.Equal(t, 1, seen[coin.CoinID()], "coin %d", coin.Amount)
	}
	require.Equal(t, 1, seen[sentinel.CoinID()])
}

func TestCapStates(t *testing.T) {
	at := func(h uint32) model.CoinState {
		return model.NewCoinState(model.NewCoin(model.Bytes32{byte(h)}, model.Bytes32{}, 1), nil, model.Height(h))
	}
	states := []model.CoinState{at(1), at(2), at(2), at(3)}

	page, height, capped := capStates(states, 10)
	require.False(t, capped)
	require.Len(t, page, 4)

	page, height, capped = capStates(states, 2)
	require.True(t, capped)
	require.Len(t, page, 1)
	require.Equal(t, uint32(1), height)

	page, height, capped = capStates(states, 3)
	require.True(t, capped)
	require.Len(t, page, 3)
	require.Equal(t, uint32(2), height)

	// one height larger than the limit is returned whole
	page, height, capped = capStates([]model.CoinState{at(2), at(2), at(2), at(3)}, 2)
	require.True(t, capped)
	require.Len(t, page, 3)
	require.Equal(t, uint32(2), height)
}

func TestSlowSessionDropsUpdates(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.ServerConfig) {
		c.OutboundBuffer = 1
		c.BaseMessageRate = 2
	})
	p := connect(t, ts)
	ph := model.Bytes32{7}
	_, err := p.RegisterForPhUpdates(context.Background(), []model.Bytes32{ph}, 0)
	require.NoError(t, err)

	const mints = 50
	dropped := testutil.ToFloat64(updatesDropped)
	start := time.Now()
	for i := 0; i < mints; i++ {
		s.MintCoin(ph, uint64(i+1))
	}
	// a session that cannot keep up never holds back the ledger
	require.Less(t, time.Since(start), time.Second)
	require.Greater(t, testutil.ToFloat64(updatesDropped), dropped)

	received := 0
	deadline := time.After(1500 * time.Millisecond)
drain:
	for {
		select {
		case _, ok := <-p.Events():
			if !ok {
				break drain
			}
			received++
		case <-deadline:
			break drain
		}
	}
	require.Positive(t, received)
	require.Less(t, received, mints)
	require.Equal(t, uint32(0), s.Height())
}

func TestMaxConnectionsConcurrent(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.ServerConfig) { c.MaxConnections = 1 })

	var g errgroup.Group
	conns := make(chan *websocket.Conn, 10)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
			if err == nil {
				conns <- ws
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(conns)
	defer func() {
		for ws := range conns {
			ws.Close()
		}
	}()

	require.Eventually(t, func() bool { return s.Sessions() == 1 }, waitTimeout, 10*time.Millisecond)
	require.Never(t, func() bool { return s.Sessions() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
}
