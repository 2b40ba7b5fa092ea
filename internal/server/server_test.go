package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ronickg/chia-wallet-sdk/internal/config"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"github.com/ronickg/chia-wallet-sdk/internal/peer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitTimeout = 5 * time.Second

func newTestServer(t *testing.T, tune func(*config.ServerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	conf := &config.ServerConfig{}
	if tune != nil {
		tune(conf)
	}
	s, err := NewServer(conf, zap.NewNop())
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		require.NoError(t, s.Shutdown(context.Background()))
		ts.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func connect(t *testing.T, ts *httptest.Server) *peer.Peer {
	t.Helper()
	p, err := peer.Dial(context.Background(), wsURL(ts), peer.Options{DialAttempts: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func nextUpdate(t *testing.T, p *peer.Peer) model.CoinStateUpdate {
	t.Helper()
	select {
	case u, ok := <-p.Events():
		require.True(t, ok, "event stream closed")
		return u
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for coin state update")
	}
	return model.CoinStateUpdate{}
}

func noUpdate(t *testing.T, p *peer.Peer) {
	t.Helper()
	select {
	case u := <-p.Events():
		t.Fatalf("unexpected update at height %d", u.Height)
	case <-time.After(100 * time.Millisecond):
	}
}

func spendTo(coin model.Coin, outputs ...model.CoinOutput) model.SpendBundle {
	return model.SpendBundle{CoinSpends: []model.CoinSpend{{Coin: coin, Outputs: outputs}}}
}

func TestRequestChildren(t *testing.T) {
	s, ts := newTestServer(t, nil)
	p := connect(t, ts)
	ctx := context.Background()

	ph := model.Bytes32{1}
	coin := s.MintCoin(ph, 3)
	ack, err := p.SendTransaction(ctx, spendTo(coin,
		model.CoinOutput{PuzzleHash: ph, Amount: 1},
		model.CoinOutput{PuzzleHash: ph, Amount: 2},
	))
	require.NoError(t, err)
	require.Equal(t, uint8(model.TxStatusSuccess), ack.Status)

	children, err := p.RequestChildren(ctx, coin.CoinID())
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, cs := range children {
		require.Equal(t, coin.CoinID(), cs.Coin.ParentCoinInfo)
		require.NotNil(t, cs.CreatedHeight)
		require.Equal(t, uint32(0), *cs.CreatedHeight)
		require.Nil(t, cs.SpentHeight)
	}
}

func TestPuzzleHashSubscription(t *testing.T) {
	s, ts := newTestServer(t, nil)
	p := connect(t, ts)
	ctx := context.Background()
	ph := model.Bytes32{1}

	states, err := p.RegisterForPhUpdates(ctx, []model.Bytes32{ph}, 0)
	require.NoError(t, err)
	require.Empty(t, states)

	coin := s.MintCoin(ph, 1)
	u := nextUpdate(t, p)
	require.Equal(t, uint32(0), u.Height)
	require.Len(t, u.Items, 1)
	require.True(t, model.NewCoinState(coin, nil, model.Height(0)).Equal(u.Items[0]))

	require.NoError(t, s.PushBlock(spendTo(coin)))
	u = nextUpdate(t, p)
	require.Equal(t, uint32(1), u.Height)
	require.Equal(t, uint32(1), u.PeakHeight)
	require.Equal(t, s.PeakHash(), u.PeakHash)
	require.Len(t, u.Items, 1)
	require.True(t, model.NewCoinState(coin, model.Height(0), model.Height(0)).Equal(u.Items[0]))

	// a coin at another puzzle hash is not pushed
	s.MintCoin(model.Bytes32{2}, 1)
	noUpdate(t, p)
}

func TestCoinSubscription(t *testing.T) {
	s, ts := newTestServer(t, nil)
	p := connect(t, ts)
	ctx := context.Background()

	coin := s.MintCoin(model.Bytes32{1}, 1)
	states, err := p.RegisterForCoinUpdates(ctx, []model.Bytes32{coin.CoinID(), {9}}, 0)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, coin, states[0].Coin)

	require.NoError(t, s.PushBlock(spendTo(coin)))
	u := nextUpdate(t, p)
	require.Len(t, u.Items, 1)
	require.True(t, u.Items[0].IsSpent())
}

func TestHintSubscription(t *testing.T) {
	s, ts := newTestServer(t, nil)
	p := connect(t, ts)
	ctx := context.Background()
	hint := model.Bytes32{42}
	target := model.Bytes32{7}

	_, err := p.RegisterForPhUpdates(ctx, []model.Bytes32{hint}, 0)
	require.NoError(t, err)

	parent := s.MintCoin(model.Bytes32{1}, 10)
	height := s.Height()
	require.NoError(t, s.PushBlock(spendTo(parent,
		model.CoinOutput{PuzzleHash: target, Amount: 10, Hints: []model.Bytes32{hint}},
	)))

	u := nextUpdate(t, p)
	require.Len(t, u.Items, 1)
	child := u.Items[0]
	require.Equal(t, target, child.Coin.PuzzleHash)
	require.Equal(t, parent.CoinID(), child.Coin.ParentCoinInfo)
	require.Equal(t, height, *child.CreatedHeight)
	require.Nil(t, child.SpentHeight)

	// the hint also answers later registrations
	states, err := p.RegisterForPhUpdates(ctx, []model.Bytes32{hint}, 0)
	require.NoError(t, err)
	require.Len(t, states, 1)

	filters := model.NewCoinStateFilters(true, true, false, 0)
	states, err = p.RegisterForPhUpdatesWithFilters(ctx, []model.Bytes32{hint}, 0, &filters)
	require.NoError(t, err)
	require.Empty(t, states)
}

func TestRequestCoinState(t *testing.T) {
	s, ts := newTestServer(t, nil)
	p := connect(t, ts)
	ctx := context.Background()

	coin := s.MintCoin(model.Bytes32{1}, 1)
	resp, err := p.RequestCoinState(ctx, &model.RequestCoinState{
		CoinIDs:    []model.Bytes32{coin.CoinID()},
		HeaderHash: s.GenesisChallenge(),
	})
	require.NoError(t, err)
	require.Len(t, resp.CoinStates, 1)

	_, err = p.RequestCoinState(ctx, &model.RequestCoinState{
		CoinIDs:    []model.Bytes32{coin.CoinID()},
		HeaderHash: model.Bytes32{0xba, 0xd},
	})
	var rej *peer.RejectError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, model.TypeRejectCoinState, rej.Type)

	// nothing changed after height 0 yet
	h0, _ := s.HeaderHash(0)
	resp, err = p.RequestCoinState(ctx, &model.RequestCoinState{
		CoinIDs:        []model.Bytes32{coin.CoinID()},
		PreviousHeight: model.Height(0),
		HeaderHash:     h0,
		Subscribe:      true,
	})
	require.NoError(t, err)
	require.Empty(t, resp.CoinStates)

	require.NoError(t, s.PushBlock(spendTo(coin)))
	u := nextUpdate(t, p)
	require.Len(t, u.Items, 1)

	_, err = p.RequestCoinState(ctx, &model.RequestCoinState{
		PreviousHeight: model.Height(50),
		HeaderHash:     h0,
	})
	require.ErrorAs(t, err, &rej)
}

func TestRequestPuzzleState(t *testing.T) {
	s, ts := newTestServer(t, nil)
	p := connect(t, ts)
	ctx := context.Background()
	ph := model.Bytes32{1}

	coin := s.MintCoin(ph, 0)
	req := &model.RequestPuzzleState{
		PuzzleHashes: []model.Bytes32{ph},
		HeaderHash:   s.GenesisChallenge(),
		Filters:      model.NewCoinStateFilters(true, true, true, 0),
	}
	resp, err := p.RequestPuzzleState(ctx, req)
	require.NoError(t, err)
	h0, _ := s.HeaderHash(0)
	require.Equal(t, uint32(0), resp.Height)
	require.Equal(t, h0, resp.HeaderHash)
	require.True(t, resp.IsFinished)
	require.Len(t, resp.CoinStates, 1)

	ack, err := p.SendTransaction(ctx, spendTo(coin))
	require.NoError(t, err)
	require.Equal(t, uint8(model.TxStatusSuccess), ack.Status)

	resp, err = p.RequestPuzzleState(ctx, req)
	require.NoError(t, err)
	h1, _ := s.HeaderHash(1)
	require.Equal(t, uint32(1), resp.Height)
	require.Equal(t, h1, resp.HeaderHash)
	require.True(t, resp.IsFinished)
	require.Len(t, resp.CoinStates, 1)
	require.Equal(t, uint32(0), *resp.CoinStates[0].SpentHeight)

	req.HeaderHash = model.Bytes32{3}
	_, err = p.RequestPuzzleState(ctx, req)
	var rej *peer.RejectError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, model.TypeRejectPuzzleState, rej.Type)
}

func TestRequestPuzzleStatePaging(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.ServerConfig) { c.PuzzleStateLimit = 2 })
	p := connect(t, ts)
	ctx := context.Background()
	ph := model.Bytes32{1}

	// one coin created at each of heights 0, 1, 2
	funding := s.MintCoin(model.Bytes32{9}, 100)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.PushBlock(spendTo(funding,
			model.CoinOutput{PuzzleHash: ph, Amount: uint64(i + 1)},
			model.CoinOutput{PuzzleHash: model.Bytes32{9}, Amount: funding.Amount - uint64(i+1)},
		)))
		children := s.Children(funding.CoinID())
		for _, c := range children {
			if c.Coin.PuzzleHash == (model.Bytes32{9}) {
				funding = c.Coin
			}
		}
	}

	req := &model.RequestPuzzleState{
		PuzzleHashes:          []model.Bytes32{ph},
		HeaderHash:            s.GenesisChallenge(),
		Filters:               model.AllCoins(),
		SubscribeWhenFinished: true,
	}
	var seen []model.CoinState
	pages := 0
	for {
		resp, err := p.RequestPuzzleState(ctx, req)
		require.NoError(t, err)
		pages++
		seen = append(seen, resp.CoinStates...)
		if resp.IsFinished {
			require.Equal(t, s.Height(), resp.Height)
			break
		}
		require.LessOrEqual(t, len(resp.CoinStates), 2)
		req.PreviousHeight = model.Height(resp.Height)
		req.HeaderHash = resp.HeaderHash
	}
	require.Len(t, seen, 3)
	require.Equal(t, 2, pages)

	// subscribed once finished
	s.MintCoin(ph, 5)
	u := nextUpdate(t, p)
	require.Len(t, u.Items, 1)
}

func TestSendTransactionFailed(t *testing.T) {
	s, ts := newTestServer(t, nil)
	p := connect(t, ts)
	ctx := context.Background()

	coin := s.MintCoin(model.Bytes32{1}, 1)
	ack, err := p.SendTransaction(ctx, spendTo(coin, model.CoinOutput{PuzzleHash: model.Bytes32{1}, Amount: 2}))
	require.NoError(t, err)
	require.Equal(t, uint8(model.TxStatusFailed), ack.Status)
	require.NotEmpty(t, ack.Error)
	require.Equal(t, uint32(0), s.Height())
}

func TestDisconnectedSession(t *testing.T) {
	s, ts := newTestServer(t, nil)
	gone := connect(t, ts)
	stays := connect(t, ts)
	ctx := context.Background()
	ph := model.Bytes32{1}

	for _, p := range []*peer.Peer{gone, stays} {
		_, err := p.RegisterForPhUpdates(ctx, []model.Bytes32{ph}, 0)
		require.NoError(t, err)
	}
	require.Len(t, s.Subscriptions(), 2)

	require.NoError(t, gone.Close())
	require.Eventually(t, func() bool { return s.Sessions() == 1 }, waitTimeout, 10*time.Millisecond)
	require.Len(t, s.Subscriptions(), 1)

	coin := s.MintCoin(ph, 1)
	require.NoError(t, s.PushBlock(spendTo(coin)))
	require.Len(t, nextUpdate(t, stays).Items, 1)
	require.Len(t, nextUpdate(t, stays).Items, 1)

	_, err := gone.RequestChildren(ctx, coin.CoinID())
	require.ErrorIs(t, err, peer.ErrPeerClosed)
}

func TestUpdateOrdering(t *testing.T) {
	s, ts := newTestServer(t, nil)
	p := connect(t, ts)
	ph := model.Bytes32{1}
	_, err := p.RegisterForPhUpdates(context.Background(), []model.Bytes32{ph}, 0)
	require.NoError(t, err)

	coin := s.MintCoin(ph, 64)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.PushBlock(spendTo(coin, model.CoinOutput{PuzzleHash: ph, Amount: coin.Amount})))
		s.MintCoin(ph, uint64(i))
		coin = s.Children(coin.CoinID())[0].Coin
	}

	var last uint32
	for i := 0; i < 21; i++ {
		u := nextUpdate(t, p)
		require.GreaterOrEqual(t, u.Height, last)
		last = u.Height
	}
	require.Equal(t, uint32(10), last)
}

func TestMaxConnections(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.ServerConfig) { c.MaxConnections = 1 })
	connect(t, ts)
	require.Eventually(t, func() bool { return s.Sessions() == 1 }, waitTimeout, 10*time.Millisecond)

	_, err := peer.Dial(context.Background(), wsURL(ts), peer.Options{DialAttempts: 1}, zap.NewNop())
	require.Error(t, err)
}
