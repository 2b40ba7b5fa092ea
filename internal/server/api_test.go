package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/guonaihong/gout"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"github.com/ronickg/chia-wallet-sdk/pkg"
	"github.com/stretchr/testify/require"
)

type commonReply struct {
	Code int             `json:"code,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Msg  string          `json:"msg,omitempty"`
}

func call(t *testing.T, method, url string, req, out interface{}) *commonReply {
	t.Helper()
	reply := &commonReply{}
	if method == http.MethodGet {
		require.NoError(t, gout.GET(url).BindJSON(reply).Do())
	} else {
		require.NoError(t, gout.POST(url).SetJSON(req).BindJSON(reply).Do())
	}
	if out != nil && reply.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(reply.Data, out))
	}
	return reply
}

func TestAdminAPI(t *testing.T) {
	s, ts := newTestServer(t, nil)
	ph := model.Hash([]byte("admin"))
	addr, err := pkg.EncodeAddress("xch", ph)
	require.NoError(t, err)

	minted := &model.MintReply{}
	reply := call(t, http.MethodPost, ts.URL+"/mint", &model.MintRequest{Address: addr, Amount: 1000}, minted)
	require.Equal(t, http.StatusOK, reply.Code)
	require.Equal(t, ph, minted.Coin.PuzzleHash)
	require.Equal(t, minted.Coin.CoinID(), minted.CoinID)

	hint := model.Bytes32{5}
	reply = call(t, http.MethodPost, ts.URL+"/hint", &model.HintRequest{CoinID: minted.CoinID, Hint: hint}, nil)
	require.Equal(t, http.StatusOK, reply.Code)
	reply = call(t, http.MethodPost, ts.URL+"/hint", &model.HintRequest{CoinID: model.Bytes32{1}, Hint: hint}, nil)
	require.Equal(t, http.StatusBadRequest, reply.Code)

	page := &model.PuzzleStateReply{}
	reply = call(t, http.MethodPost, ts.URL+"/puzzle_state", &model.PuzzleStateRequest{Address: hint.String()}, page)
	require.Equal(t, http.StatusOK, reply.Code)
	require.Equal(t, 1, page.TotalSize)
	require.Equal(t, minted.Coin, page.CoinStates[0].Coin)

	ack := &model.TransactionAck{}
	bundle := spendTo(minted.Coin, model.CoinOutput{PuzzleHash: ph, Amount: 400}, model.CoinOutput{PuzzleHash: ph, Amount: 600})
	reply = call(t, http.MethodPost, ts.URL+"/block", &bundle, ack)
	require.Equal(t, http.StatusOK, reply.Code)
	require.Equal(t, bundle.Name(), ack.TxID)

	// spending it again is refused
	reply = call(t, http.MethodPost, ts.URL+"/block", &bundle, nil)
	require.Equal(t, http.StatusBadRequest, reply.Code)
	require.NotEmpty(t, reply.Msg)

	height := &model.HeightReply{}
	reply = call(t, http.MethodGet, ts.URL+"/height", nil, height)
	require.Equal(t, http.StatusOK, reply.Code)
	require.Equal(t, uint32(1), height.Height)
	require.Equal(t, s.PeakHash(), height.PeakHash)
	require.Equal(t, 3, height.Coins)

	var children []model.CoinState
	reply = call(t, http.MethodPost, ts.URL+"/children", &model.ChildrenRequest{CoinID: minted.CoinID}, &children)
	require.Equal(t, http.StatusOK, reply.Code)
	require.Len(t, children, 2)

	var states []model.CoinState
	reply = call(t, http.MethodPost, ts.URL+"/coin_state", &model.CoinStateRequest{CoinIDs: []model.Bytes32{minted.CoinID}}, &states)
	require.Equal(t, http.StatusOK, reply.Code)
	require.Len(t, states, 1)
	require.True(t, states[0].IsSpent())

	page = &model.PuzzleStateReply{}
	reply = call(t, http.MethodPost, ts.URL+"/puzzle_state", &model.PuzzleStateRequest{Address: addr, PageSize: 2, Page: 1}, page)
	require.Equal(t, http.StatusOK, reply.Code)
	require.Equal(t, 3, page.TotalSize)
	require.Len(t, page.CoinStates, 1)
	require.Equal(t, addr, page.Address)

	var subs []model.SubscriptionInfo
	reply = call(t, http.MethodGet, ts.URL+"/subscriptions", nil, &subs)
	require.Equal(t, http.StatusOK, reply.Code)
	require.Empty(t, subs)

	reply = call(t, http.MethodPost, ts.URL+"/mint", &model.MintRequest{Address: "bogus"}, nil)
	require.Equal(t, http.StatusBadRequest, reply.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)
	connect(t, ts)

	var body string
	var code int
	require.NoError(t, gout.GET(ts.URL+"/metrics").BindBody(&body).Code(&code).Do())
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "chiasim_ws_connections")
}
