package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timborden/gateway/pkg/exchange/sim"
	"github.com/timborden/gateway/pkg/gateway"
	"github.com/timborden/gateway/pkg/order"
)

var owner = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type testServer struct {
	*httptest.Server
	hub *Hub
	ex  *sim.Exchange
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg := sim.NewMarketRegistry()
	m, err := sim.NewMarket("BTC-USD", sim.DefaultPerp)
	require.NoError(t, err)
	require.NoError(t, reg.Register(m))
	ex := sim.New(reg)

	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	store := order.NewStore(order.WithObserver(hub.OrderObserver("devnet")))
	gw, err := gateway.New("devnet", ex, store)
	require.NoError(t, err)
	gateways := gateway.NewRegistry()
	require.NoError(t, gateways.Register(gw))

	srv := httptest.NewServer(NewServer(gateways, hub, Config{CORSOrigins: []string{"*"}, FaucetAmount: decimal.NewFromInt(500)}, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testServer{Server: srv, hub: hub, ex: ex}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (ts *testServer) fund(t *testing.T) {
	t.Helper()
	code, body := ts.do(t, "POST", "/api/v1/devnet/faucet", map[string]string{"owner": owner.Hex(), "amount": "1000"})
	require.Equal(t, http.StatusOK, code, string(body))
}

func orderBody(id string) map[string]string {
	return map[string]string{
		"clientOrderId": id,
		"owner":         owner.Hex(),
		"market":        "BTC-USD",
		"side":          "buy",
		"price":         "100",
		"amount":        "1",
		"leverage":      "5",
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok","networks":["devnet"]}`, string(body))
}

func TestOrderLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t)

	code, body := ts.do(t, "POST", "/api/v1/devnet/orders", orderBody("c1"))
	require.Equal(t, http.StatusOK, code, string(body))
	var posted PostOrderResponse
	require.NoError(t, json.Unmarshal(body, &posted))
	require.NotEmpty(t, posted.ExchangeOrderID)
	assert.NotEmpty(t, posted.TxHash)

	code, body = ts.do(t, "GET", "/api/v1/devnet/orders?clientOrderId=c1", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var recs []order.Record
	require.NoError(t, json.Unmarshal(body, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, order.Open, recs[0].Status)
	assert.Equal(t, posted.ExchangeOrderID, recs[0].ExchangeOrderID)

	code, body = ts.do(t, "DELETE", "/api/v1/devnet/orders/"+posted.ExchangeOrderID, nil)
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = ts.do(t, "GET", "/api/v1/devnet/orders?owner="+strings.ToLower(owner.Hex()), nil)
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, order.Cancelled, recs[0].Status)
}

func TestBatchEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t)

	a, b := orderBody("a"), orderBody("b")
	delete(a, "owner")
	delete(b, "owner")
	b["price"] = "99"
	code, body := ts.do(t, "POST", "/api/v1/devnet/orders/batch", map[string]interface{}{
		"owner":   owner.Hex(),
		"creates": []map[string]string{a, b},
	})
	require.Equal(t, http.StatusOK, code, string(body))
	var res BatchResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Len(t, res.Correlated, 2)
	assert.Empty(t, res.Warning)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	code, _ := ts.do(t, "POST", "/api/v1/devnet/orders", orderBody("c1"))
	assert.Equal(t, http.StatusPaymentRequired, code, "unfunded wallet cannot cover margin")

	ts.fund(t)
	code, _ = ts.do(t, "POST", "/api/v1/devnet/orders", orderBody("c1"))
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.do(t, "POST", "/api/v1/devnet/orders", orderBody("c1"))
	assert.Equal(t, http.StatusConflict, code)

	code, _ = ts.do(t, "POST", "/api/v1/mainnet/orders", orderBody("c2"))
	assert.Equal(t, http.StatusNotFound, code)

	bad := orderBody("c3")
	bad["side"] = "sideways"
	code, _ = ts.do(t, "POST", "/api/v1/devnet/orders", bad)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, "POST", "/api/v1/devnet/orders", `{"clientOrderId":`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, "GET", "/api/v1/devnet/orders", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := ts.do(t, "GET", "/api/v1/devnet/orders?exchangeOrderId=ghost", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))

	code, _ = ts.do(t, "DELETE", "/api/v1/devnet/orders/ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMarketsAndOrderbook(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t)
	code, _ := ts.do(t, "POST", "/api/v1/devnet/orders", orderBody("c1"))
	require.Equal(t, http.StatusOK, code)

	code, body := ts.do(t, "GET", "/api/v1/devnet/markets", nil)
	require.Equal(t, http.StatusOK, code)
	var markets []MarketInfo
	require.NoError(t, json.Unmarshal(body, &markets))
	require.Len(t, markets, 1)
	assert.Equal(t, "BTC-USD", markets[0].Symbol)
	assert.Equal(t, "0.01", markets[0].TickSize.String())

	code, body = ts.do(t, "GET", "/api/v1/devnet/markets/BTC-USD/orderbook", nil)
	require.Equal(t, http.StatusOK, code)
	var book OrderbookSnapshot
	require.NoError(t, json.Unmarshal(body, &book))
	require.Len(t, book.Bids, 1)
	assert.Equal(t, "100", book.Bids[0].Price.String())
	assert.Equal(t, "1", book.Bids[0].Size.String())
	assert.Empty(t, book.Asks)

	code, _ = ts.do(t, "GET", "/api/v1/devnet/markets/DOGE-USD/orderbook", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestFaucetDefaultAmount(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(t, "POST", "/api/v1/devnet/faucet", map[string]string{"owner": owner.Hex()})
	require.Equal(t, http.StatusOK, code, string(body))
	var res FaucetResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "500", res.Wallet.String())

	code, _ = ts.do(t, "POST", "/api/v1/devnet/faucet", map[string]string{"owner": "nope"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t)
	code, _ := ts.do(t, "POST", "/api/v1/devnet/orders", orderBody("c1"))
	require.Equal(t, http.StatusOK, code)

	code, body := ts.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "gateway_submissions_total")
	assert.Contains(t, string(body), "gateway_correlations_total")
}

func TestWebSocketOrderUpdates(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	lower := "orders:" + strings.ToLower(owner.Hex())
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{lower}}))
	require.Eventually(t, func() bool { return ts.hub.subscribers(OrdersChannel(owner)) == 1 }, time.Second, 10*time.Millisecond)

	code, _ := ts.do(t, "POST", "/api/v1/devnet/orders", orderBody("c1"))
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	seen := map[order.Status]bool{}
	for !seen[order.Open] {
		var upd OrderUpdate
		require.NoError(t, conn.ReadJSON(&upd))
		assert.Equal(t, "order", upd.Type)
		assert.Equal(t, "c1", upd.ClientOrderID)
		seen[upd.Status] = true
	}
	assert.True(t, seen[order.Pending], "creation is published before the open transition")
}
