package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timborden/gateway/pkg/correlation"
	"github.com/timborden/gateway/pkg/crypto"
	"github.com/timborden/gateway/pkg/exchange"
	"github.com/timborden/gateway/pkg/exchange/sim"
	"github.com/timborden/gateway/pkg/margin"
	"github.com/timborden/gateway/pkg/order"
)

var (
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	broke  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	errNet = errors.New("connection reset")
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// flakyClient wraps the simulated exchange to inject transport failures and
// snapshot anomalies.
type flakyClient struct {
	exchange.Client
	submitErr error
	hideOnce  bool // next snapshot comes back empty
	duplicate bool // every snapshot entry is repeated under a second id

	deposits    atomic.Int32
	depositing  chan struct{} // signalled when a deposit starts
	holdDeposit chan struct{} // deposits wait until closed
}

func (c *flakyClient) DepositCollateral(ctx context.Context, h exchange.AccountHandle, amount decimal.Decimal) (exchange.TxResult, error) {
	c.deposits.Add(1)
	if c.holdDeposit != nil {
		c.depositing <- struct{}{}
		<-c.holdDeposit
	}
	return c.Client.DepositCollateral(ctx, h, amount)
}

func (c *flakyClient) SubmitBatch(ctx context.Context, ins []exchange.Instruction) (exchange.TxResult, error) {
	if c.submitErr != nil {
		return exchange.TxResult{}, c.submitErr
	}
	return c.Client.SubmitBatch(ctx, ins)
}

func (c *flakyClient) FetchOpenOrders(ctx context.Context, h exchange.AccountHandle) ([]exchange.OpenOrder, error) {
	out, err := c.Client.FetchOpenOrders(ctx, h)
	if err != nil {
		return nil, err
	}
	if c.hideOnce {
		c.hideOnce = false
		return nil, nil
	}
	if c.duplicate {
		for _, o := range out {
			o.ExchangeOrderID += "-dup"
			out = append(out, o)
		}
	}
	return out, nil
}

type env struct {
	ex     *sim.Exchange
	client *flakyClient
	store  *order.Store
	gw     *Gateway
}

type envOpts struct {
	sim     []sim.Option
	gateway []Option
}

func newEnv(t *testing.T, o envOpts) *env {
	t.Helper()
	reg := sim.NewMarketRegistry()
	for _, sym := range []string{"BTC-USD", "ETH-USD"} {
		m, err := sim.NewMarket(sym, sim.DefaultPerp)
		require.NoError(t, err)
		require.NoError(t, reg.Register(m))
	}

	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	is := crypto.NewInstructionSigner(crypto.DefaultDomain(1337))

	ex := sim.New(reg, append([]sim.Option{sim.WithVerifier(is, signer.Address())}, o.sim...)...)
	require.NoError(t, ex.Faucet(owner, dec("10000")))

	client := &flakyClient{Client: ex}
	store := order.NewStore()
	gw, err := New("devnet", client, store, append([]Option{WithSigner(signer, is)}, o.gateway...)...)
	require.NoError(t, err)
	return &env{ex: ex, client: client, store: store, gw: gw}
}

func create(id, market, price, amount string) CreateOrder {
	return CreateOrder{
		ClientOrderID: id,
		Owner:         owner,
		Market:        market,
		Side:          order.Sell,
		Price:         dec(price),
		Amount:        dec(amount),
		Leverage:      decimal.NewFromInt(2),
	}
}

func (e *env) post(t *testing.T, req CreateOrder) PostResult {
	t.Helper()
	res, err := e.gw.PostOrder(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.ExchangeOrderID)
	return res
}

func (e *env) record(t *testing.T, id string) order.Record {
	t.Helper()
	rec, ok := e.store.GetByClientID(id)
	require.True(t, ok, "record %s missing", id)
	return rec
}

func TestPostOrderCorrelates(t *testing.T) {
	e := newEnv(t, envOpts{})
	res := e.post(t, create("c1", "BTC-USD", "100", "2"))
	assert.NotEmpty(t, res.TxHash)

	rec := e.record(t, "c1")
	assert.Equal(t, order.Open, rec.Status)
	assert.Equal(t, res.ExchangeOrderID, rec.ExchangeOrderID)
	assert.Equal(t, res.TxHash, rec.TxHash)

	h, err := e.ex.GetOrCreateAccount(context.Background(), owner, "BTC-USD")
	require.NoError(t, err)
	open, err := e.ex.FetchOpenOrders(context.Background(), h)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, rec.ExpiryToken, open[0].ExpiryToken)
	assert.GreaterOrEqual(t, rec.ExpiryToken-time.Now().Unix(), correlation.MinOffset-1)
}

func TestPostOrderDepositsShortfall(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.post(t, create("c1", "BTC-USD", "100", "2")) // requires 100

	assert.Equal(t, "9900", e.ex.Wallet(owner).String())
	h, _ := e.ex.GetOrCreateAccount(context.Background(), owner, "BTC-USD")
	free, err := e.ex.GetFreeCollateral(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, free.IsZero(), "free = %s", free)
}

func TestDepositFailureSubmitsNothing(t *testing.T) {
	e := newEnv(t, envOpts{})
	req := create("c1", "BTC-USD", "100", "2")
	req.Owner = broke

	_, err := e.gw.PostOrder(context.Background(), req)
	require.ErrorIs(t, err, margin.ErrDepositFailed)
	assert.Equal(t, 0, e.store.Len())

	h, _ := e.ex.GetOrCreateAccount(context.Background(), broke, "BTC-USD")
	open, _ := e.ex.FetchOpenOrders(context.Background(), h)
	assert.Empty(t, open)
}

func TestDuplicateClientOrderID(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.post(t, create("c1", "BTC-USD", "100", "1"))
	before := e.record(t, "c1")

	_, err := e.gw.PostOrder(context.Background(), create("c1", "BTC-USD", "200", "3"))
	require.ErrorIs(t, err, order.ErrDuplicateOrder)
	assert.Equal(t, before, e.record(t, "c1"))

	_, err = e.gw.BatchOrders(context.Background(), Batch{
		Owner:   owner,
		Creates: []CreateOrder{create("c2", "BTC-USD", "100", "1"), create("c2", "ETH-USD", "100", "1")},
	})
	require.ErrorIs(t, err, order.ErrDuplicateOrder)
	assert.Equal(t, 1, e.store.Len())
}

func TestConcurrentDuplicateRejectedBeforeDeposit(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.client.depositing = make(chan struct{}, 1)
	e.client.holdDeposit = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		_, err := e.gw.PostOrder(context.Background(), create("c1", "BTC-USD", "100", "1"))
		first <- err
	}()
	<-e.client.depositing // first request is inside the margin gate

	_, err := e.gw.PostOrder(context.Background(), create("c1", "BTC-USD", "100", "1"))
	require.ErrorIs(t, err, order.ErrDuplicateOrder)
	_, err = e.gw.BatchOrders(context.Background(), Batch{
		Owner:   owner,
		Creates: []CreateOrder{create("c2", "ETH-USD", "100", "1"), create("c1", "ETH-USD", "100", "1")},
	})
	require.ErrorIs(t, err, order.ErrDuplicateOrder)

	close(e.client.holdDeposit)
	require.NoError(t, <-first)
	assert.EqualValues(t, 1, e.client.deposits.Load())
	assert.Equal(t, "9950", e.ex.Wallet(owner).String())
	assert.Equal(t, 1, e.store.Len())

	// Claims are dropped once the request finishes.
	e.post(t, create("c2", "ETH-USD", "100", "1"))
}

func TestInvalidOrdersRejectedLocally(t *testing.T) {
	e := newEnv(t, envOpts{})
	bad := []CreateOrder{
		create("", "BTC-USD", "100", "1"),
		create("c1", "", "100", "1"),
		create("c1", "BTC-USD", "0", "1"),
		create("c1", "BTC-USD", "100", "-1"),
	}
	noLev := create("c1", "BTC-USD", "100", "1")
	noLev.Leverage = decimal.Zero
	bad = append(bad, noLev)

	for _, req := range bad {
		_, err := e.gw.PostOrder(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidOrder)
	}
	_, err := e.gw.BatchOrders(context.Background(), Batch{Owner: owner})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.Equal(t, 0, e.store.Len())
}

func TestBatchAcrossMarkets(t *testing.T) {
	e := newEnv(t, envOpts{})
	res, err := e.gw.BatchOrders(context.Background(), Batch{
		Owner: owner,
		Creates: []CreateOrder{
			create("b1", "BTC-USD", "100", "1"),
			create("b2", "BTC-USD", "101", "1"),
			create("e1", "ETH-USD", "50", "1"),
		},
	})
	require.NoError(t, err)
	assert.Len(t, res.Correlated, 3)
	assert.Empty(t, res.Uncorrelated)

	ids := make(map[string]bool)
	for _, m := range res.Correlated {
		rec := e.record(t, m.ClientOrderID)
		assert.Equal(t, m.ExchangeOrderID, rec.ExchangeOrderID)
		assert.Equal(t, order.Open, rec.Status)
		ids[m.ExchangeOrderID] = true
	}
	assert.Len(t, ids, 3)

	b1, b2 := e.record(t, "b1"), e.record(t, "b2")
	assert.NotEqual(t, b1.ExpiryToken, b2.ExpiryToken)

	h, _ := e.ex.GetOrCreateAccount(context.Background(), owner, "BTC-USD")
	open, err := e.ex.FetchOpenOrders(context.Background(), h)
	require.NoError(t, err)
	prices := make(map[string]string)
	for _, o := range open {
		prices[o.ExchangeOrderID] = o.Price.String()
	}
	assert.Equal(t, "100", prices[b1.ExchangeOrderID])
	assert.Equal(t, "101", prices[b2.ExchangeOrderID])
}

func TestDeleteOrderCancels(t *testing.T) {
	e := newEnv(t, envOpts{})
	posted := e.post(t, create("c1", "BTC-USD", "100", "1"))

	res, err := e.gw.DeleteOrder(context.Background(), CancelOrder{ExchangeOrderID: posted.ExchangeOrderID})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxHash)
	assert.NotEqual(t, posted.TxHash, res.TxHash)
	assert.Equal(t, order.Cancelled, e.record(t, "c1").Status)

	_, err = e.gw.DeleteOrder(context.Background(), CancelOrder{ExchangeOrderID: posted.ExchangeOrderID})
	assert.ErrorIs(t, err, ErrInvalidOrder, "terminal orders cannot be cancelled")
}

func TestDeleteUnknownOrder(t *testing.T) {
	e := newEnv(t, envOpts{})
	_, err := e.gw.DeleteOrder(context.Background(), CancelOrder{ExchangeOrderID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownOrder)

	_, err = e.gw.DeleteOrder(context.Background(), CancelOrder{ExchangeOrderID: "nope", Owner: owner, Market: "BTC-USD"})
	var se *SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Reason, "not open")
	assert.NotEmpty(t, se.TxHash)
}

func TestRejectedBatchLeavesPreSubmissionState(t *testing.T) {
	e := newEnv(t, envOpts{})
	posted := e.post(t, create("c1", "BTC-USD", "100", "1"))

	res, err := e.gw.BatchOrders(context.Background(), Batch{
		Owner:   owner,
		Cancels: []CancelOrder{{ExchangeOrderID: posted.ExchangeOrderID}},
		Creates: []CreateOrder{create("c2", "BTC-USD", "100.001", "1")}, // off tick
	})
	require.ErrorIs(t, err, ErrSubmissionFailed)
	var se *SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Reason, "tick size")
	assert.Equal(t, res.TxHash, se.TxHash)

	assert.Equal(t, order.Open, e.record(t, "c1").Status, "cancel reverted")
	c2 := e.record(t, "c2")
	assert.Equal(t, order.Pending, c2.Status)
	assert.Empty(t, c2.ExchangeOrderID)
	assert.Empty(t, c2.TxHash)

	// An order placed outside the gateway with the rejected order's token
	// must not be attributed to it.
	ctx := context.Background()
	h, err := e.ex.GetOrCreateAccount(ctx, owner, "BTC-USD")
	require.NoError(t, err)
	_, err = e.ex.DepositCollateral(ctx, h, dec("50"))
	require.NoError(t, err)
	outside := exchange.Instruction{
		Kind:    exchange.KindPlace,
		Account: h,
		Nonce:   1_000,
		Place: &exchange.PlaceOrder{
			Side: order.Sell, Price: dec("100"), Amount: dec("1"), Leverage: decimal.NewFromInt(2),
			Expiry: c2.ExpiryToken,
		},
	}
	require.NoError(t, e.gw.instr.Sign(e.gw.signer, &outside))
	tx, err := e.ex.SubmitBatch(ctx, []exchange.Instruction{outside})
	require.NoError(t, err)
	require.True(t, tx.Success, tx.Reason)

	recs, err := e.gw.GetOrders(ctx, Query{ClientOrderID: "c2"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, order.Pending, recs[0].Status)
	assert.Empty(t, recs[0].ExchangeOrderID)

	_, err = e.gw.GetOrders(ctx, Query{Owner: owner})
	require.NoError(t, err)
	assert.Empty(t, e.record(t, "c2").ExchangeOrderID)
}

func TestTransportFailureKeepsPendingStates(t *testing.T) {
	e := newEnv(t, envOpts{})
	posted := e.post(t, create("c1", "BTC-USD", "100", "1"))
	e.client.submitErr = errNet

	_, err := e.gw.DeleteOrder(context.Background(), CancelOrder{ExchangeOrderID: posted.ExchangeOrderID})
	require.ErrorIs(t, err, ErrSubmissionFailed)
	assert.ErrorIs(t, err, errNet)
	assert.Equal(t, order.PendingCancel, e.record(t, "c1").Status)

	_, err = e.gw.PostOrder(context.Background(), create("c2", "BTC-USD", "100", "1"))
	require.ErrorIs(t, err, ErrSubmissionFailed)
	c2 := e.record(t, "c2")
	assert.Equal(t, order.Pending, c2.Status)
	assert.Empty(t, c2.TxHash)
}

func TestConfirmTimeoutKeepsPending(t *testing.T) {
	e := newEnv(t, envOpts{
		sim:     []sim.Option{sim.WithLatency(200 * time.Millisecond)},
		gateway: []Option{WithConfirmTimeout(20 * time.Millisecond)},
	})
	_, err := e.gw.PostOrder(context.Background(), create("c1", "BTC-USD", "100", "1"))
	require.ErrorIs(t, err, ErrSubmissionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, order.Pending, e.record(t, "c1").Status)
}

func TestAmbiguousCorrelationIsSurfaced(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.client.duplicate = true

	res, err := e.gw.PostOrder(context.Background(), create("c1", "BTC-USD", "100", "1"))
	require.ErrorIs(t, err, correlation.ErrCorrelationAmbiguous)
	assert.NotEmpty(t, res.TxHash)
	assert.Empty(t, res.ExchangeOrderID)

	rec := e.record(t, "c1")
	assert.Equal(t, order.Pending, rec.Status)
	assert.Empty(t, rec.ExchangeOrderID)
}

func TestLateCorrelationOnQuery(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.client.hideOnce = true

	res, err := e.gw.BatchOrders(context.Background(), Batch{Owner: owner, Creates: []CreateOrder{create("c1", "BTC-USD", "100", "1")}})
	require.NoError(t, err)
	assert.Empty(t, res.Correlated)
	assert.Equal(t, []string{"c1"}, res.Uncorrelated)

	recs, err := e.gw.GetOrders(context.Background(), Query{ClientOrderID: "c1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, order.Open, recs[0].Status)
	assert.NotEmpty(t, recs[0].ExchangeOrderID)
}

func TestGetOrdersReconcilesFills(t *testing.T) {
	e := newEnv(t, envOpts{})
	posted := e.post(t, create("c1", "BTC-USD", "100", "1"))

	_, err := e.ex.Take("BTC-USD", order.Buy, dec("0.4"))
	require.NoError(t, err)
	recs, err := e.gw.GetOrders(context.Background(), Query{ClientOrderID: "c1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, order.PartiallyFilled, recs[0].Status)
	assert.Equal(t, "0.4", recs[0].FilledAmount.String())

	_, err = e.ex.Take("BTC-USD", order.Buy, dec("5"))
	require.NoError(t, err)
	recs, err = e.gw.GetOrders(context.Background(), Query{ExchangeOrderID: posted.ExchangeOrderID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, order.Filled, recs[0].Status)
	assert.Equal(t, "1", recs[0].FilledAmount.String())
}

func TestGetOrdersByOwner(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.post(t, create("b1", "BTC-USD", "100", "1"))
	e.post(t, create("e1", "ETH-USD", "50", "1"))
	_, err := e.ex.Take("ETH-USD", order.Buy, dec("1"))
	require.NoError(t, err)

	recs, err := e.gw.GetOrders(context.Background(), Query{Owner: owner})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	got := map[string]order.Status{}
	for _, r := range recs {
		got[r.ClientOrderID] = r.Status
	}
	assert.Equal(t, map[string]order.Status{"b1": order.Open, "e1": order.Filled}, got)

	recs, err = e.gw.GetOrders(context.Background(), Query{Owner: owner, Market: "BTC-USD"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b1", recs[0].ClientOrderID)
}

func TestGetOrdersUnknownAndInvalid(t *testing.T) {
	e := newEnv(t, envOpts{})
	recs, err := e.gw.GetOrders(context.Background(), Query{ClientOrderID: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = e.gw.GetOrders(context.Background(), Query{ExchangeOrderID: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = e.gw.GetOrders(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestRegistry(t *testing.T) {
	e := newEnv(t, envOpts{})
	r := NewRegistry()
	require.NoError(t, r.Register(e.gw))
	assert.Error(t, r.Register(e.gw))

	got, err := r.Get("devnet")
	require.NoError(t, err)
	assert.Same(t, e.gw, got)

	_, err = r.Get("mainnet")
	assert.ErrorIs(t, err, ErrUnknownNetwork)
	assert.Equal(t, []string{"devnet"}, r.Names())
}
