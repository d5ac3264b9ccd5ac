package margin

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timborden/gateway/pkg/exchange"
	"github.com/timborden/gateway/pkg/metrics"
)

var owner = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type fakeClient struct {
	exchange.Client // unused methods panic

	free        map[string]decimal.Decimal // market -> free collateral
	freeCalls   int
	deposits    map[string]decimal.Decimal
	failDeposit string
}

func (f *fakeClient) GetFreeCollateral(_ context.Context, a exchange.AccountHandle) (decimal.Decimal, error) {
	f.freeCalls++
	return f.free[a.Market], nil
}

func (f *fakeClient) DepositCollateral(_ context.Context, a exchange.AccountHandle, amount decimal.Decimal) (exchange.TxResult, error) {
	if a.Market == f.failDeposit {
		return exchange.TxResult{}, errors.New("wallet empty")
	}
	if f.deposits == nil {
		f.deposits = map[string]decimal.Decimal{}
	}
	f.deposits[a.Market] = amount
	return exchange.TxResult{Success: true}, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func account(market string) exchange.AccountHandle {
	return exchange.AccountHandle{Owner: owner, Market: market, AccountID: "acct-" + market}
}

func TestRequiredMargin(t *testing.T) {
	tests := []struct {
		price, amount, lev string
		want               string
	}{
		{"100", "2", "4", "50"},
		{"30000.5", "0.01", "10", "30.0005"},
		{"1", "1", "3", "0.3333333333333333"},
	}
	for _, tt := range tests {
		got, err := RequiredMargin(dec(tt.price), dec(tt.amount), dec(tt.lev))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.String())
	}

	_, err := RequiredMargin(dec("1"), dec("1"), decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidLeverage)
}

func TestAssessNoDepositWhenCovered(t *testing.T) {
	client := &fakeClient{free: map[string]decimal.Decimal{"BTC-USD": dec("1000")}}
	gate := NewGate(client, nil)

	plan, err := gate.Assess(context.Background(), []Order{
		{ClientOrderID: "a", Account: account("BTC-USD"), Price: dec("100"), Amount: dec("2"), Leverage: dec("1")},
		{ClientOrderID: "b", Account: account("BTC-USD"), Price: dec("300"), Amount: dec("1"), Leverage: dec("1")},
	})
	require.NoError(t, err)
	assert.False(t, plan.NeedsDeposit())
	assert.Equal(t, 1, client.freeCalls)

	require.NoError(t, gate.Authorize(context.Background(), plan))
	assert.Empty(t, client.deposits)
}

func TestAssessDepositsShortfall(t *testing.T) {
	client := &fakeClient{free: map[string]decimal.Decimal{"BTC-USD": dec("100")}}
	gate := NewGate(client, nil)

	plan, err := gate.Assess(context.Background(), []Order{
		{ClientOrderID: "a", Account: account("BTC-USD"), Price: dec("150"), Amount: dec("1"), Leverage: dec("1")},
	})
	require.NoError(t, err)
	assert.Equal(t, "50", plan.Shortfall("BTC-USD").String())
	assert.Equal(t, 50.0, testutil.ToFloat64(metrics.MarginShortfall.WithLabelValues("BTC-USD")))

	require.NoError(t, gate.Authorize(context.Background(), plan))
	assert.Equal(t, "50", client.deposits["BTC-USD"].String())
}

func TestShortfallIsPerOrderAndPerMarket(t *testing.T) {
	client := &fakeClient{free: map[string]decimal.Decimal{"BTC-USD": dec("100"), "ETH-USD": dec("10")}}
	gate := NewGate(client, nil)

	plan, err := gate.Assess(context.Background(), []Order{
		// each compared to free collateral on its own
		{ClientOrderID: "a", Account: account("BTC-USD"), Price: dec("80"), Amount: dec("1"), Leverage: dec("1")},
		{ClientOrderID: "b", Account: account("BTC-USD"), Price: dec("90"), Amount: dec("1"), Leverage: dec("1")},
		{ClientOrderID: "c", Account: account("BTC-USD"), Price: dec("130"), Amount: dec("1"), Leverage: dec("1")},
		{ClientOrderID: "d", Account: account("ETH-USD"), Price: dec("25"), Amount: dec("2"), Leverage: dec("2")},
	})
	require.NoError(t, err)

	assert.Equal(t, "30", plan.Shortfall("BTC-USD").String())
	assert.Equal(t, "15", plan.Shortfall("ETH-USD").String())
	assert.Equal(t, "45", plan.Total().String())
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, plan.Markets())
	assert.Len(t, plan.Requirements, 4)
	assert.Equal(t, 2, client.freeCalls)
}

func TestAuthorizeAbortsOnDepositFailure(t *testing.T) {
	client := &fakeClient{
		free:        map[string]decimal.Decimal{},
		failDeposit: "BTC-USD",
	}
	gate := NewGate(client, nil)
	before := testutil.ToFloat64(metrics.Deposits.WithLabelValues("failed"))

	plan, err := gate.Assess(context.Background(), []Order{
		{ClientOrderID: "a", Account: account("BTC-USD"), Price: dec("10"), Amount: dec("1"), Leverage: dec("1")},
		{ClientOrderID: "b", Account: account("ETH-USD"), Price: dec("10"), Amount: dec("1"), Leverage: dec("1")},
	})
	require.NoError(t, err)

	err = gate.Authorize(context.Background(), plan)
	require.ErrorIs(t, err, ErrDepositFailed)
	assert.Contains(t, err.Error(), "wallet empty")
	assert.Empty(t, client.deposits, "later markets must not be funded after a failure")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Deposits.WithLabelValues("failed")))
}
