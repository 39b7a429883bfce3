package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libertyflow/internal/model"
	"libertyflow/pkg/clock"
)

var t0 = time.Date(2025, 6, 2, 9, 45, 0, 0, time.UTC)

func testPolicy(n int) EscalationPolicy {
	return EscalationPolicy{
		OffsetPct:       0.05,
		StepMultiplier:  1,
		SettleInterval:  2 * time.Second,
		RepriceInterval: 3 * time.Second,
		MaxAttempts:     n,
		TickSize:        0.05,
		ProductType:     "INTRADAY",
		Validity:        "DAY",
	}
}

func TestEscalator_NeverFillsIssuesExactlyOneMarketModify(t *testing.T) {
	broker := NewMockBroker(model.Quote{LastPrice: 100, Bid: 99.95, Ask: 100.05})
	clk := clock.NewAutoFake(t0)
	policy := testPolicy(5)
	esc := NewEscalator(broker, policy, clk, "entry")

	fill, err := esc.Execute(context.Background(), "NSE:TEST", model.SideBuy, 75)
	require.ErrorIs(t, err, ErrNotFilled)

	mods := broker.ModifyCalls()
	market := 0
	for _, m := range mods {
		if m.Type == model.OrderMarket {
			market++
		}
	}
	assert.Equal(t, 1, market, "exactly one market conversion")
	assert.Len(t, mods, 5, "four limit re-prices and one market conversion")
	assert.Equal(t, model.OrderMarket, mods[len(mods)-1].Type)
	assert.Equal(t, 1, broker.CallCount("PlaceOrder"))

	require.Len(t, fill.Attempts, 6)
	assert.Equal(t, model.OrderMarket, fill.Attempts[5].OrderType)
	assert.True(t, fill.MarketFallback)

	elapsed := clk.Now().Sub(t0)
	assert.Equal(t, 17*time.Second, elapsed)
	assert.LessOrEqual(t, elapsed, time.Duration(policy.MaxAttempts)*policy.RepriceInterval+policy.SettleInterval)
}

func TestEscalator_MarketFallbackFills(t *testing.T) {
	broker := NewMockBroker(
		model.Quote{LastPrice: 23850, Bid: 23849, Ask: 23851},
		model.Quote{LastPrice: 23845, Bid: 23844, Ask: 23846},
		model.Quote{LastPrice: 23840, Bid: 23839, Ask: 23841},
	)
	broker.FillRule = FillOnMarket
	broker.FillPrice = 23838

	esc := NewEscalator(broker, testPolicy(3), clock.NewAutoFake(t0), "entry")
	fill, err := esc.Execute(context.Background(), "NSE:TEST", model.SideSell, 15)
	require.NoError(t, err)

	assert.Equal(t, "NSE:TEST", fill.Symbol)
	assert.Equal(t, "MOCK-1", fill.OrderID)
	assert.Equal(t, 2, fill.Modifications)
	assert.True(t, fill.MarketFallback)
	assert.Equal(t, 23838.0, fill.AvgPrice)

	mods := broker.ModifyCalls()
	require.Len(t, mods, 3)
	assert.Equal(t, model.OrderLimit, mods[0].Type)
	assert.Equal(t, model.OrderLimit, mods[1].Type)
	assert.Equal(t, model.OrderMarket, mods[2].Type)
	for _, m := range mods {
		assert.Equal(t, "MOCK-1", m.OrderID, "one order id per call")
	}
	// sells re-price below the bid, more aggressively each time
	assert.Less(t, mods[1].LimitPrice, mods[0].LimitPrice)
}

func TestEscalator_FillsOnSettle(t *testing.T) {
	broker := NewMockBroker(model.Quote{LastPrice: 100, Bid: 99.95, Ask: 100.05})
	broker.FillRule = FillImmediately

	clk := clock.NewAutoFake(t0)
	fill, err := NewEscalator(broker, testPolicy(5), clk, "exit").Execute(context.Background(), "NSE:TEST", model.SideBuy, 1)
	require.NoError(t, err)
	assert.Empty(t, broker.ModifyCalls())
	assert.False(t, fill.MarketFallback)
	require.Len(t, fill.Attempts, 1)
	assert.InDelta(t, 100.10, fill.Attempts[0].RequestedPrice, 1e-9)
	assert.Equal(t, 2*time.Second, clk.Now().Sub(t0))
}

func TestEscalator_RejectedIsNotRetried(t *testing.T) {
	broker := NewMockBroker(model.Quote{LastPrice: 100})
	broker.RejectAll = true

	_, err := NewEscalator(broker, testPolicy(5), clock.NewAutoFake(t0), "entry").
		Execute(context.Background(), "NSE:TEST", model.SideBuy, 1)
	require.ErrorIs(t, err, ErrOrderRejected)
	assert.Equal(t, 1, broker.CallCount("PlaceOrder"))
	assert.Zero(t, broker.CallCount("GetOrderStatus"))
	assert.Empty(t, broker.ModifyCalls())

	broker = NewMockBroker(model.Quote{LastPrice: 100})
	broker.ErrorOnNext["PlaceOrder"] = errors.New("gateway timeout")
	_, err = NewEscalator(broker, testPolicy(5), clock.NewAutoFake(t0), "entry").
		Execute(context.Background(), "NSE:TEST", model.SideBuy, 1)
	require.ErrorIs(t, err, ErrOrderRejected)
}

func TestEscalator_FailedModifyKeepsGoing(t *testing.T) {
	broker := NewMockBroker(model.Quote{LastPrice: 100, Bid: 99.95, Ask: 100.05})
	broker.FillRule = FillOnMarket
	broker.ErrorOnNext["ModifyOrder"] = errors.New("price band")

	fill, err := NewEscalator(broker, testPolicy(3), clock.NewAutoFake(t0), "exit").
		Execute(context.Background(), "NSE:TEST", model.SideSell, 1)
	require.NoError(t, err)
	assert.Len(t, broker.ModifyCalls(), 3)
	assert.True(t, fill.MarketFallback)
}

func TestEscalator_QuoteFailureOnFirstAttempt(t *testing.T) {
	broker := NewMockBroker()
	_, err := NewEscalator(broker, testPolicy(3), clock.NewAutoFake(t0), "entry").
		Execute(context.Background(), "NSE:TEST", model.SideBuy, 1)
	require.Error(t, err)
	assert.Zero(t, broker.CallCount("PlaceOrder"))
}

func TestEscalator_ContextCancelledWhileWaiting(t *testing.T) {
	broker := NewMockBroker(model.Quote{LastPrice: 100})
	clk := clock.NewFake(t0)
	esc := NewEscalator(broker, testPolicy(3), clk, "entry")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := esc.Execute(ctx, "NSE:TEST", model.SideBuy, 1)
		done <- err
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.True(t, clk.BlockUntil(waitCtx, 1))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("escalator did not return after cancel")
	}
}

func TestEscalationPolicy_LimitPrice(t *testing.T) {
	p := EscalationPolicy{OffsetPct: 0.1, StepMultiplier: 1, TickSize: 0.05}

	assert.InDelta(t, 0.1, p.Offset(1), 1e-12)
	assert.InDelta(t, 0.2, p.Offset(2), 1e-12)
	assert.InDelta(t, 0.3, p.Offset(3), 1e-12)

	q := model.Quote{LastPrice: 23850, Bid: 23850, Ask: 23852}
	assert.InDelta(t, 23802.3, p.LimitPrice(model.SideSell, q, 2), 1e-6)
	assert.Greater(t, p.LimitPrice(model.SideBuy, q, 1), q.Ask)

	// missing depth falls back to LTP
	assert.InDelta(t, 23826.15, p.LimitPrice(model.SideSell, model.Quote{LastPrice: 23850}, 1), 1e-6)
}
