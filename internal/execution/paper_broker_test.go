package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libertyflow/internal/model"
	"libertyflow/pkg/clock"
)

func paperTick(ms int64, ltp, bid, ask float64) model.PriceTick {
	return model.PriceTick{Symbol: "NSE:TEST", LastPrice: ltp, Bid: bid, Ask: ask, Timestamp: t0.UnixMilli() + ms}
}

func TestPaperBroker_LimitFillsWhenTouched(t *testing.T) {
	ctx := context.Background()
	b, err := NewPaperBroker("NSE:TEST", "1m", nil)
	require.NoError(t, err)

	_, err = b.GetQuote(ctx, "NSE:TEST")
	assert.Error(t, err, "no quote before the first tick")

	b.OnTick(paperTick(0, 100, 99.95, 100.05))
	ack, err := b.PlaceOrder(ctx, model.OrderRequest{Symbol: "NSE:TEST", Side: model.SideBuy, Qty: 1, Type: model.OrderLimit, LimitPrice: 99.9})
	require.NoError(t, err)
	require.NotEmpty(t, ack.OrderID)

	st, err := b.GetOrderStatus(ctx, ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, st.Code)

	b.OnTick(paperTick(500, 99.9, 99.85, 99.9))
	st, err = b.GetOrderStatus(ctx, ack.OrderID)
	require.NoError(t, err)
	assert.True(t, st.Filled())
	assert.Equal(t, 99.9, st.AvgPrice)

	assert.Error(t, b.ModifyOrder(ctx, ack.OrderID, model.OrderMarket, 0), "filled orders cannot be modified")
}

func TestPaperBroker_MarketConversionFills(t *testing.T) {
	ctx := context.Background()
	b, err := NewPaperBroker("NSE:TEST", "1m", nil)
	require.NoError(t, err)
	b.OnTick(paperTick(0, 23850, 23849, 23851))

	ack, err := b.PlaceOrder(ctx, model.OrderRequest{Symbol: "NSE:TEST", Side: model.SideSell, Qty: 15, Type: model.OrderLimit, LimitPrice: 23860})
	require.NoError(t, err)
	require.NoError(t, b.ModifyOrder(ctx, ack.OrderID, model.OrderMarket, 0))

	st, err := b.GetOrderStatus(ctx, ack.OrderID)
	require.NoError(t, err)
	assert.True(t, st.Filled())
	assert.Equal(t, 23849.0, st.AvgPrice)
}

func TestPaperBroker_RejectsInvalidOrders(t *testing.T) {
	ctx := context.Background()
	b, err := NewPaperBroker("NSE:TEST", "1m", nil)
	require.NoError(t, err)

	ack, err := b.PlaceOrder(ctx, model.OrderRequest{Symbol: "NSE:OTHER", Side: model.SideBuy, Qty: 1, Type: model.OrderMarket})
	require.NoError(t, err)
	assert.Empty(t, ack.OrderID)

	ack, err = b.PlaceOrder(ctx, model.OrderRequest{Symbol: "NSE:TEST", Side: model.SideBuy, Qty: 0, Type: model.OrderMarket})
	require.NoError(t, err)
	assert.Empty(t, ack.OrderID)
}

func TestPaperBroker_BarsSinceEntry(t *testing.T) {
	ctx := context.Background()
	b, err := NewPaperBroker("NSE:TEST", "1m", nil)
	require.NoError(t, err)

	b.OnTick(paperTick(0, 100, 0, 0))
	b.OnTick(paperTick(20_000, 102, 0, 0))
	b.OnTick(paperTick(40_000, 99, 0, 0))
	b.OnTick(paperTick(61_000, 101, 0, 0))
	b.OnTick(paperTick(62_000, 103, 0, 0))

	bars, err := b.GetRecentBars(ctx, "NSE:TEST", "1m", t0)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].StartTime.Equal(t0))
	assert.Equal(t, []float64{100, 102, 99, 99}, []float64{bars[0].Open, bars[0].High, bars[0].Low, bars[0].Close})
	assert.Equal(t, 103.0, bars[1].High)

	bars, err = b.GetRecentBars(ctx, "NSE:TEST", "1m", t0.Add(90*time.Second))
	require.NoError(t, err)
	assert.Len(t, bars, 1)

	_, err = b.GetRecentBars(ctx, "NSE:TEST", "5m", t0)
	assert.Error(t, err)
}

func TestPaperBroker_StampsTicksWithoutTimestamp(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	b, err := NewPaperBroker("NSE:TEST", "1m", clk)
	require.NoError(t, err)

	b.OnTick(model.PriceTick{Symbol: "NSE:TEST", LastPrice: 100})
	clk.Advance(30 * time.Second)
	b.OnTick(model.PriceTick{Symbol: "NSE:TEST", LastPrice: 102})
	clk.Advance(31 * time.Second)
	b.OnTick(model.PriceTick{Symbol: "NSE:TEST", LastPrice: 101})

	bars, err := b.GetRecentBars(ctx, "NSE:TEST", "1m", t0)
	require.NoError(t, err)
	require.Len(t, bars, 2, "the first bar closed on clock time")
	assert.True(t, bars[0].StartTime.Equal(t0))
	assert.Equal(t, 102.0, bars[0].High)
	assert.True(t, bars[1].StartTime.Equal(t0.Add(time.Minute)))

	ack, err := b.PlaceOrder(ctx, model.OrderRequest{Symbol: "NSE:TEST", Side: model.SideBuy, Qty: 1, Type: model.OrderMarket})
	require.NoError(t, err)
	_, err = b.GetOrderStatus(ctx, ack.OrderID)
	require.NoError(t, err)
	assert.True(t, b.orders[ack.OrderID].createdAt.Equal(t0.Add(61*time.Second)))
}

func TestPaperBroker_DrivesEscalator(t *testing.T) {
	b, err := NewPaperBroker("NSE:TEST", "1m", nil)
	require.NoError(t, err)
	b.OnTick(paperTick(0, 100, 99.95, 100.05))

	fill, err := NewEscalator(b, testPolicy(3), clock.NewAutoFake(t0), "entry").
		Execute(context.Background(), "NSE:TEST", model.SideBuy, 1)
	require.NoError(t, err)
	assert.InDelta(t, 100.05, fill.AvgPrice, 1e-9)
	assert.Len(t, fill.Attempts, 1)
}
