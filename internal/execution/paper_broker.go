package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"libertyflow/internal/model"
	"libertyflow/internal/service"
	"libertyflow/pkg/clock"
)

// paperOrder 模拟经纪商的工作订单
type paperOrder struct {
	req       model.OrderRequest
	status    int
	avgPrice  float64
	createdAt time.Time
	filledAt  time.Time
}

// PaperBroker fills orders against the live tick stream instead of a
// brokerage. It implements Broker for dry runs.
type PaperBroker struct {
	symbol string
	clock  clock.Clock // stamps ticks that arrive without a timestamp
	logger *zap.Logger

	mu        sync.RWMutex // 保护报价与订单状态
	lastQuote model.Quote
	lastTime  time.Time
	orders    map[string]*paperOrder

	bars *model.BarAggregator
}

// NewPaperBroker 构造函数; resolution is the bar interval served by GetRecentBars.
// A nil clk uses wall time.
func NewPaperBroker(symbol, resolution string, clk clock.Clock) (*PaperBroker, error) {
	bars, err := model.NewBarAggregator(symbol, resolution, 0)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &PaperBroker{
		symbol: symbol,
		clock:  clk,
		logger: service.Named("paper_broker"),
		orders: make(map[string]*paperOrder),
		bars:   bars,
	}, nil
}

// OnTick 维护最新报价并撮合所有未成交订单
func (b *PaperBroker) OnTick(tick model.PriceTick) {
	if tick.Symbol != b.symbol {
		return
	}
	if tick.Timestamp == 0 {
		tick.Timestamp = b.clock.Now().UnixMilli()
	}
	b.bars.ProcessTick(tick)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastQuote = model.Quote{LastPrice: tick.LastPrice, Bid: tick.Bid, Ask: tick.Ask}
	b.lastTime = tick.Time()
	for id, o := range b.orders {
		if o.status == model.OrderStatusPending {
			b.tryFill(id, o)
		}
	}
}

// tryFill 检查订单是否可按当前报价成交 (调用方持有锁)
func (b *PaperBroker) tryFill(id string, o *paperOrder) {
	q := b.lastQuote
	if q.LastPrice <= 0 {
		return
	}

	var touch float64
	if o.req.Side == model.SideBuy {
		touch = q.Ask
	} else {
		touch = q.Bid
	}
	if touch <= 0 {
		touch = q.LastPrice
	}

	switch o.req.Type {
	case model.OrderMarket:
	case model.OrderLimit:
		// 买单：卖一价 <= 限价；卖单：买一价 >= 限价
		if o.req.Side == model.SideBuy && touch > o.req.LimitPrice {
			return
		}
		if o.req.Side == model.SideSell && touch < o.req.LimitPrice {
			return
		}
	default:
		return
	}

	o.status = model.OrderStatusFilled
	o.avgPrice = touch
	o.filledAt = b.lastTime
	b.logger.Info("Paper ORDER FILLED",
		zap.String("OrderID", id),
		zap.String("Symbol", o.req.Symbol),
		zap.String("Side", o.req.Side.String()),
		zap.String("Type", string(o.req.Type)),
		zap.Int("Qty", o.req.Qty),
		zap.Float64("Price", touch))
}

func (b *PaperBroker) PlaceOrder(_ context.Context, req model.OrderRequest) (model.OrderAck, error) {
	if req.Symbol != b.symbol || req.Qty <= 0 || !req.Side.Valid() {
		return model.OrderAck{Status: "error", Message: "invalid order"}, nil
	}
	if req.Type == model.OrderLimit && req.LimitPrice <= 0 {
		return model.OrderAck{Status: "error", Message: "limit price required"}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	o := &paperOrder{req: req, status: model.OrderStatusPending, createdAt: b.lastTime}
	b.orders[id] = o
	b.logger.Info("Paper order accepted",
		zap.String("OrderID", id),
		zap.String("Side", req.Side.String()),
		zap.String("Type", string(req.Type)),
		zap.Float64("LimitPrice", req.LimitPrice))
	b.tryFill(id, o)
	return model.OrderAck{Status: "ok", OrderID: id}, nil
}

func (b *PaperBroker) ModifyOrder(_ context.Context, orderID string, orderType model.OrderType, limitPrice float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	if o.status != model.OrderStatusPending {
		return fmt.Errorf("paper: order %s is not open (status %d)", orderID, o.status)
	}
	o.req.Type = orderType
	if orderType == model.OrderLimit {
		o.req.LimitPrice = limitPrice
	}
	b.tryFill(orderID, o)
	return nil
}

func (b *PaperBroker) GetOrderStatus(_ context.Context, orderID string) (model.OrderStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	o, ok := b.orders[orderID]
	if !ok {
		return model.OrderStatus{}, fmt.Errorf("paper: unknown order %s", orderID)
	}
	return model.OrderStatus{Code: o.status, AvgPrice: o.avgPrice}, nil
}

func (b *PaperBroker) GetQuote(_ context.Context, symbol string) (model.Quote, error) {
	if symbol != b.symbol {
		return model.Quote{}, fmt.Errorf("paper: no quotes for %s", symbol)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.lastQuote.LastPrice <= 0 {
		return model.Quote{}, fmt.Errorf("paper: no tick received yet for %s", symbol)
	}
	return b.lastQuote, nil
}

func (b *PaperBroker) GetRecentBars(_ context.Context, symbol, resolution string, since time.Time) ([]model.Bar, error) {
	if symbol != b.symbol {
		return nil, fmt.Errorf("paper: no bars for %s", symbol)
	}
	if resolution != b.bars.Interval {
		return nil, fmt.Errorf("paper: bars are aggregated at %s, not %s", b.bars.Interval, resolution)
	}
	return b.bars.Since(since), nil
}
