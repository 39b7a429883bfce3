package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"libertyflow/internal/model"
	"libertyflow/internal/service"
	"libertyflow/pkg/clock"
)

// EscalationPolicy parameterizes one escalation run.
type EscalationPolicy struct {
	OffsetPct       float64       // p: first limit is p% through the touch
	StepMultiplier  float64       // attempt k (k>=2) uses k*StepMultiplier*p%
	SettleInterval  time.Duration // wait after the first placement
	RepriceInterval time.Duration // wait after every modification
	MaxAttempts     int           // N limit attempts before the market fallback
	TickSize        float64
	ProductType     string
	Validity        string
}

// PolicyFromConfig builds a policy from an escalation block and the instrument.
func PolicyFromConfig(e service.EscalationConfig, inst service.InstrumentConfig) EscalationPolicy {
	return EscalationPolicy{
		OffsetPct:       e.OffsetPct,
		StepMultiplier:  e.StepMultiplier,
		SettleInterval:  e.SettleInterval,
		RepriceInterval: e.RepriceInterval,
		MaxAttempts:     e.MaxAttempts,
		TickSize:        inst.TickSize,
		ProductType:     inst.ProductType,
		Validity:        inst.Validity,
	}
}

// Offset returns the percentage offset used by attempt (1-based).
func (p EscalationPolicy) Offset(attempt int) float64 {
	if attempt <= 1 {
		return p.OffsetPct
	}
	return float64(attempt) * p.StepMultiplier * p.OffsetPct
}

// LimitPrice prices an order aggressively through the touch: above the ask
// for buys, below the bid for sells. LTP stands in for a missing side.
func (p EscalationPolicy) LimitPrice(side model.Side, q model.Quote, attempt int) float64 {
	off := p.Offset(attempt) / 100
	if side == model.SideBuy {
		ref := q.Ask
		if ref <= 0 {
			ref = q.LastPrice
		}
		return service.RoundToTick(ref*(1+off), p.TickSize)
	}
	ref := q.Bid
	if ref <= 0 {
		ref = q.LastPrice
	}
	return service.RoundToTick(ref*(1-off), p.TickSize)
}

// MaxDuration is the worst-case virtual time one run can take.
func (p EscalationPolicy) MaxDuration() time.Duration {
	n := p.MaxAttempts
	if n < 1 {
		n = 1
	}
	return p.SettleInterval + time.Duration(n)*p.RepriceInterval
}

// Fill is the outcome of a successful escalation.
type Fill struct {
	Symbol         string
	OrderID        string
	Side           model.Side
	Qty            int
	AvgPrice       float64 // 0 when the broker does not report it
	Attempts       []model.EscalationAttempt
	Modifications  int // limit re-pricings issued
	MarketFallback bool
}

// Escalator submits one limit order and walks it towards the market until it
// fills. It never holds more than one order id per call.
type Escalator struct {
	gateway OrderGateway
	policy  EscalationPolicy
	clock   clock.Clock
	purpose string
	logger  *zap.Logger
}

// NewEscalator creates an escalator; purpose ("entry" or "exit") labels logs
// and metrics.
func NewEscalator(gateway OrderGateway, policy EscalationPolicy, clk clock.Clock, purpose string) *Escalator {
	if clk == nil {
		clk = clock.Real()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Escalator{
		gateway: gateway,
		policy:  policy,
		clock:   clk,
		purpose: purpose,
		logger:  service.Named("escalator").With(zap.String("Purpose", purpose)),
	}
}

// Policy returns the escalator's policy.
func (e *Escalator) Policy() EscalationPolicy { return e.policy }

// Execute runs the escalation for symbol/side/qty. It returns ErrOrderRejected
// when the first submission fails and ErrNotFilled when the market fallback
// did not fill either.
func (e *Escalator) Execute(ctx context.Context, symbol string, side model.Side, qty int) (Fill, error) {
	fill := Fill{Symbol: symbol, Side: side, Qty: qty}
	log := e.logger.With(zap.String("Symbol", symbol), zap.String("Side", side.String()))

	// 1. 首次报价与限价
	quote, err := e.gateway.GetQuote(ctx, symbol)
	if err != nil {
		return fill, fmt.Errorf("%s quote: %w", e.purpose, err)
	}
	price := e.policy.LimitPrice(side, quote, 1)

	// 2. 提交限价单
	ack, err := e.gateway.PlaceOrder(ctx, model.OrderRequest{
		ProductType: e.policy.ProductType,
		Side:        side,
		Symbol:      symbol,
		Qty:         qty,
		Type:        model.OrderLimit,
		LimitPrice:  price,
		Validity:    e.policy.Validity,
		Tag:         e.purpose,
	})
	if err == nil && ack.OrderID == "" {
		err = fmt.Errorf("status=%s message=%q", ack.Status, ack.Message)
	}
	if err != nil {
		service.MtxOrders.WithLabelValues(e.purpose, "rejected").Inc()
		log.Error("Order submission rejected", zap.Float64("LimitPrice", price), zap.Error(err))
		return fill, fmt.Errorf("%s: %w: %v", e.purpose, ErrOrderRejected, err)
	}
	fill.OrderID = ack.OrderID
	fill.Attempts = append(fill.Attempts, e.attempt(1, price, model.OrderLimit))
	service.MtxOrders.WithLabelValues(e.purpose, "placed").Inc()
	log = log.With(zap.String("OrderID", ack.OrderID))
	log.Info("Limit order placed", zap.Float64("LimitPrice", price), zap.Int("Qty", qty))

	// 3. 等待成交
	if err := clock.Sleep(ctx, e.clock, e.policy.SettleInterval); err != nil {
		return fill, err
	}
	if e.filled(ctx, log, &fill) {
		return fill, nil
	}

	// 4. 逐步加价重挂
	for attempt := 2; attempt <= e.policy.MaxAttempts; attempt++ {
		if q, err := e.gateway.GetQuote(ctx, symbol); err != nil {
			log.Warn("Quote failed, keeping previous limit", zap.Int("Attempt", attempt), zap.Error(err))
		} else {
			price = e.policy.LimitPrice(side, q, attempt)
			e.modify(ctx, log, &fill, attempt, model.OrderLimit, price)
		}
		if err := clock.Sleep(ctx, e.clock, e.policy.RepriceInterval); err != nil {
			return fill, err
		}
		if e.filled(ctx, log, &fill) {
			return fill, nil
		}
	}

	// 5. 转市价单
	fill.MarketFallback = true
	e.modify(ctx, log, &fill, e.policy.MaxAttempts+1, model.OrderMarket, 0)
	if err := clock.Sleep(ctx, e.clock, e.policy.RepriceInterval); err != nil {
		return fill, err
	}
	if e.filled(ctx, log, &fill) {
		return fill, nil
	}

	service.MtxOrders.WithLabelValues(e.purpose, "unfilled").Inc()
	log.Error("Order still open after market fallback")
	return fill, fmt.Errorf("%s order %s: %w", e.purpose, fill.OrderID, ErrNotFilled)
}

func (e *Escalator) attempt(index int, price float64, typ model.OrderType) model.EscalationAttempt {
	return model.EscalationAttempt{
		Index:          index,
		RequestedPrice: price,
		OrderType:      typ,
		Timestamp:      e.clock.Now(),
	}
}

func (e *Escalator) modify(ctx context.Context, log *zap.Logger, fill *Fill, attempt int, typ model.OrderType, price float64) {
	fill.Attempts = append(fill.Attempts, e.attempt(attempt, price, typ))
	if typ == model.OrderLimit {
		fill.Modifications++
	}

	err := e.gateway.ModifyOrder(ctx, fill.OrderID, typ, price)
	if err != nil {
		service.MtxOrders.WithLabelValues(e.purpose, "modify_failed").Inc()
		log.Warn("Modify failed",
			zap.Int("Attempt", attempt),
			zap.String("Type", string(typ)),
			zap.Error(errors.Join(ErrModifyFailed, err)))
		return
	}
	event := "modified"
	if typ == model.OrderMarket {
		event = "market"
	}
	service.MtxOrders.WithLabelValues(e.purpose, event).Inc()
	log.Info("Order re-priced", zap.Int("Attempt", attempt), zap.String("Type", string(typ)), zap.Float64("LimitPrice", price))
}

func (e *Escalator) filled(ctx context.Context, log *zap.Logger, fill *Fill) bool {
	st, err := e.gateway.GetOrderStatus(ctx, fill.OrderID)
	if err != nil {
		log.Warn("Order status check failed", zap.Error(err))
		return false
	}
	if !st.Filled() {
		log.Debug("Order not filled yet", zap.Int("Status", st.Code))
		return false
	}
	fill.AvgPrice = st.AvgPrice
	service.MtxOrders.WithLabelValues(e.purpose, "filled").Inc()
	log.Info("Order filled", zap.Float64("AvgPrice", st.AvgPrice), zap.Int("Attempts", len(fill.Attempts)))
	return true
}
