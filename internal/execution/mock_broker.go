package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"libertyflow/internal/model"
)

// MockModify records one ModifyOrder call.
type MockModify struct {
	OrderID    string
	Type       model.OrderType
	LimitPrice float64
}

// FillRule decides whether an order reports filled on a status poll.
// checks counts polls of this order so far, including the current one.
type FillRule func(req model.OrderRequest, checks int, market bool) bool

// FillOnMarket fills only once the order has been converted to market.
func FillOnMarket(_ model.OrderRequest, _ int, market bool) bool { return market }

// FillImmediately fills on the first status poll.
func FillImmediately(model.OrderRequest, int, bool) bool { return true }

// NeverFill leaves every order open.
func NeverFill(model.OrderRequest, int, bool) bool { return false }

type mockOrder struct {
	req    model.OrderRequest
	checks int
	market bool
	filled bool
}

// MockBroker is a scripted Broker for testing
type MockBroker struct {
	mu sync.Mutex

	// Response data
	Quotes    []model.Quote // served in order; the last one repeats
	FillRule  FillRule
	FillPrice float64
	Bars      []model.Bar
	RejectAll bool // PlaceOrder returns an ack without an order id

	// Call tracking
	Calls    map[string]int
	Placed   []model.OrderRequest
	Modifies []MockModify

	// Error injection
	ErrorOnNext map[string]error

	quoteIdx int
	orders   map[string]*mockOrder
	nextID   int
}

// NewMockBroker creates a mock broker that never fills.
func NewMockBroker(quotes ...model.Quote) *MockBroker {
	return &MockBroker{
		Quotes:      quotes,
		FillRule:    NeverFill,
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
		orders:      make(map[string]*mockOrder),
	}
}

// trackCall must be called with m.mu held.
func (m *MockBroker) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// CallCount returns how many times method was invoked.
func (m *MockBroker) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[method]
}

// ModifyCalls returns a copy of the recorded modifications.
func (m *MockBroker) ModifyCalls() []MockModify {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockModify, len(m.Modifies))
	copy(out, m.Modifies)
	return out
}

// PlacedOrders returns a copy of the submitted requests.
func (m *MockBroker) PlacedOrders() []model.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.OrderRequest, len(m.Placed))
	copy(out, m.Placed)
	return out
}

// SetBars replaces the bar series served by GetRecentBars.
func (m *MockBroker) SetBars(bars []model.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Bars = bars
}

// SetFillRule swaps the fill rule for subsequent polls.
func (m *MockBroker) SetFillRule(rule FillRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FillRule = rule
}

func (m *MockBroker) PlaceOrder(_ context.Context, req model.OrderRequest) (model.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("PlaceOrder"); err != nil {
		return model.OrderAck{}, err
	}
	m.Placed = append(m.Placed, req)
	if m.RejectAll {
		return model.OrderAck{Status: "error", Message: "rejected by mock"}, nil
	}
	m.nextID++
	id := fmt.Sprintf("MOCK-%d", m.nextID)
	m.orders[id] = &mockOrder{req: req, market: req.Type == model.OrderMarket}
	return model.OrderAck{Status: "ok", OrderID: id}, nil
}

func (m *MockBroker) ModifyOrder(_ context.Context, orderID string, orderType model.OrderType, limitPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Modifies = append(m.Modifies, MockModify{OrderID: orderID, Type: orderType, LimitPrice: limitPrice})
	if err := m.trackCall("ModifyOrder"); err != nil {
		return err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: unknown order %s", orderID)
	}
	o.req.Type = orderType
	o.req.LimitPrice = limitPrice
	if orderType == model.OrderMarket {
		o.market = true
	}
	return nil
}

func (m *MockBroker) GetOrderStatus(_ context.Context, orderID string) (model.OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetOrderStatus"); err != nil {
		return model.OrderStatus{}, err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return model.OrderStatus{}, fmt.Errorf("mock: unknown order %s", orderID)
	}
	o.checks++
	if !o.filled && m.FillRule != nil && m.FillRule(o.req, o.checks, o.market) {
		o.filled = true
	}
	if o.filled {
		return model.OrderStatus{Code: model.OrderStatusFilled, AvgPrice: m.FillPrice}, nil
	}
	return model.OrderStatus{Code: model.OrderStatusPending}, nil
}

func (m *MockBroker) GetQuote(_ context.Context, _ string) (model.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetQuote"); err != nil {
		return model.Quote{}, err
	}
	if len(m.Quotes) == 0 {
		return model.Quote{}, fmt.Errorf("mock: no quotes scripted")
	}
	q := m.Quotes[m.quoteIdx]
	if m.quoteIdx < len(m.Quotes)-1 {
		m.quoteIdx++
	}
	return q, nil
}

func (m *MockBroker) GetRecentBars(_ context.Context, _, _ string, since time.Time) ([]model.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetRecentBars"); err != nil {
		return nil, err
	}
	var out []model.Bar
	for _, b := range m.Bars {
		if b.StartTime.IsZero() || !b.StartTime.Before(since.Truncate(time.Minute)) {
			out = append(out, b)
		}
	}
	return out, nil
}
