package execution

import (
	"context"
	"errors"
	"time"

	"libertyflow/internal/model"
)

var (
	// ErrOrderRejected means the broker refused the submission; the escalation
	// call fails and is not retried.
	ErrOrderRejected = errors.New("order rejected")
	// ErrModifyFailed is logged and counted; the escalation keeps going.
	ErrModifyFailed = errors.New("order modification failed")
	// ErrNotFilled means the order was still open after the market fallback.
	ErrNotFilled = errors.New("order not filled after market fallback")
)

// OrderGateway 是下单通道的通用接口，负责与经纪商通信
type OrderGateway interface {
	// PlaceOrder 提交新订单；无订单号即视为拒单
	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderAck, error)

	// ModifyOrder 修改同一订单号的价格或类型 (限价 -> 市价)
	ModifyOrder(ctx context.Context, orderID string, orderType model.OrderType, limitPrice float64) error

	// GetOrderStatus 查询订单状态 (2 == 已成交)
	GetOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error)

	// GetQuote 获取最新报价
	GetQuote(ctx context.Context, symbol string) (model.Quote, error)
}

// BarSource serves the intraday candles the trailing stop measures.
type BarSource interface {
	GetRecentBars(ctx context.Context, symbol, resolution string, since time.Time) ([]model.Bar, error)
}

// Broker is everything the session needs from the brokerage.
type Broker interface {
	OrderGateway
	BarSource
}
