package api

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"libertyflow/internal/model"
	"libertyflow/internal/service"
)

// RESTBroker talks to the order gateway over JSON/HTTP.
//
//	POST  /orders           place
//	PATCH /orders/{id}      modify (price or type)
//	GET   /orders/{id}      status
//	GET   /quotes?symbol=   quote
//	GET   /history?symbol=&resolution=&from=&to=   candles
type RESTBroker struct {
	client *resty.Client
	logger *zap.Logger
}

type placeOrderBody struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Qty         int     `json:"qty"`
	Type        string  `json:"type"`
	LimitPrice  float64 `json:"limit_price,omitempty"`
	ProductType string  `json:"product_type"`
	Validity    string  `json:"validity"`
	Tag         string  `json:"tag,omitempty"`
}

type orderResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id"`
	Message string `json:"message"`
}

type modifyOrderBody struct {
	Type       string  `json:"type"`
	LimitPrice float64 `json:"limit_price,omitempty"`
}

type orderStatusResponse struct {
	Code     int     `json:"code"`
	AvgPrice float64 `json:"avg_price"`
}

type quoteResponse struct {
	LTP float64 `json:"ltp"`
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

// historyResponse carries candles as [ts, open, high, low, close, volume].
type historyResponse struct {
	Candles [][]float64 `json:"candles"`
}

// NewRESTBroker 创建经纪商 REST 客户端
func NewRESTBroker(cfg service.BrokerConfig) *RESTBroker {
	host := strings.TrimSuffix(cfg.RESTURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(host).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if cfg.AccessToken != "" {
		auth := cfg.AccessToken
		if cfg.APIKey != "" {
			auth = cfg.APIKey + ":" + cfg.AccessToken
		}
		client.SetHeader("Authorization", auth)
	}

	return &RESTBroker{client: client, logger: service.Named("rest_broker")}
}

// request decodes every response body as JSON; the gateway does not always
// send a Content-Type and resty skips SetResult without one.
func (b *RESTBroker) request(ctx context.Context) *resty.Request {
	return b.client.R().SetContext(ctx).ForceContentType("application/json")
}

func (b *RESTBroker) do(ctx context.Context, method, endpoint string, body, out any) error {
	r := b.request(ctx)
	if body != nil {
		r.SetBody(body)
	}
	if out != nil {
		r.SetResult(out)
	}

	resp, err := r.Execute(method, endpoint)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, endpoint)
	}
	if !resp.IsSuccess() {
		return errors.Errorf("%s %s: http %d: %s", method, endpoint, resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	return nil
}

func (b *RESTBroker) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderAck, error) {
	body := placeOrderBody{
		Symbol:      req.Symbol,
		Side:        strings.ToUpper(req.Side.String()),
		Qty:         req.Qty,
		Type:        string(req.Type),
		ProductType: req.ProductType,
		Validity:    req.Validity,
		Tag:         req.Tag,
	}
	if req.Type == model.OrderLimit {
		body.LimitPrice = req.LimitPrice
	}

	var out orderResponse
	if err := b.do(ctx, resty.MethodPost, "/orders", body, &out); err != nil {
		return model.OrderAck{}, errors.Wrap(err, "place order")
	}
	if out.OrderID == "" {
		return model.OrderAck{}, errors.Errorf("place order: no order id: %s %s", out.Status, out.Message)
	}
	b.logger.Info("Order submitted",
		zap.String("Symbol", req.Symbol),
		zap.String("Status", out.Status),
		zap.String("OrderID", out.OrderID),
		zap.String("Message", out.Message))
	return model.OrderAck{Status: out.Status, OrderID: out.OrderID, Message: out.Message}, nil
}

func (b *RESTBroker) ModifyOrder(ctx context.Context, orderID string, orderType model.OrderType, limitPrice float64) error {
	body := modifyOrderBody{Type: string(orderType)}
	if orderType == model.OrderLimit {
		body.LimitPrice = limitPrice
	}

	var out orderResponse
	if err := b.do(ctx, resty.MethodPatch, "/orders/"+orderID, body, &out); err != nil {
		return errors.Wrapf(err, "modify order %s", orderID)
	}
	if out.Status != "" && !strings.EqualFold(out.Status, "ok") {
		return errors.Errorf("modify order %s: %s %s", orderID, out.Status, out.Message)
	}
	return nil
}

func (b *RESTBroker) GetOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	var out orderStatusResponse
	if err := b.do(ctx, resty.MethodGet, "/orders/"+orderID, nil, &out); err != nil {
		return model.OrderStatus{}, errors.Wrapf(err, "order status %s", orderID)
	}
	return model.OrderStatus{Code: out.Code, AvgPrice: out.AvgPrice}, nil
}

func (b *RESTBroker) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	var out quoteResponse
	r := b.request(ctx).SetQueryParam("symbol", symbol).SetResult(&out)
	resp, err := r.Get("/quotes")
	if err != nil {
		return model.Quote{}, errors.Wrapf(err, "quote %s", symbol)
	}
	if !resp.IsSuccess() {
		return model.Quote{}, errors.Errorf("quote %s: http %d", symbol, resp.StatusCode())
	}
	if out.LTP <= 0 {
		return model.Quote{}, errors.Errorf("quote %s: no last price", symbol)
	}
	return model.Quote{LastPrice: out.LTP, Bid: out.Bid, Ask: out.Ask}, nil
}

func (b *RESTBroker) GetRecentBars(ctx context.Context, symbol, resolution string, since time.Time) ([]model.Bar, error) {
	var out historyResponse
	resp, err := b.request(ctx).
		SetQueryParams(map[string]string{
			"symbol":     symbol,
			"resolution": resolution,
			"from":       strconv.FormatInt(since.Unix(), 10),
			"to":         strconv.FormatInt(time.Now().Unix(), 10),
		}).
		SetResult(&out).
		Get("/history")
	if err != nil {
		return nil, errors.Wrapf(err, "history %s", symbol)
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("history %s: http %d", symbol, resp.StatusCode())
	}

	bars := make([]model.Bar, 0, len(out.Candles))
	for i, c := range out.Candles {
		if len(c) < 5 {
			return nil, errors.Errorf("history %s: candle %d has %d fields", symbol, i, len(c))
		}
		bar := model.Bar{
			Symbol:    symbol,
			Interval:  resolution,
			StartTime: time.Unix(int64(c[0]), 0),
			Open:      c[1],
			High:      c[2],
			Low:       c[3],
			Close:     c[4],
		}
		if len(c) > 5 {
			bar.Volume = c[5]
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
