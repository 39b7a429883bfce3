package api

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"libertyflow/internal/model"
	"libertyflow/internal/service"
)

// subscribeFrame is sent on connect; the same shape with op "unsubscribe"
// is sent on teardown.
type subscribeFrame struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// Connector dials the push feed. Every Subscribe opens its own socket and
// read goroutine.
type Connector struct {
	wsURL  string
	token  string
	dialer *websocket.Dialer
	logger *zap.Logger

	// OnOrderUpdate, when set, receives order-update frames. It runs on the
	// read goroutine.
	OnOrderUpdate func(model.OrderUpdate)
}

// NewConnector 创建行情连接器
func NewConnector(cfg service.FeedConfig) *Connector {
	dialer := *websocket.DefaultDialer
	if cfg.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	}
	service.Logger.Info("Connector initialized", zap.String("URL", cfg.WSURL))
	return &Connector{
		wsURL:  cfg.WSURL,
		token:  cfg.AccessToken,
		dialer: &dialer,
		logger: service.Named("feed"),
	}
}

// Subscribe dials the feed, subscribes to symbol and starts the read loop.
// onTick runs on the read goroutine. onError is called at most once, after
// which the subscription is dead and the owner decides whether to resubscribe.
// A panic inside onTick is recovered and reported through onError.
func (c *Connector) Subscribe(symbol string, onTick func(model.PriceTick), onError func(error)) (model.Subscription, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", c.token)
	}

	conn, _, err := c.dialer.Dial(c.wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	sub := &subscription{
		conn:    conn,
		symbol:  symbol,
		logger:  c.logger.With(zap.String("Symbol", symbol)),
		onTick:  onTick,
		onError: onError,
		onOrder: c.OnOrderUpdate,
	}
	if err := sub.write(subscribeFrame{Op: "subscribe", Symbols: []string{symbol}}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}
	sub.logger.Info("Subscribed to feed")

	go sub.readLoop()
	return sub, nil
}

type subscription struct {
	conn   *websocket.Conn
	symbol string
	logger *zap.Logger

	onTick  func(model.PriceTick)
	onError func(error)
	onOrder func(model.OrderUpdate)

	writeMu   sync.Mutex
	closeOnce sync.Once
	errOnce   sync.Once

	mu     sync.Mutex
	closed bool
}

func (s *subscription) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}

// Unsubscribe sends the unsubscribe frame and closes the socket. It does not
// wait for the read goroutine.
func (s *subscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if err := s.write(subscribeFrame{Op: "unsubscribe", Symbols: []string{s.symbol}}); err != nil {
			s.logger.Debug("Unsubscribe frame not sent", zap.Error(err))
		}
		_ = s.conn.Close()
		s.logger.Info("Unsubscribed from feed")
	})
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fail reports err once, unless the owner already unsubscribed.
func (s *subscription) fail(err error) {
	if s.isClosed() {
		return
	}
	s.errOnce.Do(func() {
		service.MtxFeedErrors.WithLabelValues("feed").Inc()
		s.logger.Error("Feed failed", zap.Error(err))
		if s.onError != nil {
			s.onError(err)
		}
	})
}

// readLoop 持续读取 WS 消息并处理
func (s *subscription) readLoop() {
	defer s.Unsubscribe()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("read feed: %w", err))
			return
		}

		msg, err := DecodeFeedMessage(message)
		if err != nil {
			s.logger.Debug("Dropping frame", zap.Error(err))
			continue
		}

		switch msg.Kind {
		case model.FeedTick:
			if msg.Tick.Symbol != s.symbol {
				continue
			}
			if err := s.deliver(msg.Tick); err != nil {
				s.fail(err)
				return
			}
		case model.FeedOrderUpdate:
			s.logger.Info("Order update", zap.String("OrderID", msg.Order.OrderID), zap.Int("Status", msg.Order.Status))
			if s.onOrder != nil {
				s.onOrder(msg.Order)
			}
		case model.FeedError:
			s.fail(errors.New(msg.Error))
			return
		}
	}
}

// deliver runs onTick and turns a panic into an error.
func (s *subscription) deliver(tick model.PriceTick) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick handler panic: %v", r)
		}
	}()
	if s.onTick != nil {
		s.onTick(tick)
	}
	return nil
}
