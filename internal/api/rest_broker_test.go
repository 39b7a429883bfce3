package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libertyflow/internal/model"
	"libertyflow/internal/service"
)

func TestRESTBroker_OrderLifecycle(t *testing.T) {
	var placed placeOrderBody
	var modified modifyOrderBody

	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "app:tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&placed))
		_, _ = w.Write([]byte(`{"status":"ok","order_id":"250602000123"}`))
	})
	mux.HandleFunc("/orders/250602000123", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&modified))
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"code":2,"avg_price":23838.5}`))
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewRESTBroker(service.BrokerConfig{RESTURL: srv.URL + "/", APIKey: "app", AccessToken: "tok"})
	ctx := context.Background()

	ack, err := b.PlaceOrder(ctx, model.OrderRequest{
		ProductType: "INTRADAY", Side: model.SideSell, Symbol: "NSE:TEST", Qty: 75,
		Type: model.OrderLimit, LimitPrice: 23838.1, Validity: "DAY", Tag: "entry",
	})
	require.NoError(t, err)
	assert.Equal(t, "250602000123", ack.OrderID)
	assert.Equal(t, placeOrderBody{
		Symbol: "NSE:TEST", Side: "SELL", Qty: 75, Type: "LIMIT", LimitPrice: 23838.1,
		ProductType: "INTRADAY", Validity: "DAY", Tag: "entry",
	}, placed)

	require.NoError(t, b.ModifyOrder(ctx, ack.OrderID, model.OrderMarket, 123))
	assert.Equal(t, modifyOrderBody{Type: "MARKET"}, modified)

	st, err := b.GetOrderStatus(ctx, ack.OrderID)
	require.NoError(t, err)
	assert.True(t, st.Filled())
	assert.Equal(t, 23838.5, st.AvgPrice)
}

func TestRESTBroker_Errors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","message":"insufficient margin"}`))
	})
	mux.HandleFunc("/orders/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","message":"order not open"}`))
	})
	mux.HandleFunc("/quotes", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ltp":0}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewRESTBroker(service.BrokerConfig{RESTURL: srv.URL})
	ctx := context.Background()

	_, err := b.PlaceOrder(ctx, model.OrderRequest{Symbol: "NSE:TEST", Side: model.SideBuy, Qty: 1, Type: model.OrderMarket})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient margin")

	err = b.ModifyOrder(ctx, "1", model.OrderLimit, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order not open")

	_, err = b.GetQuote(ctx, "NSE:TEST")
	assert.Error(t, err)
}

func TestRESTBroker_QuoteAndHistory(t *testing.T) {
	since := time.Date(2025, 6, 2, 4, 15, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("/quotes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "NSE:TEST", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"ltp":23851,"bid":23850.5,"ask":23851.5}`))
	})
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "1m", q.Get("resolution"))
		assert.Equal(t, "1748837700", q.Get("from"))
		_, _ = w.Write([]byte(`{"candles":[[1748837700,100,102,99.5,101,1200],[1748837760,101,101.5,100,100.5]]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewRESTBroker(service.BrokerConfig{RESTURL: srv.URL})
	ctx := context.Background()

	q, err := b.GetQuote(ctx, "NSE:TEST")
	require.NoError(t, err)
	assert.Equal(t, model.Quote{LastPrice: 23851, Bid: 23850.5, Ask: 23851.5}, q)

	bars, err := b.GetRecentBars(ctx, "NSE:TEST", "1m", since)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].StartTime.Equal(since))
	assert.Equal(t, 102.0, bars[0].High)
	assert.Equal(t, 1200.0, bars[0].Volume)
	assert.Equal(t, 100.0, bars[1].Low)
}

func TestRESTBroker_DecodesWithoutJSONContentType(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(`{"status":"ok","order_id":"77"}`))
	})
	mux.HandleFunc("/orders/77", func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte(`{"code":2,"avg_price":101.5}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewRESTBroker(service.BrokerConfig{RESTURL: srv.URL})
	ctx := context.Background()

	ack, err := b.PlaceOrder(ctx, model.OrderRequest{Symbol: "NSE:TEST", Side: model.SideBuy, Qty: 1, Type: model.OrderMarket})
	require.NoError(t, err)
	assert.Equal(t, "77", ack.OrderID)

	st, err := b.GetOrderStatus(ctx, "77")
	require.NoError(t, err)
	assert.True(t, st.Filled())
	assert.Equal(t, 101.5, st.AvgPrice)
}

func TestRESTBroker_RejectsEmptyOrderIDAndBadBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/orders/9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	})
	mux.HandleFunc("/quotes", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewRESTBroker(service.BrokerConfig{RESTURL: srv.URL})
	ctx := context.Background()

	_, err := b.PlaceOrder(ctx, model.OrderRequest{Symbol: "NSE:TEST", Side: model.SideBuy, Qty: 1, Type: model.OrderMarket})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no order id")

	_, err = b.GetOrderStatus(ctx, "9")
	assert.Error(t, err)

	_, err = b.GetQuote(ctx, "NSE:TEST")
	assert.Error(t, err)
}
