// Package store persists the little state a session needs to survive a
// restart: thresholds, stop price and status, keyed by trading day.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"libertyflow/internal/model"
	"libertyflow/internal/service"
)

// Store is a string key/value store.
type Store interface {
	// Get returns ok=false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Open builds the backend selected by cfg.Driver.
func Open(cfg service.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "badger":
		return OpenBadger(cfg.Path)
	case "memory", "":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
}

// MemoryStore keeps everything in a map. Used for dry runs and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Close() error { return nil }

const (
	keyStopPrice  = "stop_price"
	keyThresholds = "thresholds"
	keyStatus     = "status"
)

// SessionState scopes typed accessors to one trading day.
type SessionState struct {
	store Store
	day   string
}

// NewSessionState binds s to tradingDay ("2006-01-02").
func NewSessionState(s Store, tradingDay string) *SessionState {
	return &SessionState{store: s, day: tradingDay}
}

func (st *SessionState) key(name string) string {
	return st.day + "/" + name
}

func (st *SessionState) SaveStopPrice(ctx context.Context, price float64) error {
	return st.store.Set(ctx, st.key(keyStopPrice), strconv.FormatFloat(price, 'f', -1, 64))
}

// LoadStopPrice returns ok=false when no stop has been saved today.
func (st *SessionState) LoadStopPrice(ctx context.Context) (float64, bool, error) {
	v, ok, err := st.store.Get(ctx, st.key(keyStopPrice))
	if err != nil || !ok {
		return 0, false, err
	}
	price, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("store: bad stop price %q: %w", v, err)
	}
	return price, true, nil
}

type thresholdsRecord struct {
	High *float64 `json:"high,omitempty"`
	Low  *float64 `json:"low,omitempty"`
}

func (st *SessionState) SaveThresholds(ctx context.Context, p model.ThresholdPair) error {
	raw, err := json.Marshal(thresholdsRecord{High: p.High, Low: p.Low})
	if err != nil {
		return err
	}
	return st.store.Set(ctx, st.key(keyThresholds), string(raw))
}

func (st *SessionState) LoadThresholds(ctx context.Context) (model.ThresholdPair, bool, error) {
	v, ok, err := st.store.Get(ctx, st.key(keyThresholds))
	if err != nil || !ok {
		return model.ThresholdPair{}, false, err
	}
	var rec thresholdsRecord
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return model.ThresholdPair{}, false, fmt.Errorf("store: bad thresholds: %w", err)
	}
	p := model.ThresholdPair{High: rec.High, Low: rec.Low}
	return p, p.Armed(), nil
}

func (st *SessionState) SaveStatus(ctx context.Context, status model.SessionStatus) error {
	return st.store.Set(ctx, st.key(keyStatus), string(status))
}

// LoadStatus returns "" when nothing was saved today.
func (st *SessionState) LoadStatus(ctx context.Context) (model.SessionStatus, error) {
	v, _, err := st.store.Get(ctx, st.key(keyStatus))
	return model.SessionStatus(v), err
}

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("store: closed")
