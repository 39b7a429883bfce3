package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libertyflow/internal/model"
	"libertyflow/internal/service"
)

type fakeSession struct {
	mu        sync.Mutex
	snap      model.SessionSnapshot
	triggered bool
}

func (f *fakeSession) Snapshot() model.SessionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) SetThresholds(high, low *float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.triggered {
		return false
	}
	f.snap.High, f.snap.Low = high, low
	return true
}

func TestServer_Routes(t *testing.T) {
	sess := &fakeSession{snap: model.SessionSnapshot{Symbol: "NSE:TEST", Status: model.StatusAwaitingBreakout}}
	h := NewServer(service.ServerConfig{Addr: ":0"}, sess).Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "libertyflow_")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/thresholds", strings.NewReader(`{"high":23852,"low":23850}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap model.SessionSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.NotNil(t, snap.High)
	assert.Equal(t, 23852.0, *snap.High)
	assert.Equal(t, model.StatusAwaitingBreakout, snap.Status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"high_threshold":23852`)
}

func TestServer_ThresholdValidation(t *testing.T) {
	sess := &fakeSession{}
	h := NewServer(service.ServerConfig{}, sess).Router()

	for _, body := range []string{`{}`, `{"high":-1}`, `{"high":100,"low":101}`, `nope`} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/thresholds", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	sess.triggered = true
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/thresholds", strings.NewReader(`{"low":90}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
