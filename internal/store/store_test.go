package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libertyflow/internal/model"
	"libertyflow/internal/service"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := Open(service.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "db", "state.db")})
	require.NoError(t, err)
	bdg, err := Open(service.StoreConfig{Driver: "badger", Path: filepath.Join(dir, "badger")})
	require.NoError(t, err)
	mem, err := Open(service.StoreConfig{Driver: "memory"})
	require.NoError(t, err)

	all := map[string]Store{"sqlite": sqlite, "badger": bdg, "memory": mem}
	t.Cleanup(func() {
		for _, s := range all {
			_ = s.Close()
		}
	})
	return all
}

func TestStore_GetSet(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "k", ""))
			v, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok, "empty values are still present")
			assert.Equal(t, "", v)

			require.NoError(t, s.Set(ctx, "k", "v2"))
			v, _, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v2", v)
		})
	}
}

func TestSessionState_TypedHelpers(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			today := NewSessionState(s, "2025-06-02")
			yesterday := NewSessionState(s, "2025-05-30")

			_, ok, err := today.LoadStopPrice(ctx)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, today.SaveStopPrice(ctx, 23921.55))
			price, ok, err := today.LoadStopPrice(ctx)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 23921.55, price)

			_, ok, err = yesterday.LoadStopPrice(ctx)
			require.NoError(t, err)
			assert.False(t, ok, "keys are scoped per trading day")

			require.NoError(t, today.SaveThresholds(ctx, model.ThresholdPair{High: model.Price(23852)}))
			pair, ok, err := today.LoadThresholds(ctx)
			require.NoError(t, err)
			assert.True(t, ok)
			require.NotNil(t, pair.High)
			assert.Equal(t, 23852.0, *pair.High)
			assert.Nil(t, pair.Low)

			status, err := today.LoadStatus(ctx)
			require.NoError(t, err)
			assert.Empty(t, status)
			require.NoError(t, today.SaveStatus(ctx, model.StatusManual))
			status, err = today.LoadStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, model.StatusManual, status)
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(service.StoreConfig{Driver: "redis"})
	assert.Error(t, err)
}
