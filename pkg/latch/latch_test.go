package latch

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatch_FirstFireWins(t *testing.T) {
	l := New[string]()
	_, ok := l.Value()
	assert.False(t, ok)

	assert.True(t, l.Fire("first"))
	assert.False(t, l.Fire("second"))

	v, ok := l.Value()
	assert.True(t, ok)
	assert.Equal(t, "first", v)
	assert.True(t, l.Fired())

	select {
	case <-l.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestLatch_ConcurrentFire(t *testing.T) {
	l := New[int]()
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.Fire(i) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
