package keymutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSameKeySerializes(t *testing.T) {
	m := New()

	var (
		mu      sync.Mutex
		current int
		maxSeen int
	)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("order-1")
			defer m.Unlock("order-1")

			mu.Lock()
			current++
			if current > maxSeen {
				maxSeen = current
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "at most one holder per key")
	assert.Zero(t, m.Len(), "entries are reclaimed when idle")
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	m := New()
	m.Lock("order-1")
	defer m.Unlock("order-1")

	done := make(chan struct{})
	go func() {
		m.Lock("order-2")
		m.Unlock("order-2")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unrelated key blocked")
	}
}

func TestUnlockUnheldPanics(t *testing.T) {
	m := New()
	assert.Panics(t, func() { m.Unlock("nope") })
}
