package keymutex_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yourorg/payment-lifecycle/internal/keymutex"
)

func TestLock_SerializesSameKey(t *testing.T) {
	km := keymutex.New()

	const workers = 50
	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			unlock := km.Lock("invoice:100")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, counter)
	assert.Equal(t, 0, km.Len(), "entries should be reclaimed after unlock")
}

func TestLock_DifferentKeysDoNotBlock(t *testing.T) {
	km := keymutex.New()

	unlockA := km.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()

	<-done // would deadlock if "b" waited on "a"
	unlockA()
	assert.Equal(t, 0, km.Len())
}

func TestLock_ReacquireAfterUnlock(t *testing.T) {
	km := keymutex.New()

	unlock := km.Lock("x")
	unlock()
	unlock = km.Lock("x")
	unlock()

	assert.Equal(t, 0, km.Len())
}
