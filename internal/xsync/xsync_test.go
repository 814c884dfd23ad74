package xsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Wait()
		}()
	}
	l.Trigger()
	l.Trigger()
	wg.Wait()
	assert.True(t, l.Test())
	select {
	case <-l.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("WaitChan not closed after Trigger")
	}
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Trigger(7)
	}()
	assert.Equal(t, 7, l.Wait())
	assert.False(t, l.Trigger(8))
	assert.Equal(t, 7, l.Wait())
	assert.True(t, l.Test())
}
