package util_test

import (
	"sync"
	"testing"
	"time"

	"github.com/downfa11-org/mmq/util"
	"github.com/stretchr/testify/require"
)

func TestBroadcast_WakesAllWaiters(t *testing.T) {
	b := util.NewBroadcast()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		ch := b.Wait()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ch
		}()
	}
	b.Notify()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters were not woken")
	}

	select {
	case <-b.Wait():
		t.Fatal("a new wait channel must stay open until the next Notify")
	default:
	}
	require.NotNil(t, b.Wait())
}
