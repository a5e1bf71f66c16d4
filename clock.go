package ocppnet

import (
	"sync"
	"sync/atomic"
	"time"
)

// coarseNow is a cached Unix timestamp refreshed every 500ms. Read loops
// use it to decide when to push a connection's read deadline forward
// instead of calling SetReadDeadline on every frame.
var (
	coarseNow  atomic.Int64
	coarseOnce sync.Once
)

func coarseUnix() int64 {
	coarseOnce.Do(func() {
		coarseNow.Store(time.Now().Unix())
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			for range ticker.C {
				coarseNow.Store(time.Now().Unix())
			}
		}()
	})
	return coarseNow.Load()
}
