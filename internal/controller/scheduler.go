package controller

import (
	"sync"
	"time"
)

// Timer is the handle of a repeating task.
// Stop must be idempotent and must not wait for a running tick, since a tick
// is allowed to stop its own timer.
type Timer interface {
	Stop()
}

// Scheduler starts repeating tasks.
type Scheduler interface {
	Repeat(interval time.Duration, fn func()) Timer
}

// TickerScheduler runs each task on its own goroutine driven by a time.Ticker.
// Ticks of one task never overlap: a slow tick makes the ticker drop the ones it missed.
type TickerScheduler struct{}

func (TickerScheduler) Repeat(interval time.Duration, fn func()) Timer {
	t := &tickerTimer{stop: make(chan struct{})}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				// Stop may have raced with the tick
				select {
				case <-t.stop:
					return
				default:
				}
				fn()
			}
		}
	}()
	return t
}

type tickerTimer struct {
	once sync.Once
	stop chan struct{}
}

func (t *tickerTimer) Stop() {
	t.once.Do(func() { close(t.stop) })
}
