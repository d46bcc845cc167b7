package dlmsal

import (
	"context"
	"sync"
	"time"
)

// arrival bridges gateway callbacks to the sequential session code. Only the latest frame is kept,
// the count tells the waiter whether anything arrived since the last reset.
type arrival struct {
	mu      sync.Mutex
	count   int
	last    []byte
	aborted bool
	notify  chan struct{}
}

func newArrival() *arrival {
	return &arrival{notify: make(chan struct{}, 1)}
}

// Reset forgets whatever arrived so far, call it right before sending.
func (a *arrival) Reset() {
	a.mu.Lock()
	a.count = 0
	a.last = nil
	a.mu.Unlock()
	select {
	case <-a.notify:
	default:
	}
}

// Signal stores the frame, it is called from the gateway goroutine.
func (a *arrival) Signal(frame []byte) {
	a.mu.Lock()
	a.count++
	a.last = frame
	a.mu.Unlock()
	a.wake()
}

// Abort makes every wait fail until Rearm, used when the link drops.
func (a *arrival) Abort() {
	a.mu.Lock()
	a.aborted = true
	a.mu.Unlock()
	a.wake()
}

func (a *arrival) Rearm() {
	a.mu.Lock()
	a.aborted = false
	a.mu.Unlock()
	a.Reset()
}

func (a *arrival) wake() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *arrival) take() ([]byte, bool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count > 0 {
		f := a.last
		a.count = 0
		a.last = nil
		return f, true, false
	}
	return nil, false, a.aborted
}

// Await waits at most ticks*tick for a frame. False means timeout, abort or cancelled context.
func (a *arrival) Await(ctx context.Context, ticks int, tick time.Duration) ([]byte, bool) {
	timer := time.NewTimer(time.Duration(ticks) * tick)
	defer timer.Stop()
	for {
		f, ok, aborted := a.take()
		if ok {
			return f, true
		}
		if aborted {
			return nil, false
		}
		select {
		case <-a.notify:
		case <-timer.C:
			f, ok, _ = a.take()
			return f, ok
		case <-ctx.Done():
			return nil, false
		}
	}
}
