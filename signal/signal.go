// Package signal implements bounded waits for hardware-asserted
// signals such as a controller's interrupt line.
package signal

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a signal did not arrive in time.
var ErrTimeout = errors.New("timeout")

// Signal is a coalescing, level-like notification. Any number of
// Notify calls before a Wait satisfy a single Wait.
type Signal struct {
	c     chan struct{}
	once  sync.Once
	mu    sync.Mutex
	timer *time.Timer
}

func (s *Signal) init() {
	s.once.Do(func() {
		s.c = make(chan struct{}, 1)
		s.timer = time.NewTimer(time.Hour)
		s.timer.Stop()
	})
}

// Notify records an assertion. It never blocks and is safe to call
// from any goroutine.
func (s *Signal) Notify() {
	s.init()
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// Clear discards a pending assertion. Callers clear before issuing the
// command that provokes the awaited assertion.
func (s *Signal) Clear() {
	s.init()
	select {
	case <-s.c:
	default:
	}
}

// Wait blocks until an assertion or until timeout passed. A
// non-positive timeout waits forever.
func (s *Signal) Wait(timeout time.Duration) error {
	s.init()
	if timeout <= 0 {
		<-s.c
		return nil
	}
	// The timer is shared by all waiters.
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer.Reset(timeout)
	defer func() {
		if !s.timer.Stop() {
			select {
			case <-s.timer.C:
			default:
			}
		}
	}()
	select {
	case <-s.c:
		return nil
	case <-s.timer.C:
		return ErrTimeout
	}
}
