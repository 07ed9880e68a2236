// Package wake provides a coalescing wakeup signal.
package wake

// Signal wakes at most one waiter per batch of notifications. Notifications sent while nobody
// is waiting are remembered, and any number of them collapse into one wakeup.
type Signal struct {
	c chan struct{}
}

// New returns a Signal with no pending notification.
func New() *Signal {
	return &Signal{c: make(chan struct{}, 1)}
}

// Notify marks the signal pending. It never blocks.
func (s *Signal) Notify() {
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// C is received from to wait for a notification; receiving consumes it.
func (s *Signal) C() <-chan struct{} {
	return s.c
}

// Pending reports and consumes a pending notification without blocking.
func (s *Signal) Pending() bool {
	select {
	case <-s.c:
		return true
	default:
		return false
	}
}
