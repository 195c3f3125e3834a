package scheduler

// Semaphore caps how many workers may be starting or connecting at once.
// It satisfies the supervisor's start gate.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(cap int) *Semaphore {
	if cap <= 0 {
		cap = 1
	}
	return &Semaphore{ch: make(chan struct{}, cap)}
}

// TryAcquire takes a slot without blocking and reports whether it got one.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot. Releasing an idle semaphore is a no-op.
func (s *Semaphore) Release() {
	select {
	case <-s.ch:
	default:
	}
}

// InUse returns the number of held slots.
func (s *Semaphore) InUse() int { return len(s.ch) }

// Available returns the number of free slots.
func (s *Semaphore) Available() int {
	return cap(s.ch) - len(s.ch)
}
