package binding

import "sync"

// Rundown is a reference-counted drain primitive (spec.md GLOSSARY):
// Acquire fails once teardown has begun, guaranteeing that by the time
// teardown completes no holder remains. It is the Go idiom for the
// teacher's mutex-guarded lifecycle flags (e.g. pkg/nspkt.Listener's
// closing bool combined with its serve channel wait), generalized into a
// reusable counting guard.
type Rundown struct {
	mu      sync.Mutex
	count   int
	closing bool
	done    chan struct{}
}

// NewRundown creates a Rundown ready to be acquired.
func NewRundown() *Rundown {
	return &Rundown{done: make(chan struct{})}
}

// Acquire takes a reference, or fails if teardown has begun.
func (r *Rundown) Acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.count++
	return true
}

// Release gives up a reference taken by Acquire.
func (r *Rundown) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		panic("binding: Rundown released more times than acquired")
	}
	r.count--
	if r.closing && r.count == 0 {
		close(r.done)
	}
}

// Teardown marks the rundown as closing (no further Acquire will succeed)
// and blocks until every outstanding reference has been released.
func (r *Rundown) Teardown() {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	r.closing = true
	count := r.count
	r.mu.Unlock()

	if count == 0 {
		return
	}
	<-r.done
}
