package monitor

import "sync"

// hostLocks serializes work on the same host. A scheduled cycle and a
// manual poll of one device cannot interleave their read-previous-status
// and write-new-status steps.
type hostLocks struct {
	mu    sync.Mutex
	locks map[string]*hostLock
}

type hostLock struct {
	mu   sync.Mutex
	refs int
}

func newHostLocks() *hostLocks {
	return &hostLocks{locks: make(map[string]*hostLock)}
}

// lock blocks until host is free and returns its release func
func (h *hostLocks) lock(host string) func() {
	h.mu.Lock()
	l, ok := h.locks[host]
	if !ok {
		l = &hostLock{}
		h.locks[host] = l
	}
	l.refs++
	h.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		h.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, host)
		}
		h.mu.Unlock()
	}
}
