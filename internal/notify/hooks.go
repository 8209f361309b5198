package notify

import "sync"

// AfterCommitter accepts work that may only run once the surrounding
// transaction has committed.
type AfterCommitter interface {
	AfterCommit(fn func())
}

// Hooks collects after-commit callbacks for one unit of work. Commit runs
// them once, in registration order; Rollback discards them. Either call
// seals the set, and hooks registered afterwards are dropped.
type Hooks struct {
	mu     sync.Mutex
	fns    []func()
	sealed bool
}

func (h *Hooks) AfterCommit(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		return
	}
	h.fns = append(h.fns, fn)
}

func (h *Hooks) Commit() {
	h.mu.Lock()
	if h.sealed {
		h.mu.Unlock()
		return
	}
	h.sealed = true
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (h *Hooks) Rollback() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sealed = true
	h.fns = nil
}

func (h *Hooks) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fns)
}
