package app

import "sync"

// presenceHolds counts the live connections holding each (study, user)
// presence record open, so a member with two sockets stays present until the
// last one lets go. Backend calls for one key run under that key's lock.
type presenceHolds struct {
	mu   sync.Mutex
	keys map[presenceKey]*presenceHold
}

type presenceKey struct {
	studyID int64
	userID  string
}

type presenceHold struct {
	mu      sync.Mutex
	holders int
	users   int // guarded by presenceHolds.mu
}

func newPresenceHolds() *presenceHolds {
	return &presenceHolds{keys: make(map[presenceKey]*presenceHold)}
}

func (p *presenceHolds) with(key presenceKey, fn func(h *presenceHold) error) error {
	p.mu.Lock()
	h := p.keys[key]
	if h == nil {
		h = &presenceHold{}
		p.keys[key] = h
	}
	h.users++
	p.mu.Unlock()

	h.mu.Lock()
	err := fn(h)
	h.mu.Unlock()

	p.mu.Lock()
	h.users--
	if h.users == 0 {
		h.mu.Lock()
		idle := h.holders == 0
		h.mu.Unlock()
		if idle {
			delete(p.keys, key)
		}
	}
	p.mu.Unlock()
	return err
}

// open runs openFn and, when first is set, counts one more holder.
func (p *presenceHolds) open(key presenceKey, first bool, openFn func() error) error {
	return p.with(key, func(h *presenceHold) error {
		if err := openFn(); err != nil {
			return err
		}
		if first {
			h.holders++
		}
		return nil
	})
}

// release drops one holder and runs closeFn once none remain.
func (p *presenceHolds) release(key presenceKey, closeFn func() error) error {
	return p.with(key, func(h *presenceHold) error {
		if h.holders > 1 {
			h.holders--
			return nil
		}
		h.holders = 0
		return closeFn()
	})
}

// closeUnheld runs closeFn only when no connection holds the record.
func (p *presenceHolds) closeUnheld(key presenceKey, closeFn func() error) error {
	return p.with(key, func(h *presenceHold) error {
		if h.holders > 0 {
			return nil
		}
		return closeFn()
	})
}

func (p *presenceHolds) holders(key presenceKey) int {
	p.mu.Lock()
	h := p.keys[key]
	p.mu.Unlock()
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.holders
}
