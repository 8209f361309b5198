// Package presence tracks which members currently have a study's chat panel
// open. Records expire lazily: nothing sweeps them in the background, every
// read checks the last heartbeat against the TTL.
package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultMaxEntries = 100_000
)

var ErrCapacity = errors.New("presence capacity reached")

// tombstone marks a record that has been closed or expired but may still be
// visible to a concurrent reader.
const tombstone int64 = 0

type record struct {
	lastSeen atomic.Int64 // unix nanos
}

type studyPresence struct {
	members sync.Map // member id -> *record
}

// Memory is a bounded in-process tracker. Each (study, member) record is
// updated with atomic compare-and-swap, so unrelated studies and members do
// not share a lock.
type Memory struct {
	ttl        time.Duration
	maxEntries int64
	size       atomic.Int64
	studies    sync.Map // study id -> *studyPresence
	now        func() time.Time
}

func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		ttl:        ttl,
		maxEntries: int64(maxEntries),
		now:        time.Now,
	}
}

func (m *Memory) study(studyID int64) *studyPresence {
	value, _ := m.studies.LoadOrStore(studyID, &studyPresence{})
	return value.(*studyPresence)
}

func (m *Memory) expired(seen int64, now time.Time) bool {
	return now.UnixNano()-seen > int64(m.ttl)
}

// expire retires rec if it still carries seen. Only the caller that wins the
// swap adjusts the size.
func (m *Memory) expire(sp *studyPresence, memberID int64, rec *record, seen int64) {
	if rec.lastSeen.CompareAndSwap(seen, tombstone) {
		sp.members.CompareAndDelete(memberID, rec)
		m.size.Add(-1)
	}
}

// live reports whether rec is open now, retiring it if the TTL has passed.
func (m *Memory) live(sp *studyPresence, memberID int64, rec *record, now time.Time) bool {
	seen := rec.lastSeen.Load()
	if seen == tombstone {
		return false
	}
	if m.expired(seen, now) {
		m.expire(sp, memberID, rec, seen)
		return false
	}
	return true
}

func (m *Memory) Open(_ context.Context, studyID, memberID int64) error {
	sp := m.study(studyID)
	for {
		now := m.now()
		fresh := &record{}
		fresh.lastSeen.Store(now.UnixNano())
		value, loaded := sp.members.LoadOrStore(memberID, fresh)
		if !loaded {
			if m.size.Add(1) > m.maxEntries {
				return m.admit(sp, memberID, fresh)
			}
			return nil
		}
		rec := value.(*record)
		seen := rec.lastSeen.Load()
		if seen == tombstone {
			sp.members.CompareAndDelete(memberID, rec)
			continue
		}
		if rec.lastSeen.CompareAndSwap(seen, now.UnixNano()) {
			return nil
		}
	}
}

// admit runs when a new record pushed the tracker over capacity: it sweeps
// expired records and gives the new one up if that was not enough.
func (m *Memory) admit(sp *studyPresence, memberID int64, fresh *record) error {
	m.sweep()
	if m.size.Load() <= m.maxEntries {
		return nil
	}
	m.expire(sp, memberID, fresh, fresh.lastSeen.Load())
	return ErrCapacity
}

func (m *Memory) sweep() {
	now := m.now()
	m.studies.Range(func(_, value any) bool {
		sp := value.(*studyPresence)
		sp.members.Range(func(key, value any) bool {
			m.live(sp, key.(int64), value.(*record), now)
			return true
		})
		return true
	})
}

// Heartbeat refreshes an open record. Heartbeats for an absent or expired
// record do not resurrect it; only Open creates one.
func (m *Memory) Heartbeat(_ context.Context, studyID, memberID int64) (bool, error) {
	sp := m.study(studyID)
	value, ok := sp.members.Load(memberID)
	if !ok {
		return false, nil
	}
	rec := value.(*record)
	for {
		now := m.now()
		seen := rec.lastSeen.Load()
		if seen == tombstone {
			return false, nil
		}
		if m.expired(seen, now) {
			m.expire(sp, memberID, rec, seen)
			return false, nil
		}
		// Last writer wins among concurrent heartbeats.
		if rec.lastSeen.CompareAndSwap(seen, max(seen, now.UnixNano())) {
			return true, nil
		}
	}
}

func (m *Memory) Close(_ context.Context, studyID, memberID int64) error {
	value, ok := m.studies.Load(studyID)
	if !ok {
		return nil
	}
	sp := value.(*studyPresence)
	if value, loaded := sp.members.LoadAndDelete(memberID); loaded {
		if value.(*record).lastSeen.Swap(tombstone) != tombstone {
			m.size.Add(-1)
		}
	}
	return nil
}

func (m *Memory) IsOpen(_ context.Context, studyID, memberID int64) (bool, error) {
	value, ok := m.studies.Load(studyID)
	if !ok {
		return false, nil
	}
	sp := value.(*studyPresence)
	rec, ok := sp.members.Load(memberID)
	if !ok {
		return false, nil
	}
	return m.live(sp, memberID, rec.(*record), m.now()), nil
}

func (m *Memory) PresentMembers(_ context.Context, studyID int64) ([]int64, error) {
	value, ok := m.studies.Load(studyID)
	if !ok {
		return nil, nil
	}
	sp := value.(*studyPresence)
	now := m.now()
	var out []int64
	sp.members.Range(func(key, value any) bool {
		memberID := key.(int64)
		if m.live(sp, memberID, value.(*record), now) {
			out = append(out, memberID)
		}
		return true
	})
	return out, nil
}

// Len is the number of records currently held, expired ones included until
// they are next read.
func (m *Memory) Len() int {
	return int(m.size.Load())
}
