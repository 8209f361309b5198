package chat

import "sync"

// studyLocks serializes append+publish per study so live subscribers see
// entries in id order. Unrelated studies never contend.
type studyLocks struct {
	m sync.Map
}

func (l *studyLocks) lock(studyID int64) func() {
	value, _ := l.m.LoadOrStore(studyID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
