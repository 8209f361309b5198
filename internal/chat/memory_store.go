package chat

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore keeps the chat log, reactions, read pointers and the study
// roster in process memory. It backs STORE_DRIVER=memory and the tests.
type MemoryStore struct {
	mu           sync.RWMutex
	nextEntryID  int64
	nextMemberID int64
	studies      map[int64]struct{}
	entries      map[int64][]Entry // per study, ascending id
	entryStudy   map[int64]int64
	members      map[int64]Member

	reactions sync.Map // message id -> *messageReactions
	pointers  sync.Map // member id -> *atomic.Int64

	now func() time.Time
}

type messageReactions struct {
	mu    sync.Mutex
	votes map[int64]Reaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		studies:    map[int64]struct{}{},
		entries:    map[int64][]Entry{},
		entryStudy: map[int64]int64{},
		members:    map[int64]Member{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) AddStudy(studyID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.studies[studyID] = struct{}{}
}

// RemoveStudy drops the study and everything hanging off it.
func (m *MemoryStore) RemoveStudy(studyID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.studies, studyID)
	for _, entry := range m.entries[studyID] {
		delete(m.entryStudy, entry.ID)
		m.reactions.Delete(entry.ID)
	}
	delete(m.entries, studyID)
	for id, member := range m.members {
		if member.StudyID == studyID {
			delete(m.members, id)
			m.pointers.Delete(id)
		}
	}
}

// AddMember registers a membership and assigns its id when zero.
func (m *MemoryStore) AddMember(member Member) Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	if member.ID == 0 {
		m.nextMemberID++
		member.ID = m.nextMemberID
	} else if member.ID > m.nextMemberID {
		m.nextMemberID = member.ID
	}
	if member.Role == "" {
		member.Role = "MEMBER"
	}
	m.studies[member.StudyID] = struct{}{}
	m.members[member.ID] = member
	return member
}

// RemoveMember deletes the membership. Its messages survive with no sender;
// its reactions and read pointer go with it.
func (m *MemoryStore) RemoveMember(memberID int64) {
	m.mu.Lock()
	member, ok := m.members[memberID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.members, memberID)
	entries := m.entries[member.StudyID]
	for i, entry := range entries {
		if entry.SenderMemberID() == memberID {
			msg := entry.Content.(UserMessage)
			msg.Sender = nil
			entries[i].Content = msg
		}
	}
	m.mu.Unlock()

	m.pointers.Delete(memberID)
	m.reactions.Range(func(_, value any) bool {
		bucket := value.(*messageReactions)
		bucket.mu.Lock()
		delete(bucket.votes, memberID)
		bucket.mu.Unlock()
		return true
	})
}

func (m *MemoryStore) AppendEntry(_ context.Context, entry Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.studies[entry.StudyID]; !ok {
		return Entry{}, notFoundError("study not found")
	}
	if id := entry.SenderMemberID(); id != 0 {
		if member, ok := m.members[id]; !ok || member.StudyID != entry.StudyID {
			return Entry{}, forbiddenError("sender is not a member of this study")
		}
	}
	m.nextEntryID++
	entry.ID = m.nextEntryID
	entry.CreatedAt = m.now()
	m.entries[entry.StudyID] = append(m.entries[entry.StudyID], entry)
	m.entryStudy[entry.ID] = entry.StudyID
	return entry, nil
}

func (m *MemoryStore) ListEntriesBefore(_ context.Context, studyID, before int64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.entries[studyID]
	end := len(entries)
	if before > 0 {
		end = sort.Search(len(entries), func(i int) bool { return entries[i].ID >= before })
	}
	out := make([]Entry, 0, min(limit, end))
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (m *MemoryStore) GetEntry(_ context.Context, studyID, entryID int64) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i, ok := m.indexOf(studyID, entryID); ok {
		return m.entries[studyID][i], nil
	}
	return Entry{}, notFoundError("message not found")
}

func (m *MemoryStore) indexOf(studyID, entryID int64) (int, bool) {
	entries := m.entries[studyID]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].ID >= entryID })
	if i < len(entries) && entries[i].ID == entryID {
		return i, true
	}
	return 0, false
}

func (m *MemoryStore) DeleteEntry(_ context.Context, studyID, entryID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.indexOf(studyID, entryID)
	if !ok {
		return false, nil
	}
	entries := m.entries[studyID]
	m.entries[studyID] = append(entries[:i:i], entries[i+1:]...)
	delete(m.entryStudy, entryID)
	m.reactions.Delete(entryID)
	return true, nil
}

func (m *MemoryStore) LatestEntryID(_ context.Context, studyID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.entries[studyID]
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[len(entries)-1].ID, nil
}

func (m *MemoryStore) CountEntriesAfter(_ context.Context, studyID, after int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.entries[studyID]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].ID > after })
	return len(entries) - i, nil
}

// UpsertReaction locks only the target message, so members reacting to
// different messages never wait on each other.
func (m *MemoryStore) UpsertReaction(_ context.Context, messageID, memberID int64, value Reaction) (ReactionCounts, error) {
	m.mu.RLock()
	_, exists := m.entryStudy[messageID]
	_, isMember := m.members[memberID]
	m.mu.RUnlock()
	if !exists {
		return ReactionCounts{}, notFoundError("message not found")
	}
	if !isMember {
		return ReactionCounts{}, forbiddenError("not a member of this study")
	}

	raw, _ := m.reactions.LoadOrStore(messageID, &messageReactions{votes: map[int64]Reaction{}})
	bucket := raw.(*messageReactions)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	bucket.votes[memberID] = value
	return bucket.countsLocked(), nil
}

func (b *messageReactions) countsLocked() ReactionCounts {
	var counts ReactionCounts
	for _, vote := range b.votes {
		switch vote {
		case ReactionLike:
			counts.Likes++
		case ReactionDislike:
			counts.Dislikes++
		}
	}
	return counts
}

// Reaction returns the stored value for one (message, member) pair.
func (m *MemoryStore) Reaction(messageID, memberID int64) (Reaction, bool) {
	raw, ok := m.reactions.Load(messageID)
	if !ok {
		return "", false
	}
	bucket := raw.(*messageReactions)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	value, ok := bucket.votes[memberID]
	return value, ok
}

// ReactionRows is the number of stored reaction rows for a message.
func (m *MemoryStore) ReactionRows(messageID int64) int {
	raw, ok := m.reactions.Load(messageID)
	if !ok {
		return 0
	}
	bucket := raw.(*messageReactions)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	return len(bucket.votes)
}

func (m *MemoryStore) ReactionCounts(_ context.Context, messageIDs []int64) (map[int64]ReactionCounts, error) {
	out := make(map[int64]ReactionCounts, len(messageIDs))
	for _, id := range messageIDs {
		raw, ok := m.reactions.Load(id)
		if !ok {
			continue
		}
		bucket := raw.(*messageReactions)
		bucket.mu.Lock()
		out[id] = bucket.countsLocked()
		bucket.mu.Unlock()
	}
	return out, nil
}

// AdvanceReadPointer is a compare-and-swap loop; a lower or equal id never
// overwrites the stored value.
func (m *MemoryStore) AdvanceReadPointer(_ context.Context, studyID, memberID, messageID int64) (bool, error) {
	m.mu.RLock()
	member, ok := m.members[memberID]
	m.mu.RUnlock()
	if !ok || member.StudyID != studyID {
		return false, forbiddenError("not a member of this study")
	}
	raw, _ := m.pointers.LoadOrStore(memberID, new(atomic.Int64))
	pointer := raw.(*atomic.Int64)
	for {
		current := pointer.Load()
		if messageID <= current {
			return false, nil
		}
		if pointer.CompareAndSwap(current, messageID) {
			return true, nil
		}
	}
}

func (m *MemoryStore) ReadPointer(_ context.Context, memberID int64) (int64, error) {
	raw, ok := m.pointers.Load(memberID)
	if !ok {
		return 0, nil
	}
	return raw.(*atomic.Int64).Load(), nil
}

func (m *MemoryStore) CountReaders(_ context.Context, studyID int64, messageIDs []int64, exclude []int64) (map[int64]int, error) {
	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	m.mu.RLock()
	var pointers []int64
	for id, member := range m.members {
		if member.StudyID != studyID {
			continue
		}
		if _, ok := skip[id]; ok {
			continue
		}
		if raw, ok := m.pointers.Load(id); ok {
			pointers = append(pointers, raw.(*atomic.Int64).Load())
		}
	}
	m.mu.RUnlock()

	out := make(map[int64]int, len(messageIDs))
	for _, messageID := range messageIDs {
		n := 0
		for _, pointer := range pointers {
			if pointer >= messageID {
				n++
			}
		}
		out[messageID] = n
	}
	return out, nil
}

func (m *MemoryStore) StudyExists(_ context.Context, studyID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.studies[studyID]
	return ok, nil
}

func (m *MemoryStore) IsMember(ctx context.Context, studyID int64, userID string) (bool, error) {
	_, err := m.Membership(ctx, studyID, userID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) Membership(_ context.Context, studyID int64, userID string) (Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, member := range m.members {
		if member.StudyID == studyID && member.UserID == userID {
			return member, nil
		}
	}
	return Member{}, notFoundError("membership not found")
}

func (m *MemoryStore) TotalMemberCount(_ context.Context, studyID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, member := range m.members {
		if member.StudyID == studyID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CurrentMembers(_ context.Context, studyID int64, memberIDs []int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int64
	for _, id := range memberIDs {
		if member, ok := m.members[id]; ok && member.StudyID == studyID {
			out = append(out, id)
		}
	}
	return out, nil
}
