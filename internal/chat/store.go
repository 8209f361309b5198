package chat

import "context"

// MessageStore is the append-only ordered log of chat entries.
type MessageStore interface {
	// AppendEntry assigns the next identity and creation time.
	AppendEntry(ctx context.Context, entry Entry) (Entry, error)
	// ListEntriesBefore returns up to limit entries of the study with id < before,
	// newest first. before <= 0 means no upper bound.
	ListEntriesBefore(ctx context.Context, studyID, before int64, limit int) ([]Entry, error)
	GetEntry(ctx context.Context, studyID, entryID int64) (Entry, error)
	DeleteEntry(ctx context.Context, studyID, entryID int64) (bool, error)
	LatestEntryID(ctx context.Context, studyID int64) (int64, error)
	CountEntriesAfter(ctx context.Context, studyID, after int64) (int, error)
}

// ReactionLedger keeps at most one reaction per (message, member).
type ReactionLedger interface {
	// UpsertReaction stores value and returns the message's counts as of the
	// same step.
	UpsertReaction(ctx context.Context, messageID, memberID int64, value Reaction) (ReactionCounts, error)
	ReactionCounts(ctx context.Context, messageIDs []int64) (map[int64]ReactionCounts, error)
}

// ReadPointers is the durable per-member "read up to" watermark.
type ReadPointers interface {
	// AdvanceReadPointer moves the member's pointer to messageID only if it is
	// greater than the stored value. It reports whether the pointer moved.
	AdvanceReadPointer(ctx context.Context, studyID, memberID, messageID int64) (bool, error)
	ReadPointer(ctx context.Context, memberID int64) (int64, error)
	// CountReaders returns, per message id, how many current members of the
	// study have a pointer >= that id, ignoring the members in exclude.
	CountReaders(ctx context.Context, studyID int64, messageIDs []int64, exclude []int64) (map[int64]int, error)
}

// MembershipOracle answers study and membership questions owned by the
// surrounding platform.
type MembershipOracle interface {
	StudyExists(ctx context.Context, studyID int64) (bool, error)
	IsMember(ctx context.Context, studyID int64, userID string) (bool, error)
	// Membership returns ErrNotFound when the user is not a member.
	Membership(ctx context.Context, studyID int64, userID string) (Member, error)
	TotalMemberCount(ctx context.Context, studyID int64) (int, error)
	// CurrentMembers returns the subset of memberIDs still on the study's roster.
	CurrentMembers(ctx context.Context, studyID int64, memberIDs []int64) ([]int64, error)
}

// Store is everything the chat service persists.
type Store interface {
	MessageStore
	ReactionLedger
	ReadPointers
}

// Presence is the live "panel open" signal consulted for unread counts.
type Presence interface {
	Open(ctx context.Context, studyID, memberID int64) error
	Heartbeat(ctx context.Context, studyID, memberID int64) (bool, error)
	Close(ctx context.Context, studyID, memberID int64) error
	IsOpen(ctx context.Context, studyID, memberID int64) (bool, error)
	PresentMembers(ctx context.Context, studyID int64) ([]int64, error)
}

// Publisher fans a payload out to a study's live subscribers.
type Publisher interface {
	PublishToStudy(studyID int64, payload any) int
}

// Indexer receives entries for full-text search. Calls must not block.
type Indexer interface {
	IndexEntry(entry Entry)
	DeleteEntry(entryID int64)
}
