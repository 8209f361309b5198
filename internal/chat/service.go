package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"studychat/api/internal/metrics"
	"studychat/api/internal/rbac"
)

const (
	DefaultMaxBodyLength = 1000
	DefaultPageSize      = 20
	DefaultMaxPageSize   = 100
)

type Config struct {
	MaxBodyLength int
	PageSize      int
	MaxPageSize   int
}

// Deps are the collaborators a Service orchestrates. Indexer, Metrics and
// Logger are optional.
type Deps struct {
	Store     Store
	Members   MembershipOracle
	Presence  Presence
	Publisher Publisher
	Indexer   Indexer
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Service struct {
	cfg       Config
	store     Store
	members   MembershipOracle
	presence  Presence
	publisher Publisher
	indexer   Indexer
	metrics   *metrics.Metrics
	log       *slog.Logger
	locks     studyLocks
}

func NewService(cfg Config, deps Deps) *Service {
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = DefaultMaxBodyLength
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPageSize < cfg.PageSize {
		cfg.MaxPageSize = max(DefaultMaxPageSize, cfg.PageSize)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		members:   deps.Members,
		presence:  deps.Presence,
		publisher: deps.Publisher,
		indexer:   deps.Indexer,
		metrics:   deps.Metrics,
		log:       logger.With("component", "chat"),
	}
}

func (s *Service) MaxBodyLength() int {
	return s.cfg.MaxBodyLength
}

// member resolves the caller's membership or fails with ForbiddenError.
func (s *Service) member(ctx context.Context, studyID int64, userID string) (Member, error) {
	if studyID <= 0 {
		return Member{}, validationError("studyId is required", nil)
	}
	member, err := s.members.Membership(ctx, studyID, userID)
	if errors.Is(err, ErrNotFound) {
		return Member{}, forbiddenError("not a member of this study")
	}
	if err != nil {
		return Member{}, fmt.Errorf("resolve membership: %w", err)
	}
	return member, nil
}

// Send persists a user message and broadcasts it with a fresh unread count.
// The sender's own read pointer is advanced to the new entry.
func (s *Service) Send(ctx context.Context, studyID int64, identity Identity, content string) (Entry, error) {
	member, err := s.member(ctx, studyID, identity.UserID)
	if err != nil {
		return Entry{}, err
	}
	if !rbac.Can(rbac.Normalize(member.Role), rbac.ActionSendMessage) {
		return Entry{}, forbiddenError("role may not send messages")
	}
	entry, err := NewEntry(studyID, &Sender{MemberID: member.ID, Name: member.Name}, content, KindUser, "", s.cfg.MaxBodyLength)
	if err != nil {
		return Entry{}, err
	}
	return s.appendAndPublish(ctx, entry, member.ID)
}

// AppendNotice persists a system notice and broadcasts it. It is only called
// after the transaction that produced the triggering event has committed.
func (s *Service) AppendNotice(ctx context.Context, studyID int64, kind Kind, body, link string) (Entry, error) {
	if !kind.IsNotice() {
		return Entry{}, validationError("notice kind required", map[string]any{"kind": string(kind)})
	}
	entry, err := NewEntry(studyID, nil, body, kind, link, s.cfg.MaxBodyLength)
	if err != nil {
		return Entry{}, err
	}
	return s.appendAndPublish(ctx, entry, 0)
}

func (s *Service) appendAndPublish(ctx context.Context, entry Entry, senderMemberID int64) (Entry, error) {
	unlock := s.locks.lock(entry.StudyID)
	defer unlock()

	appended, err := s.store.AppendEntry(ctx, entry)
	if err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}
	s.metrics.EntryAppended(string(appended.Content.Kind()))

	if senderMemberID > 0 {
		if _, err := s.store.AdvanceReadPointer(ctx, appended.StudyID, senderMemberID, appended.ID); err != nil {
			s.log.Warn("advance sender read pointer", "study_id", appended.StudyID, "message_id", appended.ID, "error", err)
		}
	}

	unread, err := s.UnreadCountFor(ctx, appended.StudyID, appended.ID)
	view := NewMessageView(appended, unread, ReactionCounts{})
	if err != nil {
		s.log.Warn("compute unread count", "study_id", appended.StudyID, "message_id", appended.ID, "error", err)
		view.UnreadCount = nil
	}
	s.publish(appended.StudyID, view)
	if s.indexer != nil {
		s.indexer.IndexEntry(appended)
	}
	return appended, nil
}

func (s *Service) publish(studyID int64, payload any) {
	if s.publisher == nil {
		return
	}
	delivered := s.publisher.PublishToStudy(studyID, payload)
	s.metrics.Published(delivered)
}

// UnreadCountFor is total members minus readers, where readers are members
// whose pointer is at or past messageID plus members with the panel open.
func (s *Service) UnreadCountFor(ctx context.Context, studyID, messageID int64) (int, error) {
	counts, err := s.unreadCounts(ctx, studyID, []int64{messageID})
	if err != nil {
		return 0, err
	}
	return counts[messageID], nil
}

func (s *Service) unreadCounts(ctx context.Context, studyID int64, messageIDs []int64) (map[int64]int, error) {
	out := make(map[int64]int, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	total, err := s.members.TotalMemberCount(ctx, studyID)
	if err != nil {
		return out, fmt.Errorf("count members: %w", err)
	}
	var present []int64
	if s.presence != nil {
		present, err = s.presence.PresentMembers(ctx, studyID)
		if err != nil {
			s.log.Warn("read presence", "study_id", studyID, "error", err)
			present = nil
		}
	}
	if len(present) > 0 {
		// A record can outlive its membership until its TTL or socket teardown.
		present, err = s.members.CurrentMembers(ctx, studyID, present)
		if err != nil {
			return out, fmt.Errorf("filter present members: %w", err)
		}
	}
	readers, err := s.store.CountReaders(ctx, studyID, messageIDs, present)
	if err != nil {
		return out, fmt.Errorf("count readers: %w", err)
	}
	for _, id := range messageIDs {
		out[id] = max(total-readers[id]-len(present), 0)
	}
	return out, nil
}

// React records the member's reaction and broadcasts the message's counts.
// The reaction value is validated before anything is read or written.
func (s *Service) React(ctx context.Context, studyID int64, identity Identity, messageID int64, raw string) (ReactionCounts, error) {
	value, err := ParseReaction(raw)
	if err != nil {
		return ReactionCounts{}, err
	}
	if messageID <= 0 {
		return ReactionCounts{}, validationError("messageId is required", map[string]any{"field": "messageId"})
	}
	member, err := s.member(ctx, studyID, identity.UserID)
	if err != nil {
		return ReactionCounts{}, err
	}
	// Publishing under the study lock keeps IMOJI behind the MESSAGE it refers to.
	unlock := s.locks.lock(studyID)
	defer unlock()
	if _, err := s.store.GetEntry(ctx, studyID, messageID); err != nil {
		return ReactionCounts{}, err
	}
	counts, err := s.store.UpsertReaction(ctx, messageID, member.ID, value)
	if err != nil {
		return ReactionCounts{}, fmt.Errorf("set reaction: %w", err)
	}
	s.publish(studyID, NewReactionView(messageID, counts))
	return counts, nil
}

// MarkRead advances the caller's pointer. Lower or equal ids are ignored.
func (s *Service) MarkRead(ctx context.Context, studyID int64, identity Identity, messageID int64) (bool, error) {
	if messageID <= 0 {
		return false, validationError("messageId is required", map[string]any{"field": "messageId"})
	}
	member, err := s.member(ctx, studyID, identity.UserID)
	if err != nil {
		return false, err
	}
	moved, err := s.store.AdvanceReadPointer(ctx, studyID, member.ID, messageID)
	if err != nil {
		return false, fmt.Errorf("advance read pointer: %w", err)
	}
	return moved, nil
}

// UnreadSummary is what a member has not acknowledged yet.
type UnreadSummary struct {
	LastReadID  int64 `json:"lastReadId"`
	LatestID    int64 `json:"latestId"`
	UnreadCount int   `json:"unreadCount"`
}

func (s *Service) Unread(ctx context.Context, studyID int64, identity Identity) (UnreadSummary, error) {
	member, err := s.member(ctx, studyID, identity.UserID)
	if err != nil {
		return UnreadSummary{}, err
	}
	pointer, err := s.store.ReadPointer(ctx, member.ID)
	if err != nil {
		return UnreadSummary{}, fmt.Errorf("read pointer: %w", err)
	}
	latest, err := s.store.LatestEntryID(ctx, studyID)
	if err != nil {
		return UnreadSummary{}, fmt.Errorf("latest entry: %w", err)
	}
	count, err := s.store.CountEntriesAfter(ctx, studyID, pointer)
	if err != nil {
		return UnreadSummary{}, fmt.Errorf("count unread: %w", err)
	}
	return UnreadSummary{LastReadID: pointer, LatestID: latest, UnreadCount: count}, nil
}

// Delete removes an entry. Senders may delete their own messages; leaders may
// delete anything in their study, notices included.
func (s *Service) Delete(ctx context.Context, studyID int64, identity Identity, messageID int64) error {
	member, err := s.member(ctx, studyID, identity.UserID)
	if err != nil {
		return err
	}
	entry, err := s.store.GetEntry(ctx, studyID, messageID)
	if err != nil {
		return err
	}
	role := rbac.Normalize(member.Role)
	own := entry.SenderMemberID() == member.ID && rbac.Can(role, rbac.ActionDeleteOwnMessage)
	if !own && !rbac.Can(role, rbac.ActionDeleteAnyMessage) {
		return forbiddenError("only the sender or a study leader may delete this message")
	}

	unlock := s.locks.lock(studyID)
	defer unlock()
	deleted, err := s.store.DeleteEntry(ctx, studyID, messageID)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if !deleted {
		return notFoundError("message not found")
	}
	s.publish(studyID, NewDeletedView(messageID))
	if s.indexer != nil {
		s.indexer.DeleteEntry(messageID)
	}
	return nil
}

// History is a member's view of one page, enriched with reaction and unread
// counts so a reconnecting client can rebuild its state.
func (s *Service) History(ctx context.Context, studyID int64, identity Identity, cursor int64, size int) (HistoryPage, error) {
	if _, err := s.member(ctx, studyID, identity.UserID); err != nil {
		return HistoryPage{}, err
	}
	page, err := s.Page(ctx, studyID, cursor, size)
	if err != nil {
		return HistoryPage{}, err
	}

	ids := make([]int64, 0, len(page.Entries))
	for _, entry := range page.Entries {
		ids = append(ids, entry.ID)
	}
	reactions, err := s.store.ReactionCounts(ctx, ids)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("reaction counts: %w", err)
	}
	unread, err := s.unreadCounts(ctx, studyID, ids)
	if err != nil {
		return HistoryPage{}, err
	}

	views := make([]MessageView, 0, len(page.Entries))
	for _, entry := range page.Entries {
		views = append(views, NewMessageView(entry, unread[entry.ID], reactions[entry.ID]))
	}
	return HistoryPage{Entries: views, HasNext: page.HasMore, NextCursor: page.NextCursor}, nil
}

// OpenPanel marks the caller present in the study and returns the membership
// id the presence record is keyed by.
func (s *Service) OpenPanel(ctx context.Context, studyID int64, identity Identity) (int64, error) {
	member, err := s.member(ctx, studyID, identity.UserID)
	if err != nil {
		return 0, err
	}
	if err := s.presence.Open(ctx, studyID, member.ID); err != nil {
		return 0, fmt.Errorf("open presence: %w", err)
	}
	return member.ID, nil
}

// Heartbeat refreshes an open record. It reports false when the record had
// already expired or was never opened.
func (s *Service) Heartbeat(ctx context.Context, studyID int64, identity Identity) (bool, error) {
	member, err := s.member(ctx, studyID, identity.UserID)
	if err != nil {
		return false, err
	}
	open, err := s.presence.Heartbeat(ctx, studyID, member.ID)
	if err != nil {
		return false, fmt.Errorf("heartbeat presence: %w", err)
	}
	return open, nil
}

func (s *Service) ClosePanel(ctx context.Context, studyID int64, identity Identity) error {
	member, err := s.member(ctx, studyID, identity.UserID)
	if err != nil {
		return err
	}
	return s.ClosePresence(ctx, studyID, member.ID)
}

// ClosePresence drops a record by membership id without a membership check,
// for connection teardown after the member may already have left.
func (s *Service) ClosePresence(ctx context.Context, studyID, memberID int64) error {
	if err := s.presence.Close(ctx, studyID, memberID); err != nil {
		return fmt.Errorf("close presence: %w", err)
	}
	return nil
}
