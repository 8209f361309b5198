package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"studychat/api/internal/chat"
)

type countingPublisher struct {
	mu    sync.Mutex
	count int
	last  any
}

func (p *countingPublisher) PublishToStudy(_ int64, payload any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	p.last = payload
	return 1
}

func (p *countingPublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

type harness struct {
	store     *chat.MemoryStore
	publisher *countingPublisher
	bridge    *Bridge
}

func newHarness(t *testing.T, queueSize int) *harness {
	t.Helper()
	store := chat.NewMemoryStore()
	store.AddMember(chat.Member{StudyID: 5, UserID: "ana", Name: "Ana"})
	store.AddMember(chat.Member{StudyID: 5, UserID: "ben", Name: "Ben"})
	publisher := &countingPublisher{}
	service := chat.NewService(chat.Config{}, chat.Deps{
		Store:     store,
		Members:   store,
		Publisher: publisher,
	})
	return &harness{
		store:     store,
		publisher: publisher,
		bridge:    NewBridge(Config{QueueSize: queueSize}, service, store, nil, nil),
	}
}

func (h *harness) entries(t *testing.T) []chat.Entry {
	t.Helper()
	entries, err := h.store.ListEntriesBefore(context.Background(), 5, 0, 100)
	if err != nil {
		t.Fatalf("ListEntriesBefore() error = %v", err)
	}
	return entries
}

func scheduleEvent(ref int64) Event {
	return Event{Kind: EventScheduleCreated, StudyID: 5, Title: "Kickoff", ReferenceID: ref}
}

func TestRolledBackEventProducesNothing(t *testing.T) {
	h := newHarness(t, 8)
	h.bridge.Start(context.Background())

	tx := &Hooks{}
	if err := h.bridge.Raise(tx, scheduleEvent(1)); err != nil {
		t.Fatalf("Raise() error = %v", err)
	}
	tx.Rollback()
	tx.Commit()
	h.bridge.Stop()

	if got := len(h.entries(t)); got != 0 {
		t.Fatalf("entries = %d, want 0", got)
	}
	if got := h.publisher.published(); got != 0 {
		t.Fatalf("publishes = %d, want 0", got)
	}
}

func TestCommittedEventPublishesNotice(t *testing.T) {
	h := newHarness(t, 8)
	h.bridge.Start(context.Background())

	tx := &Hooks{}
	if err := h.bridge.Raise(tx, scheduleEvent(9)); err != nil {
		t.Fatalf("Raise() error = %v", err)
	}
	if len(h.entries(t)) != 0 || tx.Pending() != 1 {
		t.Fatal("nothing may happen before commit")
	}
	tx.Commit()
	h.bridge.Stop()

	entries := h.entries(t)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Content.Kind() != chat.KindNoticeNewSchedule || entry.SenderMemberID() != 0 {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Link() != "/studies/5/schedules/9" || entry.Content.Text() != "New schedule 'Kickoff' was created." {
		t.Fatalf("notice = %q %q", entry.Content.Text(), entry.Link())
	}
	view, ok := h.publisher.last.(chat.MessageView)
	if !ok || view.UnreadCount == nil || *view.UnreadCount != 2 || view.SenderID != nil {
		t.Fatalf("published = %#v", h.publisher.last)
	}
}

func TestMissingStudyIsDroppedNotRetried(t *testing.T) {
	h := newHarness(t, 8)
	err := h.bridge.Process(context.Background(), Event{Kind: EventMaterialCreated, StudyID: 404, Title: "Notes", ReferenceID: 1})
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("Process() error = %v, want not found", err)
	}

	h.bridge.Start(context.Background())
	tx := &Hooks{}
	_ = h.bridge.Raise(tx, Event{Kind: EventMaterialCreated, StudyID: 404, Title: "Notes", ReferenceID: 2})
	_ = h.bridge.Raise(tx, scheduleEvent(3))
	tx.Commit()
	h.bridge.Stop()

	if got := len(h.entries(t)); got != 1 {
		t.Fatalf("entries = %d, want 1 after dropped event", got)
	}
}

func TestFullQueueDropsEvents(t *testing.T) {
	h := newHarness(t, 1)
	tx := &Hooks{}
	for ref := int64(1); ref <= 3; ref++ {
		_ = h.bridge.Raise(tx, scheduleEvent(ref))
	}
	tx.Commit()

	h.bridge.Start(context.Background())
	h.bridge.Stop()
	if got := len(h.entries(t)); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
	if err := h.bridge.enqueue(scheduleEvent(4)); err == nil {
		t.Fatal("enqueue after Stop should fail")
	}
}

func TestRaiseRejectsUnknownEvent(t *testing.T) {
	h := newHarness(t, 1)
	tx := &Hooks{}
	err := h.bridge.Raise(tx, Event{Kind: "STUDY_DELETED", StudyID: 5, Title: "x", ReferenceID: 1})
	if !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("Raise() error = %v", err)
	}
	if tx.Pending() != 0 {
		t.Fatal("invalid event must not register a hook")
	}
}

func TestFeedIngestsOnce(t *testing.T) {
	h := newHarness(t, 8)
	feed := NewFeed(NewMemoryLedger(), h.bridge)
	h.bridge.Start(context.Background())

	fresh, err := feed.Ingest(context.Background(), scheduleEvent(11))
	if err != nil || !fresh {
		t.Fatalf("Ingest() = %v, %v", fresh, err)
	}
	fresh, err = feed.Ingest(context.Background(), scheduleEvent(11))
	if err != nil || fresh {
		t.Fatalf("second Ingest() = %v, %v", fresh, err)
	}
	h.bridge.Stop()

	if got := len(h.entries(t)); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
}

type failingLedger struct{}

func (failingLedger) InEventTx(ctx context.Context, fn func(EventTx) error) error {
	tx := &memoryTx{Hooks: &Hooks{}, ledger: NewMemoryLedger()}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	// Commit fails: hooks must never fire.
	tx.Rollback()
	return errors.New("commit failed")
}

func TestFeedCommitFailurePublishesNothing(t *testing.T) {
	h := newHarness(t, 8)
	feed := NewFeed(failingLedger{}, h.bridge)
	h.bridge.Start(context.Background())
	if _, err := feed.Ingest(context.Background(), scheduleEvent(12)); err == nil {
		t.Fatal("expected ingest error")
	}
	h.bridge.Stop()
	if len(h.entries(t)) != 0 || h.publisher.published() != 0 {
		t.Fatal("failed commit must not produce a notice")
	}
}

func TestBuildNoticeTruncatesTitle(t *testing.T) {
	event := Event{Kind: EventMaterialCreated, StudyID: 2, Title: strings.Repeat("가", 80), ReferenceID: 7}
	notice, err := BuildNotice(event, 40)
	if err != nil {
		t.Fatalf("BuildNotice() error = %v", err)
	}
	if n := utf8.RuneCountInString(notice.Body); n > 40 {
		t.Fatalf("body has %d runes, want <= 40", n)
	}
	if !strings.HasPrefix(notice.Body, "New material '") || notice.Kind != chat.KindNoticeNewDocument {
		t.Fatalf("notice = %+v", notice)
	}
	if notice.Link != "/studies/2/materials/7" {
		t.Fatalf("link = %q", notice.Link)
	}
}
