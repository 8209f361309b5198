package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"studychat/api/internal/chat"
	"studychat/api/internal/notify"
)

func newTestStore(t *testing.T) (*PostgresStore, Study, []chat.Member) {
	t.Helper()
	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), nil); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}

	s := NewPostgresStore(db)
	study, err := s.CreateStudy(ctx, "Algorithms")
	if err != nil {
		t.Fatalf("CreateStudy() error = %v", err)
	}
	var members []chat.Member
	for _, name := range []string{"ana", "ben", "cho"} {
		member, err := s.AddMember(ctx, chat.Member{StudyID: study.ID, UserID: name, Name: name})
		if err != nil {
			t.Fatalf("AddMember() error = %v", err)
		}
		members = append(members, member)
	}
	return s, study, members
}

func appendUser(t *testing.T, s *PostgresStore, studyID int64, sender chat.Member, body string) chat.Entry {
	t.Helper()
	entry, err := chat.NewEntry(studyID, &chat.Sender{MemberID: sender.ID, Name: sender.Name}, body, chat.KindUser, "", 100)
	if err != nil {
		t.Fatalf("NewEntry() error = %v", err)
	}
	stored, err := s.AppendEntry(context.Background(), entry)
	if err != nil {
		t.Fatalf("AppendEntry() error = %v", err)
	}
	return stored
}

func TestPostgresEntriesPageNewestFirst(t *testing.T) {
	s, study, members := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, appendUser(t, s, study.ID, members[i%len(members)], "hello").ID)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not increasing: %v", ids)
		}
	}

	page, err := s.ListEntriesBefore(ctx, study.ID, 0, 3)
	if err != nil {
		t.Fatalf("ListEntriesBefore() error = %v", err)
	}
	if len(page) != 3 || page[0].ID != ids[4] || page[2].ID != ids[2] {
		t.Fatalf("first page = %+v", page)
	}
	rest, err := s.ListEntriesBefore(ctx, study.ID, page[2].ID, 3)
	if err != nil {
		t.Fatalf("ListEntriesBefore() error = %v", err)
	}
	if len(rest) != 2 || rest[0].ID != ids[1] {
		t.Fatalf("second page = %+v", rest)
	}

	latest, err := s.LatestEntryID(ctx, study.ID)
	if err != nil || latest != ids[4] {
		t.Fatalf("LatestEntryID() = %d, %v", latest, err)
	}
	after, err := s.CountEntriesAfter(ctx, study.ID, ids[1])
	if err != nil || after != 3 {
		t.Fatalf("CountEntriesAfter() = %d, %v", after, err)
	}
}

func TestPostgresAppendUnknownStudyIsNotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	entry, _ := chat.NewEntry(9999, nil, "notice", chat.KindNoticeNewSchedule, "/x", 100)
	if _, err := s.AppendEntry(context.Background(), entry); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("AppendEntry() error = %v, want not found", err)
	}
}

func TestPostgresReactionUpsertKeepsOneRow(t *testing.T) {
	s, study, members := newTestStore(t)
	ctx := context.Background()
	msg := appendUser(t, s, study.ID, members[0], "vote")

	if _, err := s.UpsertReaction(ctx, msg.ID, members[1].ID, chat.ReactionLike); err != nil {
		t.Fatalf("UpsertReaction() error = %v", err)
	}
	counts, err := s.UpsertReaction(ctx, msg.ID, members[1].ID, chat.ReactionDislike)
	if err != nil {
		t.Fatalf("UpsertReaction() error = %v", err)
	}
	if counts != (chat.ReactionCounts{Likes: 0, Dislikes: 1}) {
		t.Fatalf("counts = %+v", counts)
	}

	var rows int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_reactions WHERE message_id = $1`, msg.ID).Scan(&rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("rows = %d, want 1", rows)
	}

	if _, err := s.UpsertReaction(ctx, msg.ID+1000, members[1].ID, chat.ReactionLike); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("UpsertReaction() unknown message error = %v", err)
	}
}

func TestPostgresReadPointerIsMonotonic(t *testing.T) {
	s, study, members := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for id := int64(1); id <= 20; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := s.AdvanceReadPointer(ctx, study.ID, members[0].ID, id); err != nil {
				t.Errorf("AdvanceReadPointer() error = %v", err)
			}
		}(id)
	}
	wg.Wait()

	moved, err := s.AdvanceReadPointer(ctx, study.ID, members[0].ID, 5)
	if err != nil || moved {
		t.Fatalf("AdvanceReadPointer(backwards) = %v, %v", moved, err)
	}
	pointer, err := s.ReadPointer(ctx, members[0].ID)
	if err != nil || pointer != 20 {
		t.Fatalf("ReadPointer() = %d, %v", pointer, err)
	}
	if pointer, _ := s.ReadPointer(ctx, members[1].ID); pointer != 0 {
		t.Fatalf("unset pointer = %d, want 0", pointer)
	}
}

func TestPostgresCountReadersExcludes(t *testing.T) {
	s, study, members := newTestStore(t)
	ctx := context.Background()
	msg := appendUser(t, s, study.ID, members[0], "read me")

	for _, m := range members[:2] {
		if _, err := s.AdvanceReadPointer(ctx, study.ID, m.ID, msg.ID); err != nil {
			t.Fatalf("AdvanceReadPointer() error = %v", err)
		}
	}
	counts, err := s.CountReaders(ctx, study.ID, []int64{msg.ID}, nil)
	if err != nil || counts[msg.ID] != 2 {
		t.Fatalf("CountReaders() = %v, %v", counts, err)
	}
	counts, err = s.CountReaders(ctx, study.ID, []int64{msg.ID}, []int64{members[1].ID})
	if err != nil || counts[msg.ID] != 1 {
		t.Fatalf("CountReaders(exclude) = %v, %v", counts, err)
	}
}

func TestPostgresRemovedSenderKeepsEntry(t *testing.T) {
	s, study, members := newTestStore(t)
	ctx := context.Background()
	msg := appendUser(t, s, study.ID, members[2], "bye")

	if err := s.RemoveMember(ctx, members[2].ID); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	got, err := s.GetEntry(ctx, study.ID, msg.ID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if got.SenderMemberID() != 0 || got.Content.Text() != "bye" {
		t.Fatalf("entry = %+v", got)
	}
	total, err := s.TotalMemberCount(ctx, study.ID)
	if err != nil || total != 2 {
		t.Fatalf("TotalMemberCount() = %d, %v", total, err)
	}
	current, err := s.CurrentMembers(ctx, study.ID, []int64{members[0].ID, members[2].ID})
	if err != nil {
		t.Fatalf("CurrentMembers() error = %v", err)
	}
	if len(current) != 1 || current[0] != members[0].ID {
		t.Fatalf("CurrentMembers() = %v, want [%d]", current, members[0].ID)
	}
}

func TestPostgresEventLedgerDedupesAndDefersHooks(t *testing.T) {
	s, study, _ := newTestStore(t)
	ctx := context.Background()
	event := notify.Event{Kind: notify.EventMaterialCreated, StudyID: study.ID, Title: "Notes", ReferenceID: 3}

	fired := 0
	err := s.InEventTx(ctx, func(tx notify.EventTx) error {
		fresh, err := tx.RecordEvent(ctx, event)
		if err != nil || !fresh {
			t.Fatalf("RecordEvent() = %v, %v", fresh, err)
		}
		tx.AfterCommit(func() { fired++ })
		if fired != 0 {
			t.Fatal("hook ran inside the transaction")
		}
		return nil
	})
	if err != nil || fired != 1 {
		t.Fatalf("InEventTx() = %v, fired %d", err, fired)
	}

	err = s.InEventTx(ctx, func(tx notify.EventTx) error {
		fresh, err := tx.RecordEvent(ctx, event)
		if err != nil || fresh {
			t.Fatalf("duplicate RecordEvent() = %v, %v", fresh, err)
		}
		tx.AfterCommit(func() { fired++ })
		return errors.New("abort")
	})
	if err == nil || fired != 1 {
		t.Fatalf("rolled back InEventTx() = %v, fired %d", err, fired)
	}
}
