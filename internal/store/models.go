package store

import (
	"database/sql"
	"fmt"
	"time"

	"studychat/api/internal/chat"
)

// Study is the platform-owned row chat entries hang off.
type Study struct {
	ID        int64
	Title     string
	CreatedAt time.Time
}

// entryRow mirrors one chat_entries row joined with its sender's name.
type entryRow struct {
	ID             int64
	StudyID        int64
	SenderMemberID sql.NullInt64
	SenderName     sql.NullString
	Kind           string
	Body           string
	Link           sql.NullString
	CreatedAt      time.Time
}

const selectEntry = `
	SELECT e.id, e.study_id, e.sender_member_id, m.display_name, e.kind, e.body, e.link, e.created_at
	FROM chat_entries e
	LEFT JOIN study_members m ON m.id = e.sender_member_id
`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (chat.Entry, error) {
	var r entryRow
	if err := row.Scan(&r.ID, &r.StudyID, &r.SenderMemberID, &r.SenderName, &r.Kind, &r.Body, &r.Link, &r.CreatedAt); err != nil {
		return chat.Entry{}, err
	}
	return r.entry()
}

func (r entryRow) entry() (chat.Entry, error) {
	kind, err := chat.ParseKind(r.Kind)
	if err != nil {
		return chat.Entry{}, fmt.Errorf("entry %d: %w", r.ID, err)
	}
	entry := chat.Entry{ID: r.ID, StudyID: r.StudyID, CreatedAt: r.CreatedAt.UTC()}
	if kind == chat.KindUser {
		msg := chat.UserMessage{Body: r.Body}
		if r.SenderMemberID.Valid {
			msg.Sender = &chat.Sender{MemberID: r.SenderMemberID.Int64, Name: r.SenderName.String}
		}
		entry.Content = msg
	} else {
		entry.Content = chat.SystemNotice{Notice: kind, Body: r.Body, Link: r.Link.String}
	}
	return entry, nil
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
