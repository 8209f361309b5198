package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"studychat/api/internal/chat"
	"studychat/api/internal/notify"
)

// PostgresStore implements the chat persistence contracts, the membership
// oracle and the event ledger on one database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *PostgresStore) AppendEntry(ctx context.Context, entry chat.Entry) (chat.Entry, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_entries (study_id, sender_member_id, kind, body, link)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, entry.StudyID, nullInt64(entry.SenderMemberID()), string(entry.Content.Kind()), entry.Content.Text(), nullString(entry.Link())).
		Scan(&entry.ID, &entry.CreatedAt)
	if isPgCode(err, codeForeignKeyViolation) {
		return chat.Entry{}, chat.NotFound("study or sender not found")
	}
	if err != nil {
		return chat.Entry{}, classify(fmt.Errorf("insert chat entry: %w", err))
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func (s *PostgresStore) ListEntriesBefore(ctx context.Context, studyID, before int64, limit int) ([]chat.Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntry+`
		WHERE e.study_id = $1 AND ($2::BIGINT <= 0 OR e.id < $2::BIGINT)
		ORDER BY e.id DESC
		LIMIT $3
	`, studyID, before, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list chat entries: %w", err))
	}
	defer rows.Close()

	entries := make([]chat.Entry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate chat entries: %w", err))
	}
	return entries, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, studyID, entryID int64) (chat.Entry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, selectEntry+`WHERE e.study_id = $1 AND e.id = $2`, studyID, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Entry{}, chat.NotFound("message not found")
	}
	if err != nil {
		return chat.Entry{}, classify(fmt.Errorf("get chat entry: %w", err))
	}
	return entry, nil
}

// DeleteEntry removes the entry; its reactions go with it by cascade.
func (s *PostgresStore) DeleteEntry(ctx context.Context, studyID, entryID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_entries WHERE study_id = $1 AND id = $2`, studyID, entryID)
	if err != nil {
		return false, classify(fmt.Errorf("delete chat entry: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete chat entry rows: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) LatestEntryID(ctx context.Context, studyID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM chat_entries WHERE study_id = $1`, studyID).Scan(&id)
	if err != nil {
		return 0, classify(fmt.Errorf("latest chat entry: %w", err))
	}
	return id, nil
}

func (s *PostgresStore) CountEntriesAfter(ctx context.Context, studyID, after int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_entries WHERE study_id = $1 AND id > $2`, studyID, after).Scan(&count)
	if err != nil {
		return 0, classify(fmt.Errorf("count chat entries: %w", err))
	}
	return count, nil
}

// UpsertReaction writes the pair and reads the aggregate in one transaction.
// The primary key on (message_id, member_id) keeps one row per pair.
func (s *PostgresStore) UpsertReaction(ctx context.Context, messageID, memberID int64, value chat.Reaction) (chat.ReactionCounts, error) {
	var counts chat.ReactionCounts
	err := RunInTx(ctx, s.db, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat_reactions (message_id, member_id, reaction)
			VALUES ($1, $2, $3)
			ON CONFLICT (message_id, member_id)
			DO UPDATE SET reaction = EXCLUDED.reaction, updated_at = NOW()
		`, messageID, memberID, string(value))
		if isPgCode(err, codeForeignKeyViolation) {
			return chat.NotFound("message not found")
		}
		if err != nil {
			return classify(fmt.Errorf("upsert reaction: %w", err))
		}
		err = tx.QueryRowContext(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE reaction = 'LIKE'),
				COUNT(*) FILTER (WHERE reaction = 'DISLIKE')
			FROM chat_reactions
			WHERE message_id = $1
		`, messageID).Scan(&counts.Likes, &counts.Dislikes)
		if err != nil {
			return classify(fmt.Errorf("count reactions: %w", err))
		}
		return nil
	})
	if err != nil {
		return chat.ReactionCounts{}, err
	}
	return counts, nil
}

func (s *PostgresStore) ReactionCounts(ctx context.Context, messageIDs []int64) (map[int64]chat.ReactionCounts, error) {
	out := make(map[int64]chat.ReactionCounts, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			message_id,
			COUNT(*) FILTER (WHERE reaction = 'LIKE'),
			COUNT(*) FILTER (WHERE reaction = 'DISLIKE')
		FROM chat_reactions
		WHERE message_id = ANY($1::BIGINT[])
		GROUP BY message_id
	`, messageIDs)
	if err != nil {
		return nil, classify(fmt.Errorf("list reaction counts: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var counts chat.ReactionCounts
		if err := rows.Scan(&id, &counts.Likes, &counts.Dislikes); err != nil {
			return nil, fmt.Errorf("scan reaction counts: %w", err)
		}
		out[id] = counts
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate reaction counts: %w", err))
	}
	return out, nil
}

// AdvanceReadPointer is a single conditional upsert: the update branch only
// fires when the stored pointer is lower, so concurrent advances never move
// it backwards.
func (s *PostgresStore) AdvanceReadPointer(ctx context.Context, studyID, memberID, messageID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO read_pointers (member_id, study_id, last_read_id)
		SELECT m.id, m.study_id, $3
		FROM study_members m
		WHERE m.id = $1 AND m.study_id = $2
		ON CONFLICT (member_id)
		DO UPDATE SET last_read_id = EXCLUDED.last_read_id, updated_at = NOW()
		WHERE read_pointers.last_read_id < EXCLUDED.last_read_id
	`, memberID, studyID, messageID)
	if err != nil {
		return false, classify(fmt.Errorf("advance read pointer: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance read pointer rows: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) ReadPointer(ctx context.Context, memberID int64) (int64, error) {
	var pointer int64
	err := s.db.QueryRowContext(ctx, `SELECT last_read_id FROM read_pointers WHERE member_id = $1`, memberID).Scan(&pointer)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(fmt.Errorf("read pointer: %w", err))
	}
	return pointer, nil
}

func (s *PostgresStore) CountReaders(ctx context.Context, studyID int64, messageIDs []int64, exclude []int64) (map[int64]int, error) {
	out := make(map[int64]int, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	// A nil slice encodes as NULL, and NOT (x = ANY(NULL)) filters every row.
	skip := append([]int64{}, exclude...)
	rows, err := s.db.QueryContext(ctx, `
		SELECT ids.id, COUNT(p.member_id)
		FROM UNNEST($2::BIGINT[]) AS ids(id)
		LEFT JOIN read_pointers p
			ON p.study_id = $1
			AND p.last_read_id >= ids.id
			AND NOT (p.member_id = ANY($3::BIGINT[]))
		GROUP BY ids.id
	`, studyID, messageIDs, skip)
	if err != nil {
		return nil, classify(fmt.Errorf("count readers: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("scan readers: %w", err)
		}
		out[id] = count
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate readers: %w", err))
	}
	return out, nil
}

func (s *PostgresStore) StudyExists(ctx context.Context, studyID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM studies WHERE id = $1)`, studyID).Scan(&exists)
	if err != nil {
		return false, classify(fmt.Errorf("check study: %w", err))
	}
	return exists, nil
}

func (s *PostgresStore) IsMember(ctx context.Context, studyID int64, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM study_members WHERE study_id = $1 AND user_id = $2)
	`, studyID, userID).Scan(&exists)
	if err != nil {
		return false, classify(fmt.Errorf("check membership: %w", err))
	}
	return exists, nil
}

func (s *PostgresStore) Membership(ctx context.Context, studyID int64, userID string) (chat.Member, error) {
	var member chat.Member
	err := s.db.QueryRowContext(ctx, `
		SELECT id, study_id, user_id, display_name, role
		FROM study_members
		WHERE study_id = $1 AND user_id = $2
	`, studyID, userID).Scan(&member.ID, &member.StudyID, &member.UserID, &member.Name, &member.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Member{}, chat.NotFound("membership not found")
	}
	if err != nil {
		return chat.Member{}, classify(fmt.Errorf("get membership: %w", err))
	}
	return member, nil
}

func (s *PostgresStore) TotalMemberCount(ctx context.Context, studyID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM study_members WHERE study_id = $1`, studyID).Scan(&count)
	if err != nil {
		return 0, classify(fmt.Errorf("count members: %w", err))
	}
	return count, nil
}

func (s *PostgresStore) CurrentMembers(ctx context.Context, studyID int64, memberIDs []int64) ([]int64, error) {
	if len(memberIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM study_members
		WHERE study_id = $1 AND id = ANY($2::BIGINT[])
		ORDER BY id
	`, studyID, memberIDs)
	if err != nil {
		return nil, classify(fmt.Errorf("filter members: %w", err))
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate members: %w", err))
	}
	return out, nil
}

// InEventTx runs fn in a database transaction for the event feed.
func (s *PostgresStore) InEventTx(ctx context.Context, fn func(notify.EventTx) error) error {
	return RunInTx(ctx, s.db, func(tx *Tx) error {
		return fn(tx)
	})
}

// CreateStudy and AddMember mirror writes the surrounding platform owns.
// They exist for local seeding and tests.
func (s *PostgresStore) CreateStudy(ctx context.Context, title string) (Study, error) {
	var study Study
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO studies (title) VALUES ($1)
		RETURNING id, title, created_at
	`, title).Scan(&study.ID, &study.Title, &study.CreatedAt)
	if err != nil {
		return Study{}, classify(fmt.Errorf("insert study: %w", err))
	}
	return study, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, member chat.Member) (chat.Member, error) {
	if member.Role == "" {
		member.Role = "MEMBER"
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO study_members (study_id, user_id, display_name, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (study_id, user_id) DO UPDATE SET display_name = EXCLUDED.display_name, role = EXCLUDED.role
		RETURNING id
	`, member.StudyID, member.UserID, member.Name, member.Role).Scan(&member.ID)
	if err != nil {
		return chat.Member{}, classify(fmt.Errorf("upsert member: %w", err))
	}
	return member, nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, memberID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM study_members WHERE id = $1`, memberID); err != nil {
		return classify(fmt.Errorf("delete member: %w", err))
	}
	return nil
}
