package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// The 'simple' configuration matches the expression index on chat_entries.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	const where = `
		FROM chat_entries e
		LEFT JOIN study_members m ON m.id = e.sender_member_id
		WHERE e.study_id = $1
			AND to_tsvector('simple', e.body) @@ plainto_tsquery('simple', $2)`

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) `+where, q.StudyID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.study_id, e.kind, COALESCE(m.display_name, ''),
			ts_headline('simple', e.body, plainto_tsquery('simple', $2), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			e.created_at
		`+where+`
		ORDER BY ts_rank(to_tsvector('simple', e.body), plainto_tsquery('simple', $2)) DESC, e.id DESC
		LIMIT $3`, q.StudyID, q.Text, clampLimit(q.Limit))
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.MessageID, &r.StudyID, &r.Kind, &r.SenderName, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadRecords returns up to limit entries with id > afterID, ascending, for
// batched reindexing.
func (p *PgFTS) LoadRecords(ctx context.Context, afterID int64, limit int) ([]EntryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.study_id, e.kind, COALESCE(m.display_name, ''), e.body, e.created_at
		FROM chat_entries e
		LEFT JOIN study_members m ON m.id = e.sender_member_id
		WHERE e.id > $1
		ORDER BY e.id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	records := make([]EntryRecord, 0, limit)
	for rows.Next() {
		var r EntryRecord
		var created time.Time
		if err := rows.Scan(&r.ID, &r.StudyID, &r.Kind, &r.SenderName, &r.Body, &created); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		r.CreatedAt = created.UnixMilli()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return records, nil
}
