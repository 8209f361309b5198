package chat

import (
	"context"
	"fmt"
)

// Page is one newest-first slice of a study's log. NextCursor is the id of
// the oldest entry returned and is nil when nothing was returned.
type Page struct {
	Entries    []Entry
	HasMore    bool
	NextCursor *int64
}

type HistoryPage struct {
	Entries    []MessageView `json:"entries"`
	HasNext    bool          `json:"hasNext"`
	NextCursor *int64        `json:"nextCursor"`
}

// Page returns up to size entries with id strictly below cursor. A cursor of
// zero starts from the newest entry.
func (s *Service) Page(ctx context.Context, studyID, cursor int64, size int) (Page, error) {
	if cursor < 0 {
		return Page{}, validationError("cursor must be a positive message id", map[string]any{"field": "cursor"})
	}
	size = s.pageSize(size)

	// One extra row answers hasMore without a second query.
	rows, err := s.store.ListEntriesBefore(ctx, studyID, cursor, size+1)
	if err != nil {
		return Page{}, fmt.Errorf("list entries: %w", err)
	}
	page := Page{Entries: rows}
	if len(rows) > size {
		page.HasMore = true
		page.Entries = rows[:size]
	}
	if page.Entries == nil {
		page.Entries = []Entry{}
	}
	if n := len(page.Entries); n > 0 {
		oldest := page.Entries[n-1].ID
		page.NextCursor = &oldest
	}
	return page, nil
}

func (s *Service) pageSize(size int) int {
	if size <= 0 {
		return s.cfg.PageSize
	}
	if size > s.cfg.MaxPageSize {
		return s.cfg.MaxPageSize
	}
	return size
}
