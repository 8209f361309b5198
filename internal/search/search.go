package search

import (
	"context"
	"time"

	"studychat/api/internal/chat"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Result is a single search hit returned to the caller.
type Result struct {
	MessageID  int64     `json:"messageId"`
	StudyID    int64     `json:"studyId"`
	Kind       string    `json:"kind"`
	SenderName string    `json:"senderName,omitempty"`
	Snippet    string    `json:"snippet"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Query describes a search request. StudyID is mandatory; results never
// cross studies.
type Query struct {
	StudyID int64
	Text    string
	Limit   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a Searcher that also accepts writes.
type Index interface {
	Searcher
	IndexEntries(records []EntryRecord) error
	DeleteEntry(id int64) error
}

// EntryRecord is the data we index for a chat entry.
type EntryRecord struct {
	ID         int64  `json:"id"`
	StudyID    int64  `json:"studyId"`
	Kind       string `json:"kind"`
	SenderName string `json:"senderName"`
	Body       string `json:"body"`
	CreatedAt  int64  `json:"createdAt"`
}

func RecordFromEntry(entry chat.Entry) EntryRecord {
	record := EntryRecord{
		ID:        entry.ID,
		StudyID:   entry.StudyID,
		Kind:      string(entry.Content.Kind()),
		Body:      entry.Content.Text(),
		CreatedAt: entry.CreatedAt.UnixMilli(),
	}
	if msg, ok := entry.Content.(chat.UserMessage); ok && msg.Sender != nil {
		record.SenderName = msg.Sender.Name
	}
	return record
}

func (r EntryRecord) result(snippet string) Result {
	if snippet == "" {
		snippet = r.Body
	}
	return Result{
		MessageID:  r.ID,
		StudyID:    r.StudyID,
		Kind:       r.Kind,
		SenderName: r.SenderName,
		Snippet:    snippet,
		CreatedAt:  time.UnixMilli(r.CreatedAt).UTC(),
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
