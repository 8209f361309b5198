package search

import (
	"context"
	"log/slog"

	"studychat/api/internal/chat"
)

const reindexBatch = 500

// RecordSource feeds a full reindex.
type RecordSource interface {
	LoadRecords(ctx context.Context, afterID int64, limit int) ([]EntryRecord, error)
}

// Service is the facade that tries the primary index first and falls back
// to the database searcher. Either may be nil.
type Service struct {
	primary  Index
	fallback Searcher
	log      *slog.Logger
	async    func(func())
}

func NewService(primary Index, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		primary:  primary,
		fallback: fallback,
		log:      logger.With("component", "search"),
		async:    func(fn func()) { go fn() },
	}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("primary search failed, falling back", "study_id", q.StudyID, "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("fallback search failed", "study_id", q.StudyID, "error", err)
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexEntry is fire-and-forget.
func (s *Service) IndexEntry(entry chat.Entry) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	record := RecordFromEntry(entry)
	s.async(func() {
		if err := s.primary.IndexEntries([]EntryRecord{record}); err != nil {
			s.log.Warn("index entry", "message_id", record.ID, "error", err)
		}
	})
}

func (s *Service) DeleteEntry(entryID int64) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	s.async(func() {
		if err := s.primary.DeleteEntry(entryID); err != nil {
			s.log.Warn("delete indexed entry", "message_id", entryID, "error", err)
		}
	})
}

// Reindex pushes every stored entry into the primary index in batches.
func (s *Service) Reindex(ctx context.Context, source RecordSource) (int, error) {
	if s.primary == nil || !s.primary.Healthy() || source == nil {
		return 0, nil
	}
	var after int64
	indexed := 0
	for {
		records, err := source.LoadRecords(ctx, after, reindexBatch)
		if err != nil {
			return indexed, err
		}
		if len(records) == 0 {
			return indexed, nil
		}
		if err := s.primary.IndexEntries(records); err != nil {
			return indexed, err
		}
		indexed += len(records)
		after = records[len(records)-1].ID
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
