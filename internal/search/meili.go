package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxEntries = "studychat_entries"

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     *slog.Logger
}

// NewMeili creates a Meilisearch client and configures the entries index.
// An unreachable server is not an error; the health loop picks it up later.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		log:    logger.With("component", "search", "backend", "meilisearch"),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxEntries,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("create index (may already exist)", "index", idxEntries, "error", err)
	}

	index := m.client.Index(idxEntries)
	filterable := []interface{}{"studyId", "kind"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", "index", idxEntries, "error", err)
	}
	searchable := []string{"body", "senderName"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", "index", idxEntries, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxEntries,
			Query:                 q.Text,
			Limit:                 int64(clampLimit(q.Limit)),
			Filter:                []string{"studyId = " + strconv.FormatInt(q.StudyID, 10)},
			AttributesToHighlight: []string{"body"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			record, ok := decodeRecord(hit)
			if !ok || record.StudyID != q.StudyID {
				continue
			}
			results = append(results, record.result(decodeFormatted(hit, "body")))
		}
	}
	return results, total, nil
}

func decodeRecord(hit meili.Hit) (EntryRecord, bool) {
	var record EntryRecord
	raw, err := json.Marshal(hit)
	if err != nil {
		return record, false
	}
	if err := json.Unmarshal(raw, &record); err != nil || record.ID == 0 {
		return record, false
	}
	return record, true
}

func decodeFormatted(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func (m *Meili) IndexEntries(records []EntryRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxEntries).AddDocuments(records, nil)
	return err
}

func (m *Meili) DeleteEntry(id int64) error {
	_, err := m.client.Index(idxEntries).DeleteDocument(strconv.FormatInt(id, 10), nil)
	return err
}
