package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"studychat/api/internal/chat"
	"studychat/api/internal/metrics"
)

const (
	DefaultQueueSize = 256
	processTimeout   = 10 * time.Second
)

var ErrQueueFull = errors.New("notification queue full")

// NoticeAppender persists a notice and publishes it to the study channel.
type NoticeAppender interface {
	AppendNotice(ctx context.Context, studyID int64, kind chat.Kind, body, link string) (chat.Entry, error)
}

type StudyChecker interface {
	StudyExists(ctx context.Context, studyID int64) (bool, error)
}

type Config struct {
	QueueSize     int
	MaxBodyLength int
}

// Bridge defers each raised event to its transaction's after-commit hook and
// then hands it to a single worker. The worker's append is its own unit of
// work, separate from the transaction that raised the event.
type Bridge struct {
	notices   NoticeAppender
	studies   StudyChecker
	maxLength int
	metrics   *metrics.Metrics
	log       *slog.Logger

	mu     sync.RWMutex
	queue  chan Event
	closed bool
	wg     sync.WaitGroup
}

func NewBridge(cfg Config, notices NoticeAppender, studies StudyChecker, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = chat.DefaultMaxBodyLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		notices:   notices,
		studies:   studies,
		maxLength: cfg.MaxBodyLength,
		metrics:   m,
		log:       logger.With("component", "notify"),
		queue:     make(chan Event, cfg.QueueSize),
	}
}

// Raise registers event on tx. Nothing observable happens unless tx commits.
func (b *Bridge) Raise(tx AfterCommitter, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	tx.AfterCommit(func() {
		if err := b.enqueue(event); err != nil {
			b.metrics.Notification("dropped")
			b.log.Error("notification dropped", "kind", event.Kind, "study_id", event.StudyID, "error", err)
		}
	})
	return nil
}

func (b *Bridge) enqueue(event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("bridge stopped")
	}
	select {
	case b.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the worker. It exits when ctx is done or Stop drains the queue.
func (b *Bridge) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-b.queue:
				if !ok {
					return
				}
				b.handle(ctx, event)
			}
		}
	}()
}

// Stop refuses new events, lets the worker finish what is queued and waits.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bridge) handle(ctx context.Context, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.Notification("panic")
			b.log.Error("notification handler panic", "kind", event.Kind, "study_id", event.StudyID, "panic", fmt.Sprint(r))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()
	_ = b.Process(ctx, event)
}

// Process turns one committed event into a notice. Failures are logged and
// the event is dropped; there is no retry.
func (b *Bridge) Process(ctx context.Context, event Event) error {
	logger := b.log.With("kind", event.Kind, "study_id", event.StudyID, "reference_id", event.ReferenceID)

	exists, err := b.studies.StudyExists(ctx, event.StudyID)
	if err != nil {
		b.metrics.Notification("error")
		logger.Error("check study", "error", err)
		return fmt.Errorf("check study: %w", err)
	}
	if !exists {
		b.metrics.Notification("study_missing")
		logger.Warn("notification dropped: study no longer exists")
		return chat.NotFound("study not found")
	}

	notice, err := BuildNotice(event, b.maxLength)
	if err != nil {
		b.metrics.Notification("invalid")
		logger.Error("build notice", "error", err)
		return err
	}
	entry, err := b.notices.AppendNotice(ctx, event.StudyID, notice.Kind, notice.Body, notice.Link)
	if err != nil {
		if chat.IsNotFound(err) {
			b.metrics.Notification("study_missing")
			logger.Warn("notification dropped: study no longer exists", "error", err)
		} else {
			b.metrics.Notification("error")
			logger.Error("append notice", "error", err)
		}
		return err
	}
	b.metrics.Notification("ok")
	logger.Info("notice published", "message_id", entry.ID)
	return nil
}
