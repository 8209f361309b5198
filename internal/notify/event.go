// Package notify turns committed domain events from other subsystems into
// system chat notices.
package notify

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"studychat/api/internal/chat"
)

type EventKind string

const (
	EventMaterialCreated EventKind = "MATERIAL_CREATED"
	EventScheduleCreated EventKind = "SCHEDULE_CREATED"
)

// Event is the closed set of notifications the bridge understands.
type Event struct {
	Kind        EventKind `json:"kind"`
	StudyID     int64     `json:"studyId"`
	Title       string    `json:"title"`
	ReferenceID int64     `json:"referenceId"`
}

func (e Event) Validate() error {
	switch e.Kind {
	case EventMaterialCreated, EventScheduleCreated:
	default:
		return fmt.Errorf("%w: unknown event kind %q", chat.ErrValidation, e.Kind)
	}
	if e.StudyID <= 0 {
		return fmt.Errorf("%w: studyId is required", chat.ErrValidation)
	}
	if e.ReferenceID <= 0 {
		return fmt.Errorf("%w: referenceId is required", chat.ErrValidation)
	}
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("%w: title is required", chat.ErrValidation)
	}
	return nil
}

// Notice is the chat entry an event turns into.
type Notice struct {
	Kind chat.Kind
	Body string
	Link string
}

// BuildNotice synthesizes the notice text and deep link. The title is
// shortened so the body fits maxLength runes.
func BuildNotice(e Event, maxLength int) (Notice, error) {
	var kind chat.Kind
	var format, path string
	switch e.Kind {
	case EventMaterialCreated:
		kind = chat.KindNoticeNewDocument
		format = "New material '%s' was uploaded."
		path = "materials"
	case EventScheduleCreated:
		kind = chat.KindNoticeNewSchedule
		format = "New schedule '%s' was created."
		path = "schedules"
	default:
		return Notice{}, fmt.Errorf("%w: unknown event kind %q", chat.ErrValidation, e.Kind)
	}

	title := strings.TrimSpace(e.Title)
	if maxLength > 0 {
		room := maxLength - (utf8.RuneCountInString(format) - 2)
		title = truncate(title, room)
	}
	return Notice{
		Kind: kind,
		Body: fmt.Sprintf(format, title),
		Link: fmt.Sprintf("/studies/%d/%s/%d", e.StudyID, path, e.ReferenceID),
	}, nil
}

func truncate(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	if limit == 1 {
		return string(runes[:1])
	}
	return string(runes[:limit-1]) + "…"
}
