package chat

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind is the persisted tag of a chat entry.
type Kind string

const (
	KindUser              Kind = "USER"
	KindNoticeNewDocument Kind = "NOTICE_FOR_NEW_DOCUMENT"
	KindNoticeNewSchedule Kind = "NOTICE_FOR_NEW_SCHEDULE"
)

// ParseKind maps a stored tag back to a Kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindUser, KindNoticeNewDocument, KindNoticeNewSchedule:
		return Kind(raw), nil
	default:
		return "", fmt.Errorf("unknown entry kind %q", raw)
	}
}

// IsNotice reports whether the kind is system generated.
func (k Kind) IsNotice() bool {
	return k == KindNoticeNewDocument || k == KindNoticeNewSchedule
}

// Sender is the study membership that authored a user message.
type Sender struct {
	MemberID int64
	Name     string
}

// Content is the body of an entry. It is implemented only by UserMessage and
// SystemNotice.
type Content interface {
	Kind() Kind
	Text() string
	sealed()
}

// UserMessage is authored by a member. Sender is nil once the membership has
// been removed; the message itself survives.
type UserMessage struct {
	Sender *Sender
	Body   string
}

func (UserMessage) Kind() Kind     { return KindUser }
func (m UserMessage) Text() string { return m.Body }
func (UserMessage) sealed()        {}

// SystemNotice is synthesized from a domain event. It never has a sender.
type SystemNotice struct {
	Notice Kind
	Body   string
	Link   string
}

func (n SystemNotice) Kind() Kind   { return n.Notice }
func (n SystemNotice) Text() string { return n.Body }
func (SystemNotice) sealed()        {}

// Entry is one row of a study's chat log. ID, StudyID, Content's kind and
// sender, and CreatedAt never change after the append.
type Entry struct {
	ID        int64
	StudyID   int64
	Content   Content
	CreatedAt time.Time
}

// SenderMemberID returns the authoring membership id, or 0 for notices and
// messages whose sender left the study.
func (e Entry) SenderMemberID() int64 {
	if msg, ok := e.Content.(UserMessage); ok && msg.Sender != nil {
		return msg.Sender.MemberID
	}
	return 0
}

// Link returns the deep link a notice carries.
func (e Entry) Link() string {
	if notice, ok := e.Content.(SystemNotice); ok {
		return notice.Link
	}
	return ""
}

// NewEntry assembles the content for an append from its stored columns and
// validates it against maxLength runes.
func NewEntry(studyID int64, sender *Sender, body string, kind Kind, link string, maxLength int) (Entry, error) {
	if studyID <= 0 {
		return Entry{}, validationError("studyId is required", nil)
	}
	switch kind {
	case KindUser:
		body = strings.TrimSpace(body)
		if body == "" {
			return Entry{}, validationError("content must not be blank", map[string]any{"field": "content"})
		}
	case KindNoticeNewDocument, KindNoticeNewSchedule:
		if sender != nil {
			return Entry{}, validationError("system notices have no sender", nil)
		}
	default:
		return Entry{}, validationError("unknown entry kind", map[string]any{"kind": string(kind)})
	}
	if maxLength > 0 && utf8.RuneCountInString(body) > maxLength {
		return Entry{}, validationError(
			fmt.Sprintf("content exceeds %d characters", maxLength),
			map[string]any{"field": "content", "max": maxLength},
		)
	}

	entry := Entry{StudyID: studyID}
	if kind == KindUser {
		entry.Content = UserMessage{Sender: sender, Body: body}
	} else {
		entry.Content = SystemNotice{Notice: kind, Body: body, Link: link}
	}
	return entry, nil
}

// Reaction is a member's vote on one message.
type Reaction string

const (
	ReactionLike    Reaction = "LIKE"
	ReactionDislike Reaction = "DISLIKE"
)

// ParseReaction rejects anything but LIKE and DISLIKE.
func ParseReaction(raw string) (Reaction, error) {
	switch Reaction(strings.ToUpper(strings.TrimSpace(raw))) {
	case ReactionLike:
		return ReactionLike, nil
	case ReactionDislike:
		return ReactionDislike, nil
	default:
		return "", validationError("reaction must be LIKE or DISLIKE", map[string]any{"reaction": raw})
	}
}

// ReactionCounts is the authoritative aggregate for one message.
type ReactionCounts struct {
	Likes    int
	Dislikes int
}

// Member is a user's membership in a study as seen by this subsystem.
type Member struct {
	ID      int64
	StudyID int64
	UserID  string
	Name    string
	Role    string
}

// Identity is the authenticated user bound to a connection.
type Identity struct {
	UserID string
	Name   string
}
