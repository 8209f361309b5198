package chat

import (
	"fmt"
	"time"
)

const (
	PayloadMessage  = "MESSAGE"
	PayloadReaction = "IMOJI"
	PayloadDeleted  = "DELETED"
)

// MessageView is the wire projection of an entry, used both for broadcasts
// and for history pages. UnreadCount is null when it could not be computed.
type MessageView struct {
	Type         string    `json:"type"`
	ID           int64     `json:"id"`
	StudyID      int64     `json:"studyId"`
	SenderID     *int64    `json:"senderId"`
	SenderName   *string   `json:"senderName"`
	Content      string    `json:"content"`
	Kind         Kind      `json:"kind"`
	Link         *string   `json:"link,omitempty"`
	UnreadCount  *int      `json:"unreadCount"`
	LikeCount    int       `json:"likeCount"`
	DislikeCount int       `json:"dislikeCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

type ReactionView struct {
	Type         string `json:"type"`
	MessageID    int64  `json:"messageId"`
	LikeCount    int    `json:"likeCount"`
	DislikeCount int    `json:"dislikeCount"`
}

type DeletedView struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
}

// NewMessageView projects an entry. Every Content variant is handled here.
func NewMessageView(entry Entry, unread int, counts ReactionCounts) MessageView {
	view := MessageView{
		Type:         PayloadMessage,
		ID:           entry.ID,
		StudyID:      entry.StudyID,
		UnreadCount:  &unread,
		LikeCount:    counts.Likes,
		DislikeCount: counts.Dislikes,
		CreatedAt:    entry.CreatedAt.UTC(),
	}
	switch content := entry.Content.(type) {
	case UserMessage:
		view.Kind = KindUser
		view.Content = content.Body
		if content.Sender != nil {
			id := content.Sender.MemberID
			name := content.Sender.Name
			view.SenderID = &id
			view.SenderName = &name
		}
	case SystemNotice:
		view.Kind = content.Notice
		view.Content = content.Body
		if content.Link != "" {
			link := content.Link
			view.Link = &link
		}
	default:
		panic(fmt.Sprintf("chat: unhandled entry content %T", entry.Content))
	}
	return view
}

func NewReactionView(messageID int64, counts ReactionCounts) ReactionView {
	return ReactionView{
		Type:         PayloadReaction,
		MessageID:    messageID,
		LikeCount:    counts.Likes,
		DislikeCount: counts.Dislikes,
	}
}

func NewDeletedView(messageID int64) DeletedView {
	return DeletedView{Type: PayloadDeleted, MessageID: messageID}
}
