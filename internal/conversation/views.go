// ABOUTME: Client-facing views of users, conversations and messages
// ABOUTME: Renders sent-by-self flags, display titles, friendly timestamps and markdown content

package conversation

import (
	"bytes"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/parley/internal/store"
)

// UserView is a directory entry as shown in the roster.
type UserView struct {
	UserID    string `json:"userId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	FullName  string `json:"fullName"`
	Email     string `json:"email"`
	Status    string `json:"status"`
	Avatar    string `json:"avatar"`
	Online    bool   `json:"online"`
	UserGroup string `json:"userGroup"`
}

// MessageView is a message as seen by one requester.
type MessageView struct {
	ID          int64     `json:"id"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName"`
	Content     string    `json:"content"`
	ContentHTML string    `json:"contentHtml"`
	Sender      bool      `json:"sender"` // true when sent by the requester
	SentAt      string    `json:"sentAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ConversationView is a conversation as seen by one requester.
type ConversationView struct {
	ID             int64         `json:"id"`
	Title          string        `json:"title"`
	Group          bool          `json:"group"`
	ReceiverID     string        `json:"receiverId,omitempty"`
	ReceiverName   string        `json:"receiverName,omitempty"`
	MemberIDs      []string      `json:"memberIds"`
	CreatedAt      string        `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	Messages       []MessageView `json:"messages"`
}

// MessageEvent is the realtime payload delivered for a new message.
type MessageEvent struct {
	ConversationID int64     `json:"conversationId"`
	MessageID      int64     `json:"messageId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        string    `json:"content"`
	Group          bool      `json:"group"`
	Title          string    `json:"title,omitempty"`
	MemberIDs      []string  `json:"memberIds"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Notification is the badge/pop-up payload on a user's notification topic.
type Notification struct {
	ConversationID int64  `json:"conversationId"`
	SenderID       string `json:"senderId,omitempty"`
	SenderName     string `json:"senderName,omitempty"`
	Preview        string `json:"preview,omitempty"`
	Kind           string `json:"kind"`
}

// Notification kinds.
const (
	NotifyNewMessage          = "new_message"
	NotifyConversationDeleted = "conversation_deleted"
)

const previewLength = 80

// FormatSentAt renders t relative to now in loc: "Today, 3:04 PM",
// "Yesterday, 3:04 PM" or "Jan 2, 3:04 PM".
func FormatSentAt(t, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	now = now.In(loc)

	ty, tm, td := t.Date()
	ny, nm, nd := now.Date()
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, loc)
	day := time.Date(ty, tm, td, 0, 0, 0, 0, loc)

	switch {
	case day.Equal(today):
		return "Today, " + t.Format("3:04 PM")
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday, " + t.Format("3:04 PM")
	default:
		return t.Format("Jan 2, 3:04 PM")
	}
}

// renderMarkdown converts message content to HTML. Raw HTML in the source is
// dropped by goldmark's default renderer. On failure the caller falls back to
// plain content.
func renderMarkdown(md goldmark.Markdown, content string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength-1]) + "…"
}

func newUserView(u *store.User, online bool) UserView {
	return UserView{
		UserID:    u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		FullName:  u.Name(),
		Email:     u.Email,
		Status:    u.StatusLabel(),
		Avatar:    u.Avatar(),
		Online:    online,
		UserGroup: u.Group,
	}
}
