// ABOUTME: Conversation Service composing directory, resolver, message log, presence and broker
// ABOUTME: Send validates synchronously, acknowledges receipt, then persists and fans out in the background

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/2389/parley/internal/broker"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/dispatch"
	"github.com/2389/parley/internal/store"
)

// TaskQueue schedules background work. *dispatch.Queue satisfies it.
type TaskQueue interface {
	Enqueue(ctx context.Context, task dispatch.Task) (string, error)
}

// Publisher fans events out to topics. *broker.Broker satisfies it.
type Publisher interface {
	Publish(topic string, event *broker.Event)
}

// PresenceView answers online queries. *presence.Tracker satisfies it.
type PresenceView interface {
	IsOnline(userID string) bool
	Snapshot() []string
}

// Config wires the service's collaborators.
type Config struct {
	Store     store.Store
	Directory UserDirectory
	Presence  PresenceView
	Publisher Publisher
	Queue     TaskQueue

	// Dedupe is optional; without it client message ids are ignored.
	Dedupe *dedupe.Window

	MaxContentLength int
	SystemSenderID   string
	Location         *time.Location // display zone for sentAt, default time.Local
}

// Service is the externally visible messaging API.
type Service struct {
	store     store.Store
	directory UserDirectory
	presence  PresenceView
	publisher Publisher
	queue     TaskQueue
	dedupe    *dedupe.Window

	resolver *Resolver
	messages *MessageLog
	markdown goldmark.Markdown

	systemSenderID string
	location       *time.Location
	now            func() time.Time
	logger         *slog.Logger
}

// NewService creates the service. Pass nil logger for default.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case cfg.Store == nil:
		return nil, errors.New("conversation: store is required")
	case cfg.Directory == nil:
		return nil, errors.New("conversation: directory is required")
	case cfg.Presence == nil:
		return nil, errors.New("conversation: presence is required")
	case cfg.Publisher == nil:
		return nil, errors.New("conversation: publisher is required")
	case cfg.Queue == nil:
		return nil, errors.New("conversation: queue is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	return &Service{
		store:          cfg.Store,
		directory:      cfg.Directory,
		presence:       cfg.Presence,
		publisher:      cfg.Publisher,
		queue:          cfg.Queue,
		dedupe:         cfg.Dedupe,
		resolver:       NewResolver(cfg.Store, cfg.Directory, logger),
		messages:       NewMessageLog(cfg.Store, cfg.MaxContentLength, logger),
		markdown:       goldmark.New(),
		systemSenderID: cfg.SystemSenderID,
		location:       cfg.Location,
		now:            time.Now,
		logger:         logger.With("component", "conversation"),
	}, nil
}

// Resolver exposes the underlying resolver.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// ListUsers returns the full directory sorted by first name, with online flags.
func (s *Service) ListUsers(ctx context.Context) ([]UserView, error) {
	users, err := s.directory.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]UserView, 0, len(users))
	for _, u := range users {
		views = append(views, newUserView(u, s.presence.IsOnline(u.ID)))
	}
	return views, nil
}

// OnlineUsers returns the ids of currently connected users.
func (s *Service) OnlineUsers() []string {
	return s.presence.Snapshot()
}

// CreateConversation resolves the conversation for memberIDs and returns its id.
func (s *Service) CreateConversation(ctx context.Context, memberIDs []string, title string) (int64, error) {
	conv, err := s.resolver.Resolve(ctx, ResolveRequest{MemberIDs: memberIDs, Title: title})
	if err != nil {
		return 0, err
	}
	return conv.ID, nil
}

// ListConversations returns every conversation userID belongs to, most recent
// activity first, each with its ordered messages.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]ConversationView, error) {
	if _, err := s.directory.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	convs, err := s.store.ListConversationsByMember(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	names := newNameCache(s.directory)
	views := make([]ConversationView, 0, len(convs))
	for _, conv := range convs {
		msgs, err := s.messages.List(ctx, conv.ID)
		if err != nil {
			if store.IsNotFound(err) {
				// deleted between the two reads
				continue
			}
			return nil, err
		}
		views = append(views, s.conversationView(ctx, conv, msgs, userID, names))
	}
	return views, nil
}

// ListMessages returns a conversation's history as seen by requesterID, who
// must be a member.
func (s *Service) ListMessages(ctx context.Context, conversationID int64, requesterID string) ([]MessageView, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(requesterID) {
		return nil, ErrForbidden
	}

	msgs, err := s.messages.List(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return s.messageViews(ctx, msgs, requesterID, newNameCache(s.directory)), nil
}

// DeleteConversation clears membership and removes the conversation with its
// messages. A non-empty requesterID must be a member. Former members are
// notified on their notification topics.
func (s *Service) DeleteConversation(ctx context.Context, conversationID int64, requesterID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if requesterID != "" && !conv.HasMember(requesterID) {
		return ErrForbidden
	}

	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}

	for _, member := range conv.Members {
		s.publisher.Publish(broker.NotificationTopic(member), broker.NewEvent(broker.EventConversationDeleted, Notification{
			ConversationID: conversationID,
			Kind:           NotifyConversationDeleted,
		}))
	}

	s.logger.Info("conversation deleted", "conversation_id", conversationID, "requester", requesterID)
	return nil
}

// SendRequest is one message from a sender to one or more receivers. When
// ConversationID is set the message goes to that conversation and
// ReceiverIDs is ignored.
type SendRequest struct {
	SenderID        string
	ReceiverIDs     []string
	ConversationID  int64
	Content         string
	ClientMessageID string
}

// Receipt acknowledges that a send was accepted for background delivery. It
// does not confirm persistence.
type Receipt struct {
	RequestID  string    `json:"requestId"`
	Accepted   bool      `json:"accepted"`
	Duplicate  bool      `json:"duplicate,omitempty"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

type sendJob struct {
	requestID      string
	senderID       string
	members        []string
	conversationID int64
	content        string
	acceptedAt     time.Time
}

// Send validates the request, checks every participant against the directory
// and schedules resolve, append and fan-out in the background. Validation and
// unknown users are rejected synchronously; failures after acceptance are
// logged and never reach the caller.
func (s *Service) Send(ctx context.Context, req SendRequest) (*Receipt, error) {
	senderID := strings.TrimSpace(req.SenderID)
	if senderID == "" {
		return nil, invalid("sender", "sender is required")
	}
	if err := s.messages.Validate(req.Content); err != nil {
		return nil, err
	}

	job := &sendJob{
		requestID: uuid.New().String(),
		senderID:  senderID,
		content:   req.Content,
	}

	if req.ConversationID != 0 {
		conv, err := s.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if !conv.HasMember(senderID) {
			return nil, ErrForbidden
		}
		job.conversationID = conv.ID
		job.members = conv.Members
	} else {
		receivers := store.NormalizeMembers(req.ReceiverIDs)
		filtered := receivers[:0]
		for _, id := range receivers {
			if id != senderID {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) == 0 {
			return nil, invalid("receivers", "at least one receiver other than the sender is required")
		}
		job.members = store.NormalizeMembers(append(filtered, senderID))
		if _, err := s.directory.GetUsers(ctx, job.members); err != nil {
			return nil, err
		}
	}

	var dedupeKey string
	if s.dedupe != nil && req.ClientMessageID != "" {
		dedupeKey = dedupe.Key(senderID, req.ClientMessageID)
		if prior, dup := s.dedupe.Remember(dedupeKey, job.requestID); dup {
			s.logger.Debug("duplicate send suppressed", "sender_id", senderID, "request_id", prior)
			return &Receipt{RequestID: prior, Accepted: true, Duplicate: true, AcceptedAt: s.now().UTC()}, nil
		}
	}

	job.acceptedAt = s.now().UTC()
	taskID, err := s.queue.Enqueue(ctx, dispatch.Task{
		Type: "send_message",
		Run: func(ctx context.Context) error {
			return s.deliver(ctx, job)
		},
	})
	if err != nil {
		if dedupeKey != "" {
			s.dedupe.Forget(dedupeKey)
		}
		return nil, fmt.Errorf("scheduling send: %w", err)
	}

	s.logger.Debug("send accepted",
		"request_id", job.requestID,
		"task_id", taskID,
		"sender_id", senderID,
		"members", len(job.members))

	return &Receipt{RequestID: job.requestID, Accepted: true, AcceptedAt: job.acceptedAt}, nil
}

// SystemSend posts a message from the configured system sender, used by the
// workflow engine trigger.
func (s *Service) SystemSend(ctx context.Context, receiverIDs []string, content, clientMessageID string) (*Receipt, error) {
	if s.systemSenderID == "" {
		return nil, invalid("sender", "no system sender configured")
	}
	return s.Send(ctx, SendRequest{
		SenderID:        s.systemSenderID,
		ReceiverIDs:     receiverIDs,
		Content:         content,
		ClientMessageID: clientMessageID,
	})
}

// deliver runs on a dispatch worker: resolve, append, then publish. Nothing is
// published unless the append succeeded.
func (s *Service) deliver(ctx context.Context, job *sendJob) error {
	var (
		conv *store.Conversation
		err  error
	)
	if job.conversationID != 0 {
		conv, err = s.store.GetConversation(ctx, job.conversationID)
	} else {
		conv, err = s.resolver.Resolve(ctx, ResolveRequest{MemberIDs: job.members})
	}
	if err != nil {
		return fmt.Errorf("resolving conversation for request %s: %w", job.requestID, err)
	}

	msg, err := s.messages.Append(ctx, conv.ID, job.senderID, job.content, job.acceptedAt)
	if err != nil {
		return fmt.Errorf("persisting request %s: %w", job.requestID, err)
	}

	senderName := job.senderID
	if u, err := s.directory.GetUser(ctx, job.senderID); err == nil {
		senderName = u.Name()
	}

	s.fanOut(conv, msg, senderName)
	return nil
}

// fanOut publishes the message once per recipient on the personal and
// notification topics, and once on the conversation topic.
func (s *Service) fanOut(conv *store.Conversation, msg *store.Message, senderName string) {
	payload := MessageEvent{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		SenderName:     senderName,
		Content:        msg.Content,
		Group:          conv.IsGroup,
		Title:          conv.Title,
		MemberIDs:      conv.Members,
		CreatedAt:      msg.CreatedAt,
	}
	note := Notification{
		ConversationID: conv.ID,
		SenderID:       msg.SenderID,
		SenderName:     senderName,
		Preview:        preview(msg.Content),
		Kind:           NotifyNewMessage,
	}

	recipients := 0
	for _, member := range conv.Members {
		if member == msg.SenderID {
			continue
		}
		s.publisher.Publish(broker.PersonalTopic(member), broker.NewEvent(broker.EventMessage, payload))
		s.publisher.Publish(broker.NotificationTopic(member), broker.NewEvent(broker.EventNotification, note))
		recipients++
	}
	s.publisher.Publish(broker.ConversationTopic(conv.ID), broker.NewEvent(broker.EventMessage, payload))

	s.logger.Debug("message fanned out",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"recipients", recipients)
}

func (s *Service) conversationView(ctx context.Context, conv *store.Conversation, msgs []*store.Message, requesterID string, names *nameCache) ConversationView {
	view := ConversationView{
		ID:             conv.ID,
		Group:          conv.IsGroup,
		MemberIDs:      conv.Members,
		CreatedAt:      FormatSentAt(conv.CreatedAt, s.now(), s.location),
		LastActivityAt: conv.LastActivityAt,
		Messages:       s.messageViews(ctx, msgs, requesterID, names),
	}

	if conv.IsGroup {
		view.Title = conv.Title
		return view
	}

	for _, member := range conv.Members {
		if member != requesterID {
			view.ReceiverID = member
			view.ReceiverName = names.name(ctx, member)
			break
		}
	}
	switch {
	case view.ReceiverName != "":
		view.Title = view.ReceiverName
	case conv.Title != "":
		view.Title = conv.Title
	default:
		view.Title = "Former member"
	}
	return view
}

func (s *Service) messageViews(ctx context.Context, msgs []*store.Message, requesterID string, names *nameCache) []MessageView {
	now := s.now()
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		html, err := renderMarkdown(s.markdown, m.Content)
		if err != nil {
			s.logger.Warn("rendering message content failed", "message_id", m.ID, "error", err)
		}
		views = append(views, MessageView{
			ID:          m.ID,
			SenderID:    m.SenderID,
			SenderName:  names.name(ctx, m.SenderID),
			Content:     m.Content,
			ContentHTML: html,
			Sender:      m.SenderID == requesterID,
			SentAt:      FormatSentAt(m.CreatedAt, now, s.location),
			CreatedAt:   m.CreatedAt,
		})
	}
	return views
}

// nameCache memoizes display names for one request. Users removed from the
// directory render as their id.
type nameCache struct {
	directory UserDirectory
	names     map[string]string
}

func newNameCache(dir UserDirectory) *nameCache {
	return &nameCache{directory: dir, names: make(map[string]string)}
}

func (c *nameCache) name(ctx context.Context, userID string) string {
	if n, ok := c.names[userID]; ok {
		return n
	}
	n := userID
	if u, err := c.directory.GetUser(ctx, userID); err == nil {
		n = u.Name()
	}
	c.names[userID] = n
	return n
}
