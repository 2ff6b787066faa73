// Package chat manages live visitor/admin conversations on top of a realtime
// store: standing subscriptions to the conversation list and message streams,
// the active-conversation selection, session creation and message sending.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pauljones0/portfolio-backend/internal/identity"
	"github.com/pauljones0/portfolio-backend/internal/metrics"
	"github.com/pauljones0/portfolio-backend/internal/models"
	"github.com/pauljones0/portfolio-backend/internal/realtime"
	"github.com/pauljones0/portfolio-backend/internal/telemetry"
)

const chatsPath = "chats"

// ErrClosed is returned when a subscription is requested after Close.
var ErrClosed = errors.New("chat manager closed")

// Notifier announces chat activity to the admin.
type Notifier interface {
	NotifySession(ctx context.Context, conv models.Conversation) (string, error)
	NotifyMessage(ctx context.Context, conv models.Conversation, msg models.Message) error
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithTelemetry(s *telemetry.Sink) Option {
	return func(m *Manager) { m.telemetry = s }
}

// Manager is owned by one connection or request. Close releases every
// subscription it created.
type Manager struct {
	store     realtime.Store
	identity  identity.Provider
	notifier  Notifier
	telemetry *telemetry.Sink

	mu        sync.Mutex
	activeID  string
	known     map[string]models.Conversation
	followers map[*follower]struct{}
	subs      map[*handle]struct{}
	closed    bool

	pending sync.WaitGroup
}

func New(store realtime.Store, id identity.Provider, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		identity:  id,
		known:     make(map[string]models.Conversation),
		followers: make(map[*follower]struct{}),
		subs:      make(map[*handle]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SubscribeConversations delivers every conversation, most recent activity
// first. When no conversation is active the first one is selected.
func (m *Manager) SubscribeConversations(ctx context.Context, fn func([]models.Conversation)) (realtime.Subscription, error) {
	return m.track(func() (realtime.Subscription, error) {
		return m.store.SubscribeChildren(ctx, chatsPath, func(snaps []realtime.Snapshot) {
			convs := decodeConversations(snaps)
			sortConversations(convs)
			m.remember(convs...)
			fn(convs)
			if len(convs) > 0 {
				m.selectIfNone(convs[0].ID)
			}
		})
	})
}

// SubscribeMessages delivers the messages of one conversation in server
// timestamp order.
func (m *Manager) SubscribeMessages(ctx context.Context, conversationID string, fn func([]models.Message)) (realtime.Subscription, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("subscribe messages: empty conversation id")
	}
	return m.track(func() (realtime.Subscription, error) {
		return m.store.SubscribeChildren(ctx, messagesPath(conversationID), func(snaps []realtime.Snapshot) {
			msgs := decodeMessages(snaps)
			sortMessages(msgs)
			fn(msgs)
		})
	})
}

// SubscribeConversation delivers the metadata of a single conversation.
func (m *Manager) SubscribeConversation(ctx context.Context, conversationID string, fn func(models.Conversation, bool)) (realtime.Subscription, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("subscribe conversation: empty conversation id")
	}
	return m.track(func() (realtime.Subscription, error) {
		return m.store.SubscribeValue(ctx, conversationPath(conversationID), func(snap realtime.Snapshot, exists bool) {
			if !exists {
				fn(models.Conversation{ID: conversationID}, false)
				return
			}
			conv, ok := decodeConversation(snap)
			if !ok {
				return
			}
			m.remember(conv)
			fn(conv, true)
		})
	})
}

// FollowActive keeps a message subscription on whichever conversation is
// active, switching when the selection changes. fn receives an empty id when
// nothing is selected.
func (m *Manager) FollowActive(ctx context.Context, fn func(conversationID string, msgs []models.Message)) (realtime.Subscription, error) {
	f := &follower{m: m, ctx: ctx, fn: fn}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.followers[f] = struct{}{}
	active := m.activeID
	m.mu.Unlock()

	f.switchTo(active)

	return m.track(func() (realtime.Subscription, error) {
		return subscriptionFunc(func() {
			m.mu.Lock()
			delete(m.followers, f)
			m.mu.Unlock()
			f.stop()
		}), nil
	})
}

// Select makes conversationID the active conversation.
func (m *Manager) Select(conversationID string) {
	m.mu.Lock()
	if m.activeID == conversationID {
		m.mu.Unlock()
		return
	}
	m.activeID = conversationID
	followers := m.followersLocked()
	m.mu.Unlock()

	for _, f := range followers {
		f.switchTo(conversationID)
	}
}

func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

func (m *Manager) selectIfNone(conversationID string) {
	m.mu.Lock()
	if m.activeID != "" {
		m.mu.Unlock()
		return
	}
	m.activeID = conversationID
	followers := m.followersLocked()
	m.mu.Unlock()

	for _, f := range followers {
		f.switchTo(conversationID)
	}
}

// StartSession opens a new conversation for the current visitor and makes it
// active.
func (m *Manager) StartSession(ctx context.Context, name, email string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = models.DefaultVisitorName
	}
	email = strings.TrimSpace(email)
	visitorID := m.identity.Current()

	id := m.store.NewKey(chatsPath)
	err := m.store.Set(ctx, conversationPath(id), map[string]any{
		"visitorName":   name,
		"visitorEmail":  email,
		"visitorId":     visitorID,
		"status":        string(models.ConversationStatusOpen),
		"createdAt":     realtime.ServerTimestamp,
		"lastMessage":   "",
		"lastMessageAt": realtime.ServerTimestamp,
	})
	if err != nil {
		m.telemetry.Error(ctx, "Failed to start chat session", err, map[string]any{"chatId": id})
		return "", fmt.Errorf("%w: %w", models.ErrSessionCreate, err)
	}

	conv := models.Conversation{
		ID:           id,
		VisitorName:  name,
		VisitorEmail: email,
		VisitorID:    visitorID,
		Status:       models.ConversationStatusOpen,
	}
	m.remember(conv)
	m.Select(id)
	metrics.SessionStarted()
	m.telemetry.Info(ctx, "Chat session started", map[string]any{"chatId": id})

	m.notifyAsync(ctx, func(ctx context.Context) error {
		_, err := m.notifier.NotifySession(ctx, conv)
		return err
	})
	return id, nil
}

// SendMessage appends a message and updates the conversation summary in one
// atomic write. Blank text or an empty conversation id is ignored.
func (m *Manager) SendMessage(ctx context.Context, conversationID, text string, role models.SenderRole) error {
	text = strings.TrimSpace(text)
	if conversationID == "" || text == "" {
		return nil
	}
	if role == "" {
		role = models.RoleVisitor
	}
	senderID := m.identity.Current()
	if senderID == "" {
		senderID = models.GuestSenderID
	}

	msgID := m.store.NewKey(messagesPath(conversationID))
	msg := models.Message{
		ID:         msgID,
		SenderID:   senderID,
		SenderRole: role,
		SenderName: models.SenderNameFor(role),
		Text:       text,
	}

	err := m.store.Commit(ctx,
		realtime.Write{
			Path: realtime.Join(messagesPath(conversationID), msgID),
			Fields: map[string]any{
				"id":         msg.ID,
				"senderId":   msg.SenderID,
				"senderRole": string(msg.SenderRole),
				"senderName": msg.SenderName,
				"text":       msg.Text,
				"timestamp":  realtime.ServerTimestamp,
			},
		},
		realtime.Write{
			Path: conversationPath(conversationID),
			Fields: map[string]any{
				"lastMessage":   msg.Text,
				"lastMessageAt": realtime.ServerTimestamp,
				"lastMessageBy": string(role),
			},
			Merge: true,
		},
	)
	if err != nil {
		m.telemetry.Error(ctx, "Failed to send chat message", err, map[string]any{"chatId": conversationID, "role": string(role)})
		return fmt.Errorf("%w: %w", models.ErrRemoteSync, err)
	}
	metrics.MessageSent(string(role))

	if role == models.RoleVisitor {
		conv := m.conversation(conversationID)
		m.notifyAsync(ctx, func(ctx context.Context) error {
			return m.notifier.NotifyMessage(ctx, conv, msg)
		})
	}
	return nil
}

// Close cancels every subscription and waits for pending notifications.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handles := make([]*handle, 0, len(m.subs))
	for h := range m.subs {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Unsubscribe()
	}
	m.pending.Wait()
}

func (m *Manager) notifyAsync(ctx context.Context, send func(context.Context) error) {
	if m.notifier == nil {
		return
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		if err := send(context.WithoutCancel(ctx)); err != nil {
			m.telemetry.Warn(ctx, "Chat notification failed", map[string]any{"error": err.Error()})
		}
	}()
}

func (m *Manager) remember(convs ...models.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range convs {
		m.known[c.ID] = c
	}
}

func (m *Manager) conversation(id string) models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.known[id]; ok {
		return c
	}
	return models.Conversation{ID: id}
}

func (m *Manager) followersLocked() []*follower {
	out := make([]*follower, 0, len(m.followers))
	for f := range m.followers {
		out = append(out, f)
	}
	return out
}

// track registers the subscription created by subscribe so Close can release it.
func (m *Manager) track(subscribe func() (realtime.Subscription, error)) (realtime.Subscription, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	sub, err := subscribe()
	if err != nil {
		return nil, err
	}
	h := &handle{m: m, sub: sub}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.Unsubscribe()
		return nil, ErrClosed
	}
	m.subs[h] = struct{}{}
	m.mu.Unlock()
	return h, nil
}

type handle struct {
	m    *Manager
	sub  realtime.Subscription
	once sync.Once
}

func (h *handle) Unsubscribe() {
	h.once.Do(func() {
		h.m.mu.Lock()
		delete(h.m.subs, h)
		h.m.mu.Unlock()
		h.sub.Unsubscribe()
	})
}

type subscriptionFunc func()

func (f subscriptionFunc) Unsubscribe() { f() }

// follower holds the message subscription of the active conversation.
type follower struct {
	m   *Manager
	ctx context.Context
	fn  func(string, []models.Message)

	mu      sync.Mutex
	current atomic.Value // string
	sub     realtime.Subscription
	stopped bool
}

func (f *follower) switchTo(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	if prev, _ := f.current.Load().(string); prev == id && (f.sub != nil || id == "") {
		return
	}
	if f.sub != nil {
		f.sub.Unsubscribe()
		f.sub = nil
	}
	f.current.Store(id)

	if id == "" {
		f.fn("", nil)
		return
	}
	sub, err := f.m.store.SubscribeChildren(f.ctx, messagesPath(id), func(snaps []realtime.Snapshot) {
		if cur, _ := f.current.Load().(string); cur != id {
			return
		}
		msgs := decodeMessages(snaps)
		sortMessages(msgs)
		f.fn(id, msgs)
	})
	if err != nil {
		f.m.telemetry.Error(f.ctx, "Failed to follow conversation", err, map[string]any{"chatId": id})
		return
	}
	f.sub = sub
}

func (f *follower) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.current.Store("")
	if f.sub != nil {
		f.sub.Unsubscribe()
		f.sub = nil
	}
}

func conversationPath(id string) string {
	return realtime.Join(chatsPath, id)
}

func messagesPath(id string) string {
	return realtime.Join(chatsPath, id, "messages")
}
