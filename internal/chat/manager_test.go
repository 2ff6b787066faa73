package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pauljones0/portfolio-backend/internal/identity"
	"github.com/pauljones0/portfolio-backend/internal/models"
	"github.com/pauljones0/portfolio-backend/internal/realtime"
)

type mockNotifier struct {
	mu       sync.Mutex
	sessions []models.Conversation
	messages []models.Message
}

func (n *mockNotifier) NotifySession(_ context.Context, conv models.Conversation) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions = append(n.sessions, conv)
	return "msg-1", nil
}

func (n *mockNotifier) NotifyMessage(_ context.Context, _ models.Conversation, msg models.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func TestStartSessionThenSend(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()
	n := &mockNotifier{}
	m := New(store, identity.Fixed("visitor-1"), WithNotifier(n))

	id, err := m.StartSession(ctx, "Ada", "ada@example.com")
	if err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	if m.ActiveID() != id {
		t.Errorf("ActiveID() = %q, want %q", m.ActiveID(), id)
	}

	if err := m.SendMessage(ctx, id, "  Hi  ", models.RoleVisitor); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	var msgs []models.Message
	sub, err := m.SubscribeMessages(ctx, id, func(got []models.Message) { msgs = got })
	if err != nil {
		t.Fatalf("SubscribeMessages() error: %v", err)
	}
	defer sub.Unsubscribe()

	if len(msgs) != 1 {
		t.Fatalf("Got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Text != "Hi" || got.SenderID != "visitor-1" || got.SenderName != "Guest" || got.SenderRole != models.RoleVisitor {
		t.Errorf("Message = %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("Timestamp should be assigned by the store")
	}

	var conv models.Conversation
	convSub, _ := m.SubscribeConversation(ctx, id, func(c models.Conversation, ok bool) {
		if ok {
			conv = c
		}
	})
	defer convSub.Unsubscribe()
	if conv.LastMessage != "Hi" || conv.LastMessageBy != models.RoleVisitor || conv.VisitorName != "Ada" {
		t.Errorf("Conversation = %+v", conv)
	}
	if conv.Status != models.ConversationStatusOpen || conv.VisitorID != "visitor-1" {
		t.Errorf("Conversation = %+v, want open and owned by visitor-1", conv)
	}

	m.Close()
	if len(n.sessions) != 1 || len(n.messages) != 1 {
		t.Errorf("Notifications sessions=%d messages=%d, want 1 each", len(n.sessions), len(n.messages))
	}
}

func TestStartSession_DefaultsName(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()
	m := New(store, identity.Fixed(""))
	defer m.Close()

	id, err := m.StartSession(ctx, "   ", "")
	if err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}

	var conv models.Conversation
	sub, _ := m.SubscribeConversation(ctx, id, func(c models.Conversation, _ bool) { conv = c })
	defer sub.Unsubscribe()
	if conv.VisitorName != models.DefaultVisitorName {
		t.Errorf("VisitorName = %q, want %q", conv.VisitorName, models.DefaultVisitorName)
	}
}

func TestStartSession_BackendFailure(t *testing.T) {
	store := realtime.NewMemory()
	store.FailNext(errors.New("permission denied"))
	m := New(store, identity.Fixed("v1"))
	defer m.Close()

	_, err := m.StartSession(context.Background(), "Ada", "")
	if !errors.Is(err, models.ErrSessionCreate) {
		t.Fatalf("StartSession() error = %v, want ErrSessionCreate", err)
	}
	if m.ActiveID() != "" {
		t.Errorf("ActiveID() = %q, want none after failure", m.ActiveID())
	}
}

func TestSendMessage_BlankIsNoop(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()
	m := New(store, identity.Fixed("v1"))
	defer m.Close()

	id, _ := m.StartSession(ctx, "Ada", "")
	tests := []struct {
		name string
		id   string
		text string
	}{
		{"whitespace", id, "   \n\t"},
		{"empty", id, ""},
		{"no conversation", "", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.SendMessage(ctx, tt.id, tt.text, models.RoleVisitor); err != nil {
				t.Errorf("SendMessage() error: %v", err)
			}
		})
	}
	if n := store.Len(messagesPath(id)); n != 0 {
		t.Errorf("Stored %d messages, want 0", n)
	}
}

func TestSendMessage_GuestAndAdmin(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()

	guest := New(store, identity.Fixed(""))
	defer guest.Close()
	id, _ := guest.StartSession(ctx, "", "")
	_ = guest.SendMessage(ctx, id, "hello", "")

	admin := New(store, identity.Fixed("admin"))
	defer admin.Close()
	_ = admin.SendMessage(ctx, id, "welcome", models.RoleAdmin)

	var msgs []models.Message
	sub, _ := admin.SubscribeMessages(ctx, id, func(got []models.Message) { msgs = got })
	defer sub.Unsubscribe()

	if len(msgs) != 2 {
		t.Fatalf("Got %d messages, want 2", len(msgs))
	}
	if msgs[0].SenderID != models.GuestSenderID || msgs[0].SenderRole != models.RoleVisitor {
		t.Errorf("First message = %+v, want guest visitor", msgs[0])
	}
	if msgs[1].SenderName != "Admin" || msgs[1].SenderRole != models.RoleAdmin {
		t.Errorf("Second message = %+v, want admin", msgs[1])
	}
}

func TestSendMessage_FailureIsReported(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()
	m := New(store, identity.Fixed("v1"))
	defer m.Close()

	id, _ := m.StartSession(ctx, "Ada", "")
	store.FailNext(errors.New("unavailable"))

	err := m.SendMessage(ctx, id, "hello", models.RoleVisitor)
	if !errors.Is(err, models.ErrRemoteSync) {
		t.Fatalf("SendMessage() error = %v, want ErrRemoteSync", err)
	}
	if n := store.Len(messagesPath(id)); n != 0 {
		t.Errorf("Stored %d messages after a failed send, want 0", n)
	}
}

func TestSubscribeMessages_OrdersByServerTimestamp(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// Keys sort opposite to timestamps.
	seed := []struct {
		key string
		at  time.Time
	}{
		{"a", base.Add(2 * time.Second)},
		{"b", base.Add(1 * time.Second)},
		{"c", base},
	}
	for _, s := range seed {
		err := store.Set(ctx, realtime.Join("chats", "c1", "messages", s.key), map[string]any{
			"id": s.key, "text": s.key, "timestamp": s.at,
		})
		if err != nil {
			t.Fatalf("Set() error: %v", err)
		}
	}

	m := New(store, identity.Fixed("admin"))
	defer m.Close()

	var msgs []models.Message
	sub, _ := m.SubscribeMessages(ctx, "c1", func(got []models.Message) { msgs = got })
	defer sub.Unsubscribe()

	var order string
	for _, msg := range msgs {
		order += msg.ID
	}
	if order != "cba" {
		t.Errorf("Order = %q, want cba", order)
	}
}

func TestSubscribeConversations_AutoSelectsOnce(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seedConversation(t, store, "old", base)
	seedConversation(t, store, "new", base.Add(time.Minute))

	m := New(store, identity.Fixed("admin"))
	defer m.Close()

	var convs []models.Conversation
	sub, err := m.SubscribeConversations(ctx, func(got []models.Conversation) { convs = got })
	if err != nil {
		t.Fatalf("SubscribeConversations() error: %v", err)
	}
	defer sub.Unsubscribe()

	if len(convs) != 2 || convs[0].ID != "new" || convs[1].ID != "old" {
		t.Fatalf("Conversations = %+v, want new then old", convs)
	}
	if m.ActiveID() != "new" {
		t.Errorf("ActiveID() = %q, want auto-selected 'new'", m.ActiveID())
	}

	m.Select("old")
	seedConversation(t, store, "newest", base.Add(time.Hour))

	if convs[0].ID != "newest" {
		t.Errorf("First conversation = %q, want newest", convs[0].ID)
	}
	if m.ActiveID() != "old" {
		t.Errorf("ActiveID() = %q, manual selection must not be overridden", m.ActiveID())
	}
}

func TestFollowActive_SwitchesConversation(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()
	m := New(store, identity.Fixed("admin"))
	defer m.Close()

	var lastID string
	var lastMsgs []models.Message
	sub, err := m.FollowActive(ctx, func(id string, msgs []models.Message) {
		lastID, lastMsgs = id, msgs
	})
	if err != nil {
		t.Fatalf("FollowActive() error: %v", err)
	}
	defer sub.Unsubscribe()

	_ = m.SendMessage(ctx, "c1", "one", models.RoleAdmin)
	_ = m.SendMessage(ctx, "c2", "two", models.RoleAdmin)

	m.Select("c1")
	if lastID != "c1" || len(lastMsgs) != 1 || lastMsgs[0].Text != "one" {
		t.Fatalf("After Select(c1): id=%q msgs=%+v", lastID, lastMsgs)
	}

	m.Select("c2")
	if lastID != "c2" || len(lastMsgs) != 1 || lastMsgs[0].Text != "two" {
		t.Fatalf("After Select(c2): id=%q msgs=%+v", lastID, lastMsgs)
	}

	// Messages for the previous conversation are no longer delivered.
	_ = m.SendMessage(ctx, "c1", "late", models.RoleAdmin)
	if lastID != "c2" {
		t.Errorf("Delivery for c1 after switching away: id=%q", lastID)
	}
}

func TestClose_StopsSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()
	m := New(store, identity.Fixed("admin"))

	calls := 0
	if _, err := m.SubscribeConversations(ctx, func([]models.Conversation) { calls++ }); err != nil {
		t.Fatalf("SubscribeConversations() error: %v", err)
	}
	m.Close()

	seedConversation(t, store, "c1", time.Now())
	if calls != 1 {
		t.Errorf("Calls = %d, want only the initial delivery", calls)
	}
	if _, err := m.SubscribeConversations(ctx, func([]models.Conversation) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close error = %v, want ErrClosed", err)
	}
}

func seedConversation(t *testing.T, store realtime.Store, id string, at time.Time) {
	t.Helper()
	err := store.Set(context.Background(), realtime.Join("chats", id), map[string]any{
		"visitorName":   id,
		"status":        "open",
		"lastMessageAt": at,
	})
	if err != nil {
		t.Fatalf("Set() error: %v", err)
	}
}
