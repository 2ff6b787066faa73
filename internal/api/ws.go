package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pauljones0/portfolio-backend/internal/chat"
	"github.com/pauljones0/portfolio-backend/internal/identity"
	"github.com/pauljones0/portfolio-backend/internal/metrics"
	"github.com/pauljones0/portfolio-backend/internal/models"
	"github.com/pauljones0/portfolio-backend/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 8 << 10
	sendBufferSize = 16
)

// Frame types exchanged on the chat stream.
const (
	frameStart         = "start"
	frameSend          = "send"
	frameSelect        = "select"
	frameSession       = "session"
	frameConversation  = "conversation"
	frameConversations = "conversations"
	frameMessages      = "messages"
	frameError         = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type clientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	Text           string `json:"text,omitempty"`
}

type serverFrame struct {
	Type           string                `json:"type"`
	ConversationID string                `json:"conversationId,omitempty"`
	Conversation   *models.Conversation  `json:"conversation,omitempty"`
	Conversations  []models.Conversation `json:"conversations,omitempty"`
	Messages       []models.Message      `json:"messages,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// chatConn serializes writes to one websocket through a single pump.
type chatConn struct {
	conn   *websocket.Conn
	send   chan serverFrame
	closed chan struct{}
	once   sync.Once
}

func newChatConn(conn *websocket.Conn) *chatConn {
	return &chatConn{
		conn:   conn,
		send:   make(chan serverFrame, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// push queues a frame. It gives up once the connection is closed.
func (c *chatConn) push(f serverFrame) {
	select {
	case c.send <- f:
	case <-c.closed:
	}
}

func (c *chatConn) stop() {
	c.once.Do(func() { close(c.closed) })
}

func (c *chatConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				slog.Debug("Chat stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("Chat stream ping failed", "error", err)
				return
			}
		}
	}
}

// chatStream is the per-connection state of the chat websocket.
type chatStream struct {
	s    *Server
	sess *identity.Session
	m    *chat.Manager
	c    *chatConn

	// owned holds the conversations this stream has checked it may write to.
	owned map[string]bool
	watch realtime.Subscription
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if !sess.IsAdmin() {
		if _, err := sess.AcquireAnonymous(r.Context()); err != nil {
			slog.Warn("Chat stream without identity", "error", err)
		}
	}
	header := http.Header{}
	if c := s.sessionCookie(r, sess); c != nil {
		header.Add("Set-Cookie", c.String())
	}

	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		slog.Warn("Chat stream upgrade failed", "error", err)
		return
	}
	metrics.IncConnections()
	defer metrics.DecConnections()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	st := &chatStream{
		s:     s,
		sess:  sess,
		m:     s.newManager(sess),
		c:     newChatConn(conn),
		owned: make(map[string]bool),
	}
	go st.c.writePump()
	defer func() {
		st.c.stop()
		st.m.Close()
	}()

	if err := st.subscribe(ctx); err != nil {
		slog.Error("Chat stream subscription failed", "error", err)
		st.fail(chatUnavailable)
		return
	}
	if id := r.URL.Query().Get("conversation"); id != "" {
		st.open(ctx, id)
	}
	st.readLoop(ctx)
}

func (st *chatStream) subscribe(ctx context.Context) error {
	if st.sess.IsAdmin() {
		_, err := st.m.SubscribeConversations(ctx, func(convs []models.Conversation) {
			st.c.push(serverFrame{Type: frameConversations, Conversations: convs})
		})
		if err != nil {
			return err
		}
	}
	_, err := st.m.FollowActive(ctx, func(id string, msgs []models.Message) {
		st.c.push(serverFrame{Type: frameMessages, ConversationID: id, Messages: msgs})
	})
	return err
}

func (st *chatStream) readLoop(ctx context.Context) {
	conn := st.c.conn
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f clientFrame
		if err := conn.ReadJSON(&f); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("Chat stream read ended", "error", err)
			}
			return
		}
		switch f.Type {
		case frameStart:
			st.start(ctx, f)
		case frameSend:
			st.sendMessage(ctx, f)
		case frameSelect:
			if !st.sess.IsAdmin() {
				st.fail("only the admin can switch conversations")
				continue
			}
			st.m.Select(f.ConversationID)
		default:
			st.fail("unknown frame type")
		}
	}
}

func (st *chatStream) start(ctx context.Context, f clientFrame) {
	req := startChatRequest{Name: f.Name, Email: f.Email}
	if err := st.s.checkStartChat(&req); err != nil {
		st.fail(models.ErrSessionCreate.Error())
		return
	}
	id, err := st.m.StartSession(ctx, req.Name, req.Email)
	if err != nil {
		slog.Error("Failed to start chat session", "error", err)
		st.fail(chatUnavailable)
		return
	}
	st.owned[id] = true
	st.c.push(serverFrame{Type: frameSession, ConversationID: id})
	st.follow(ctx, id)
}

// open resumes an existing conversation the caller may see.
func (st *chatStream) open(ctx context.Context, id string) {
	if err := st.s.authorize(ctx, st.m, st.sess, id); err != nil {
		st.fail("conversation not found")
		return
	}
	st.owned[id] = true
	st.m.Select(id)
	st.follow(ctx, id)
}

// follow streams the metadata of the visitor's current conversation.
func (st *chatStream) follow(ctx context.Context, id string) {
	if st.sess.IsAdmin() {
		return
	}
	if st.watch != nil {
		st.watch.Unsubscribe()
	}
	sub, err := st.m.SubscribeConversation(ctx, id, func(conv models.Conversation, exists bool) {
		if !exists {
			return
		}
		st.c.push(serverFrame{Type: frameConversation, ConversationID: conv.ID, Conversation: &conv})
	})
	if err != nil {
		slog.Warn("Conversation subscription failed", "chatId", id, "error", err)
		return
	}
	st.watch = sub
}

func (st *chatStream) sendMessage(ctx context.Context, f clientFrame) {
	id := f.ConversationID
	if id == "" {
		id = st.m.ActiveID()
	}
	if id == "" {
		st.fail("no active conversation")
		return
	}
	if !st.owned[id] {
		if !st.sess.IsAdmin() {
			st.fail("conversation not found")
			return
		}
		if err := st.s.authorize(ctx, st.m, st.sess, id); err != nil {
			st.fail("conversation not found")
			return
		}
		st.owned[id] = true
	}
	if err := st.m.SendMessage(ctx, id, f.Text, roleFor(st.sess)); err != nil {
		slog.Error("Failed to send chat message", "chatId", id, "error", err)
		st.fail(sendFailed)
	}
}

func (st *chatStream) fail(msg string) {
	st.c.push(serverFrame{Type: frameError, Error: msg})
}
