// Package api exposes the chat and like services over HTTP and websockets.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pauljones0/portfolio-backend/internal/chat"
	"github.com/pauljones0/portfolio-backend/internal/identity"
	"github.com/pauljones0/portfolio-backend/internal/likes"
	"github.com/pauljones0/portfolio-backend/internal/localstore"
	"github.com/pauljones0/portfolio-backend/internal/metrics"
	"github.com/pauljones0/portfolio-backend/internal/realtime"
	"github.com/pauljones0/portfolio-backend/internal/telemetry"
	"github.com/pauljones0/portfolio-backend/internal/validator"
)

// Options wires the server to its backends.
type Options struct {
	Issuer        *identity.Issuer
	IdentityTTL   time.Duration
	Items         likes.ItemStore
	Local         localstore.Store
	Chats         realtime.Store
	Notifier      chat.Notifier
	Telemetry     *telemetry.Sink
	IdleTimeout   time.Duration
	LikeRateLimit float64
}

type Server struct {
	issuer      *identity.Issuer
	identityTTL time.Duration
	chats       realtime.Store
	notifier    chat.Notifier
	telemetry   *telemetry.Sink
	validate    *validator.Validator
	devices     *registry

	// background tracks chat managers closed after their request returned.
	background sync.WaitGroup
}

func New(opts Options) *Server {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	perSec := opts.LikeRateLimit
	if perSec <= 0 {
		perSec = 5
	}
	return &Server{
		issuer:      opts.Issuer,
		identityTTL: opts.IdentityTTL,
		chats:       opts.Chats,
		notifier:    opts.Notifier,
		telemetry:   opts.Telemetry,
		validate:    validator.New(),
		devices:     newRegistry(opts.Items, opts.Local, idle, perSec, likes.WithTelemetry(opts.Telemetry)),
	}
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/identity/anonymous", s.handleAnonymous)
	mux.HandleFunc("POST /api/admin/login", s.handleLogin)

	mux.HandleFunc("GET /api/items", s.handleListItems)
	mux.HandleFunc("POST /api/items/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/items/{collection}/{key}/{action}", s.handleVote)

	mux.HandleFunc("POST /api/chats", s.handleStartChat)
	mux.HandleFunc("POST /api/chats/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /ws/chat", s.handleChatStream)

	return metrics.Instrument(mux)
}

// Run evicts idle devices until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.devices.run(ctx)
}

// Wait blocks until chat work started by finished requests has completed.
func (s *Server) Wait() {
	s.background.Wait()
}

// newManager builds a chat manager acting as sess.
func (s *Server) newManager(sess *identity.Session) *chat.Manager {
	opts := []chat.Option{chat.WithTelemetry(s.telemetry)}
	if s.notifier != nil {
		opts = append(opts, chat.WithNotifier(s.notifier))
	}
	return chat.New(s.chats, sess, opts...)
}

// release closes m without holding up the response.
func (s *Server) release(m *chat.Manager) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		m.Close()
	}()
}
