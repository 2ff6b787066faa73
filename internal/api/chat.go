package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pauljones0/portfolio-backend/internal/chat"
	"github.com/pauljones0/portfolio-backend/internal/identity"
	"github.com/pauljones0/portfolio-backend/internal/models"
	"github.com/pauljones0/portfolio-backend/internal/validator"
)

const (
	chatUnavailable = "Chat is unavailable right now. Please try again shortly."
	sendFailed      = "Message could not be sent. Please try again."

	lookupTimeout = 10 * time.Second
)

var (
	errNoConversation = errors.New("conversation does not exist")
	errNotOwner       = errors.New("conversation belongs to another visitor")
)

type startChatRequest struct {
	Name  string `json:"name" validate:"required,max=80"`
	Email string `json:"email" validate:"required,email"`
}

type startChatResponse struct {
	ID string `json:"id"`
}

type sendMessageRequest struct {
	Text string `json:"text" validate:"max=4000"`
}

func (s *Server) handleStartChat(w http.ResponseWriter, r *http.Request) {
	var req startChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.checkStartChat(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: models.ErrSessionCreate.Error(), Fields: validator.Fields(err)})
		return
	}

	ctx := r.Context()
	sess := s.sessionFor(r)
	if _, err := sess.AcquireAnonymous(ctx); err != nil {
		slog.Warn("Starting chat without identity", "error", err)
	}
	m := s.newManager(sess)
	defer s.release(m)

	id, err := m.StartSession(ctx, req.Name, req.Email)
	if err != nil {
		slog.Error("Failed to start chat session", "error", err)
		writeError(w, http.StatusBadGateway, chatUnavailable)
		return
	}
	s.saveSession(w, r, sess)
	writeJSON(w, http.StatusCreated, startChatResponse{ID: id})
}

// checkStartChat trims the visitor's name and email and rejects either one
// when it ends up empty.
func (s *Server) checkStartChat(req *startChatRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validate.ValidateStruct(*req); err != nil {
		return fmt.Errorf("%w: %w", models.ErrSessionCreate, err)
	}
	return nil
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.validate.ValidateStruct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid message", Fields: validator.Fields(err)})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx := r.Context()
	sess := s.sessionFor(r)
	if sess.Current() == "" {
		writeError(w, http.StatusForbidden, "identity required")
		return
	}
	m := s.newManager(sess)
	defer s.release(m)

	if err := s.authorize(ctx, m, sess, id); err != nil {
		if errors.Is(err, errNotOwner) || errors.Is(err, errNoConversation) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		slog.Error("Conversation lookup failed", "chatId", id, "error", err)
		writeError(w, http.StatusBadGateway, chatUnavailable)
		return
	}

	if err := m.SendMessage(ctx, id, req.Text, roleFor(sess)); err != nil {
		slog.Error("Failed to send chat message", "chatId", id, "error", err)
		writeError(w, http.StatusBadGateway, sendFailed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorize checks that sess may write to conversation id. Admins may write to
// any existing conversation, visitors only to their own.
func (s *Server) authorize(ctx context.Context, m *chat.Manager, sess *identity.Session, id string) error {
	conv, err := lookupConversation(ctx, m, id)
	if err != nil {
		return err
	}
	if !sess.IsAdmin() && conv.VisitorID != sess.Current() {
		return errNotOwner
	}
	return nil
}

// lookupConversation reads one conversation through a short-lived
// subscription.
func lookupConversation(ctx context.Context, m *chat.Manager, id string) (models.Conversation, error) {
	type result struct {
		conv   models.Conversation
		exists bool
	}
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	ch := make(chan result, 1)
	sub, err := m.SubscribeConversation(ctx, id, func(conv models.Conversation, exists bool) {
		select {
		case ch <- result{conv: conv, exists: exists}:
		default:
		}
	})
	if err != nil {
		return models.Conversation{}, err
	}
	defer sub.Unsubscribe()

	select {
	case res := <-ch:
		if !res.exists {
			return models.Conversation{}, errNoConversation
		}
		return res.conv, nil
	case <-ctx.Done():
		return models.Conversation{}, ctx.Err()
	}
}

func roleFor(sess *identity.Session) models.SenderRole {
	if sess.IsAdmin() {
		return models.RoleAdmin
	}
	return models.RoleVisitor
}
