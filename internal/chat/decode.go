package chat

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/pauljones0/portfolio-backend/internal/models"
	"github.com/pauljones0/portfolio-backend/internal/realtime"
)

func decodeConversation(snap realtime.Snapshot) (models.Conversation, bool) {
	var c models.Conversation
	if err := snap.DataTo(&c); err != nil {
		slog.Warn("Skipping malformed conversation", "id", snap.Key, "error", err)
		return c, false
	}
	c.ID = snap.Key
	return c, true
}

func decodeConversations(snaps []realtime.Snapshot) []models.Conversation {
	convs := make([]models.Conversation, 0, len(snaps))
	for _, s := range snaps {
		if c, ok := decodeConversation(s); ok {
			convs = append(convs, c)
		}
	}
	return convs
}

func decodeMessages(snaps []realtime.Snapshot) []models.Message {
	msgs := make([]models.Message, 0, len(snaps))
	for _, s := range snaps {
		var msg models.Message
		if err := s.DataTo(&msg); err != nil {
			slog.Warn("Skipping malformed message", "id", s.Key, "error", err)
			continue
		}
		if msg.ID == "" {
			msg.ID = s.Key
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// sortConversations orders by last activity, newest first.
func sortConversations(convs []models.Conversation) {
	slices.SortStableFunc(convs, func(a, b models.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// sortMessages orders by server timestamp, oldest first.
func sortMessages(msgs []models.Message) {
	slices.SortStableFunc(msgs, func(a, b models.Message) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
