package models

import "time"

type ConversationStatus string

const (
	ConversationStatusOpen   ConversationStatus = "open"
	ConversationStatusClosed ConversationStatus = "closed"
)

type SenderRole string

const (
	RoleVisitor SenderRole = "visitor"
	RoleAdmin   SenderRole = "admin"
)

// GuestSenderID is recorded as the sender when no identity is available.
const GuestSenderID = "guest"

// DefaultVisitorName is used when a session is started without a name.
const DefaultVisitorName = "Guest User"

// Conversation is a chat thread between one visitor and the site admin.
type Conversation struct {
	ID            string             `firestore:"-" json:"id"`
	VisitorName   string             `firestore:"visitorName" json:"visitorName"`
	VisitorEmail  string             `firestore:"visitorEmail" json:"visitorEmail"`
	VisitorID     string             `firestore:"visitorId" json:"visitorId"`
	Status        ConversationStatus `firestore:"status" json:"status"`
	CreatedAt     time.Time          `firestore:"createdAt" json:"createdAt"`
	LastMessage   string             `firestore:"lastMessage" json:"lastMessage"`
	LastMessageAt time.Time          `firestore:"lastMessageAt" json:"lastMessageAt"`
	LastMessageBy SenderRole         `firestore:"lastMessageBy,omitempty" json:"lastMessageBy,omitempty"`
}

// Message is a single append-only chat entry.
type Message struct {
	ID         string     `firestore:"id" json:"id"`
	SenderID   string     `firestore:"senderId" json:"senderId"`
	SenderRole SenderRole `firestore:"senderRole" json:"senderRole"`
	SenderName string     `firestore:"senderName" json:"senderName"`
	Text       string     `firestore:"text" json:"text"`
	Timestamp  time.Time  `firestore:"timestamp" json:"timestamp"`
}

// SenderNameFor returns the display name shown for a role.
func SenderNameFor(role SenderRole) string {
	if role == RoleAdmin {
		return "Admin"
	}
	return "Guest"
}
