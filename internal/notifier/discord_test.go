package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/portfolio-backend/internal/models"
)

func TestFormatSessionEmbed(t *testing.T) {
	conv := models.Conversation{
		ID:           "c1",
		VisitorName:  "Ada",
		VisitorEmail: "ada@example.com",
		CreatedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	embed := formatSessionEmbed(conv)

	if embed.Title != "New chat session" {
		t.Errorf("Title = %q", embed.Title)
	}
	if len(embed.Fields) != 2 {
		t.Fatalf("Expected 2 fields (Visitor + Email), got %d", len(embed.Fields))
	}
	if embed.Fields[0].Value != "Ada" || embed.Fields[1].Value != "ada@example.com" {
		t.Errorf("Fields = %+v", embed.Fields)
	}
	if embed.Timestamp != "2024-05-01T12:00:00Z" {
		t.Errorf("Timestamp = %q", embed.Timestamp)
	}
	if !strings.Contains(embed.Footer.Text, "c1") {
		t.Errorf("Footer %q should reference the conversation", embed.Footer.Text)
	}
}

func TestFormatSessionEmbed_DefaultName(t *testing.T) {
	embed := formatSessionEmbed(models.Conversation{ID: "c1"})
	if len(embed.Fields) != 1 || embed.Fields[0].Value != models.DefaultVisitorName {
		t.Errorf("Fields = %+v, want only the default visitor name", embed.Fields)
	}
}

func TestFormatMessageEmbed_TruncatesLongText(t *testing.T) {
	long := strings.Repeat("a", maxPreviewLength+50)
	embed := formatMessageEmbed(models.Conversation{ID: "c1", VisitorName: "Ada"}, models.Message{Text: long})

	if embed.Title != "Message from Ada" {
		t.Errorf("Title = %q", embed.Title)
	}
	if n := len([]rune(embed.Description)); n != maxPreviewLength {
		t.Errorf("Description length = %d, want %d", n, maxPreviewLength)
	}
}

func TestClient_NotifySession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}
		if r.URL.Query().Get("wait") != "true" {
			t.Errorf("Expected wait=true query param")
		}

		var payload discordWebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("Failed to decode request body: %v", err)
		}
		if len(payload.Embeds) != 1 {
			t.Errorf("Expected 1 embed, got %d", len(payload.Embeds))
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id": "12345", "channel_id": "67890"}`))
	}))
	defer server.Close()

	client := New(server.URL)
	client.rateLimiter = rate.NewLimiter(rate.Inf, 1)

	id, err := client.NotifySession(context.Background(), models.Conversation{ID: "c1", VisitorName: "Ada"})
	if err != nil {
		t.Fatalf("NotifySession() returned error: %v", err)
	}
	if id != "12345" {
		t.Errorf("Expected ID 12345, got %s", id)
	}
}

func TestClient_NotifyMessage_RetriesOn5xx(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := atomic.AddInt32(&attempts, 1)
		if attempt <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message": "server error"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id": "retry-success", "channel_id": "67890"}`))
	}))
	defer server.Close()

	client := New(server.URL)
	client.rateLimiter = rate.NewLimiter(rate.Inf, 1)

	err := client.NotifyMessage(context.Background(), models.Conversation{ID: "c1"}, models.Message{Text: "hi"})
	if err != nil {
		t.Fatalf("NotifyMessage() should have succeeded after retries, got error: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("Expected 3 attempts (2 failures + 1 success), got %d", atomic.LoadInt32(&attempts))
	}
}

func TestClient_NotifySession_RetriesOn429(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := atomic.AddInt32(&attempts, 1)
		if attempt == 1 {
			w.Header().Set("Retry-After", "0.05")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message": "rate limited"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id": "429-success", "channel_id": "67890"}`))
	}))
	defer server.Close()

	client := New(server.URL)
	client.rateLimiter = rate.NewLimiter(rate.Inf, 1)

	id, err := client.NotifySession(context.Background(), models.Conversation{ID: "c1"})
	if err != nil {
		t.Fatalf("NotifySession() should have succeeded after 429 retry, got error: %v", err)
	}
	if id != "429-success" {
		t.Errorf("Expected ID '429-success', got %s", id)
	}
}

func TestClient_NotifySession_NoRetryOn4xx(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message": "bad request"}`))
	}))
	defer server.Close()

	client := New(server.URL)
	client.rateLimiter = rate.NewLimiter(rate.Inf, 1)

	if _, err := client.NotifySession(context.Background(), models.Conversation{ID: "c1"}); err == nil {
		t.Fatal("NotifySession() should have returned error for 400 response")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("Expected 1 attempt (no retry for 400), got %d", atomic.LoadInt32(&attempts))
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		retryAfter string
		attempt    int
		want       time.Duration
		wantZero   bool
	}{
		{name: "429 with Retry-After", statusCode: 429, retryAfter: "2", want: 2 * time.Second},
		{name: "429 without Retry-After", statusCode: 429},
		{name: "500 error", statusCode: 500},
		{name: "503 error", statusCode: 503, attempt: 1},
		{name: "400 error", statusCode: 400, wantZero: true},
		{name: "404 error", statusCode: 404, wantZero: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.statusCode,
				Header:     http.Header{},
			}
			if tt.retryAfter != "" {
				resp.Header.Set("Retry-After", tt.retryAfter)
			}

			backoff := retryBackoff(resp, tt.attempt)
			if tt.wantZero && backoff != 0 {
				t.Errorf("Expected zero backoff for status %d, got %v", tt.statusCode, backoff)
			}
			if !tt.wantZero && backoff == 0 {
				t.Errorf("Expected non-zero backoff for status %d, got 0", tt.statusCode)
			}
			if tt.want != 0 && backoff != tt.want {
				t.Errorf("Backoff = %v, want %v", backoff, tt.want)
			}
		})
	}
}

func TestClient_EmptyWebhookURL(t *testing.T) {
	c := New("")
	id, err := c.NotifySession(context.Background(), models.Conversation{ID: "c1"})
	if err != nil {
		t.Fatalf("NotifySession() error = %v", err)
	}
	if id != "" {
		t.Errorf("NotifySession() with empty webhook should return empty ID, got %q", id)
	}
	if err := c.NotifyMessage(context.Background(), models.Conversation{}, models.Message{}); err != nil {
		t.Errorf("NotifyMessage() error = %v", err)
	}
}
