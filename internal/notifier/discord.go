package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/portfolio-backend/internal/models"
	"github.com/pauljones0/portfolio-backend/internal/util"
)

const (
	colorNewSession   = 5793266  // #5865F2
	colorVisitorReply = 16753920 // #FFA500

	maxAttempts      = 4
	retryBase        = 500 * time.Millisecond
	maxPreviewLength = 300
)

// Client posts chat activity to a Discord webhook so the admin sees new
// conversations without keeping the dashboard open.
type Client struct {
	webhookURL  string
	client      *http.Client
	rateLimiter *rate.Limiter
}

func New(webhookURL string) *Client {
	return &Client{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		// Discord allows 5 webhook requests per 2 seconds.
		rateLimiter: rate.NewLimiter(rate.Every(400*time.Millisecond), 1),
	}
}

// NotifySession announces a newly started conversation and returns the
// Discord message ID.
func (c *Client) NotifySession(ctx context.Context, conv models.Conversation) (string, error) {
	if c.webhookURL == "" {
		return "", nil
	}
	return c.send(ctx, formatSessionEmbed(conv))
}

// NotifyMessage forwards a visitor message.
func (c *Client) NotifyMessage(ctx context.Context, conv models.Conversation, msg models.Message) error {
	if c.webhookURL == "" {
		return nil
	}
	_, err := c.send(ctx, formatMessageEmbed(conv, msg))
	return err
}

type discordWebhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      discordEmbedFooter  `json:"footer,omitempty"`
}

type discordMessageResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

func formatSessionEmbed(conv models.Conversation) discordEmbed {
	name := conv.VisitorName
	if name == "" {
		name = models.DefaultVisitorName
	}
	fields := []discordEmbedField{{Name: "Visitor", Value: name, Inline: true}}
	if conv.VisitorEmail != "" {
		fields = append(fields, discordEmbedField{Name: "Email", Value: conv.VisitorEmail, Inline: true})
	}
	return discordEmbed{
		Title:     "New chat session",
		Timestamp: formatTime(conv.CreatedAt),
		Color:     colorNewSession,
		Fields:    fields,
		Footer:    discordEmbedFooter{Text: "Conversation " + conv.ID},
	}
}

func formatMessageEmbed(conv models.Conversation, msg models.Message) discordEmbed {
	name := conv.VisitorName
	if name == "" {
		name = msg.SenderName
	}
	return discordEmbed{
		Title:       "Message from " + name,
		Description: preview(msg.Text),
		Timestamp:   formatTime(msg.Timestamp),
		Color:       colorVisitorReply,
		Footer:      discordEmbedFooter{Text: "Conversation " + conv.ID},
	}
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= maxPreviewLength {
		return text
	}
	return string(r[:maxPreviewLength-1]) + "…"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// send posts the embed, retrying 5xx and 429 responses.
func (c *Client) send(ctx context.Context, embed discordEmbed) (string, error) {
	payloadBytes, err := json.Marshal(discordWebhookPayload{Embeds: []discordEmbed{embed}})
	if err != nil {
		return "", err
	}

	parsedURL, err := url.Parse(c.webhookURL)
	if err != nil {
		return "", err
	}
	q := parsedURL.Query()
	q.Set("wait", "true")
	parsedURL.RawQuery = q.Encode()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, parsedURL.String(), bytes.NewReader(payloadBytes))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			slog.Warn("Discord webhook request failed", "attempt", attempt+1, "error", err)
			if !sleep(ctx, util.Backoff(attempt, retryBase)) {
				return "", ctx.Err()
			}
			continue
		}

		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var msgResponse discordMessageResponse
			if err := json.Unmarshal(bodyBytes, &msgResponse); err != nil {
				return "", err
			}
			return msgResponse.ID, nil
		}

		lastErr = fmt.Errorf("discord status: %s, body: %s", resp.Status, string(bodyBytes))
		wait := retryBackoff(resp, attempt)
		if wait == 0 {
			return "", lastErr
		}
		slog.Warn("Discord webhook retrying", "status", resp.StatusCode, "attempt", attempt+1, "wait", wait)
		if !sleep(ctx, wait) {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("discord webhook failed after %d attempts: %w", maxAttempts, lastErr)
}

// retryBackoff returns how long to wait before retrying resp, or zero when the
// response is not retryable.
func retryBackoff(resp *http.Response, attempt int) time.Duration {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		return util.Backoff(attempt, retryBase)
	case resp.StatusCode >= 500:
		return util.Backoff(attempt, retryBase)
	default:
		return 0
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
