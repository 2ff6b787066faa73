package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pauljones0/portfolio-backend/internal/chat"
	"github.com/pauljones0/portfolio-backend/internal/models"
)

const readTimeout = 15 * time.Second

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Read and answer visitor chats",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runChatsList,
}

var chatsWatchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Stream messages of a conversation",
	Long:  `Streams new messages as they arrive. Without an id the most recently active conversation is followed.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runChatsWatch,
}

var chatsReplyCmd = &cobra.Command{
	Use:   "reply [conversation-id] [text]",
	Short: "Send a message as the admin",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runChatsReply,
}

func init() {
	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsWatchCmd)
	chatsCmd.AddCommand(chatsReplyCmd)
	rootCmd.AddCommand(chatsCmd)
}

func runChatsList(cmd *cobra.Command, args []string) error {
	m := chat.New(chatStore, adminID)
	defer m.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
	defer cancel()

	got := make(chan []models.Conversation, 1)
	if _, err := m.SubscribeConversations(ctx, func(convs []models.Conversation) {
		select {
		case got <- convs:
		default:
		}
	}); err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	var convs []models.Conversation
	select {
	case convs = <-got:
	case <-ctx.Done():
		return errNoData
	}

	if len(convs) == 0 {
		cmd.Println("No conversations yet.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVISITOR\tEMAIL\tLAST MESSAGE\tAT")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.VisitorName, c.VisitorEmail, truncate(c.LastMessage, 40), formatTime(c.LastMessageAt))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	cmd.Printf("\nTotal: %d conversations\n", len(convs))
	return nil
}

func runChatsWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m := chat.New(chatStore, adminID)
	defer m.Close()

	if len(args) == 1 {
		m.Select(args[0])
	} else if _, err := m.SubscribeConversations(ctx, func([]models.Conversation) {}); err != nil {
		return fmt.Errorf("failed to subscribe to conversations: %w", err)
	}

	w := &messagePrinter{cmd: cmd, seen: make(map[string]bool)}
	if _, err := m.FollowActive(ctx, w.print); err != nil {
		return fmt.Errorf("failed to follow conversation: %w", err)
	}
	<-ctx.Done()
	return nil
}

func runChatsReply(cmd *cobra.Command, args []string) error {
	id := args[0]
	text := strings.Join(args[1:], " ")
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is empty")
	}
	m := chat.New(chatStore, adminID)
	defer m.Close()

	exists, err := conversationExists(cmd.Context(), m, id)
	if err != nil {
		return fmt.Errorf("failed to look up conversation: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", errNoConversation, id)
	}
	if err := m.SendMessage(cmd.Context(), id, text, models.RoleAdmin); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	cmd.Printf("Sent to %s\n", id)
	return nil
}

// conversationExists reads the conversation document once.
func conversationExists(ctx context.Context, m *chat.Manager, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	got := make(chan bool, 1)
	sub, err := m.SubscribeConversation(ctx, id, func(_ models.Conversation, exists bool) {
		select {
		case got <- exists:
		default:
		}
	})
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()

	select {
	case exists := <-got:
		return exists, nil
	case <-ctx.Done():
		return false, errNoData
	}
}

// messagePrinter prints each message once, across snapshots.
type messagePrinter struct {
	cmd *cobra.Command

	mu      sync.Mutex
	current string
	seen    map[string]bool
}

func (p *messagePrinter) print(conversationID string, msgs []models.Message) {
	if conversationID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if conversationID != p.current {
		p.current = conversationID
		p.cmd.Printf("== %s ==\n", conversationID)
	}
	for _, msg := range msgs {
		if p.seen[msg.ID] {
			continue
		}
		p.seen[msg.ID] = true
		p.cmd.Printf("[%s] %s: %s\n", formatTime(msg.Timestamp), msg.SenderName, msg.Text)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
