package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pauljones0/portfolio-backend/internal/app"
	"github.com/pauljones0/portfolio-backend/internal/config"
	"github.com/pauljones0/portfolio-backend/internal/identity"
	"github.com/pauljones0/portfolio-backend/internal/models"
	"github.com/pauljones0/portfolio-backend/internal/realtime"
)

// itemReader is the read side of the document store used by the items
// commands.
type itemReader interface {
	ListItems(ctx context.Context, collection string) ([]models.Item, error)
	GetItem(ctx context.Context, collection, id string) (*models.Item, error)
}

// Backends used by the commands. Tests assign them directly; otherwise they
// are opened from the environment before a command runs.
var (
	chatStore realtime.Store
	itemStore itemReader
	adminID   identity.Provider
	closeApp  func() error
)

var rootCmd = &cobra.Command{
	Use:               "portfolioctl",
	Short:             "Admin tools for the portfolio backend",
	Long:              `Read and answer visitor chats and inspect like counts from the command line.`,
	SilenceUsage:      true,
	PersistentPreRunE: openBackends,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if closeApp == nil {
			return nil
		}
		err := closeApp()
		closeApp = nil
		return err
	},
}

func openBackends(cmd *cobra.Command, args []string) error {
	if chatStore != nil && itemStore != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	a, err := app.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	chatStore = a.Chats
	itemStore = a.Items
	adminID = identity.Fixed(cfg.AdminUID)
	closeApp = a.Close
	return nil
}

// errNoData is returned when a one-shot read sees no snapshot in time.
var errNoData = errors.New("no data received from the realtime store")

var errNoConversation = errors.New("conversation not found")
