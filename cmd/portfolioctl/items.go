package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pauljones0/portfolio-backend/internal/models"
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Inspect likeable projects and blog posts",
}

var itemsListCmd = &cobra.Command{
	Use:   "list [collection]",
	Short: "List items with their counts",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runItemsList,
}

var itemsGetCmd = &cobra.Command{
	Use:   "get [collection] [id]",
	Short: "Show one item",
	Args:  cobra.ExactArgs(2),
	RunE:  runItemsGet,
}

func init() {
	itemsCmd.AddCommand(itemsListCmd)
	itemsCmd.AddCommand(itemsGetCmd)
	rootCmd.AddCommand(itemsCmd)
}

func runItemsList(cmd *cobra.Command, args []string) error {
	collections := models.Collections
	if len(args) == 1 {
		if err := checkCollection(args[0]); err != nil {
			return err
		}
		collections = []string{args[0]}
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tKEY\tTITLE\tLIKES\tDISLIKES\tREACTIONS")
	total := 0
	for _, collection := range collections {
		items, err := itemStore.ListItems(cmd.Context(), collection)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", collection, err)
		}
		for _, it := range items {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", collection, it.Key, it.Title, it.Likes, it.Dislikes, formatReactions(it.Reactions))
		}
		total += len(items)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	cmd.Printf("\nTotal: %d items\n", total)
	return nil
}

func runItemsGet(cmd *cobra.Command, args []string) error {
	collection, id := args[0], args[1]
	if err := checkCollection(collection); err != nil {
		return err
	}
	it, err := itemStore.GetItem(cmd.Context(), collection, id)
	if err != nil {
		return fmt.Errorf("failed to get item: %w", err)
	}
	if it == nil {
		return fmt.Errorf("%w: %s/%s", models.ErrItemNotFound, collection, id)
	}

	cmd.Printf("%s/%s\n", collection, it.ID)
	cmd.Printf("  Title: %s\n", it.Title)
	cmd.Printf("  Slug: %s\n", it.Slug)
	cmd.Printf("  Likes: %d (%d identities)\n", it.Likes, len(it.LikedBy))
	if collection == models.CollectionBlogs {
		cmd.Printf("  Dislikes: %d (%d identities)\n", it.Dislikes, len(it.DislikedBy))
		cmd.Printf("  Reactions: %s\n", formatReactions(it.Reactions))
	}
	return nil
}

func checkCollection(collection string) error {
	if !slices.Contains(models.Collections, collection) {
		return fmt.Errorf("unknown collection %q, want one of %s", collection, strings.Join(models.Collections, ", "))
	}
	return nil
}

func formatReactions(reactions map[string]int) string {
	if len(reactions) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(reactions))
	for _, emoji := range slices.Sorted(maps.Keys(reactions)) {
		if n := reactions[emoji]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", emoji, n))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
