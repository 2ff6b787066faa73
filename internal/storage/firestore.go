package storage

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pauljones0/portfolio-backend/internal/models"
)

const analyticsCollection = "analytics"

type Client struct {
	client *firestore.Client
}

// New opens a Firestore client. credentialsFile may be empty to use the
// default application credentials.
func New(ctx context.Context, projectID, credentialsFile string) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return &Client{client: client}, nil
}

// Firestore exposes the underlying client so the realtime store can share it.
func (c *Client) Firestore() *firestore.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

// ListItems returns every item of a collection, normalized.
func (c *Client) ListItems(ctx context.Context, collection string) ([]models.Item, error) {
	iter := c.client.Collection(collection).Documents(ctx)
	defer iter.Stop()

	var items []models.Item
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", collection, err)
		}
		var it models.Item
		if err := doc.DataTo(&it); err != nil {
			slog.Warn("Skipping malformed item", "collection", collection, "id", doc.Ref.ID, "error", err)
			continue
		}
		it.ID = doc.Ref.ID
		it.Normalize(collection)
		items = append(items, it)
	}
	return items, nil
}

// GetItem retrieves an item by document id. A missing document is reported as
// nil without error.
func (c *Client) GetItem(ctx context.Context, collection, id string) (*models.Item, error) {
	doc, err := c.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get item %s/%s: %w", collection, id, err)
	}
	return decodeItem(doc, collection)
}

func (c *Client) LikeItem(ctx context.Context, collection, id, identity string) error {
	return c.vote(ctx, collection, id, identity, func(it models.Item) change {
		return planLike(it, identity)
	})
}

func (c *Client) UnlikeItem(ctx context.Context, collection, id, identity string) error {
	return c.vote(ctx, collection, id, identity, func(it models.Item) change {
		return planUnlike(it, identity)
	})
}

func (c *Client) DislikeItem(ctx context.Context, collection, id, identity string) error {
	return c.vote(ctx, collection, id, identity, func(it models.Item) change {
		return planDislike(it, identity)
	})
}

// ReactItem moves this device's reaction from prev to emoji. The document must
// already exist.
func (c *Client) ReactItem(ctx context.Context, collection, id, emoji, prev string) error {
	ref := c.client.Collection(collection).Doc(id)
	return c.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%s/%s: %w", collection, id, models.ErrItemNotFound)
		}
		if err != nil {
			return err
		}
		if !doc.Exists() {
			return fmt.Errorf("%s/%s: %w", collection, id, models.ErrItemNotFound)
		}
		ch := planReact(emoji, prev)
		if ch.empty() {
			return nil
		}
		return tx.Update(ref, updatesFor(ch, ""))
	})
}

// vote runs plan inside a transaction so the membership check and the counter
// update are applied together. Missing project documents are skipped; blog
// documents are created on first vote.
func (c *Client) vote(ctx context.Context, collection, id, identity string, plan func(models.Item) change) error {
	ref := c.client.Collection(collection).Doc(id)
	return c.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		exists := err == nil && doc.Exists()
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var it models.Item
		if exists {
			if err := doc.DataTo(&it); err != nil {
				return fmt.Errorf("failed to unmarshal item data: %w", err)
			}
		} else if collection != models.CollectionBlogs {
			slog.Debug("Vote on missing item skipped", "collection", collection, "id", id)
			return nil
		}

		ch := plan(it)
		if ch.empty() {
			return nil
		}
		if exists {
			return tx.Update(ref, updatesFor(ch, identity))
		}
		return tx.Set(ref, mergeFieldsFor(ch, identity), firestore.MergeAll)
	})
}

func updatesFor(c change, identity string) []firestore.Update {
	var updates []firestore.Update
	switch c.likedBy {
	case 1:
		updates = append(updates,
			firestore.Update{Path: "likes", Value: firestore.Increment(1)},
			firestore.Update{Path: "likedBy", Value: firestore.ArrayUnion(identity)})
	case -1:
		updates = append(updates,
			firestore.Update{Path: "likes", Value: firestore.Increment(-1)},
			firestore.Update{Path: "likedBy", Value: firestore.ArrayRemove(identity)})
	}
	switch c.dislikedBy {
	case 1:
		updates = append(updates,
			firestore.Update{Path: "dislikes", Value: firestore.Increment(1)},
			firestore.Update{Path: "dislikedBy", Value: firestore.ArrayUnion(identity)})
	case -1:
		updates = append(updates,
			firestore.Update{Path: "dislikes", Value: firestore.Increment(-1)},
			firestore.Update{Path: "dislikedBy", Value: firestore.ArrayRemove(identity)})
	}
	for emoji, delta := range c.reactions {
		updates = append(updates, firestore.Update{
			FieldPath: firestore.FieldPath{"reactions", emoji},
			Value:     firestore.Increment(delta),
		})
	}
	return updates
}

// mergeFieldsFor builds the merge payload for a document that does not exist
// yet, so only additions are meaningful.
func mergeFieldsFor(c change, identity string) map[string]any {
	fields := map[string]any{}
	if c.likedBy == 1 {
		fields["likes"] = firestore.Increment(1)
		fields["likedBy"] = firestore.ArrayUnion(identity)
	}
	if c.dislikedBy == 1 {
		fields["dislikes"] = firestore.Increment(1)
		fields["dislikedBy"] = firestore.ArrayUnion(identity)
	}
	return fields
}

func decodeItem(doc *firestore.DocumentSnapshot, collection string) (*models.Item, error) {
	if !doc.Exists() {
		return nil, nil
	}
	var it models.Item
	if err := doc.DataTo(&it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item data: %w", err)
	}
	it.ID = doc.Ref.ID
	it.Normalize(collection)
	return &it, nil
}

// AddAnalyticsEvent appends a telemetry record.
func (c *Client) AddAnalyticsEvent(ctx context.Context, ev models.AnalyticsEvent) error {
	if ev.CreatedAt == nil {
		ev.CreatedAt = firestore.ServerTimestamp
	}
	if _, _, err := c.client.Collection(analyticsCollection).Add(ctx, ev); err != nil {
		return fmt.Errorf("failed to add analytics event: %w", err)
	}
	return nil
}

// TrimAnalytics deletes the oldest analytics events (by createdAt) beyond maxEvents.
func (c *Client) TrimAnalytics(ctx context.Context, maxEvents int) (int, error) {
	collectionRef := c.client.Collection(analyticsCollection)

	countSnapshot, err := collectionRef.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count analytics events: %w", err)
	}
	current, err := countValue(countSnapshot["all"])
	if err != nil {
		return 0, err
	}
	if current <= int64(maxEvents) {
		return 0, nil
	}

	numToDelete := int(current) - maxEvents
	slog.Info("Trimming analytics events", "current", current, "max", maxEvents, "deleting", numToDelete)

	iter := collectionRef.
		OrderBy("createdAt", firestore.Asc).
		Limit(numToDelete).
		Documents(ctx)
	defer iter.Stop()

	bulkWriter := c.client.BulkWriter(ctx)
	defer bulkWriter.End()

	deleted := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to iterate analytics events for trimming: %w", err)
		}
		if _, err := bulkWriter.Delete(doc.Ref); err != nil {
			slog.Warn("Failed to queue analytics delete", "id", doc.Ref.ID, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		bulkWriter.Flush()
	}
	return deleted, nil
}

// countValue reads a count aggregation result, which the client returns either
// as an int64 or as a raw protobuf value.
func countValue(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case *firestorepb.Value:
		return val.GetIntegerValue(), nil
	case nil:
		return 0, fmt.Errorf("count aggregation result was invalid: 'all' key missing")
	default:
		return 0, fmt.Errorf("count aggregation result has unexpected type %T", v)
	}
}
