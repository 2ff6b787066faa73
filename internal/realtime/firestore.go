package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pauljones0/portfolio-backend/internal/util"
)

// Firestore implements Store on top of Firestore snapshot listeners. Paths map
// directly onto collection/document paths, so "chats/{id}/messages" is a
// subcollection of the chat document.
type Firestore struct {
	client    *firestore.Client
	retryBase time.Duration
}

func NewFirestore(client *firestore.Client) *Firestore {
	return &Firestore{client: client, retryBase: time.Second}
}

type listener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *listener) Unsubscribe() {
	l.cancel()
	<-l.done
}

func (f *Firestore) SubscribeChildren(ctx context.Context, path string, fn func([]Snapshot)) (Subscription, error) {
	col := f.client.Collection(path)
	if col == nil {
		return nil, fmt.Errorf("invalid collection path %q", path)
	}
	return f.listen(ctx, path, func(ctx context.Context, delivered func()) error {
		it := col.Snapshots(ctx)
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				return err
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				return fmt.Errorf("read snapshot documents: %w", err)
			}
			snaps := make([]Snapshot, 0, len(docs))
			for _, doc := range docs {
				snaps = append(snaps, NewSnapshot(doc.Ref.ID, doc.DataTo))
			}
			fn(snaps)
			delivered()
		}
	}), nil
}

func (f *Firestore) SubscribeValue(ctx context.Context, path string, fn func(Snapshot, bool)) (Subscription, error) {
	ref := f.client.Doc(path)
	if ref == nil {
		return nil, fmt.Errorf("invalid document path %q", path)
	}
	return f.listen(ctx, path, func(ctx context.Context, delivered func()) error {
		it := ref.Snapshots(ctx)
		defer it.Stop()
		for {
			doc, err := it.Next()
			if status.Code(err) == codes.NotFound {
				fn(NewSnapshot(ref.ID, nil), false)
				delivered()
				continue
			}
			if err != nil {
				return err
			}
			fn(NewSnapshot(ref.ID, doc.DataTo), doc.Exists())
			delivered()
		}
	}), nil
}

// listen runs watch until the subscription is cancelled, resubscribing with
// backoff when the listener stream fails.
func (f *Firestore) listen(ctx context.Context, path string, watch func(ctx context.Context, delivered func()) error) Subscription {
	ctx, cancel := context.WithCancel(ctx)
	l := &listener{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(l.done)
		attempt := 0
		for {
			err := watch(ctx, func() { attempt = 0 })
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return
			}
			slog.Warn("Realtime listener failed, resubscribing", "path", path, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(util.Backoff(attempt, f.retryBase)):
			}
			attempt++
		}
	}()
	return l
}

func (f *Firestore) NewKey(path string) string {
	return f.client.Collection(path).NewDoc().ID
}

func (f *Firestore) Set(ctx context.Context, path string, fields map[string]any) error {
	if _, err := f.client.Doc(path).Set(ctx, firestoreFields(fields)); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (f *Firestore) Update(ctx context.Context, path string, fields map[string]any) error {
	if _, err := f.client.Doc(path).Set(ctx, firestoreFields(fields), firestore.MergeAll); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	return nil
}

func (f *Firestore) Commit(ctx context.Context, writes ...Write) error {
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, w := range writes {
			ref := f.client.Doc(w.Path)
			if ref == nil {
				return fmt.Errorf("invalid document path %q", w.Path)
			}
			var opts []firestore.SetOption
			if w.Merge {
				opts = append(opts, firestore.MergeAll)
			}
			if err := tx.Set(ref, firestoreFields(w.Fields), opts...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit %d writes: %w", len(writes), err)
	}
	return nil
}

// Close is a no-op; the Firestore client is owned by the caller.
func (f *Firestore) Close() error {
	return nil
}

func firestoreFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case serverTimestamp:
			out[k] = firestore.ServerTimestamp
		case map[string]any:
			out[k] = firestoreFields(val)
		default:
			out[k] = v
		}
	}
	return out
}
