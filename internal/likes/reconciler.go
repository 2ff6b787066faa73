// Package likes keeps a device-local, optimistic view of likes, dislikes and
// reactions and reconciles it with the shared document store.
//
// Local state is updated and persisted before any remote call and is never
// rolled back when the remote call fails. Remote calls for the same item run
// in the order their local updates happened. Refresh makes the local view
// converge to the remote one.
package likes

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pauljones0/portfolio-backend/internal/identity"
	"github.com/pauljones0/portfolio-backend/internal/localstore"
	"github.com/pauljones0/portfolio-backend/internal/metrics"
	"github.com/pauljones0/portfolio-backend/internal/models"
	"github.com/pauljones0/portfolio-backend/internal/telemetry"
)

const remoteTimeout = 15 * time.Second

// ErrBlogOnly is returned for dislikes and reactions on anything but a blog post.
var ErrBlogOnly = errors.New("operation is only supported for blog posts")

type Option func(*Reconciler)

func WithTelemetry(s *telemetry.Sink) Option {
	return func(r *Reconciler) { r.telemetry = s }
}

// View is an item together with this device's own vote.
type View struct {
	models.Item
	Liked    bool   `json:"liked"`
	Disliked bool   `json:"disliked,omitempty"`
	Reaction string `json:"reaction,omitempty"`
}

type Reconciler struct {
	store     ItemStore
	identity  identity.Provider
	local     localstore.Store
	telemetry *telemetry.Sink

	mu    sync.Mutex
	items map[string]*models.Item
	order []string
	state state
	tails map[string]chan struct{}
}

func New(store ItemStore, id identity.Provider, local localstore.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		identity: id,
		local:    local,
		items:    make(map[string]*models.Item),
		state:    newState(),
		tails:    make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load hydrates the local cache and applies cached counts to known items. A
// corrupt or unreadable cache is reported and replaced by an empty one.
func (r *Reconciler) Load(ctx context.Context) error {
	s, err := loadState(ctx, r.local)
	if err != nil {
		r.telemetry.Warn(ctx, "Discarding unreadable like state", map[string]any{"error": err.Error()})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	for _, it := range r.items {
		if c, ok := s.Counts[countKey(*it)]; ok {
			it.Likes = c
		}
	}
	return err
}

// Ingest adds or replaces items. Each item is normalized here, the single
// place an item's key is resolved; items without a resolvable key are dropped.
func (r *Reconciler) Ingest(items ...models.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range items {
		if it.Collection == "" {
			it.Collection = models.CollectionProjects
		}
		it.Normalize(it.Collection)
		if it.Key == "" {
			continue
		}
		if c, ok := r.state.Counts[countKey(it)]; ok {
			it.Likes = c
		}
		r.putLocked(it)
	}
}

// Refresh refetches every collection once pending remote operations have
// finished. Local counts are replaced by remote counts and, when an identity
// exists, local flags by remote membership.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	pending := make([]chan struct{}, 0, len(r.tails))
	for _, ch := range r.tails {
		pending = append(pending, ch)
	}
	r.mu.Unlock()
	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	results := make([][]models.Item, len(models.Collections))
	g, gctx := errgroup.WithContext(ctx)
	for i, collection := range models.Collections {
		g.Go(func() error {
			items, err := r.store.ListItems(gctx, collection)
			if err != nil {
				return fmt.Errorf("list %s: %w", collection, err)
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.telemetry.Error(ctx, "Failed to refresh items", err, nil)
		return fmt.Errorf("%w: %w", models.ErrRemoteSync, err)
	}

	uid := r.identity.Current()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, collection := range models.Collections {
		for _, it := range results[i] {
			it.Normalize(collection)
			if it.Key == "" {
				continue
			}
			r.putLocked(it)
			r.state.Counts[countKey(it)] = it.Likes
			if uid == "" {
				continue
			}
			fk := flagKey(collection, it.Key)
			setFlag(r.state.Likes, fk, it.HasLiked(uid))
			if collection == models.CollectionBlogs {
				setFlag(r.state.Dislikes, fk, it.HasDisliked(uid))
			}
		}
	}
	return saveState(ctx, r.local, r.state)
}

// Like records a like for item. Liking an already liked item does nothing.
func (r *Reconciler) Like(ctx context.Context, item models.Item) error {
	return r.apply(ctx, item, vote{
		name:          "like",
		needsIdentity: true,
		applies:       func(s state, key string) bool { return !s.Likes[key] },
		local: func(s *state, key string, it *models.Item) {
			s.Likes[key] = true
			it.Likes++
			if s.Dislikes[key] {
				delete(s.Dislikes, key)
				it.Dislikes = max(0, it.Dislikes-1)
			}
		},
		remote: func(ctx context.Context, uid string, it models.Item, _ string) error {
			return r.store.LikeItem(ctx, it.Collection, it.ID, uid)
		},
	})
}

// Unlike withdraws a like recorded on this device.
func (r *Reconciler) Unlike(ctx context.Context, item models.Item) error {
	return r.apply(ctx, item, vote{
		name:          "unlike",
		needsIdentity: true,
		applies:       func(s state, key string) bool { return s.Likes[key] },
		local: func(s *state, key string, it *models.Item) {
			delete(s.Likes, key)
			it.Likes = max(0, it.Likes-1)
		},
		remote: func(ctx context.Context, uid string, it models.Item, _ string) error {
			return r.store.UnlikeItem(ctx, it.Collection, it.ID, uid)
		},
	})
}

// Dislike records a dislike for a blog post, withdrawing a like by this device.
func (r *Reconciler) Dislike(ctx context.Context, item models.Item) error {
	if item.Collection != models.CollectionBlogs {
		return ErrBlogOnly
	}
	return r.apply(ctx, item, vote{
		name:          "dislike",
		needsIdentity: true,
		applies:       func(s state, key string) bool { return !s.Dislikes[key] },
		local: func(s *state, key string, it *models.Item) {
			s.Dislikes[key] = true
			it.Dislikes++
			if s.Likes[key] {
				delete(s.Likes, key)
				it.Likes = max(0, it.Likes-1)
			}
		},
		remote: func(ctx context.Context, uid string, it models.Item, _ string) error {
			return r.store.DislikeItem(ctx, it.Collection, it.ID, uid)
		},
	})
}

// React sets this device's emoji reaction on a blog post, replacing any
// previous one.
func (r *Reconciler) React(ctx context.Context, item models.Item, emoji string) error {
	if item.Collection != models.CollectionBlogs {
		return ErrBlogOnly
	}
	if emoji == "" {
		return nil
	}
	return r.apply(ctx, item, vote{
		name:    "react",
		applies: func(s state, key string) bool { return s.Reactions[key] != emoji },
		local: func(s *state, key string, it *models.Item) {
			prev := s.Reactions[key]
			s.Reactions[key] = emoji
			if it.Reactions == nil {
				it.Reactions = make(map[string]int)
			}
			it.Reactions[emoji]++
			if prev != "" {
				it.Reactions[prev] = max(0, it.Reactions[prev]-1)
			}
		},
		remote: func(ctx context.Context, _ string, it models.Item, prev string) error {
			return r.store.ReactItem(ctx, it.Collection, it.ID, emoji, prev)
		},
	})
}

// Items returns the known items of a collection, or of all collections when
// collection is empty, in ingestion order.
func (r *Reconciler) Items(collection string) []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	views := make([]View, 0, len(r.order))
	for _, id := range r.order {
		it := r.items[id]
		if collection != "" && it.Collection != collection {
			continue
		}
		views = append(views, r.viewLocked(*it))
	}
	return views
}

// Lookup returns one known item.
func (r *Reconciler) Lookup(collection, key string) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[itemID(collection, key)]
	if !ok {
		return View{}, false
	}
	return r.viewLocked(*it), true
}

// Liked reports whether this device has liked the project key.
func (r *Reconciler) Liked(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Likes[key]
}

type vote struct {
	name          string
	needsIdentity bool
	applies       func(s state, key string) bool
	local         func(s *state, key string, it *models.Item)
	remote        func(ctx context.Context, uid string, it models.Item, prevReaction string) error
}

func (r *Reconciler) apply(ctx context.Context, item models.Item, v vote) error {
	if item.Collection == "" {
		item.Collection = models.CollectionProjects
	}
	item.Normalize(item.Collection)
	if item.Key == "" {
		metrics.LikeOperation(v.name, "skipped")
		return nil
	}
	key := flagKey(item.Collection, item.Key)

	r.mu.Lock()
	applies := v.applies(r.state, key)
	r.mu.Unlock()
	if !applies {
		metrics.LikeOperation(v.name, "skipped")
		return nil
	}

	var uid string
	if v.needsIdentity {
		uid = r.ensureIdentity(ctx)
	}

	r.mu.Lock()
	if !v.applies(r.state, key) {
		r.mu.Unlock()
		metrics.LikeOperation(v.name, "skipped")
		return nil
	}
	it := r.itemLocked(item)
	prevReaction := r.state.Reactions[key]
	v.local(&r.state, key, it)
	r.state.Counts[countKey(*it)] = it.Likes
	saveErr := saveState(ctx, r.local, r.state)

	syncRemote := !v.needsIdentity || uid != ""
	var prev, done chan struct{}
	if syncRemote {
		prev, done = r.reserveLocked(itemID(it.Collection, it.Key))
	}
	snapshot := *it
	r.mu.Unlock()

	if saveErr != nil {
		r.telemetry.Error(ctx, "Failed to persist like state", saveErr, map[string]any{"key": item.Key})
	}
	if !syncRemote {
		metrics.LikeOperation(v.name, "identity_error")
		return saveErr
	}

	r.runRemote(ctx, v, snapshot, uid, prevReaction, prev, done)
	return saveErr
}

// runRemote waits for earlier operations on the same item, then applies this
// one. Failures are logged; the local state is kept.
func (r *Reconciler) runRemote(ctx context.Context, v vote, it models.Item, uid, prevReaction string, prev, done chan struct{}) {
	defer r.release(itemID(it.Collection, it.Key), done)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteTimeout)
	defer cancel()
	if prev != nil {
		<-prev
	}

	if err := v.remote(ctx, uid, it, prevReaction); err != nil {
		metrics.LikeOperation(v.name, "remote_error")
		r.telemetry.Error(ctx, "Like sync failed", fmt.Errorf("%w: %w", models.ErrRemoteSync, err), map[string]any{
			"op":         v.name,
			"collection": it.Collection,
			"key":        it.Key,
		})
		return
	}
	metrics.LikeOperation(v.name, "ok")
}

func (r *Reconciler) ensureIdentity(ctx context.Context) string {
	if uid := r.identity.Current(); uid != "" {
		return uid
	}
	uid, err := r.identity.AcquireAnonymous(ctx)
	if err != nil {
		r.telemetry.Error(ctx, "Anonymous sign-in failed", fmt.Errorf("%w: %w", models.ErrIdentity, err), nil)
		return ""
	}
	return uid
}

func (r *Reconciler) reserveLocked(id string) (prev, done chan struct{}) {
	prev = r.tails[id]
	done = make(chan struct{})
	r.tails[id] = done
	return prev, done
}

func (r *Reconciler) release(id string, done chan struct{}) {
	close(done)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tails[id] == done {
		delete(r.tails, id)
	}
}

// itemLocked returns the stored item, adding item when it is not known yet.
func (r *Reconciler) itemLocked(item models.Item) *models.Item {
	id := itemID(item.Collection, item.Key)
	if it, ok := r.items[id]; ok {
		return it
	}
	r.putLocked(item)
	return r.items[id]
}

func (r *Reconciler) putLocked(it models.Item) {
	id := itemID(it.Collection, it.Key)
	if _, ok := r.items[id]; !ok {
		r.order = append(r.order, id)
	}
	r.items[id] = &it
}

func (r *Reconciler) viewLocked(it models.Item) View {
	it.Reactions = maps.Clone(it.Reactions)
	fk := flagKey(it.Collection, it.Key)
	return View{
		Item:     it,
		Liked:    r.state.Likes[fk],
		Disliked: r.state.Dislikes[fk],
		Reaction: r.state.Reactions[fk],
	}
}

func itemID(collection, key string) string {
	return collection + "/" + key
}

// flagKey is the key of an item's vote in the local state. Projects use the
// bare key, other collections are prefixed so equal slugs do not collide.
func flagKey(collection, key string) string {
	if collection == models.CollectionProjects {
		return key
	}
	return itemID(collection, key)
}

// countKey is the local count label of it, following the same rule.
func countKey(it models.Item) string {
	return flagKey(it.Collection, it.CountLabel())
}

func setFlag(m map[string]bool, key string, on bool) {
	if on {
		m[key] = true
		return
	}
	delete(m, key)
}
