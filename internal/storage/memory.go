package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/pauljones0/portfolio-backend/internal/models"
)

// Memory is an in-process item store with the same vote semantics as Client.
type Memory struct {
	mu       sync.Mutex
	items    map[string]map[string]*models.Item
	events   []models.AnalyticsEvent
	failNext error
	calls    []string
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]map[string]*models.Item)}
}

// Seed stores items in a collection, normalizing each one.
func (m *Memory) Seed(collection string, items ...models.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		it.Normalize(collection)
		m.put(collection, it)
	}
}

// FailNext makes the next vote return err.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Calls returns the applied votes in order, formatted as "op collection/id".
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// Events returns the analytics events recorded so far.
func (m *Memory) Events() []models.AnalyticsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

func (m *Memory) ListItems(ctx context.Context, collection string) ([]models.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := slices.Sorted(maps.Keys(m.items[collection]))
	items := make([]models.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, cloneItem(*m.items[collection][id]))
	}
	return items, nil
}

func (m *Memory) GetItem(ctx context.Context, collection, id string) (*models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[collection][id]
	if !ok {
		return nil, nil
	}
	c := cloneItem(*it)
	return &c, nil
}

func (m *Memory) LikeItem(ctx context.Context, collection, id, identity string) error {
	return m.vote(ctx, "like", collection, id, identity, func(it models.Item) change {
		return planLike(it, identity)
	})
}

func (m *Memory) UnlikeItem(ctx context.Context, collection, id, identity string) error {
	return m.vote(ctx, "unlike", collection, id, identity, func(it models.Item) change {
		return planUnlike(it, identity)
	})
}

func (m *Memory) DislikeItem(ctx context.Context, collection, id, identity string) error {
	return m.vote(ctx, "dislike", collection, id, identity, func(it models.Item) change {
		return planDislike(it, identity)
	})
}

func (m *Memory) ReactItem(ctx context.Context, collection, id, emoji, prev string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	it, ok := m.items[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, models.ErrItemNotFound)
	}
	m.calls = append(m.calls, "react "+collection+"/"+id)
	planReact(emoji, prev).apply(it, "")
	return nil
}

func (m *Memory) vote(ctx context.Context, op, collection, id, identity string, plan func(models.Item) change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}

	it, ok := m.items[collection][id]
	if !ok {
		if collection != models.CollectionBlogs {
			return nil
		}
		it = &models.Item{ID: id, Slug: id}
		it.Normalize(collection)
	}
	m.calls = append(m.calls, op+" "+collection+"/"+id)
	ch := plan(*it)
	if ch.empty() {
		return nil
	}
	if !ok {
		m.put(collection, *it)
		it = m.items[collection][id]
	}
	ch.apply(it, identity)
	return nil
}

func (m *Memory) AddAnalyticsEvent(ctx context.Context, ev models.AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) put(collection string, it models.Item) {
	if m.items[collection] == nil {
		m.items[collection] = make(map[string]*models.Item)
	}
	c := cloneItem(it)
	m.items[collection][c.ID] = &c
}

func (m *Memory) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func cloneItem(it models.Item) models.Item {
	it.LikedBy = slices.Clone(it.LikedBy)
	it.DislikedBy = slices.Clone(it.DislikedBy)
	it.Reactions = maps.Clone(it.Reactions)
	return it
}
