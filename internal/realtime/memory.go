package realtime

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process Store. Subscribers are notified synchronously from
// the writing goroutine; the initial snapshot is delivered before Subscribe
// returns.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	last     time.Time
	version  uint64
	docs     map[string][]byte
	children map[string]map[string]struct{}
	colSubs  map[string]map[*memorySub]struct{}
	docSubs  map[string]map[*memorySub]struct{}
	failNext error
}

type memorySub struct {
	mu       sync.Mutex
	closed   atomic.Bool
	lastSeen uint64
	children func([]Snapshot)
	value    func(Snapshot, bool)
}

type delivery struct {
	sub     *memorySub
	version uint64
	snaps   []Snapshot
	exists  bool
}

func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		docs:     make(map[string][]byte),
		children: make(map[string]map[string]struct{}),
		colSubs:  make(map[string]map[*memorySub]struct{}),
		docSubs:  make(map[string]map[*memorySub]struct{}),
	}
}

// SetClock replaces the clock used for server timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailNext makes the next write return err without applying it.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Len returns the number of documents directly under a collection path.
func (m *Memory) Len(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.children[path])
}

func (m *Memory) SubscribeChildren(ctx context.Context, path string, fn func([]Snapshot)) (Subscription, error) {
	sub := &memorySub{children: fn}
	m.mu.Lock()
	if m.colSubs[path] == nil {
		m.colSubs[path] = make(map[*memorySub]struct{})
	}
	m.colSubs[path][sub] = struct{}{}
	d := delivery{sub: sub, version: m.version, snaps: m.childrenLocked(path)}
	m.mu.Unlock()

	d.deliver()
	return m.track(ctx, sub, func() { delete(m.colSubs[path], sub) }), nil
}

func (m *Memory) SubscribeValue(ctx context.Context, path string, fn func(Snapshot, bool)) (Subscription, error) {
	sub := &memorySub{value: fn}
	m.mu.Lock()
	if m.docSubs[path] == nil {
		m.docSubs[path] = make(map[*memorySub]struct{})
	}
	m.docSubs[path][sub] = struct{}{}
	d := m.valueDeliveryLocked(sub, path)
	m.mu.Unlock()

	d.deliver()
	return m.track(ctx, sub, func() { delete(m.docSubs[path], sub) }), nil
}

func (m *Memory) track(ctx context.Context, sub *memorySub, remove func()) Subscription {
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			sub.closed.Store(true)
			m.mu.Lock()
			remove()
			m.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return subscriptionFunc(func() {
		stop()
		unsubscribe()
	})
}

func (m *Memory) NewKey(string) string {
	return newKey()
}

func (m *Memory) Set(ctx context.Context, path string, fields map[string]any) error {
	return m.Commit(ctx, Write{Path: path, Fields: fields})
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	return m.Commit(ctx, Write{Path: path, Fields: fields, Merge: true})
}

func (m *Memory) Commit(ctx context.Context, writes ...Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		m.mu.Unlock()
		return err
	}

	now := m.serverTimeLocked()
	encoded := make([][]byte, len(writes))
	for i, w := range writes {
		data, err := encodeDoc(m.docs[w.Path], w.Fields, now, w.Merge)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		encoded[i] = data
	}

	m.version++
	touchedCols := make(map[string]struct{})
	touchedDocs := make(map[string]struct{})
	for i, w := range writes {
		m.docs[w.Path] = encoded[i]
		parent, key := splitPath(w.Path)
		if m.children[parent] == nil {
			m.children[parent] = make(map[string]struct{})
		}
		m.children[parent][key] = struct{}{}
		touchedCols[parent] = struct{}{}
		touchedDocs[w.Path] = struct{}{}
	}

	var deliveries []delivery
	for col := range touchedCols {
		if subs := m.colSubs[col]; len(subs) > 0 {
			snaps := m.childrenLocked(col)
			for sub := range subs {
				deliveries = append(deliveries, delivery{sub: sub, version: m.version, snaps: snaps})
			}
		}
	}
	for path := range touchedDocs {
		for sub := range m.docSubs[path] {
			deliveries = append(deliveries, m.valueDeliveryLocked(sub, path))
		}
	}
	m.mu.Unlock()

	for _, d := range deliveries {
		d.deliver()
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// serverTimeLocked returns a strictly increasing timestamp.
func (m *Memory) serverTimeLocked() time.Time {
	now := m.now().UTC()
	if !now.After(m.last) {
		now = m.last.Add(time.Microsecond)
	}
	m.last = now
	return now
}

func (m *Memory) childrenLocked(path string) []Snapshot {
	keys := make([]string, 0, len(m.children[path]))
	for k := range m.children[path] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	snaps := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		snaps = append(snaps, jsonSnapshot(k, m.docs[Join(path, k)]))
	}
	return snaps
}

func (m *Memory) valueDeliveryLocked(sub *memorySub, path string) delivery {
	_, key := splitPath(path)
	data, ok := m.docs[path]
	return delivery{sub: sub, version: m.version, snaps: []Snapshot{jsonSnapshot(key, data)}, exists: ok}
}

// deliver drops snapshots older than one already delivered to the subscriber.
func (d delivery) deliver() {
	d.sub.mu.Lock()
	defer d.sub.mu.Unlock()
	if d.sub.closed.Load() || (d.sub.lastSeen > 0 && d.version <= d.sub.lastSeen) {
		return
	}
	d.sub.lastSeen = d.version
	if d.sub.children != nil {
		d.sub.children(d.snaps)
		return
	}
	d.sub.value(d.snaps[0], d.exists)
}
