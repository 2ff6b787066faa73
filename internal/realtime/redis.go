package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pauljones0/portfolio-backend/internal/util"
)

const (
	redisDocPrefix    = "rt:doc:"
	redisColPrefix    = "rt:col:"
	redisNotifyPrefix = "rt:notify:"
	maxCommitAttempts = 5
)

// Redis implements Store with one JSON string per document, a set of child
// keys per collection and pub/sub notifications on every commit.
type Redis struct {
	rdb       *redis.Client
	retryBase time.Duration

	// beforeExec runs inside Commit between the reads and EXEC.
	beforeExec func()
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, retryBase: 500 * time.Millisecond}
}

func (r *Redis) SubscribeChildren(ctx context.Context, path string, fn func([]Snapshot)) (Subscription, error) {
	return r.subscribe(ctx, path, func(ctx context.Context) error {
		snaps, err := r.children(ctx, path)
		if err != nil {
			return err
		}
		fn(snaps)
		return nil
	})
}

func (r *Redis) SubscribeValue(ctx context.Context, path string, fn func(Snapshot, bool)) (Subscription, error) {
	_, key := splitPath(path)
	return r.subscribe(ctx, path, func(ctx context.Context) error {
		data, err := r.rdb.Get(ctx, redisDocPrefix+path).Bytes()
		if errors.Is(err, redis.Nil) {
			fn(NewSnapshot(key, nil), false)
			return nil
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", path, err)
		}
		fn(jsonSnapshot(key, data), true)
		return nil
	})
}

// subscribe listens on the path's notify channel and calls load once the
// subscription is confirmed and again after every notification.
func (r *Redis) subscribe(ctx context.Context, path string, load func(context.Context) error) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, redisNotifyPrefix+path)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &listener{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		defer ps.Close()

		reload := func() {
			for attempt := 0; ; attempt++ {
				err := load(ctx)
				if err == nil || ctx.Err() != nil {
					return
				}
				slog.Warn("Realtime reload failed", "path", path, "attempt", attempt, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(util.Backoff(attempt, r.retryBase)):
				}
			}
		}

		reload()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				reload()
			}
		}
	}()
	return l, nil
}

func (r *Redis) children(ctx context.Context, path string) ([]Snapshot, error) {
	keys, err := r.rdb.SMembers(ctx, redisColPrefix+path).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	slices.Sort(keys)

	docKeys := make([]string, len(keys))
	for i, k := range keys {
		docKeys[i] = redisDocPrefix + Join(path, k)
	}
	values, err := r.rdb.MGet(ctx, docKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	snaps := make([]Snapshot, 0, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		snaps = append(snaps, jsonSnapshot(keys[i], []byte(s)))
	}
	return snaps, nil
}

func (r *Redis) NewKey(string) string {
	return newKey()
}

func (r *Redis) Set(ctx context.Context, path string, fields map[string]any) error {
	return r.Commit(ctx, Write{Path: path, Fields: fields})
}

func (r *Redis) Update(ctx context.Context, path string, fields map[string]any) error {
	return r.Commit(ctx, Write{Path: path, Fields: fields, Merge: true})
}

// Commit writes every document in one MULTI/EXEC guarded by WATCH on the
// touched documents, retrying when a concurrent writer wins. The server time
// is read after WATCH on every attempt, so the last commit to land carries
// the latest timestamp.
func (r *Redis) Commit(ctx context.Context, writes ...Write) error {
	if len(writes) == 0 {
		return nil
	}
	watched := make([]string, len(writes))
	for i, w := range writes {
		watched[i] = redisDocPrefix + w.Path
	}

	txf := func(tx *redis.Tx) error {
		now, err := tx.Time(ctx).Result()
		if err != nil {
			return fmt.Errorf("read server time: %w", err)
		}
		now = now.UTC()

		encoded := make([][]byte, len(writes))
		for i, w := range writes {
			var existing []byte
			if w.Merge {
				b, err := tx.Get(ctx, watched[i]).Bytes()
				if err != nil && !errors.Is(err, redis.Nil) {
					return err
				}
				existing = b
			}
			data, err := encodeDoc(existing, w.Fields, now, w.Merge)
			if err != nil {
				return err
			}
			encoded[i] = data
		}
		if r.beforeExec != nil {
			r.beforeExec()
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, w := range writes {
				parent, key := splitPath(w.Path)
				pipe.Set(ctx, watched[i], encoded[i], 0)
				pipe.SAdd(ctx, redisColPrefix+parent, key)
			}
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		err = r.rdb.Watch(ctx, txf, watched...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("commit %d writes: %w", len(writes), err)
		}
		r.notify(ctx, writes)
		return nil
	}
	return fmt.Errorf("commit %d writes: %w", len(writes), err)
}

func (r *Redis) notify(ctx context.Context, writes []Write) {
	channels := make(map[string]struct{})
	for _, w := range writes {
		parent, _ := splitPath(w.Path)
		channels[redisNotifyPrefix+parent] = struct{}{}
		channels[redisNotifyPrefix+w.Path] = struct{}{}
	}
	for ch := range channels {
		if err := r.rdb.Publish(ctx, ch, "changed").Err(); err != nil {
			slog.Warn("Failed to publish realtime change", "channel", ch, "error", err)
		}
	}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
