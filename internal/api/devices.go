package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/portfolio-backend/internal/identity"
	"github.com/pauljones0/portfolio-backend/internal/likes"
	"github.com/pauljones0/portfolio-backend/internal/localstore"
	"github.com/pauljones0/portfolio-backend/internal/metrics"
)

const hydrateTimeout = 30 * time.Second

// device is one browser's like reconciler plus its request budget.
type device struct {
	id         string
	identity   *deviceIdentity
	reconciler *likes.Reconciler
	limiter    *rate.Limiter
	lastSeen   time.Time
	ready      chan struct{}
}

// deviceIdentity lets a cached reconciler follow the identity presented on
// the latest request of its device.
type deviceIdentity struct {
	mu   sync.Mutex
	sess *identity.Session
}

func (d *deviceIdentity) use(sess *identity.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil || sess.Current() != "" {
		d.sess = sess
	}
}

func (d *deviceIdentity) session() *identity.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess
}

func (d *deviceIdentity) Current() string {
	return d.session().Current()
}

func (d *deviceIdentity) AcquireAnonymous(ctx context.Context) (string, error) {
	return d.session().AcquireAnonymous(ctx)
}

// registry caches reconcilers per device and evicts idle ones.
type registry struct {
	items   likes.ItemStore
	local   localstore.Store
	newOpts []likes.Option
	idle    time.Duration
	perSec  float64
	now     func() time.Time

	mu      sync.Mutex
	devices map[string]*device
}

func newRegistry(items likes.ItemStore, local localstore.Store, idle time.Duration, perSec float64, opts ...likes.Option) *registry {
	return &registry{
		items:   items,
		local:   local,
		newOpts: opts,
		idle:    idle,
		perSec:  perSec,
		now:     time.Now,
		devices: make(map[string]*device),
	}
}

// get returns the device, building and hydrating it on first use. Hydration
// outlives the request that triggered it since the device stays cached.
func (g *registry) get(ctx context.Context, id string, sess *identity.Session) *device {
	g.mu.Lock()
	d, ok := g.devices[id]
	if ok {
		d.lastSeen = g.now()
		g.mu.Unlock()
		d.identity.use(sess)
		select {
		case <-d.ready:
		case <-ctx.Done():
		}
		return d
	}
	di := &deviceIdentity{sess: sess}
	d = &device{
		id:         id,
		identity:   di,
		reconciler: likes.New(g.items, di, localstore.Namespace(g.local, id), g.newOpts...),
		limiter:    rate.NewLimiter(rate.Limit(g.perSec), max(1, int(g.perSec))),
		lastSeen:   g.now(),
		ready:      make(chan struct{}),
	}
	g.devices[id] = d
	n := len(g.devices)
	g.mu.Unlock()
	metrics.SetActiveDevices(n)
	defer close(d.ready)

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hydrateTimeout)
	defer cancel()
	if err := d.reconciler.Load(hctx); err != nil {
		slog.Warn("Starting device with empty like state", "device", id, "error", err)
	}
	if err := d.reconciler.Refresh(hctx); err != nil {
		slog.Warn("Initial item refresh failed", "device", id, "error", err)
	}
	return d
}

func (g *registry) evictIdle() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-g.idle)
	evicted := 0
	for id, d := range g.devices {
		if d.lastSeen.Before(cutoff) {
			delete(g.devices, id)
			evicted++
		}
	}
	metrics.SetActiveDevices(len(g.devices))
	return evicted
}

func (g *registry) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.devices)
}

// run evicts idle devices until ctx is cancelled.
func (g *registry) run(ctx context.Context) {
	interval := g.idle / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.evictIdle(); n > 0 {
				slog.Debug("Evicted idle devices", "count", n)
			}
		}
	}
}
