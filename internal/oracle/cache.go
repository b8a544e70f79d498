// Package oracle holds the per-tick cache of external data feeds (FX rates,
// weather, GPS) read by condition evaluation.
//
// Each oracle type is held behind its own atomic pointer and replaced
// wholesale on refresh, so a reader sees either the previous snapshot or
// the new one, never a mix.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aegis-decision-engine/autorule/internal/models"
)

// Provider fetches one oracle type from its upstream feed
type Provider interface {
	Type() models.OracleType
	Fetch(ctx context.Context) (*models.Snapshot, error)
}

// Mirror persists snapshots outside the process so a restarted engine can
// evaluate before its first refresh completes.
type Mirror interface {
	SaveSnapshot(ctx context.Context, snap *models.Snapshot, ttl time.Duration) error
	LoadSnapshot(ctx context.Context, t models.OracleType) (*models.Snapshot, error)
}

// Options configures a Cache
type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	Mirror       Mirror
	Logger       *slog.Logger
	// OnFetchError is called once per failed provider fetch
	OnFetchError func(t models.OracleType, err error)
}

// Cache supplies the freshest snapshot per oracle type
type Cache struct {
	providers    map[models.OracleType]Provider
	snapshots    map[models.OracleType]*atomic.Pointer[models.Snapshot]
	mirror       Mirror
	ttl          time.Duration
	fetchTimeout time.Duration
	onFetchError func(models.OracleType, error)
	unconfigured sync.Map // types already warned about
	logger       *slog.Logger
	now          func() time.Time
}

// NewCache creates a cache over the given providers
func NewCache(providers []Provider, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}

	c := &Cache{
		providers:    make(map[models.OracleType]Provider, len(providers)),
		snapshots:    make(map[models.OracleType]*atomic.Pointer[models.Snapshot], len(models.AllOracleTypes)),
		mirror:       opts.Mirror,
		ttl:          opts.TTL,
		fetchTimeout: opts.FetchTimeout,
		onFetchError: opts.OnFetchError,
		logger:       logger,
		now:          time.Now,
	}
	for _, t := range models.AllOracleTypes {
		c.snapshots[t] = &atomic.Pointer[models.Snapshot]{}
	}
	for _, p := range providers {
		c.providers[p.Type()] = p
	}
	return c
}

// RefreshResult reports which oracle types were replaced and which kept
// their previous snapshot
type RefreshResult struct {
	Refreshed []models.OracleType
	Failed    map[models.OracleType]error
	// Unconfigured types have no provider. They are not failures; their
	// conditions are simply never satisfied.
	Unconfigured []models.OracleType
}

// Outage reports whether every requested type with a provider failed
func (r RefreshResult) Outage() bool {
	return len(r.Refreshed) == 0 && len(r.Failed) > 0
}

// Refresh fetches the requested types concurrently. A failing or slow
// provider never blocks the others; its previous snapshot is retained and
// the failure is reported in the result rather than returned.
func (c *Cache) Refresh(ctx context.Context, types []models.OracleType) RefreshResult {
	result := RefreshResult{Failed: make(map[models.OracleType]error)}
	var mu sync.Mutex

	var g errgroup.Group
	for _, t := range types {
		if _, ok := c.providers[t]; !ok {
			result.Unconfigured = append(result.Unconfigured, t)
			if _, warned := c.unconfigured.LoadOrStore(t, true); !warned {
				c.logger.Warn("rules reference an oracle with no provider configured", "oracle", t)
			}
			continue
		}
		g.Go(func() error {
			err := c.refreshOne(ctx, t)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[t] = err
				c.logger.Warn("oracle refresh failed, keeping previous snapshot",
					"oracle", t,
					"error", err,
				)
				if c.onFetchError != nil {
					c.onFetchError(t, err)
				}
				return nil
			}
			result.Refreshed = append(result.Refreshed, t)
			return nil
		})
	}
	_ = g.Wait()

	return result
}

// RefreshAll refreshes every type that has a provider
func (c *Cache) RefreshAll(ctx context.Context) RefreshResult {
	types := make([]models.OracleType, 0, len(c.providers))
	for _, t := range models.AllOracleTypes {
		if _, ok := c.providers[t]; ok {
			types = append(types, t)
		}
	}
	return c.Refresh(ctx, types)
}

func (c *Cache) refreshOne(ctx context.Context, t models.OracleType) (err error) {
	provider, ok := c.providers[t]
	if !ok {
		return fmt.Errorf("no provider configured for %s", t)
	}
	slot, ok := c.snapshots[t]
	if !ok {
		return fmt.Errorf("unknown oracle type %s", t)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider %s panicked: %v", t, r)
		}
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	start := c.now()
	snap, err := provider.Fetch(fetchCtx)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("provider %s returned no snapshot", t)
	}

	snap.Type = t
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = c.now()
	}
	slot.Store(snap)

	c.logger.Info("oracle refreshed",
		"oracle", t,
		"duration_ms", c.now().Sub(start).Milliseconds(),
	)

	if c.mirror != nil {
		if err := c.mirror.SaveSnapshot(ctx, snap, c.ttl); err != nil {
			c.logger.Warn("failed to mirror oracle snapshot", "oracle", t, "error", err)
		}
	}
	return nil
}

// Warm loads mirrored snapshots for types that have none in memory
func (c *Cache) Warm(ctx context.Context) {
	if c.mirror == nil {
		return
	}
	for t, slot := range c.snapshots {
		if slot.Load() != nil {
			continue
		}
		snap, err := c.mirror.LoadSnapshot(ctx, t)
		if err != nil {
			c.logger.Debug("no mirrored snapshot", "oracle", t, "error", err)
			continue
		}
		slot.CompareAndSwap(nil, snap)
		c.logger.Info("oracle snapshot restored from mirror", "oracle", t, "fetched_at", snap.FetchedAt)
	}
}

// View captures the current snapshots. The view does not change when the
// cache is refreshed afterwards.
func (c *Cache) View() *View {
	snaps := make(map[models.OracleType]*models.Snapshot, len(c.snapshots))
	for t, slot := range c.snapshots {
		if s := slot.Load(); s != nil {
			snaps[t] = s
		}
	}
	return &View{snapshots: snaps, now: c.now(), ttl: c.ttl}
}
