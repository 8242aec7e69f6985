// Package cache provides the shared read cache for hot telemetry lookups.
// Deployments with a REDIS_URL get the distributed implementation; everything
// else falls back to the in-process store. Both speak the same interface, so
// callers never branch on the backend.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/moonfleet/moonfleet/moonbot"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the backend contract. Values are opaque strings; typed helpers
// below handle JSON encoding.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Default TTLs for the typed helpers. Balances churn fast, strategy
// definitions barely move.
const (
	BalanceTTL    = 10 * time.Second
	StrategiesTTL = 60 * time.Second
	StatusTTL     = 30 * time.Second
)

func balanceKey(id moonbot.ServerID) string    { return fmt.Sprintf("moonbot:balance:%d", id) }
func strategiesKey(id moonbot.ServerID) string { return fmt.Sprintf("moonbot:strategies:%d", id) }
func statusKey(id moonbot.ServerID) string     { return fmt.Sprintf("moonbot:status:%d", id) }

// Observer counts lookups for the metrics surface. Satisfied by the metrics
// collector; nil means no accounting.
type Observer interface {
	CacheHit()
	CacheMiss()
}

// Typed wraps a Cache with the domain helpers the ingest pipeline and HTTP
// boundary use.
type Typed struct {
	backend       Cache
	observer      Observer
	balanceTTL    time.Duration
	strategiesTTL time.Duration
	statusTTL     time.Duration
}

type TypedOption func(*Typed)

func WithBalanceTTL(ttl time.Duration) TypedOption {
	return func(t *Typed) {
		if ttl > 0 {
			t.balanceTTL = ttl
		}
	}
}

func WithStrategiesTTL(ttl time.Duration) TypedOption {
	return func(t *Typed) {
		if ttl > 0 {
			t.strategiesTTL = ttl
		}
	}
}

func WithObserver(o Observer) TypedOption {
	return func(t *Typed) { t.observer = o }
}

func NewTyped(backend Cache, opts ...TypedOption) *Typed {
	t := &Typed{
		backend:       backend,
		balanceTTL:    BalanceTTL,
		strategiesTTL: StrategiesTTL,
		statusTTL:     StatusTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Typed) SetBalance(ctx context.Context, b moonbot.Balance) error {
	return t.setJSON(ctx, balanceKey(b.ServerID), b, t.balanceTTL)
}

func (t *Typed) GetBalance(ctx context.Context, id moonbot.ServerID) (moonbot.Balance, error) {
	var b moonbot.Balance
	err := t.getJSON(ctx, balanceKey(id), &b)
	return b, err
}

func (t *Typed) SetStrategies(ctx context.Context, id moonbot.ServerID, strategies []moonbot.Strategy) error {
	return t.setJSON(ctx, strategiesKey(id), strategies, t.strategiesTTL)
}

func (t *Typed) GetStrategies(ctx context.Context, id moonbot.ServerID) ([]moonbot.Strategy, error) {
	var out []moonbot.Strategy
	err := t.getJSON(ctx, strategiesKey(id), &out)
	return out, err
}

func (t *Typed) SetStatus(ctx context.Context, st moonbot.ServerStatus) error {
	return t.setJSON(ctx, statusKey(st.ServerID), st, t.statusTTL)
}

func (t *Typed) GetStatus(ctx context.Context, id moonbot.ServerID) (moonbot.ServerStatus, error) {
	var st moonbot.ServerStatus
	err := t.getJSON(ctx, statusKey(id), &st)
	return st, err
}

func (t *Typed) Invalidate(ctx context.Context, id moonbot.ServerID) {
	_ = t.backend.Delete(ctx, balanceKey(id))
	_ = t.backend.Delete(ctx, strategiesKey(id))
	_ = t.backend.Delete(ctx, statusKey(id))
}

// Allow is the fixed-window rate-limit primitive: at most limit calls per
// window for one key. Backend failures fail open.
func (t *Typed) Allow(ctx context.Context, key string, limit int64, window time.Duration) bool {
	n, err := t.backend.Incr(ctx, "moonbot:rl:"+key)
	if err != nil {
		return true
	}
	if n == 1 {
		_ = t.backend.Expire(ctx, "moonbot:rl:"+key, window)
	}
	return n <= limit
}

func (t *Typed) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return t.backend.Set(ctx, key, string(data), ttl)
}

func (t *Typed) getJSON(ctx context.Context, key string, v any) error {
	raw, err := t.backend.Get(ctx, key)
	if err != nil {
		if t.observer != nil {
			t.observer.CacheMiss()
		}
		return err
	}
	if t.observer != nil {
		t.observer.CacheHit()
	}
	return json.Unmarshal([]byte(raw), v)
}
