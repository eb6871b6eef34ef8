// Package resolve serves files by logical name when the exact stored key is unknown. Files
// written under older naming conventions are found by trying each convention in turn against
// the durable tier, each attempt under its own short timeout.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"alcyxob/fitness-media/internal/domain"
	"alcyxob/fitness-media/internal/metrics"
	"alcyxob/fitness-media/internal/storage"

	"github.com/bitrise-io/go-utils/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrNotFound      = errors.New("file not found")
	ErrNotConfigured = errors.New("durable storage not configured")
)

const (
	DefaultAttemptTimeout = 2 * time.Second
	DefaultCacheSize      = 2048
)

type Options struct {
	Durable        storage.Backend // nil when no durable tier is configured
	AttemptTimeout time.Duration
	CacheSize      int
	Logger         log.Logger
	Metrics        *metrics.Metrics
}

type Resolver struct {
	durable storage.Backend
	timeout time.Duration
	cache   *lru.Cache[string, string] // logical name -> key that last served it
	logger  log.Logger
	metrics *metrics.Metrics
}

// Resolved is a successful lookup.
type Resolved struct {
	Key  string
	Data []byte
}

func New(opts Options) (*Resolver, error) {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	cache, err := lru.New[string, string](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create resolver cache: %w", err)
	}
	return &Resolver{
		durable: opts.Durable,
		timeout: opts.AttemptTimeout,
		cache:   cache,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Candidates lists the keys tried for name, most likely first.
func Candidates(name string) []string {
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	if name == "" {
		return nil
	}
	rel := strings.TrimPrefix(name, domain.UploadsPrefix)
	base := path.Base(rel)

	keys := []string{
		domain.UploadsPrefix + rel,
		rel,
		domain.UploadsPrefix + base,
		base,
	}
	if thumbBase, ok := strings.CutSuffix(rel, "_thumb.jpg"); ok {
		keys = append(keys, domain.LegacyThumbnailKeys(domain.UploadsPrefix+thumbBase)...)
	}
	return dedupe(keys)
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if seen[k] || domain.ValidateKey(k) != nil {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Serve returns the first non-empty object among the candidate keys of name. It never
// writes to either tier.
func (r *Resolver) Serve(ctx context.Context, name string) (Resolved, error) {
	if r.durable == nil {
		return Resolved{}, ErrNotConfigured
	}
	keys := Candidates(name)
	if len(keys) == 0 {
		return Resolved{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if cached, ok := r.cache.Get(name); ok {
		keys = dedupe(append([]string{cached}, keys...))
	}

	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return Resolved{}, err
		}
		data, err := r.attempt(ctx, key)
		if err != nil {
			r.logger.Debugf("Resolve %s: attempt %d (%s) failed: %v", name, i+1, key, err)
			continue
		}
		r.cache.Add(name, key)
		r.logger.Debugf("Resolve %s: served from %s on attempt %d", name, key, i+1)
		return Resolved{Key: key, Data: data}, nil
	}
	r.cache.Remove(name)
	return Resolved{}, fmt.Errorf("%w: %q after %d attempt(s)", ErrNotFound, name, len(keys))
}

func (r *Resolver) attempt(ctx context.Context, key string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.durable.Get(attemptCtx, key)
	switch {
	case err == nil && len(data) > 0:
		r.metrics.Resolve("hit")
		return data, nil
	case err == nil:
		r.metrics.Resolve("empty")
		return nil, errors.New("empty object")
	case errors.Is(err, storage.ErrObjectNotFound):
		r.metrics.Resolve("miss")
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		r.metrics.Resolve("timeout")
	default:
		r.metrics.Resolve("error")
	}
	return nil, err
}
