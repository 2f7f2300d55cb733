// Package client is the public face of the resilient call layer. A Client
// turns a logical endpoint call into a value that is fresh, cached, stale
// or synthetic, always tagged with its provenance, or into a typed error.
//
// One call runs: route resolution, coalescing with equivalent in-flight
// calls, a cache-aside read, the retrying remote execution and, when the
// remote operation cannot be reached, the degradation ladder of stale
// cache, then registered fallback, then a terminal error.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dskow/resilient-client/internal/apierror"
	"github.com/dskow/resilient-client/internal/cache"
	"github.com/dskow/resilient-client/internal/dedup"
	"github.com/dskow/resilient-client/internal/descriptor"
	"github.com/dskow/resilient-client/internal/fallback"
	"github.com/dskow/resilient-client/internal/metrics"
	"github.com/dskow/resilient-client/internal/retry"
	"github.com/dskow/resilient-client/internal/route"
)

// Executor runs one remote operation with retries.
type Executor interface {
	Execute(ctx context.Context, op string, payload json.RawMessage, maxRetries int) (json.RawMessage, retry.Stats, error)
}

// Deps are the collaborators of a Client.
type Deps struct {
	Executor  Executor
	Cache     *cache.Store
	Catalogue []route.Definition
	// Fallbacks defaults to fallback.Defaults() when nil.
	Fallbacks *fallback.Registry
	Settings  Settings
	Logger    *slog.Logger
}

// catalogue is the hot-swappable part of a Client.
type catalogue struct {
	resolver  *route.Resolver
	fallbacks *fallback.Registry
	settings  Settings
}

// Client executes logical calls. It is safe for concurrent use.
type Client struct {
	exec      Executor
	cache     *cache.Store
	logger    *slog.Logger
	group     *dedup.Group[*Result]
	debouncer *dedup.Debouncer[pending, *Result]

	cat atomic.Pointer[catalogue]
}

// pending is a call that has been resolved and keyed but not yet run.
type pending struct {
	endpoint string
	verb     string
	op       route.Operation
	body     json.RawMessage
	key      string
	opts     callOptions
}

// New builds a Client. The catalogue is validated here; an invalid
// catalogue is a configuration error and no Client is returned.
func New(deps Deps) (*Client, error) {
	if deps.Executor == nil || deps.Cache == nil {
		return nil, errors.New("client: executor and cache are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	c := &Client{
		exec:   deps.Executor,
		cache:  deps.Cache,
		logger: deps.Logger,
		group:  dedup.NewGroup[*Result](),
	}
	if err := c.UpdateCatalogue(deps.Catalogue, deps.Fallbacks, deps.Settings); err != nil {
		return nil, err
	}
	c.debouncer = dedup.NewDebouncer[pending, *Result](c.cat.Load().settings.DebounceWindow)
	return c, nil
}

// UpdateCatalogue validates and installs a new catalogue, fallback registry
// and call defaults. On error the current catalogue stays in place. Calls
// already running finish against the catalogue they started with.
func (c *Client) UpdateCatalogue(defs []route.Definition, fallbacks *fallback.Registry, settings Settings) error {
	resolver, err := route.New(defs)
	if err != nil {
		return err
	}
	if fallbacks == nil {
		fallbacks = fallback.Defaults()
	}
	c.cat.Store(&catalogue{resolver: resolver, fallbacks: fallbacks, settings: settings.withDefaults()})
	return nil
}

func (c *Client) options(s Settings, opts []CallOption) callOptions {
	o := callOptions{useCache: true, maxRetries: s.Retries(), coalesce: !s.DisableCoalescing}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Call performs one logical call of verb on endpoint.
//
// It returns a Result for fresh, cached, stale and fallback values. When
// the remote operation reports an application error the Result has
// provenance FreshError and the *apierror.Error is returned with it.
// Configuration and terminal failures return a nil Result.
func (c *Client) Call(ctx context.Context, endpoint, verb string, payload any, opts ...CallOption) (*Result, error) {
	start := time.Now()
	cat := c.cat.Load()
	verb = strings.ToUpper(strings.TrimSpace(verb))
	canonical := descriptor.CanonicalEndpoint(endpoint)

	op, err := cat.resolver.Resolve(endpoint, verb)
	if err != nil {
		metrics.ConfigurationErrors.WithLabelValues(canonical, verb).Inc()
		c.logger.Error("endpoint does not resolve to a remote operation",
			"endpoint", endpoint,
			"verb", verb,
			"error", err,
		)
		return nil, err
	}

	body, err := descriptor.Canonical(payload)
	if err != nil {
		return nil, apierror.Application(endpoint, apierror.InvalidPayload, err.Error())
	}

	p := pending{
		endpoint: canonical,
		verb:     verb,
		op:       op,
		body:     body,
		key:      descriptor.KeyFor(verb, canonical, body),
		opts:     c.options(cat.settings, opts),
	}

	var res *Result
	if p.opts.debounce {
		res, err = c.debouncer.Do(ctx, descriptor.Prefix(verb, canonical), p, func(ctx context.Context, last pending) (*Result, error) {
			return c.coalesce(ctx, cat, last)
		})
		if res != nil {
			res = res.clone(false)
		}
	} else {
		res, err = c.coalesce(ctx, cat, p)
	}

	c.observe(canonical, res, err, time.Since(start))
	return res, err
}

func (c *Client) coalesce(ctx context.Context, cat *catalogue, p pending) (*Result, error) {
	if !p.opts.coalesce {
		return c.run(ctx, cat, p)
	}
	res, shared, err := c.group.Run(ctx, p.key, func(ctx context.Context) (*Result, error) {
		return c.run(ctx, cat, p)
	})
	return res.clone(shared), err
}

// run is the cache-aside read, the remote execution and the degradation
// ladder for one keyed call.
func (c *Client) run(ctx context.Context, cat *catalogue, p pending) (*Result, error) {
	op := p.op
	if op.Cacheable && p.opts.useCache {
		if e, ok := c.cache.Get(ctx, p.key); ok {
			return &Result{Data: e.Value, Provenance: Cached, Operation: op.ID, StoredAt: e.StoredAt}, nil
		}
	}

	data, stats, err := c.exec.Execute(ctx, op.ID, p.body, p.opts.maxRetries)
	if err == nil {
		c.afterSuccess(ctx, cat, p, data)
		return &Result{Data: data, Provenance: Fresh, Operation: op.ID, Attempts: stats.Attempts}, nil
	}

	if apierror.IsApplication(err) {
		c.logger.Info("remote operation reported an application error",
			"endpoint", p.endpoint,
			"operation", op.ID,
			"code", apierror.CodeOf(err),
		)
		return &Result{Provenance: FreshError, Operation: op.ID, Attempts: stats.Attempts}, err
	}

	return c.degrade(ctx, cat, p, stats, err)
}

func (c *Client) afterSuccess(ctx context.Context, cat *catalogue, p pending, data json.RawMessage) {
	op := p.op
	if op.Cacheable {
		ttl := p.opts.ttl
		if ttl <= 0 {
			ttl = op.TTL
		}
		if ttl <= 0 {
			ttl = cat.settings.DefaultTTL
		}
		if err := c.cache.Set(ctx, p.key, data, ttl); err != nil {
			c.logger.Warn("cache write failed", "endpoint", p.endpoint, "error", err)
		}
	}
	for _, target := range op.Invalidates {
		n, err := c.invalidateEndpoint(ctx, target)
		if err != nil {
			c.logger.Warn("cache invalidation after mutation failed",
				"endpoint", p.endpoint,
				"target", target,
				"error", err,
			)
			continue
		}
		c.logger.Debug("invalidated cache after mutation", "endpoint", p.endpoint, "target", target, "entries", n)
	}
}

// degrade walks the ladder after the remote operation could not be reached:
// a stale cache entry, then the registered fallback, then a terminal error.
func (c *Client) degrade(ctx context.Context, cat *catalogue, p pending, stats retry.Stats, last error) (*Result, error) {
	op := p.op
	if op.Cacheable {
		if e, ok := c.cache.GetStale(ctx, p.key); ok {
			c.logger.Warn("serving stale cache entry",
				"endpoint", p.endpoint,
				"operation", op.ID,
				"stored_at", e.StoredAt,
				"error", last,
			)
			return &Result{Data: e.Value, Provenance: CacheStale, Operation: op.ID, StoredAt: e.StoredAt, Attempts: stats.Attempts}, nil
		}
	}

	fb, ok, err := cat.fallbacks.Lookup(op.Endpoint, p.body)
	if err != nil {
		c.logger.Error("fallback generator failed", "endpoint", op.Endpoint, "error", err)
	}
	if ok {
		c.logger.Warn("serving fallback value",
			"endpoint", p.endpoint,
			"operation", op.ID,
			"error", last,
		)
		return &Result{Data: fb, Provenance: Fallback, Operation: op.ID, Attempts: stats.Attempts}, nil
	}

	c.logger.Error("call failed with no degraded value available",
		"endpoint", p.endpoint,
		"operation", op.ID,
		"attempts", stats.Attempts,
		"error", last,
	)
	return nil, apierror.Terminal(p.endpoint, last)
}

func (c *Client) observe(endpoint string, res *Result, err error, d time.Duration) {
	provenance := "error"
	if res != nil {
		provenance = string(res.Provenance)
	} else if apierror.IsConfiguration(err) {
		provenance = "configuration-error"
	}
	metrics.CallsTotal.WithLabelValues(endpoint, provenance).Inc()
	metrics.CallDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// Get calls endpoint with verb GET. query becomes the payload; see
// QueryPayload for url.Values.
func (c *Client) Get(ctx context.Context, endpoint string, query any, opts ...CallOption) (*Result, error) {
	return c.Call(ctx, endpoint, http.MethodGet, query, opts...)
}

// Post calls endpoint with verb POST.
func (c *Client) Post(ctx context.Context, endpoint string, body any, opts ...CallOption) (*Result, error) {
	return c.Call(ctx, endpoint, http.MethodPost, body, opts...)
}

// Put calls endpoint with verb PUT.
func (c *Client) Put(ctx context.Context, endpoint string, body any, opts ...CallOption) (*Result, error) {
	return c.Call(ctx, endpoint, http.MethodPut, body, opts...)
}

// Delete calls endpoint with verb DELETE.
func (c *Client) Delete(ctx context.Context, endpoint string, body any, opts ...CallOption) (*Result, error) {
	return c.Call(ctx, endpoint, http.MethodDelete, body, opts...)
}

// Invalidate drops the cached value of one call.
func (c *Client) Invalidate(ctx context.Context, endpoint, verb string, payload any) error {
	key, err := descriptor.New(endpoint, verb, payload).Key()
	if err != nil {
		return apierror.Application(endpoint, apierror.InvalidPayload, err.Error())
	}
	return c.cache.Invalidate(ctx, key)
}

// InvalidateEndpoint drops every cached GET value of endpoint, including
// those of its resource sub-paths such as user.products.42, and returns how
// many were removed. Sibling endpoints (diary.list for diary) are kept.
func (c *Client) InvalidateEndpoint(ctx context.Context, endpoint string) (int, error) {
	return c.invalidateEndpoint(ctx, endpoint)
}

func (c *Client) invalidateEndpoint(ctx context.Context, endpoint string) (int, error) {
	prefix := descriptor.Prefix(http.MethodGet, endpoint)
	n, err := c.cache.InvalidatePrefix(ctx, prefix+"|")
	if err != nil {
		return n, err
	}
	sub := prefix + "."
	m, err := c.cache.InvalidateFunc(ctx, sub, func(key string) bool {
		rest := strings.TrimPrefix(key, sub)
		if i := strings.IndexByte(rest, '|'); i >= 0 {
			rest = rest[:i]
		}
		seg, _, _ := strings.Cut(rest, ".")
		return route.IsDynamicSegment(seg)
	})
	return n + m, err
}

// Operations lists the catalogue.
func (c *Client) Operations() []route.Operation {
	return c.cat.Load().resolver.Operations()
}

// Fallbacks lists endpoints that have a registered fallback.
func (c *Client) Fallbacks() []string {
	return c.cat.Load().fallbacks.Endpoints()
}

// InFlight lists coalesced calls currently waiting on the remote operation.
func (c *Client) InFlight() []dedup.Pending {
	return c.group.Snapshot()
}
