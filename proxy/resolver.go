package proxy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy/lfu"
)

// DefaultMaxConcurrency bounds concurrent backend calls when
// ResolverOptions.MaxConcurrency is unset.
const DefaultMaxConcurrency = 64

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// Fingerprinter derives cache keys; nil uses one without cardinality rules.
	Fingerprinter *Fingerprinter
	// MaxConcurrency bounds in-flight backend calls across all requests.
	MaxConcurrency int
	// ScoreTimeout bounds each backend call. Zero means no timeout.
	ScoreTimeout time.Duration
}

// Result is the outcome for one item of a batch.
type Result struct {
	Score  float64
	Cached bool
	Err    error // wraps ErrScoringFailure
}

// ResolverStats counts backend traffic.
type ResolverStats struct {
	BackendCalls  uint64 `json:"backend_calls"`
	BackendErrors uint64 `json:"backend_errors"`
	// Coalesced counts item lookups that waited on another caller's backend
	// call instead of starting their own.
	Coalesced     uint64 `json:"coalesced"`
}

// Resolver answers batches from the cache and scores misses with the backend.
// A single Resolver, and its cache, is shared by all request handlers.
type Resolver struct {
	cache   *lfu.Cache
	scorer  Scorer
	keys    *Fingerprinter
	sem     *semaphore.Weighted
	timeout time.Duration
	flights singleflight.Group

	backendCalls  atomic.Uint64
	backendErrors atomic.Uint64
	coalesced     atomic.Uint64
}

// NewResolver wires a cache to a backend. Both are required.
func NewResolver(cache *lfu.Cache, scorer Scorer, opts ResolverOptions) *Resolver {
	if cache == nil {
		panic("NewResolver: cache is nil")
	}
	if scorer == nil {
		panic("NewResolver: scorer is nil")
	}
	keys := opts.Fingerprinter
	if keys == nil {
		keys = NewFingerprinter(nil)
	}
	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	return &Resolver{
		cache:   cache,
		scorer:  scorer,
		keys:    keys,
		sem:     semaphore.NewWeighted(int64(limit)),
		timeout: opts.ScoreTimeout,
	}
}

// Cache returns the shared cache.
func (r *Resolver) Cache() *lfu.Cache { return r.cache }

// Stats returns backend traffic counters.
func (r *Resolver) Stats() ResolverStats {
	return ResolverStats{
		BackendCalls:  r.backendCalls.Load(),
		BackendErrors: r.backendErrors.Load(),
		Coalesced:     r.coalesced.Load(),
	}
}

type pendingScore struct {
	index int
	led   *bool // set by the flight function when this batch started the flight
	ch    <-chan singleflight.Result
}

// miss is an item whose score was not in the cache.
type miss struct {
	index int
	item  Item
	fp    Fingerprint
}

// Resolve returns one Result per item, in item order. The context is
// normalized once; each item is looked up by fingerprint and misses are scored
// concurrently. Per-item backend failures are reported in the Result and do not
// affect sibling items.
//
// If the scorer implements BatchScorer, all misses of the call are scored
// with one backend request instead.
//
// If ctx ends first, Resolve returns ctx.Err(). Backend calls already started
// keep running on a detached context and still populate the cache.
func (r *Resolver) Resolve(ctx context.Context, model string, c *Context, items []Item) ([]Result, error) {
	nc := r.keys.Normalize(model, c)
	results := make([]Result, len(items))

	var misses []miss
	for i, item := range items {
		fp := nc.Fingerprint(item)
		if score, ok := r.cache.Get(fp); ok {
			results[i] = Result{Score: score, Cached: true}
			continue
		}
		misses = append(misses, miss{index: i, item: item, fp: fp})
	}
	if len(misses) == 0 {
		return results, nil
	}

	if bs, ok := r.scorer.(BatchScorer); ok {
		if err := r.resolveBatch(ctx, bs, nc, misses, results); err != nil {
			return nil, err
		}
		return results, nil
	}

	pending := make([]pendingScore, 0, len(misses))
	for _, m := range misses {
		led := new(bool)
		ch := r.flights.DoChan(m.fp.String(), r.scoreMiss(ctx, nc, m.item, m.fp, led))
		pending = append(pending, pendingScore{index: m.index, led: led, ch: ch})
	}

	for _, p := range pending {
		select {
		case res := <-p.ch:
			if res.Shared && !*p.led {
				r.coalesced.Add(1)
			}
			if res.Err != nil {
				results[p.index].Err = res.Err
				continue
			}
			results[p.index].Score = res.Val.(float64)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, nil
}

// callContext derives the context of one backend call.
func (r *Resolver) callContext(detached context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(detached, r.timeout)
	}
	return detached, func() {}
}

// scoreMiss builds the singleflight call for one missing fingerprint.
func (r *Resolver) scoreMiss(ctx context.Context, nc *NormalizedContext, item Item, fp Fingerprint, led *bool) func() (any, error) {
	detached := context.WithoutCancel(ctx)
	return func() (any, error) {
		*led = true
		// another flight may have filled the entry since our lookup
		if score, _, ok := r.cache.Peek(fp); ok {
			return score, nil
		}

		callCtx, cancel := r.callContext(detached)
		defer cancel()

		if err := r.sem.Acquire(callCtx, 1); err != nil {
			r.backendErrors.Add(1)
			return nil, fmt.Errorf("%w: item %q: waiting for backend slot: %w", ErrScoringFailure, item.ID, err)
		}
		defer r.sem.Release(1)

		r.backendCalls.Add(1)
		score, err := r.scorer.Score(callCtx, nc, item)
		if err == nil && !isFinite(score) {
			err = fmt.Errorf("non-finite score %v", score)
		}
		if err != nil {
			r.backendErrors.Add(1)
			logrus.Debugf("scoring item %q for model %q failed: %v", item.ID, nc.Model, err)
			return nil, fmt.Errorf("%w: item %q: %w", ErrScoringFailure, item.ID, err)
		}
		r.cache.Put(fp, score)
		return score, nil
	}
}

// resolveBatch scores misses with one BatchScorer call. Duplicate items share
// a slot, and concurrent requests missing the same set of items share the call.
func (r *Resolver) resolveBatch(ctx context.Context, bs BatchScorer, nc *NormalizedContext, misses []miss, results []Result) error {
	unique := make([]miss, 0, len(misses))
	seen := make(map[Fingerprint]bool, len(misses))
	keys := make([]string, 0, len(misses))
	for _, m := range misses {
		if seen[m.fp] {
			continue
		}
		seen[m.fp] = true
		unique = append(unique, m)
		keys = append(keys, m.fp.String())
	}
	sort.Strings(keys)

	led := new(bool)
	ch := r.flights.DoChan("batch/"+strings.Join(keys, ","), r.scoreBatch(ctx, bs, nc, unique, led))
	select {
	case res := <-ch:
		if res.Shared && !*led {
			r.coalesced.Add(uint64(len(unique)))
		}
		if res.Err != nil {
			for _, m := range misses {
				results[m.index].Err = res.Err
			}
			return nil
		}
		scored := res.Val.(map[Fingerprint]Result)
		for _, m := range misses {
			results[m.index] = scored[m.fp]
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scoreBatch builds the singleflight call for one set of missing fingerprints.
// The flight's value maps each fingerprint to its Result.
func (r *Resolver) scoreBatch(ctx context.Context, bs BatchScorer, nc *NormalizedContext, misses []miss, led *bool) func() (any, error) {
	detached := context.WithoutCancel(ctx)
	return func() (any, error) {
		*led = true
		out := make(map[Fingerprint]Result, len(misses))
		pending := make([]miss, 0, len(misses))
		for _, m := range misses {
			if score, _, ok := r.cache.Peek(m.fp); ok {
				out[m.fp] = Result{Score: score}
				continue
			}
			pending = append(pending, m)
		}
		if len(pending) == 0 {
			return out, nil
		}

		callCtx, cancel := r.callContext(detached)
		defer cancel()

		if err := r.sem.Acquire(callCtx, 1); err != nil {
			r.backendErrors.Add(1)
			return nil, fmt.Errorf("%w: batch of %d items: waiting for backend slot: %w", ErrScoringFailure, len(pending), err)
		}
		defer r.sem.Release(1)

		batch := make([]Item, len(pending))
		for i, m := range pending {
			batch[i] = m.item
		}
		r.backendCalls.Add(1)
		scores, err := bs.ScoreBatch(callCtx, nc, batch)
		if err == nil && len(scores) != len(batch) {
			err = fmt.Errorf("backend returned %d scores for %d items", len(scores), len(batch))
		}
		if err != nil {
			r.backendErrors.Add(1)
			logrus.Debugf("scoring %d items for model %q failed: %v", len(batch), nc.Model, err)
			return nil, fmt.Errorf("%w: batch of %d items: %w", ErrScoringFailure, len(batch), err)
		}

		for i, m := range pending {
			score := scores[i]
			if !isFinite(score) {
				r.backendErrors.Add(1)
				out[m.fp] = Result{Err: fmt.Errorf("%w: item %q: non-finite score %v", ErrScoringFailure, m.item.ID, score)}
				continue
			}
			r.cache.Put(m.fp, score)
			out[m.fp] = Result{Score: score}
		}
		return out, nil
	}
}

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
