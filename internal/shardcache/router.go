// Package shardcache resolves previously produced build artifacts across the
// cache shard fleet. Shards are probed sequentially in shuffled order with a
// per-shard circuit breaker; a 404 from any shard is the authoritative "no
// shard has this" answer and ends the search immediately, while transport
// failures only sideline the one shard.
package shardcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/texhub/compile-api/internal/metrics"
	"github.com/texhub/compile-api/internal/model"
)

// ErrNotFound means no shard has a cached build, or the deadline ran out
// before one answered.
var ErrNotFound = errors.New("no cached build found")

// errShardMiss is the internal authoritative-miss marker (a shard's 404).
var errShardMiss = errors.New("shard reported no cached build")

// Router fans a lookup out across the configured shards.
type Router struct {
	shards     []string
	timeout    time.Duration
	httpClient *http.Client

	mu          sync.Mutex
	lastFailure map[string]time.Time

	// Injection points for tests.
	now     func() time.Time
	jitter  func() float64
	shuffle func([]string) []string
}

func NewRouter(shards []string, timeout time.Duration) *Router {
	return &Router{
		shards:  shards,
		timeout: timeout,
		httpClient: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// The redirect target is the answer, not something to follow.
				return http.ErrUseLastResponse
			},
		},
		lastFailure: make(map[string]time.Time),
		now:         time.Now,
		jitter:      rand.Float64,
		shuffle: func(shards []string) []string {
			shuffled := make([]string, len(shards))
			copy(shuffled, shards)
			rand.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			return shuffled
		},
	}
}

// Resolve finds the freshest cached artifact for the project. The caller
// bounds the whole search with the context deadline; each probe additionally
// gets at most the router's per-probe timeout.
func (r *Router) Resolve(ctx context.Context, projectID, userID, path string) (*model.CacheEntry, error) {
	for _, shard := range r.shuffle(r.shards) {
		if ctx.Err() != nil {
			break
		}
		if r.tripped(shard) {
			metrics.CounterShardBreakerSkips.WithLabelValues(shard).Inc()
			continue
		}

		entry, err := r.probe(ctx, shard, projectID, userID, path)
		if err == nil {
			r.clearFailure(shard)
			entry.Shard = shard
			return entry, nil
		}
		if errors.Is(err, errShardMiss) {
			// An authoritative miss: nothing is cached for this project
			// anywhere, so probing the remaining shards would only add load.
			return nil, ErrNotFound
		}

		log.Printf("[Cache] shard %s probe failed for project %s: %v", shard, projectID, err)
		metrics.CounterShardProbeFailures.WithLabelValues(shard).Inc()
		r.recordFailure(shard)
	}
	return nil, ErrNotFound
}

func (r *Router) probe(ctx context.Context, shard, projectID, userID, path string) (*model.CacheEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/project/%s/latest/output/%s", shard, projectID, path)
	if userID != "" {
		url = fmt.Sprintf("%s/project/%s/user/%s/latest/output/%s", shard, projectID, userID, path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create probe request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", shard, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errShardMiss
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return entryFromResponse(resp)
	default:
		return nil, fmt.Errorf("shard %s returned %d", shard, resp.StatusCode)
	}
}

// tripped reports whether the shard is inside its breaker cool-down: a
// randomized window of timeout x (1 + 3 x rand) since its last failure, so a
// recovering fleet is not re-probed by every process at once.
func (r *Router) tripped(shard string) bool {
	r.mu.Lock()
	last, ok := r.lastFailure[shard]
	r.mu.Unlock()
	if !ok {
		return false
	}
	window := time.Duration(float64(r.timeout) * (1 + 3*r.jitter()))
	return r.now().Sub(last) < window
}

func (r *Router) recordFailure(shard string) {
	r.mu.Lock()
	r.lastFailure[shard] = r.now()
	r.mu.Unlock()
}

func (r *Router) clearFailure(shard string) {
	r.mu.Lock()
	delete(r.lastFailure, shard)
	r.mu.Unlock()
}
