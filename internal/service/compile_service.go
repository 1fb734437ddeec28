package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/texhub/compile-api/internal/client"
	"github.com/texhub/compile-api/internal/config"
	"github.com/texhub/compile-api/internal/model"
)

// ErrCacheStale marks a cached build that predates the project's latest edit.
// Serving it would show the user output older than what they typed.
var ErrCacheStale = errors.New("cached build is stale")

// Dispatcher runs one compile end to end.
type Dispatcher interface {
	Dispatch(ctx context.Context, projectID, userID string, opts model.CompileOptions) (*model.CompileOutcome, error)
}

// NodeCommander is the slice of the compile node client used for the
// non-compile operations: stop, cleanup and output proxying.
type NodeCommander interface {
	Stop(ctx context.Context, projectID, userID, nodeID string) error
	DeleteAux(ctx context.Context, projectID, userID, nodeID string) error
	ProxyOutput(ctx context.Context, projectID, userID, buildID, path, nodeID string) (*http.Response, error)
}

// Affinity is the slice of the affinity manager the service needs.
type Affinity interface {
	Get(ctx context.Context, projectID, userID string) string
	Clear(ctx context.Context, projectID, userID string) error
}

// CacheResolver locates previously produced build artifacts.
type CacheResolver interface {
	Resolve(ctx context.Context, projectID, userID, path string) (*model.CacheEntry, error)
}

// Deduper gates repeat compile requests within a short window.
type Deduper interface {
	TryAcquire(ctx context.Context, key string, window time.Duration) (bool, error)
	Release(ctx context.Context, key string)
}

// RateLimiter is the fixed-window token bucket surface.
type RateLimiter interface {
	Allow(ctx context.Context, name string, max int64, window time.Duration) bool
}

// CompileService is the compile entrypoint: it applies the request gates in
// order, merges the owner's entitlement, stamps the build id and hands off to
// the dispatcher.
type CompileService struct {
	dispatcher Dispatcher
	projects   client.ProjectStore
	buffer     client.DocBuffer
	nodes      NodeCommander
	affinity   Affinity
	cache      CacheResolver
	dedup      Deduper
	buckets    RateLimiter
	cfg        config.CompileConfig

	now    func() time.Time
	randID func() uint64
}

func NewCompileService(
	dispatcher Dispatcher,
	projects client.ProjectStore,
	buffer client.DocBuffer,
	nodes NodeCommander,
	affinityManager Affinity,
	cache CacheResolver,
	dedup Deduper,
	buckets RateLimiter,
	cfg config.CompileConfig,
) *CompileService {
	return &CompileService{
		dispatcher: dispatcher,
		projects:   projects,
		buffer:     buffer,
		nodes:      nodes,
		affinity:   affinityManager,
		cache:      cache,
		dedup:      dedup,
		buckets:    buckets,
		cfg:        cfg,
		now:        time.Now,
		randID:     rand.Uint64,
	}
}

// RunCompile applies the entrypoint gates in their required order and
// dispatches the compile. Gate rejections come back as outcomes, not errors:
// they are normal responses the client renders.
func (s *CompileService) RunCompile(ctx context.Context, projectID, userID string, opts model.CompileOptions) (*model.CompileOutcome, error) {
	dedupKey := projectID + ":" + userID
	acquired, err := s.dedup.TryAcquire(ctx, dedupKey, time.Duration(s.cfg.DedupWindowSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("compile dedup for project %s: %w", projectID, err)
	}
	if !acquired {
		return &model.CompileOutcome{Status: model.StatusTooRecentlyCompiled}, nil
	}

	// The global auto-compile bucket runs before any per-project work so a
	// stampede of editors cannot overload the fleet.
	if opts.IsAutoCompile {
		if !s.buckets.Allow(ctx, "autocompile:global",
			s.cfg.AutoCompileGlobalLimit, time.Duration(s.cfg.AutoCompileGlobalWindow)*time.Second) {
			return &model.CompileOutcome{Status: model.StatusAutoCompileBackoff}, nil
		}
	}

	if err := s.projects.EnsureRootDoc(ctx, projectID); err != nil {
		s.dedup.Release(ctx, dedupKey)
		return nil, fmt.Errorf("ensure root doc for project %s: %w", projectID, err)
	}

	limits, err := s.projects.GetCompileLimits(ctx, projectID)
	if err != nil {
		s.dedup.Release(ctx, dedupKey)
		return nil, fmt.Errorf("compile limits for project %s: %w", projectID, err)
	}
	opts = mergeLimits(opts, limits)

	// Standard-tier auto-compiles draw from a second, tighter bucket. This
	// has to run after the entitlement merge because the merge decides the
	// group.
	if opts.IsAutoCompile && opts.CompileGroup == model.CompileGroupStandard {
		if !s.buckets.Allow(ctx, "autocompile:standard",
			s.cfg.AutoCompileStandardLimit, time.Duration(s.cfg.AutoCompileStandardWindow)*time.Second) {
			return &model.CompileOutcome{Status: model.StatusAutoCompileBackoff}, nil
		}
	}

	// The build id is stamped before any content is read so everything the
	// compile produces is tied to one id, even across the escalation retry.
	opts.BuildID = s.newBuildID()
	if opts.SyncType == "" {
		opts.SyncType = model.SyncTypeIncremental
	}

	outcome, err := s.dispatcher.Dispatch(ctx, projectID, userID, opts)
	if err != nil {
		// Holding the dedup window after a hard failure only punishes the
		// retrying user.
		s.dedup.Release(ctx, dedupKey)
		return nil, err
	}
	return outcome, nil
}

// mergeLimits folds the owner's entitlement into the request options. The
// entitlement owns group and backend class outright; the timeout is capped by
// it but a caller may ask for less.
func mergeLimits(opts model.CompileOptions, limits *model.CompileLimits) model.CompileOptions {
	opts.CompileGroup = limits.CompileGroup
	if opts.CompileGroup == "" {
		opts.CompileGroup = model.CompileGroupStandard
	}
	opts.BackendClass = limits.BackendClass
	if limits.Timeout > 0 && (opts.Timeout <= 0 || opts.Timeout > limits.Timeout) {
		opts.Timeout = limits.Timeout
	}
	return opts
}

// newBuildID stamps a build id: hex unix millis, then 64 random bits. The
// timestamp prefix keeps ids sortable by creation time on the nodes.
func (s *CompileService) newBuildID() string {
	return fmt.Sprintf("%x-%016x", s.now().UnixMilli(), s.randID())
}

// StopCompile asks the affined node to abort the running compile.
func (s *CompileService) StopCompile(ctx context.Context, projectID, userID string) error {
	nodeID := s.affinity.Get(ctx, projectID, userID)
	return s.nodes.Stop(ctx, projectID, userID, nodeID)
}

// DeleteAuxFiles clears the project's compile state everywhere: the affined
// node's warm context, the affinity record, and the editing buffer's sync
// state. The local cleanup runs even when the node call fails, otherwise a
// dead node would pin stale state forever.
func (s *CompileService) DeleteAuxFiles(ctx context.Context, projectID, userID string) error {
	nodeID := s.affinity.Get(ctx, projectID, userID)
	nodeErr := s.nodes.DeleteAux(ctx, projectID, userID, nodeID)
	if nodeErr != nil {
		log.Printf("[Compile] node cleanup failed for project %s, clearing local state anyway: %v", projectID, nodeErr)
	}

	if err := s.affinity.Clear(ctx, projectID, userID); err != nil {
		return fmt.Errorf("clear affinity for project %s: %w", projectID, err)
	}
	if err := s.buffer.ClearProjectState(ctx, projectID); err != nil {
		return fmt.Errorf("clear buffer state for project %s: %w", projectID, err)
	}
	return nodeErr
}

// ResolveCachedBuild locates the freshest cached artifact and verifies it is
// not older than the project's last edit.
func (s *CompileService) ResolveCachedBuild(ctx context.Context, projectID, userID, path string) (*model.CacheEntry, error) {
	entry, err := s.cache.Resolve(ctx, projectID, userID, path)
	if err != nil {
		return nil, err
	}

	if entry.LastModified != nil {
		lastEdit, err := s.buffer.LastUpdatedAt(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("staleness check for project %s: %w", projectID, err)
		}
		if lastEdit.After(*entry.LastModified) {
			log.Printf("[Compile] cached build for project %s predates last edit (%s < %s)",
				projectID, entry.LastModified.Format(time.RFC3339), lastEdit.Format(time.RFC3339))
			return nil, ErrCacheStale
		}
	}
	return entry, nil
}

// ProxyOutput streams one build output file from the affined node. The caller
// owns the response body.
func (s *CompileService) ProxyOutput(ctx context.Context, projectID, userID, buildID, path string) (*http.Response, error) {
	nodeID := s.affinity.Get(ctx, projectID, userID)
	return s.nodes.ProxyOutput(ctx, projectID, userID, buildID, path, nodeID)
}
