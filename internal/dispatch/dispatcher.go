package dispatch

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/hibiken/asynq"

	"github.com/texhub/compile-api/internal/affinity"
	"github.com/texhub/compile-api/internal/compliance"
	"github.com/texhub/compile-api/internal/metrics"
	"github.com/texhub/compile-api/internal/model"
	"github.com/texhub/compile-api/internal/tasks"
)

// RequestBuilder produces one compile request per attempt.
type RequestBuilder interface {
	Build(ctx context.Context, projectID, userID string, opts model.CompileOptions) (*model.CompileRequest, error)
}

// NodeClient is the slice of the compile node client the dispatcher uses.
type NodeClient interface {
	Compile(ctx context.Context, projectID, userID string, compileReq *model.CompileRequest, nodeID string) (*model.CompileOutcome, string, error)
}

// Dispatcher runs the attempt loop: build a request, route it to the affined
// node, and escalate at most once when the node reports a recoverable
// condition. It also fans out the detached shadow compile after the primary
// outcome is settled.
type Dispatcher struct {
	builder        RequestBuilder
	gate           *compliance.Gate
	nodes          NodeClient
	affinity       *affinity.Manager
	enqueue        affinity.Enqueuer
	compileTimeout time.Duration
	shadowEnabled  bool
}

type DispatcherConfig struct {
	CompileTimeout time.Duration
	ShadowEnabled  bool
}

func NewDispatcher(builder RequestBuilder, gate *compliance.Gate, nodes NodeClient, manager *affinity.Manager, enqueue affinity.Enqueuer, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		builder:        builder,
		gate:           gate,
		nodes:          nodes,
		affinity:       manager,
		enqueue:        enqueue,
		compileTimeout: cfg.CompileTimeout,
		shadowEnabled:  cfg.ShadowEnabled,
	}
}

// Dispatch runs one compile end to end and returns the final outcome. The
// returned outcome's output URLs are host-relative regardless of what the
// node reported.
func (d *Dispatcher) Dispatch(ctx context.Context, projectID, userID string, opts model.CompileOptions) (*model.CompileOutcome, error) {
	compileReq, err := d.builder.Build(ctx, projectID, userID, opts)
	if err != nil {
		return nil, err
	}

	if problems := d.gate.Check(compileReq.Resources); problems != nil {
		log.Printf("[Dispatch] project %s rejected before dispatch: %d conflicted paths, size problem: %v",
			projectID, len(problems.ConflictedPaths), problems.SizeCheck != nil)
		outcome := &model.CompileOutcome{
			Status:             model.StatusValidationProblems,
			ValidationProblems: problems,
		}
		metrics.CounterCompileOutcomes.WithLabelValues(string(outcome.Status)).Inc()
		return outcome, nil
	}

	started := time.Now()
	state := stateStart
	var outcome *model.CompileOutcome

	for {
		nodeID := d.affinity.Get(ctx, projectID, userID)

		attemptCtx, cancel := context.WithTimeout(ctx, d.compileTimeout)
		var newNodeID string
		outcome, newNodeID, err = d.nodes.Compile(attemptCtx, projectID, userID, compileReq, nodeID)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("dispatch compile for project %s: %w", projectID, err)
		}

		d.affinity.Update(ctx, projectID, userID, newNodeID, nodeID)

		tr := nextAttempt(state, outcome.Status)
		if !tr.retry {
			break
		}
		state = tr.next

		metrics.CounterCompileRetries.WithLabelValues(string(outcome.Status)).Inc()
		log.Printf("[Dispatch] project %s attempt returned %s, retrying with %s sync (forceNewAffinity=%v)",
			projectID, outcome.Status, tr.syncType, tr.forceNewAffinity)

		if tr.forceNewAffinity {
			if err := d.affinity.Clear(ctx, projectID, userID); err != nil {
				log.Printf("[Dispatch] failed to clear affinity for project %s: %v", projectID, err)
			}
		}

		retryOpts := opts
		retryOpts.SyncType = tr.syncType
		compileReq, err = d.builder.Build(ctx, projectID, userID, retryOpts)
		if err != nil {
			return nil, err
		}
	}

	stripOutputHosts(outcome)
	metrics.CounterCompileOutcomes.WithLabelValues(string(outcome.Status)).Inc()
	d.enqueueShadow(projectID, userID, opts, outcome, time.Since(started))
	return outcome, nil
}

// stripOutputHosts rewrites every output file URL to its host-relative form.
// Nodes report absolute URLs pointing at themselves; clients must go back
// through this service so the proxy can re-apply affinity.
func stripOutputHosts(outcome *model.CompileOutcome) {
	for i, f := range outcome.OutputFiles {
		u, err := url.Parse(f.URL)
		if err != nil {
			continue
		}
		u.Scheme = ""
		u.Host = ""
		u.User = nil
		outcome.OutputFiles[i].URL = u.String()
	}
}

// enqueueShadow hands the settled primary outcome to the shadow fleet replay
// task. Strictly fire-and-forget.
func (d *Dispatcher) enqueueShadow(projectID, userID string, opts model.CompileOptions, outcome *model.CompileOutcome, elapsed time.Duration) {
	if !d.shadowEnabled || d.enqueue == nil {
		return
	}

	primary := tasks.PrimaryResult{
		Status:            outcome.Status,
		CompileTimeMS:     elapsed.Milliseconds(),
		InitialCompile:    outcome.Stats["isInitialCompile"] == 1,
		RestoredFromCache: outcome.Stats["restoredClsiCache"] == 1,
	}
	if t, ok := outcome.Timings["compileE2E"]; ok && t > 0 {
		primary.CompileTimeMS = t
	}
	if pdf, ok := outcome.OutputPDF(); ok {
		primary.PDFSize = pdf.Size
	}

	task, err := tasks.NewShadowCompileTask(&tasks.ShadowCompilePayload{
		ProjectID: projectID,
		UserID:    userID,
		Options:   opts,
		Primary:   primary,
	})
	if err != nil {
		log.Printf("[Dispatch] shadow task build failed for project %s: %v", projectID, err)
		return
	}
	if _, err := d.enqueue.Enqueue(task, asynq.Queue(tasks.QueueShadow), asynq.MaxRetry(0)); err != nil {
		log.Printf("[Dispatch] shadow task enqueue failed for project %s: %v", projectID, err)
	}
}
