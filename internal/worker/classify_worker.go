package worker

import (
	"context"
	"encoding/json"
	"log"

	"github.com/hibiken/asynq"

	"github.com/texhub/compile-api/internal/metrics"
	"github.com/texhub/compile-api/internal/tasks"
)

// InstanceProber checks whether a specific compile node is still serving.
type InstanceProber interface {
	InstanceUp(ctx context.Context, nodeID string) (bool, error)
}

// ClassifyWorker explains affinity switches after the fact: when the fleet
// moves a session off a node, probing the old node tells us whether it was
// load-shedding (still up) or cycled out of service (gone).
type ClassifyWorker struct {
	nodes InstanceProber
}

func NewClassifyWorker(nodes InstanceProber) *ClassifyWorker {
	return &ClassifyWorker{nodes: nodes}
}

// ProcessTask probes the replaced node and records the classification. It
// always returns nil; a failed probe is itself a classification.
func (w *ClassifyWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload tasks.AffinityClassifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Printf("[Classify] bad payload: %v", err)
		return nil
	}

	classification := w.classify(ctx, payload.PreviousNodeID)
	metrics.CounterAffinityBackendSwitches.WithLabelValues(classification).Inc()
	log.Printf("[Classify] project %s class=%s switch %s → %s: %s",
		payload.ProjectID, payload.BackendClass, payload.PreviousNodeID, payload.NewNodeID, classification)
	return nil
}

func (w *ClassifyWorker) classify(ctx context.Context, previousNodeID string) string {
	up, err := w.nodes.InstanceUp(ctx, previousNodeID)
	switch {
	case err != nil:
		return "unknown"
	case up:
		return "load-shed"
	default:
		return "cycled"
	}
}
