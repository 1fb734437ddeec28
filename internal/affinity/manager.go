package affinity

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/texhub/compile-api/internal/metrics"
	"github.com/texhub/compile-api/internal/tasks"
)

// NodeProber is the out-of-band slice of the compile node client used to
// bootstrap an assignment when no record exists.
type NodeProber interface {
	Status(ctx context.Context, projectID, userID string) (nodeID string, err error)
}

// Enqueuer is the asynq client surface used for detached classification
// probes.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Manager owns the affinity lifecycle for one backend fleet: lazy bootstrap,
// TTL-class-aware refresh, and reassignment classification. Store failures
// never fail the dispatch path; a lost record only costs a bootstrap call.
type Manager struct {
	store         Store
	nodes         NodeProber
	enqueue       Enqueuer
	backendClass  string
	ttl           time.Duration
	regularTTL    time.Duration
	regularPrefix string
}

type ManagerConfig struct {
	BackendClass  string
	TTL           time.Duration
	RegularTTL    time.Duration
	RegularPrefix string
}

func NewManager(store Store, nodes NodeProber, enqueue Enqueuer, cfg ManagerConfig) *Manager {
	return &Manager{
		store:         store,
		nodes:         nodes,
		enqueue:       enqueue,
		backendClass:  cfg.BackendClass,
		ttl:           cfg.TTL,
		regularTTL:    cfg.RegularTTL,
		regularPrefix: cfg.RegularPrefix,
	}
}

func (m *Manager) BackendClass() string { return m.backendClass }

// ttlFor picks the TTL class: nodes from the regular pool keep their warm
// context longer and get the longer record lifetime.
func (m *Manager) ttlFor(nodeID string) time.Duration {
	if m.regularPrefix != "" && strings.HasPrefix(nodeID, m.regularPrefix) {
		return m.regularTTL
	}
	return m.ttl
}

// Get returns the node id to route to, bootstrapping an assignment via a
// status call when no record exists. An empty return means "no affinity":
// the dispatch goes through the load balancer unpinned.
func (m *Manager) Get(ctx context.Context, projectID, userID string) string {
	nodeID, err := m.store.Get(ctx, projectID, userID, m.backendClass)
	if err != nil {
		log.Printf("[Affinity] store read failed for project %s, continuing unpinned: %v", projectID, err)
		return ""
	}
	if nodeID != "" {
		return nodeID
	}

	nodeID, err = m.nodes.Status(ctx, projectID, userID)
	if err != nil {
		log.Printf("[Affinity] bootstrap status call failed for project %s: %v", projectID, err)
		return ""
	}
	if nodeID == "" {
		return ""
	}
	if err := m.store.Set(ctx, projectID, userID, m.backendClass, nodeID, m.ttlFor(nodeID)); err != nil {
		log.Printf("[Affinity] failed to persist bootstrap assignment for project %s: %v", projectID, err)
	}
	return nodeID
}

// Update records the node id carried on a compile response. An empty
// newNodeID means the cookie was unchanged and only the TTL is refreshed. A
// changed id against a non-empty previous one triggers a detached
// classification probe; the probe is pure observability and its enqueue
// failure is swallowed.
func (m *Manager) Update(ctx context.Context, projectID, userID, newNodeID, previousNodeID string) {
	if newNodeID == "" {
		if previousNodeID == "" {
			return
		}
		if err := m.store.Refresh(ctx, projectID, userID, m.backendClass, m.ttlFor(previousNodeID)); err != nil {
			log.Printf("[Affinity] ttl refresh failed for project %s: %v", projectID, err)
		}
		return
	}

	if err := m.store.Set(ctx, projectID, userID, m.backendClass, newNodeID, m.ttlFor(newNodeID)); err != nil {
		log.Printf("[Affinity] store write failed for project %s: %v", projectID, err)
	}

	switch {
	case previousNodeID == "":
		metrics.CounterAffinityInitialAssignments.Inc()
		log.Printf("[Affinity] initial assignment project=%s class=%s node=%s", projectID, m.backendClass, newNodeID)
	case previousNodeID != newNodeID:
		m.enqueueClassify(projectID, userID, previousNodeID, newNodeID)
	}
}

// Clear drops the record, forcing the next dispatch to reassign.
func (m *Manager) Clear(ctx context.Context, projectID, userID string) error {
	return m.store.Clear(ctx, projectID, userID, m.backendClass)
}

func (m *Manager) enqueueClassify(projectID, userID, previousNodeID, newNodeID string) {
	if m.enqueue == nil {
		return
	}
	task, err := tasks.NewAffinityClassifyTask(&tasks.AffinityClassifyPayload{
		ProjectID:      projectID,
		UserID:         userID,
		BackendClass:   m.backendClass,
		PreviousNodeID: previousNodeID,
		NewNodeID:      newNodeID,
	})
	if err != nil {
		log.Printf("[Affinity] classify task build failed for project %s: %v", projectID, err)
		return
	}
	if _, err := m.enqueue.Enqueue(task, asynq.Queue(tasks.QueueProbe), asynq.MaxRetry(0)); err != nil {
		log.Printf("[Affinity] classify task enqueue failed for project %s: %v", projectID, err)
	}
}
