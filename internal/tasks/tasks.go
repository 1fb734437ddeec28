// Package tasks defines the detached background task types exchanged over
// the asynq queue. These tasks are fire-and-forget: nothing on the primary
// request path ever waits for one, and their failures are logged by the
// worker, never propagated.
package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/texhub/compile-api/internal/model"
)

const (
	TypeShadowCompile    = "shadow:compile"
	TypeAffinityClassify = "affinity:classify"
)

const (
	QueueShadow = "shadow"
	QueueProbe  = "probe"
)

// PrimaryResult is the summary of the primary compile the shadow worker
// compares against.
type PrimaryResult struct {
	Status            model.CompileStatus `json:"status"`
	CompileTimeMS     int64               `json:"compileTimeMs"`
	PDFSize           int64               `json:"pdfSize"`
	InitialCompile    bool                `json:"initialCompile"`
	RestoredFromCache bool                `json:"restoredFromCache"`
}

// ShadowCompilePayload asks the worker to replay a compile against the
// secondary fleet and record comparison metrics.
type ShadowCompilePayload struct {
	ProjectID string               `json:"projectId"`
	UserID    string               `json:"userId,omitempty"`
	Options   model.CompileOptions `json:"options"`
	Primary   PrimaryResult        `json:"primary"`
}

// AffinityClassifyPayload asks the worker to probe a replaced node and
// classify why the fleet moved the session.
type AffinityClassifyPayload struct {
	ProjectID      string `json:"projectId"`
	UserID         string `json:"userId,omitempty"`
	BackendClass   string `json:"backendClass"`
	PreviousNodeID string `json:"previousNodeId"`
	NewNodeID      string `json:"newNodeId"`
}

func NewShadowCompileTask(p *ShadowCompilePayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal shadow compile payload: %w", err)
	}
	return asynq.NewTask(TypeShadowCompile, data), nil
}

func NewAffinityClassifyTask(p *AffinityClassifyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal affinity classify payload: %w", err)
	}
	return asynq.NewTask(TypeAffinityClassify, data), nil
}
