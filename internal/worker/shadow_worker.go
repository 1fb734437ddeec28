package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/texhub/compile-api/internal/client"
	"github.com/texhub/compile-api/internal/metrics"
	"github.com/texhub/compile-api/internal/model"
	"github.com/texhub/compile-api/internal/service"
	"github.com/texhub/compile-api/internal/tasks"
)

// ShadowWorker replays settled compiles against the shadow fleet and records
// how the two fleets compare. It is pure observability: every failure is
// logged and swallowed so a broken shadow fleet never queues retries.
type ShadowWorker struct {
	dispatcher service.Dispatcher
	analytics  client.AnalyticsSink
}

func NewShadowWorker(dispatcher service.Dispatcher, analytics client.AnalyticsSink) *ShadowWorker {
	return &ShadowWorker{dispatcher: dispatcher, analytics: analytics}
}

// ProcessTask runs one shadow compile. It always returns nil.
func (w *ShadowWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload tasks.ShadowCompilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Printf("[Shadow] bad payload: %v", err)
		return nil
	}

	// The shadow fleet shares no warm context with the primary; only a full
	// sync is meaningful there.
	opts := payload.Options
	opts.SyncType = model.SyncTypeFull
	opts.IsAutoCompile = false

	started := time.Now()
	outcome, err := w.dispatcher.Dispatch(ctx, payload.ProjectID, payload.UserID, opts)
	if err != nil {
		log.Printf("[Shadow] compile failed for project %s: %v", payload.ProjectID, err)
		metrics.CounterShadowComparisons.WithLabelValues("shadow-error").Inc()
		return nil
	}

	w.compare(ctx, &payload, outcome, time.Since(started))
	return nil
}

func (w *ShadowWorker) compare(ctx context.Context, payload *tasks.ShadowCompilePayload, outcome *model.CompileOutcome, elapsed time.Duration) {
	primary := payload.Primary
	result := compareOutcomes(primary, outcome)
	metrics.CounterShadowComparisons.WithLabelValues(result).Inc()

	segmentation := map[string]interface{}{
		"result":        result,
		"primaryStatus": string(primary.Status),
		"shadowStatus":  string(outcome.Status),
	}

	if result == "match" || result == "pdf-size-mismatch" {
		shadowMS := elapsed.Milliseconds()
		if t, ok := outcome.Timings["compileE2E"]; ok && t > 0 {
			shadowMS = t
		}
		if primary.CompileTimeMS > 0 {
			ratio := float64(shadowMS) / float64(primary.CompileTimeMS)
			metrics.HistogramShadowTimingRatio.Observe(ratio)
			segmentation["timingRatio"] = ratio
		}
		if pdf, ok := outcome.OutputPDF(); ok {
			segmentation["pdfSizeDelta"] = pdf.Size - primary.PDFSize
		}
	}

	log.Printf("[Shadow] project %s comparison: %s (primary=%s shadow=%s)",
		payload.ProjectID, result, primary.Status, outcome.Status)
	if w.analytics != nil {
		w.analytics.RecordEvent(ctx, payload.UserID, "shadow-compile-comparison", segmentation)
	}
}

// compareOutcomes classifies one primary/shadow pair. PDF sizes only compare
// cleanly when both compiles ran the same way: a cache-restored primary
// against a cold shadow says nothing about fleet parity.
func compareOutcomes(primary tasks.PrimaryResult, shadow *model.CompileOutcome) string {
	if primary.Status != shadow.Status {
		return "status-mismatch"
	}
	if primary.Status != model.StatusSuccess {
		return "match"
	}

	shadowInitial := shadow.Stats["isInitialCompile"] == 1
	shadowRestored := shadow.Stats["restoredClsiCache"] == 1
	if primary.InitialCompile != shadowInitial || primary.RestoredFromCache != shadowRestored {
		return "profile-mismatch"
	}

	pdf, ok := shadow.OutputPDF()
	if !ok || primary.PDFSize == 0 {
		return "match"
	}
	if pdf.Size != primary.PDFSize {
		return "pdf-size-mismatch"
	}
	return "match"
}
