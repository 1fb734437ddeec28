package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/texhub/compile-api/internal/config"
)

// AnalyticsSink receives user-level analytics events. Emission is strictly
// best-effort: implementations log failures and never return them.
type AnalyticsSink interface {
	RecordEvent(ctx context.Context, userID, event string, segmentation map[string]interface{})
}

// AnalyticsClient posts events to the analytics ingestion endpoint.
type AnalyticsClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewAnalyticsClient(cfg *config.AnalyticsConfig) *AnalyticsClient {
	return &AnalyticsClient{
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		baseURL: cfg.URL,
	}
}

func (c *AnalyticsClient) IsConfigured() bool {
	return c.baseURL != ""
}

// RecordEvent fires one event. Any failure is logged and swallowed.
func (c *AnalyticsClient) RecordEvent(ctx context.Context, userID, event string, segmentation map[string]interface{}) {
	if !c.IsConfigured() || userID == "" {
		return
	}

	body, err := json.Marshal(map[string]interface{}{
		"event":        event,
		"segmentation": segmentation,
	})
	if err != nil {
		log.Printf("[Analytics] marshal event %s failed: %v", event, err)
		return
	}

	endpoint := fmt.Sprintf("%s/user/%s/event", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		log.Printf("[Analytics] create request for event %s failed: %v", event, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Analytics] event %s failed: %v", event, err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[Analytics] event %s returned %d", event, resp.StatusCode)
	}
}
