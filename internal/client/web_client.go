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
	"github.com/texhub/compile-api/internal/model"
)

// ProjectStore defines the project-state collaborator consulted when
// building a compile: the persisted snapshot, the owner's compile
// entitlement, and the root-doc selection side effect.
type ProjectStore interface {
	GetProject(ctx context.Context, projectID string) (*model.Project, error)
	GetCompileLimits(ctx context.Context, projectID string) (*model.CompileLimits, error)
	EnsureRootDoc(ctx context.Context, projectID string) error
}

// WebClient implements ProjectStore against the web service's internal API.
type WebClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewWebClient(cfg *config.WebConfig) *WebClient {
	return &WebClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.URL,
	}
}

// GetProject fetches the persisted project snapshot used for full compiles.
func (c *WebClient) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	var project model.Project
	if err := c.get(ctx, fmt.Sprintf("/internal/project/%s/compile-view", projectID), &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// GetCompileLimits resolves the owner entitlement slice for the project.
func (c *WebClient) GetCompileLimits(ctx context.Context, projectID string) (*model.CompileLimits, error) {
	var limits model.CompileLimits
	if err := c.get(ctx, fmt.Sprintf("/internal/project/%s/compile-limits", projectID), &limits); err != nil {
		return nil, err
	}
	return &limits, nil
}

// EnsureRootDoc asks the web service to pick and persist a root doc when the
// project has none.
func (c *WebClient) EnsureRootDoc(ctx context.Context, projectID string) error {
	return c.post(ctx, fmt.Sprintf("/internal/project/%s/ensure-root-doc", projectID), nil, nil)
}

func (c *WebClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *WebClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *WebClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Web] ✗ %s %s — request failed: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("web API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
