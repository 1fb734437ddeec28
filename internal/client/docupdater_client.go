package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/texhub/compile-api/internal/config"
	"github.com/texhub/compile-api/internal/model"
)

// DocBuffer defines the editing-buffer collaborator. An incremental compile
// is only trustworthy when the buffer confirms it holds exactly the state
// the hash describes.
type DocBuffer interface {
	// DocsIfSynced returns the buffer's docs when its state matches the
	// given hash. ok=false means the buffer disagrees and the caller must
	// fall back to the persisted snapshot.
	DocsIfSynced(ctx context.Context, projectID, stateHash string) (docs []model.Doc, ok bool, err error)
	LastUpdatedAt(ctx context.Context, projectID string) (time.Time, error)
	ClearProjectState(ctx context.Context, projectID string) error
}

// DocUpdaterClient implements DocBuffer against the document-updater service.
type DocUpdaterClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewDocUpdaterClient(cfg *config.DocUpdaterConfig) *DocUpdaterClient {
	return &DocUpdaterClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.URL,
	}
}

func (c *DocUpdaterClient) DocsIfSynced(ctx context.Context, projectID, stateHash string) ([]model.Doc, bool, error) {
	endpoint := fmt.Sprintf("%s/project/%s/doc?state=%s", c.baseURL, projectID, url.QueryEscape(stateHash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("doc buffer request for project %s: %w", projectID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var docs []model.Doc
		if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
			return nil, false, fmt.Errorf("decode doc buffer response for project %s: %w", projectID, err)
		}
		return docs, true, nil
	case http.StatusConflict:
		// The buffer's state hash disagrees with ours; not an error.
		io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("doc buffer returned %d for project %s: %s", resp.StatusCode, projectID, string(body))
	}
}

func (c *DocUpdaterClient) LastUpdatedAt(ctx context.Context, projectID string) (time.Time, error) {
	endpoint := fmt.Sprintf("%s/project/%s/last_updated_at", c.baseURL, projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("last-updated request for project %s: %w", projectID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Project not loaded in the buffer; it has no pending writes.
		io.Copy(io.Discard, resp.Body)
		return time.Time{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("doc buffer returned %d for project %s last-updated", resp.StatusCode, projectID)
	}

	var parsed struct {
		LastUpdatedAt int64 `json:"lastUpdatedAt"` // unix millis, 0 when never
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return time.Time{}, fmt.Errorf("decode last-updated response for project %s: %w", projectID, err)
	}
	if parsed.LastUpdatedAt == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(parsed.LastUpdatedAt), nil
}

func (c *DocUpdaterClient) ClearProjectState(ctx context.Context, projectID string) error {
	endpoint := fmt.Sprintf("%s/project/%s/state", c.baseURL, projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("clear buffer state for project %s: %w", projectID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		log.Printf("[DocUpdater] clear state for project %s returned %d", projectID, resp.StatusCode)
		return fmt.Errorf("doc buffer returned %d clearing project %s", resp.StatusCode, projectID)
	}
	return nil
}
