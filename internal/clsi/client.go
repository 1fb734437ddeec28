// Package clsi is the HTTP client for the compile node fleet. A fleet is
// addressed through one load-balanced base URL; session affinity to an
// individual node rides on a cookie that every response may rotate.
package clsi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/texhub/compile-api/internal/model"
)

// Client talks to one compile node fleet.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	cookieName   string
	probeTimeout time.Duration
}

// NodeBackend is the slice of the client the affinity manager needs: the
// out-of-band bootstrap call and the instance-state probe.
type NodeBackend interface {
	Status(ctx context.Context, projectID, userID string) (nodeID string, err error)
	InstanceUp(ctx context.Context, nodeID string) (bool, error)
}

func NewClient(baseURL, cookieName string, probeTimeout time.Duration) *Client {
	return &Client{
		// Compile posts carry their own deadline via context; the transport
		// timeout here only bounds probes made without one.
		httpClient:   &http.Client{},
		baseURL:      baseURL,
		cookieName:   cookieName,
		probeTimeout: probeTimeout,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// compileResponse is the node's JSON envelope.
type compileResponse struct {
	Compile struct {
		Status      model.CompileStatus `json:"status"`
		Error       string              `json:"error,omitempty"`
		BuildID     string              `json:"buildId,omitempty"`
		OutputFiles []model.OutputFile  `json:"outputFiles,omitempty"`
		Stats       map[string]int64    `json:"stats,omitempty"`
		Timings     map[string]int64    `json:"timings,omitempty"`
	} `json:"compile"`
}

// Compile posts a compile request, routed to nodeID when non-empty. It
// returns the node's outcome plus the node id from the response cookie
// (empty when the cookie was unchanged).
func (c *Client) Compile(ctx context.Context, projectID, userID string, compileReq *model.CompileRequest, nodeID string) (*model.CompileOutcome, string, error) {
	body, err := json.Marshal(map[string]*model.CompileRequest{"compile": compileReq})
	if err != nil {
		return nil, "", fmt.Errorf("marshal compile request for project %s: %w", projectID, err)
	}

	url := c.projectURL(projectID, userID) + "/compile"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create compile request for project %s: %w", projectID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAffinityCookie(req, nodeID)

	log.Printf("[CLSI] → POST %s (node=%q, syncType=%s)", url, nodeID, compileReq.Options.SyncType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("compile request for project %s user %q: %w", projectID, userID, err)
	}
	defer resp.Body.Close()

	newNodeID := c.affinityCookie(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		var parsed compileResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, newNodeID, fmt.Errorf("decode compile response for project %s: %w", projectID, err)
		}
		return &model.CompileOutcome{
			Status:      parsed.Compile.Status,
			BuildID:     parsed.Compile.BuildID,
			OutputFiles: parsed.Compile.OutputFiles,
			Stats:       parsed.Compile.Stats,
			Timings:     parsed.Compile.Timings,
		}, newNodeID, nil
	case http.StatusConflict:
		return &model.CompileOutcome{Status: model.StatusConflict}, newNodeID, nil
	case http.StatusRequestEntityTooLarge:
		return &model.CompileOutcome{Status: model.StatusProjectTooLarge}, newNodeID, nil
	case http.StatusLocked:
		return &model.CompileOutcome{Status: model.StatusCompileInProgress}, newNodeID, nil
	case http.StatusServiceUnavailable:
		return &model.CompileOutcome{Status: model.StatusUnavailable}, newNodeID, nil
	default:
		return nil, newNodeID, fmt.Errorf("compile node returned %d for project %s user %q", resp.StatusCode, projectID, userID)
	}
}

// Stop asks the affined node to abort the running compile.
func (c *Client) Stop(ctx context.Context, projectID, userID, nodeID string) error {
	url := c.projectURL(projectID, userID) + "/compile/stop"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("create stop request for project %s: %w", projectID, err)
	}
	c.setAffinityCookie(req, nodeID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stop compile for project %s: %w", projectID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("compile node returned %d stopping project %s", resp.StatusCode, projectID)
	}
	return nil
}

// DeleteAux asks the affined node to drop its warm compile context and aux
// files for the project.
func (c *Client) DeleteAux(ctx context.Context, projectID, userID, nodeID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.projectURL(projectID, userID), nil)
	if err != nil {
		return fmt.Errorf("create delete request for project %s: %w", projectID, err)
	}
	c.setAffinityCookie(req, nodeID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete aux files for project %s: %w", projectID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("compile node returned %d deleting project %s", resp.StatusCode, projectID)
	}
	return nil
}

// Status performs the out-of-band bootstrap call: a status request to any
// node behind the load balancer, returning the node id assigned via cookie.
func (c *Client) Status(ctx context.Context, projectID, userID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	url := c.projectURL(projectID, userID) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create status request for project %s: %w", projectID, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("status request for project %s: %w", projectID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("compile node returned %d for project %s status", resp.StatusCode, projectID)
	}
	return c.affinityCookie(resp), nil
}

// InstanceUp probes whether a specific node is still serving. Used only to
// classify affinity switches; a 404 means the node is gone.
func (c *Client) InstanceUp(ctx context.Context, nodeID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/instance-state?id=%s", c.baseURL, nodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create instance-state request for node %s: %w", nodeID, err)
	}
	c.setAffinityCookie(req, nodeID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("instance-state request for node %s: %w", nodeID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("instance-state returned %d for node %s", resp.StatusCode, nodeID)
	}
}

// ProxyOutput streams a build output file from the affined node. The caller
// owns the response body.
func (c *Client) ProxyOutput(ctx context.Context, projectID, userID, buildID, path, nodeID string) (*http.Response, error) {
	url := fmt.Sprintf("%s/build/%s/output/%s", c.projectURL(projectID, userID), buildID, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create output request for project %s build %s: %w", projectID, buildID, err)
	}
	c.setAffinityCookie(req, nodeID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch output %s for project %s: %w", path, projectID, err)
	}
	return resp, nil
}

func (c *Client) projectURL(projectID, userID string) string {
	if userID != "" {
		return fmt.Sprintf("%s/project/%s/user/%s", c.baseURL, projectID, userID)
	}
	return fmt.Sprintf("%s/project/%s", c.baseURL, projectID)
}

func (c *Client) setAffinityCookie(req *http.Request, nodeID string) {
	if c.cookieName == "" || nodeID == "" {
		return
	}
	req.AddCookie(&http.Cookie{Name: c.cookieName, Value: nodeID})
}

func (c *Client) affinityCookie(resp *http.Response) string {
	if c.cookieName == "" {
		return ""
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == c.cookieName {
			return cookie.Value
		}
	}
	return ""
}
