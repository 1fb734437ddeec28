package e2e

import (
	"net/http"
	"strings"
	"testing"
)

func TestBaseURL(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if _, ok := body["timestamp"]; !ok {
		t.Error("expected 'timestamp' field in response")
	}
}

func TestHealth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", body["status"])
	}
	if _, ok := body["services"]; !ok {
		t.Error("expected 'services' field in response")
	}
}

func TestCompile_NoToken(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/project/p1/compile", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestCompile_RoundTrip(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/project/p1/compile",
		`{"options":{"compiler":"pdflatex"}}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	compile, ok := body["compile"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected 'compile' envelope, got %v", body)
	}
	if compile["status"] != "success" {
		t.Fatalf("compile.status = %v, want success", compile["status"])
	}
	if compile["buildId"] == "" || compile["buildId"] == nil {
		t.Error("expected a buildId")
	}

	outputFiles, ok := compile["outputFiles"].([]interface{})
	if !ok || len(outputFiles) != 2 {
		t.Fatalf("outputFiles = %v, want 2 entries", compile["outputFiles"])
	}
	for _, raw := range outputFiles {
		file := raw.(map[string]interface{})
		url := file["url"].(string)
		// The node reported absolute URLs pointing at itself; the client must
		// only ever see host-relative ones.
		if strings.Contains(url, ta.clsiURL) || strings.HasPrefix(url, "http") {
			t.Errorf("output url %q leaked the node host", url)
		}
		if !strings.HasPrefix(url, "/project/p1/build/") {
			t.Errorf("output url %q not host-relative", url)
		}
	}
}

func TestCompile_StopAndCleanup(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/project/p1/compile/stop", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNoContent)

	resp, err = doAuthRequest(t, ta.app, http.MethodDelete, "/project/p1", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNoContent)
}

func TestCachedOutput_MissIs404(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/project/p1/cached/output/output.pdf", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}
