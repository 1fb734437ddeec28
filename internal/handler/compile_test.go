package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/texhub/compile-api/internal/model"
	"github.com/texhub/compile-api/internal/shardcache"
)

type fakeRunner struct {
	outcome    *model.CompileOutcome
	compileErr error
	entry      *model.CacheEntry
	entryErr   error
	proxyResp  *http.Response
	proxyErr   error

	compiledWith []model.CompileOptions
	userIDs      []string
	stopped      int
	deleted      int
}

func (f *fakeRunner) RunCompile(ctx context.Context, projectID, userID string, opts model.CompileOptions) (*model.CompileOutcome, error) {
	f.compiledWith = append(f.compiledWith, opts)
	f.userIDs = append(f.userIDs, userID)
	return f.outcome, f.compileErr
}

func (f *fakeRunner) StopCompile(ctx context.Context, projectID, userID string) error {
	f.stopped++
	return nil
}

func (f *fakeRunner) DeleteAuxFiles(ctx context.Context, projectID, userID string) error {
	f.deleted++
	return nil
}

func (f *fakeRunner) ResolveCachedBuild(ctx context.Context, projectID, userID, path string) (*model.CacheEntry, error) {
	return f.entry, f.entryErr
}

func (f *fakeRunner) ProxyOutput(ctx context.Context, projectID, userID, buildID, path string) (*http.Response, error) {
	return f.proxyResp, f.proxyErr
}

func newTestApp(t *testing.T, runner *fakeRunner) *fiber.App {
	t.Helper()
	h := NewCompileHandler(runner, validator.New())

	app := fiber.New()
	app.Post("/project/:projectId/compile", h.Compile)
	app.Post("/project/:projectId/user/:userId/compile", h.Compile)
	app.Post("/project/:projectId/compile/stop", h.StopCompile)
	app.Delete("/project/:projectId", h.DeleteAux)
	app.Get("/project/:projectId/cached/output/*", h.CachedOutput)
	app.Get("/project/:projectId/build/:buildId/output/*", h.BuildOutput)
	return app
}

func TestCompileEndpoint(t *testing.T) {
	runner := &fakeRunner{outcome: &model.CompileOutcome{
		Status:  model.StatusSuccess,
		BuildID: "18f2a4c-ff12",
		OutputFiles: []model.OutputFile{
			{Path: "output.pdf", URL: "/project/p1/build/18f2a4c-ff12/output/output.pdf"},
		},
	}}
	app := newTestApp(t, runner)

	body := strings.NewReader(`{"options":{"compiler":"xelatex","draft":true,"syncType":"incremental"}}`)
	req := httptest.NewRequest(http.MethodPost, "/project/p1/user/u7/compile", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var parsed struct {
		Compile model.CompileOutcome `json:"compile"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if parsed.Compile.Status != model.StatusSuccess {
		t.Errorf("compile.status = %s", parsed.Compile.Status)
	}

	if len(runner.compiledWith) != 1 {
		t.Fatalf("RunCompile calls = %d, want 1", len(runner.compiledWith))
	}
	opts := runner.compiledWith[0]
	if opts.Compiler != model.CompilerXeLatex || !opts.Draft || opts.SyncType != model.SyncTypeIncremental {
		t.Errorf("options not threaded through: %+v", opts)
	}
	if runner.userIDs[0] != "u7" {
		t.Errorf("userID = %q, want route param u7", runner.userIDs[0])
	}
}

func TestCompileEndpointRejectsUnknownCompiler(t *testing.T) {
	runner := &fakeRunner{}
	app := newTestApp(t, runner)

	body := strings.NewReader(`{"options":{"compiler":"tectonic"}}`)
	req := httptest.NewRequest(http.MethodPost, "/project/p1/compile", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(runner.compiledWith) != 0 {
		t.Error("invalid request reached the service")
	}
}

func TestCompileEndpointEmptyBodyAllowed(t *testing.T) {
	runner := &fakeRunner{outcome: &model.CompileOutcome{Status: model.StatusSuccess}}
	app := newTestApp(t, runner)

	req := httptest.NewRequest(http.MethodPost, "/project/p1/compile", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for bodyless compile", resp.StatusCode)
	}
}

func TestCachedOutputRedirects(t *testing.T) {
	runner := &fakeRunner{entry: &model.CacheEntry{
		Location: "https://cache-b.texhub.dev/zone-b/p1/output.pdf",
		Zone:     "b",
	}}
	app := newTestApp(t, runner)

	req := httptest.NewRequest(http.MethodGet, "/project/p1/cached/output/output.pdf", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://cache-b.texhub.dev/zone-b/p1/output.pdf" {
		t.Errorf("Location = %q", loc)
	}
	if zone := resp.Header.Get("X-Zone"); zone != "b" {
		t.Errorf("X-Zone = %q, want b", zone)
	}
}

func TestCachedOutputMissIs404(t *testing.T) {
	runner := &fakeRunner{entryErr: shardcache.ErrNotFound}
	app := newTestApp(t, runner)

	req := httptest.NewRequest(http.MethodGet, "/project/p1/cached/output/output.pdf", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBuildOutputStreamsFromNode(t *testing.T) {
	runner := &fakeRunner{proxyResp: &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/pdf"}},
		Body:       io.NopCloser(strings.NewReader("%PDF-1.5 fake")),
	}}
	app := newTestApp(t, runner)

	req := httptest.NewRequest(http.MethodGet, "/project/p1/build/18f2a4c-ff12/output/output.pdf", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "%PDF-1.5 fake" {
		t.Errorf("body = %q", body)
	}
}

func TestStopAndDeleteEndpoints(t *testing.T) {
	runner := &fakeRunner{}
	app := newTestApp(t, runner)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/project/p1/compile/stop", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("stop status = %d, want 204", resp.StatusCode)
	}
	if runner.stopped != 1 {
		t.Errorf("stop calls = %d, want 1", runner.stopped)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/project/p1", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	if runner.deleted != 1 {
		t.Errorf("delete calls = %d, want 1", runner.deleted)
	}
}
