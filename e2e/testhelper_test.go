package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/texhub/compile-api/internal/affinity"
	"github.com/texhub/compile-api/internal/auth"
	"github.com/texhub/compile-api/internal/client"
	"github.com/texhub/compile-api/internal/clsi"
	"github.com/texhub/compile-api/internal/compliance"
	"github.com/texhub/compile-api/internal/config"
	"github.com/texhub/compile-api/internal/dispatch"
	"github.com/texhub/compile-api/internal/handler"
	"github.com/texhub/compile-api/internal/middleware"
	"github.com/texhub/compile-api/internal/model"
	"github.com/texhub/compile-api/internal/service"
	"github.com/texhub/compile-api/internal/shardcache"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp wires the real compile pipeline against httptest backends, so a
// request flows handler → service → dispatcher → builder → node exactly as
// in production, with no redis required.
type testApp struct {
	app     *fiber.App
	clsiURL string
}

// memAffinityStore is an in-memory affinity.Store.
type memAffinityStore struct {
	mu     sync.Mutex
	values map[string]string
}

func (s *memAffinityStore) key(projectID, userID, backendClass string) string {
	return backendClass + ":" + projectID + ":" + userID
}

func (s *memAffinityStore) Get(ctx context.Context, projectID, userID, backendClass string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[s.key(projectID, userID, backendClass)], nil
}

func (s *memAffinityStore) Set(ctx context.Context, projectID, userID, backendClass, nodeID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[s.key(projectID, userID, backendClass)] = nodeID
	return nil
}

func (s *memAffinityStore) Refresh(ctx context.Context, projectID, userID, backendClass string, ttl time.Duration) error {
	return nil
}

func (s *memAffinityStore) Clear(ctx context.Context, projectID, userID, backendClass string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, s.key(projectID, userID, backendClass))
	return nil
}

// allowAllDedup and allowAllBuckets replace the redis gates.
type allowAllDedup struct{}

func (allowAllDedup) TryAcquire(ctx context.Context, key string, window time.Duration) (bool, error) {
	return true, nil
}

func (allowAllDedup) Release(ctx context.Context, key string) {}

type allowAllBuckets struct{}

func (allowAllBuckets) Allow(ctx context.Context, name string, max int64, window time.Duration) bool {
	return true
}

// startCompileNode serves the compile node API: status bootstrap, compiles
// with absolute output URLs pointing at itself, stop and cleanup.
func startCompileNode(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "clsiserver", Value: "node-e2e-1"})

		switch {
		case strings.HasSuffix(r.URL.Path, "/status"):
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/compile/stop"):
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/compile") && r.Method == http.MethodPost:
			var req struct {
				Compile model.CompileRequest `json:"compile"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			buildID := req.Compile.Options.BuildID
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"compile":{"status":"success","buildId":%q,"outputFiles":[
				{"path":"output.pdf","url":"%s/project/p1/build/%s/output/output.pdf","size":4096},
				{"path":"output.log","url":"%s/project/p1/build/%s/output/output.log"}
			],"timings":{"compileE2E":900}}}`, buildID, srv.URL, buildID, srv.URL, buildID)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// startWebBackend serves the project snapshot, entitlement and root-doc API.
func startWebBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/compile-view"):
			fmt.Fprint(w, `{"id":"p1","compiler":"pdflatex","rootDocId":"d1",
				"docs":[{"id":"d1","path":"main.tex","content":"\\documentclass{article}\\begin{document}hi\\end{document}"}],
				"files":[]}`)
		case strings.HasSuffix(r.URL.Path, "/compile-limits"):
			fmt.Fprint(w, `{"timeout":180,"compileGroup":"standard","compileBackendClass":"e2"}`)
		case strings.HasSuffix(r.URL.Path, "/ensure-root-doc"):
			fmt.Fprint(w, `{}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// startDocBackend serves the editing buffer API. It always reports a state
// mismatch, forcing compiles down the full-sync path.
func startDocBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/doc"):
			w.WriteHeader(http.StatusConflict)
		case strings.HasSuffix(r.URL.Path, "/last_updated_at"):
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupApp(t *testing.T) *testApp {
	t.Helper()

	node := startCompileNode(t)
	web := startWebBackend(t)
	doc := startDocBackend(t)

	validate := validator.New()

	primaryClsi := clsi.NewClient(node.URL, "clsiserver", 2*time.Second)
	webClient := client.NewWebClient(&config.WebConfig{URL: web.URL, Timeout: 5})
	docClient := client.NewDocUpdaterClient(&config.DocUpdaterConfig{URL: doc.URL, Timeout: 5})

	manager := affinity.NewManager(&memAffinityStore{values: map[string]string{}}, primaryClsi, nil, affinity.ManagerConfig{
		BackendClass:  "primary",
		TTL:           time.Hour,
		RegularTTL:    6 * time.Hour,
		RegularPrefix: "reg-",
	})

	builder := dispatch.NewBuilder(webClient, docClient, noBlobs{})
	dispatcher := dispatch.NewDispatcher(builder, compliance.NewGate(7*1024*1024), primaryClsi, manager, nil, dispatch.DispatcherConfig{
		CompileTimeout: 30 * time.Second,
	})

	compileService := service.NewCompileService(
		dispatcher,
		webClient,
		docClient,
		primaryClsi,
		manager,
		shardcache.NewRouter(nil, time.Second),
		allowAllDedup{},
		allowAllBuckets{},
		config.CompileConfig{
			MaxSizeBytes:              7 * 1024 * 1024,
			DedupWindowSeconds:        3,
			AutoCompileGlobalLimit:    10000,
			AutoCompileGlobalWindow:   20,
			AutoCompileStandardLimit:  10000,
			AutoCompileStandardWindow: 20,
		},
	)

	compileHandler := handler.NewCompileHandler(compileService, validate)
	authMiddleware := middleware.NewAuthMiddleware(testJWTSecret)

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"clsi":   true,
				"shadow": false,
				"auth":   true,
			},
		})
	})

	project := app.Group("/project", authMiddleware.Authenticate())
	project.Post("/:projectId/compile", compileHandler.Compile)
	project.Post("/:projectId/user/:userId/compile", compileHandler.Compile)
	project.Post("/:projectId/compile/stop", compileHandler.StopCompile)
	project.Delete("/:projectId", compileHandler.DeleteAux)
	project.Get("/:projectId/cached/output/*", compileHandler.CachedOutput)
	project.Get("/:projectId/build/:buildId/output/*", compileHandler.BuildOutput)

	return &testApp{app: app, clsiURL: node.URL}
}

// noBlobs satisfies the blob store for projects without binary files.
type noBlobs struct{}

func (noBlobs) URLFor(ctx context.Context, projectID string, file model.FileRef) (string, error) {
	return "", fmt.Errorf("no blob store in e2e tests")
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	claims := auth.Claims{
		UserID: "test-user-123",
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "compile-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus fails the test if the response status does not match.
func assertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d", resp.StatusCode, want)
	}
}
