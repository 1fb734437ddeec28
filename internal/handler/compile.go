package handler

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/texhub/compile-api/internal/middleware"
	"github.com/texhub/compile-api/internal/model"
	"github.com/texhub/compile-api/internal/service"
	"github.com/texhub/compile-api/internal/shardcache"
	"github.com/texhub/compile-api/pkg/response"
)

// CompileRunner is the service surface the handler routes into.
type CompileRunner interface {
	RunCompile(ctx context.Context, projectID, userID string, opts model.CompileOptions) (*model.CompileOutcome, error)
	StopCompile(ctx context.Context, projectID, userID string) error
	DeleteAuxFiles(ctx context.Context, projectID, userID string) error
	ResolveCachedBuild(ctx context.Context, projectID, userID, path string) (*model.CacheEntry, error)
	ProxyOutput(ctx context.Context, projectID, userID, buildID, path string) (*http.Response, error)
}

type CompileHandler struct {
	service   CompileRunner
	validator *validator.Validate
}

func NewCompileHandler(svc CompileRunner, v *validator.Validate) *CompileHandler {
	return &CompileHandler{
		service:   svc,
		validator: v,
	}
}

// compileRequestBody is the caller-supplied slice of the compile options.
// Entitlement-owned fields (group, backend class) are not accepted here.
type compileRequestBody struct {
	Options struct {
		Compiler         string `json:"compiler" validate:"omitempty,oneof=pdflatex latex xelatex lualatex"`
		ImageName        string `json:"imageName"`
		Timeout          int    `json:"timeout" validate:"omitempty,min=1,max=600"`
		Draft            bool   `json:"draft"`
		Check            string `json:"check" validate:"omitempty,oneof=silent error validate"`
		SyncType         string `json:"syncType" validate:"omitempty,oneof=incremental full"`
		EnablePdfCaching bool   `json:"enablePdfCaching"`
		IsAutoCompile    bool   `json:"isAutoCompile"`
		RootDocID        string `json:"rootDocId"`
		StopOnFirstError bool   `json:"stopOnFirstError"`
	} `json:"options"`
}

// Compile handles POST /project/:projectId/compile and its per-user variant.
func (h *CompileHandler) Compile(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", nil)
	}
	userID := compileUserID(c)

	var req compileRequestBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
		if err := h.validator.Struct(&req); err != nil {
			return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
		}
	}

	opts := model.CompileOptions{
		Compiler:         req.Options.Compiler,
		ImageName:        req.Options.ImageName,
		Timeout:          req.Options.Timeout,
		Draft:            req.Options.Draft,
		Check:            req.Options.Check,
		SyncType:         model.SyncType(req.Options.SyncType),
		EnablePdfCaching: req.Options.EnablePdfCaching,
		IsAutoCompile:    req.Options.IsAutoCompile,
		RootDocOverride:  req.Options.RootDocID,
		StopOnFirstError: req.Options.StopOnFirstError,
	}

	outcome, err := h.service.RunCompile(c.Context(), projectID, userID, opts)
	if err != nil {
		log.Printf("[Handler] compile failed for project %s: %v", projectID, err)
		return response.CompileError(c, "Compile request failed")
	}
	return response.OK(c, fiber.Map{"compile": outcome})
}

// StopCompile handles POST /project/:projectId/compile/stop.
func (h *CompileHandler) StopCompile(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", nil)
	}

	if err := h.service.StopCompile(c.Context(), projectID, compileUserID(c)); err != nil {
		log.Printf("[Handler] stop failed for project %s: %v", projectID, err)
		return response.CompileError(c, "Stop request failed")
	}
	return response.NoContent(c)
}

// DeleteAux handles DELETE /project/:projectId.
func (h *CompileHandler) DeleteAux(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", nil)
	}

	if err := h.service.DeleteAuxFiles(c.Context(), projectID, compileUserID(c)); err != nil {
		log.Printf("[Handler] cleanup failed for project %s: %v", projectID, err)
		return response.CompileError(c, "Cleanup request failed")
	}
	return response.NoContent(c)
}

// CachedOutput handles GET /project/:projectId/cached/output/*. A hit
// redirects the client straight at the artifact; any miss is a plain 404.
func (h *CompileHandler) CachedOutput(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	path := c.Params("*")
	if projectID == "" || path == "" {
		return response.ValidationError(c, "Project ID and output path are required", nil)
	}

	entry, err := h.service.ResolveCachedBuild(c.Context(), projectID, compileUserID(c), path)
	if err != nil {
		if errors.Is(err, shardcache.ErrNotFound) || errors.Is(err, service.ErrCacheStale) {
			return response.NotFound(c, "No cached build available")
		}
		log.Printf("[Handler] cache lookup failed for project %s: %v", projectID, err)
		return response.ServiceError(c, "Cache lookup failed")
	}

	if entry.Zone != "" {
		c.Set("X-Zone", entry.Zone)
	}
	return c.Redirect(entry.Location, fiber.StatusFound)
}

// BuildOutput handles GET /project/:projectId/build/:buildId/output/*,
// streaming the file from the affined compile node.
func (h *CompileHandler) BuildOutput(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	buildID := c.Params("buildId")
	path := c.Params("*")
	if projectID == "" || buildID == "" || path == "" {
		return response.ValidationError(c, "Project ID, build ID and output path are required", nil)
	}

	resp, err := h.service.ProxyOutput(c.Context(), projectID, compileUserID(c), buildID, path)
	if err != nil {
		log.Printf("[Handler] output proxy failed for project %s build %s: %v", projectID, buildID, err)
		return response.CompileError(c, "Output fetch failed")
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return response.NotFound(c, "Output file not found")
	}

	for _, header := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "Etag", "Last-Modified"} {
		if v := resp.Header.Get(header); v != "" {
			c.Set(header, v)
		}
	}
	c.Status(resp.StatusCode)
	// SendStream closes over the node's body; a client disconnect mid-stream
	// just ends the copy.
	return c.SendStream(resp.Body)
}

// compileUserID prefers the per-user route param and falls back to the
// authenticated identity.
func compileUserID(c *fiber.Ctx) string {
	if userID := c.Params("userId"); userID != "" {
		return userID
	}
	return middleware.GetUserID(c)
}

func formatValidationErrors(err error) []fiber.Map {
	var details []fiber.Map
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, e := range validationErrors {
			details = append(details, fiber.Map{
				"field": e.Field(),
				"rule":  e.Tag(),
			})
		}
	}
	return details
}
