package dispatch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/texhub/compile-api/internal/client"
	"github.com/texhub/compile-api/internal/model"
	"github.com/texhub/compile-api/internal/statehash"
)

// Builder assembles a compile request from the persisted project snapshot,
// the editing buffer and the blob store. Each attempt gets a fresh request.
type Builder struct {
	projects client.ProjectStore
	buffer   client.DocBuffer
	blobs    client.BlobStore
}

func NewBuilder(projects client.ProjectStore, buffer client.DocBuffer, blobs client.BlobStore) *Builder {
	return &Builder{projects: projects, buffer: buffer, blobs: blobs}
}

// Build constructs the request for one attempt. An incremental request is
// only honored when the editing buffer confirms it holds the state our hash
// describes; otherwise the attempt silently degrades to a full sync.
func (b *Builder) Build(ctx context.Context, projectID, userID string, opts model.CompileOptions) (*model.CompileRequest, error) {
	project, err := b.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}

	if opts.Compiler == "" {
		opts.Compiler = project.Compiler
	}
	if opts.Compiler == "" {
		opts.Compiler = model.CompilerPdfLatex
	}
	if opts.ImageName == "" {
		opts.ImageName = project.ImageName
	}

	hash := statehash.Compute(project, opts)
	opts.SyncState = hash

	docs := project.Docs
	if opts.SyncType == model.SyncTypeIncremental {
		bufferDocs, ok, err := b.buffer.DocsIfSynced(ctx, projectID, hash)
		if err != nil {
			return nil, fmt.Errorf("consult editing buffer for project %s: %w", projectID, err)
		}
		if ok {
			docs = mergeBufferDocs(project.Docs, bufferDocs)
		} else {
			// The buffer disagrees about project state; its content cannot
			// be trusted for a delta compile.
			log.Printf("[Dispatch] buffer state mismatch for project %s, degrading to full sync", projectID)
			opts.SyncType = model.SyncTypeFull
		}
	}

	resources := make([]model.Resource, 0, len(docs)+len(project.Files))
	for _, d := range docs {
		resources = append(resources, model.Resource{Path: d.Path, Content: d.Content})
	}
	for _, f := range project.Files {
		url, err := b.blobs.URLFor(ctx, projectID, f)
		if err != nil {
			return nil, fmt.Errorf("resolve blob url for project %s file %s: %w", projectID, f.ID, err)
		}
		modified := f.CreatedAt
		resources = append(resources, model.Resource{Path: f.Path, URL: url, ModifiedAt: &modified})
	}

	return &model.CompileRequest{
		Options:          opts,
		Resources:        resources,
		RootResourcePath: rootResourcePath(project, opts),
	}, nil
}

// mergeBufferDocs overlays the editing buffer's content onto the persisted
// doc list. Identity (id, path) comes from the snapshot; content prefers
// the buffer, which is ahead of the database.
func mergeBufferDocs(persisted, buffered []model.Doc) []model.Doc {
	byID := make(map[string]string, len(buffered))
	for _, d := range buffered {
		byID[d.ID] = d.Content
	}
	merged := make([]model.Doc, len(persisted))
	for i, d := range persisted {
		if content, ok := byID[d.ID]; ok {
			d.Content = content
		}
		merged[i] = d
	}
	return merged
}

// rootResourcePath picks the entrypoint the node compiles. Explicit
// overrides and the project's stored root doc win; a single-doc project
// compiles that doc; otherwise main.tex, then the first .tex doc by path.
func rootResourcePath(project *model.Project, opts model.CompileOptions) string {
	if opts.RootDocOverride != "" {
		if d, ok := project.Doc(opts.RootDocOverride); ok {
			return d.Path
		}
	}
	if project.RootDocID != "" {
		if d, ok := project.Doc(project.RootDocID); ok {
			return d.Path
		}
	}
	if len(project.Docs) == 1 {
		return project.Docs[0].Path
	}

	var texPaths []string
	for _, d := range project.Docs {
		if d.Path == "main.tex" {
			return d.Path
		}
		if strings.HasSuffix(d.Path, ".tex") {
			texPaths = append(texPaths, d.Path)
		}
	}
	if len(texPaths) > 0 {
		sort.Strings(texPaths)
		return texPaths[0]
	}
	return "main.tex"
}
