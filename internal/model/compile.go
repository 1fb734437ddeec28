package model

import "time"

// CompileStatus is the stable status string reported to clients. The values
// mirror the compile node's `compile.status` field plus the statuses this
// service produces locally before any node is contacted.
type CompileStatus string

const (
	StatusSuccess             CompileStatus = "success"
	StatusFailure             CompileStatus = "failure"
	StatusConflict            CompileStatus = "conflict"
	StatusUnavailable         CompileStatus = "unavailable"
	StatusValidationProblems  CompileStatus = "validation-problems"
	StatusProjectTooLarge     CompileStatus = "project-too-large"
	StatusCompileInProgress   CompileStatus = "compile-in-progress"
	StatusTooRecentlyCompiled CompileStatus = "too-recently-compiled"
	StatusAutoCompileBackoff  CompileStatus = "autocompile-backoff"
)

// SyncType selects which project state a compile is built from.
type SyncType string

const (
	SyncTypeIncremental SyncType = "incremental"
	SyncTypeFull        SyncType = "full"
)

// CompileOptions carries the per-request knobs merged from the caller's
// request and the project owner's compile entitlement.
type CompileOptions struct {
	Compiler         string   `json:"compiler,omitempty"`
	ImageName        string   `json:"imageName,omitempty"`
	Timeout          int      `json:"timeout,omitempty"` // seconds
	CompileGroup     string   `json:"compileGroup,omitempty"`
	BackendClass     string   `json:"compileBackendClass,omitempty"`
	Draft            bool     `json:"draft,omitempty"`
	Check            string   `json:"check,omitempty"`
	SyncType         SyncType `json:"syncType,omitempty"`
	SyncState        string   `json:"syncState,omitempty"`
	EnablePdfCaching bool     `json:"enablePdfCaching,omitempty"`
	IsAutoCompile    bool     `json:"isAutoCompile,omitempty"`
	RootDocOverride  string   `json:"rootDocId,omitempty"`
	BuildID          string   `json:"buildId,omitempty"`
	StopOnFirstError bool     `json:"stopOnFirstError,omitempty"`
}

// Resource is one entry of the compile request's resource set. Docs carry
// inline content; binary files carry a fetch URL plus their last-modified time.
type Resource struct {
	Path       string     `json:"path"`
	Content    string     `json:"content,omitempty"`
	URL        string     `json:"url,omitempty"`
	ModifiedAt *time.Time `json:"modified,omitempty"`
}

// CompileRequest is the payload posted to a compile node. Built fresh per
// attempt and treated as immutable once sent.
type CompileRequest struct {
	Options          CompileOptions `json:"options"`
	Resources        []Resource     `json:"resources"`
	RootResourcePath string         `json:"rootResourcePath"`
}

// Range is a byte range of the output PDF used by the range-caching feature.
type Range struct {
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
	Hash   string `json:"hash,omitempty"`
	Object string `json:"objectId,omitempty"`
}

// OutputFile is one file produced by a compile, with its host-relative URL.
// The PDF entry additionally carries caching metadata passed through from
// the node.
type OutputFile struct {
	Path      string     `json:"path"`
	URL       string     `json:"url"`
	Type      string     `json:"type,omitempty"`
	Build     string     `json:"build,omitempty"`
	ContentID string     `json:"contentId,omitempty"`
	Ranges    []Range    `json:"ranges,omitempty"`
	Size      int64      `json:"size,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// ValidationProblems describes why a resource set was rejected before any
// network call was made.
type ValidationProblems struct {
	ConflictedPaths []string     `json:"conflictedPaths,omitempty"`
	SizeCheck       *SizeProblem `json:"sizeCheck,omitempty"`
	MainFile        bool         `json:"mainFile,omitempty"`
}

// SizeProblem reports a resource set over the size ceiling. Only the largest
// offending resources are listed, sorted by descending size.
type SizeProblem struct {
	TotalSize int64           `json:"totalSize"`
	Resources []SizedResource `json:"resources"`
}

type SizedResource struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// CompileOutcome is the tagged result of a compile attempt. Exactly one of
// the optional fields is populated, selected by Status.
type CompileOutcome struct {
	Status             CompileStatus       `json:"status"`
	OutputFiles        []OutputFile        `json:"outputFiles,omitempty"`
	BuildID            string              `json:"buildId,omitempty"`
	Stats              map[string]int64    `json:"stats,omitempty"`
	Timings            map[string]int64    `json:"timings,omitempty"`
	ValidationProblems *ValidationProblems `json:"validationProblems,omitempty"`
}

// Escalatable reports whether the dispatcher may retry this outcome with an
// escalated request. Everything else is terminal for the attempt sequence.
func (o *CompileOutcome) Escalatable() bool {
	return o.Status == StatusConflict || o.Status == StatusUnavailable
}

// OutputPDF returns the primary PDF output entry, if the compile produced one.
func (o *CompileOutcome) OutputPDF() (OutputFile, bool) {
	for _, f := range o.OutputFiles {
		if f.Path == "output.pdf" {
			return f, true
		}
	}
	return OutputFile{}, false
}

// CacheEntry describes the freshest cached build artifact found on a cache
// shard. Owned by the cache fleet; this service only consumes it.
type CacheEntry struct {
	Location     string     `json:"location"`
	Zone         string     `json:"zone,omitempty"`
	Shard        string     `json:"shard,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	Size         int64      `json:"size,omitempty"`
	AllFiles     []string   `json:"allFiles,omitempty"`
}
