package model

import "time"

// Compiler names accepted by the compile nodes.
const (
	CompilerPdfLatex = "pdflatex"
	CompilerLatex    = "latex"
	CompilerXeLatex  = "xelatex"
	CompilerLuaLatex = "lualatex"
)

// Compile groups. The standard group is the free tier and is subject to the
// auto-compile token buckets; priority groups are exempt.
const (
	CompileGroupStandard = "standard"
	CompileGroupPriority = "priority"
)

// Doc is an editable text document in a project snapshot.
type Doc struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileRef is a binary file reference in a project snapshot. Content is not
// inlined; compile nodes fetch it from a resolved blob URL.
type FileRef struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Rev       int       `json:"rev"`
	Hash      string    `json:"hash,omitempty"`
	CreatedAt time.Time `json:"created"`
}

// Project is the snapshot of project state consulted when building a compile
// request. It is produced by the project store collaborator.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Compiler  string    `json:"compiler,omitempty"`
	ImageName string    `json:"imageName,omitempty"`
	RootDocID string    `json:"rootDocId,omitempty"`
	Docs      []Doc     `json:"docs"`
	Files     []FileRef `json:"files"`
}

// Doc returns the project doc with the given id.
func (p *Project) Doc(id string) (Doc, bool) {
	for _, d := range p.Docs {
		if d.ID == id {
			return d, true
		}
	}
	return Doc{}, false
}

// CompileLimits is the owner-entitlement slice relevant to compiling: how
// long a compile may run, which node pool serves it and which group budget
// it draws from.
type CompileLimits struct {
	Timeout      int    `json:"timeout"` // seconds
	CompileGroup string `json:"compileGroup"`
	BackendClass string `json:"compileBackendClass"`
}
