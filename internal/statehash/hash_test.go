package statehash

import (
	"testing"
	"time"

	"github.com/texhub/compile-api/internal/model"
)

func sampleProject() *model.Project {
	created := time.UnixMilli(1700000000000)
	return &model.Project{
		ID:       "project-1",
		Compiler: model.CompilerPdfLatex,
		Docs: []model.Doc{
			{ID: "doc-a", Path: "main.tex", Content: "\\documentclass{article}"},
			{ID: "doc-b", Path: "chapters/intro.tex", Content: "hello"},
		},
		Files: []model.FileRef{
			{ID: "file-a", Path: "figures/plot.png", Rev: 3, CreatedAt: created},
		},
	}
}

func TestComputeOrderIndependent(t *testing.T) {
	opts := model.CompileOptions{Compiler: model.CompilerPdfLatex, Draft: true}

	p1 := sampleProject()
	p2 := sampleProject()
	p2.Docs[0], p2.Docs[1] = p2.Docs[1], p2.Docs[0]

	if got, want := Compute(p1, opts), Compute(p2, opts); got != want {
		t.Errorf("hash depends on doc order: %s != %s", got, want)
	}
}

func TestComputeIgnoresVolatileOptions(t *testing.T) {
	p := sampleProject()
	base := Compute(p, model.CompileOptions{Compiler: model.CompilerPdfLatex})

	variants := []model.CompileOptions{
		{Compiler: model.CompilerPdfLatex, IsAutoCompile: true},
		{Compiler: model.CompilerPdfLatex, BuildID: "18c2f0a0-deadbeef"},
		{Compiler: model.CompilerPdfLatex, SyncType: model.SyncTypeFull},
		{Compiler: model.CompilerPdfLatex, SyncState: "abc123"},
	}
	for i, opts := range variants {
		if got := Compute(p, opts); got != base {
			t.Errorf("variant %d: volatile option changed hash", i)
		}
	}
}

func TestComputeSensitivity(t *testing.T) {
	opts := model.CompileOptions{Compiler: model.CompilerPdfLatex}
	base := Compute(sampleProject(), opts)

	tests := []struct {
		name   string
		mutate func(p *model.Project, o *model.CompileOptions)
	}{
		{"doc id", func(p *model.Project, o *model.CompileOptions) { p.Docs[0].ID = "doc-z" }},
		{"doc path", func(p *model.Project, o *model.CompileOptions) { p.Docs[0].Path = "other.tex" }},
		{"file rev", func(p *model.Project, o *model.CompileOptions) { p.Files[0].Rev = 4 }},
		{"file timestamp", func(p *model.Project, o *model.CompileOptions) {
			p.Files[0].CreatedAt = p.Files[0].CreatedAt.Add(time.Second)
		}},
		{"compiler option", func(p *model.Project, o *model.CompileOptions) { o.Compiler = model.CompilerXeLatex }},
		{"draft option", func(p *model.Project, o *model.CompileOptions) { o.Draft = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := sampleProject()
			o := opts
			tt.mutate(p, &o)
			if got := Compute(p, o); got == base {
				t.Errorf("changing %s did not change hash", tt.name)
			}
		})
	}
}

func TestComputeIgnoresDocContent(t *testing.T) {
	// Content lives in the editing buffer; identity is (id, path). Editing a
	// doc without renaming it must not invalidate the buffer's claim.
	opts := model.CompileOptions{Compiler: model.CompilerPdfLatex}
	p := sampleProject()
	base := Compute(p, opts)
	p.Docs[0].Content = "\\documentclass{report}"
	if got := Compute(p, opts); got != base {
		t.Errorf("doc content changed hash")
	}
}
