// Package statehash computes a stable fingerprint of a project's compilable
// state. Two snapshots with the same docs, files and non-volatile compile
// options hash identically regardless of iteration order, which is what lets
// the editing buffer prove it is in sync before an incremental compile.
package statehash

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/texhub/compile-api/internal/model"
)

// Option keys that describe a single compile attempt rather than project
// content. They must not affect the hash.
var volatileOptionKeys = map[string]bool{
	"isAutoCompile": true,
	"buildId":       true,
	"syncType":      true,
	"syncState":     true,
}

// Compute returns the hex sha1 digest of the project snapshot plus options.
func Compute(p *model.Project, opts model.CompileOptions) string {
	lines := make([]string, 0, len(p.Docs)+len(p.Files)+8)

	for _, d := range p.Docs {
		lines = append(lines, fmt.Sprintf("doc:%s:%s", d.ID, d.Path))
	}
	for _, f := range p.Files {
		lines = append(lines, fmt.Sprintf("file:%s:%d:%d:%s", f.ID, f.Rev, f.CreatedAt.UnixMilli(), f.Path))
	}
	sort.Strings(lines)

	optLines := make([]string, 0, 8)
	for k, v := range optionPairs(opts) {
		if volatileOptionKeys[k] {
			continue
		}
		optLines = append(optLines, k+"="+v)
	}
	sort.Strings(optLines)

	h := sha1.New()
	h.Write([]byte(strings.Join(lines, "\n")))
	h.Write([]byte("\n--options--\n"))
	h.Write([]byte(strings.Join(optLines, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// optionPairs flattens the options that identify what gets compiled. The
// volatile filter is applied by Compute so the exclusion list stays in one
// place.
func optionPairs(opts model.CompileOptions) map[string]string {
	return map[string]string{
		"compiler":         opts.Compiler,
		"imageName":        opts.ImageName,
		"compileGroup":     opts.CompileGroup,
		"draft":            fmt.Sprintf("%t", opts.Draft),
		"check":            opts.Check,
		"rootDocId":        opts.RootDocOverride,
		"stopOnFirstError": fmt.Sprintf("%t", opts.StopOnFirstError),
		"isAutoCompile":    fmt.Sprintf("%t", opts.IsAutoCompile),
		"buildId":          opts.BuildID,
		"syncType":         string(opts.SyncType),
		"syncState":        opts.SyncState,
	}
}
