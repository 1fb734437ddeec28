// Package compliance runs the pre-flight checks on a compile request's
// resource set. Both checks always run so one round trip reports the full
// problem set.
package compliance

import (
	"sort"
	"strings"

	"github.com/texhub/compile-api/internal/model"
)

// MaxReportedResources bounds the size-problem report.
const MaxReportedResources = 10

// Gate validates resource sets against a configured size ceiling.
type Gate struct {
	maxSizeBytes int64
}

func NewGate(maxSizeBytes int64) *Gate {
	return &Gate{maxSizeBytes: maxSizeBytes}
}

// Check returns nil when the resource set is acceptable. It never performs
// I/O; the caller short-circuits to a validation-problems outcome on a
// non-nil result without contacting any node.
func (g *Gate) Check(resources []model.Resource) *model.ValidationProblems {
	conflicted := conflictedPaths(resources)
	size := g.sizeProblem(resources)

	if len(conflicted) == 0 && size == nil {
		return nil
	}
	return &model.ValidationProblems{
		ConflictedPaths: conflicted,
		SizeCheck:       size,
	}
}

// conflictedPaths flags every resource whose path is a strict prefix
// directory of another resource's path: a file where another resource
// expects a directory.
func conflictedPaths(resources []model.Resource) []string {
	var conflicted []string
	for _, r := range resources {
		prefix := r.Path + "/"
		for _, other := range resources {
			if other.Path == r.Path {
				continue
			}
			if strings.HasPrefix(other.Path, prefix) {
				conflicted = append(conflicted, r.Path)
				break
			}
		}
	}
	sort.Strings(conflicted)
	return conflicted
}

func (g *Gate) sizeProblem(resources []model.Resource) *model.SizeProblem {
	if g.maxSizeBytes <= 0 {
		return nil
	}

	sized := make([]model.SizedResource, 0, len(resources))
	var total int64
	for _, r := range resources {
		s := contentSize(r.Content)
		total += s
		sized = append(sized, model.SizedResource{Path: r.Path, Size: s})
	}
	if total <= g.maxSizeBytes {
		return nil
	}

	sort.SliceStable(sized, func(i, j int) bool { return sized[i].Size > sized[j].Size })
	if len(sized) > MaxReportedResources {
		sized = sized[:MaxReportedResources]
	}
	return &model.SizeProblem{TotalSize: total, Resources: sized}
}

// contentSize counts bytes with newlines stripped, matching the on-wire
// size semantics of the compile nodes.
func contentSize(content string) int64 {
	size := int64(len(content))
	for _, c := range content {
		if c == '\n' || c == '\r' {
			size--
		}
	}
	return size
}
