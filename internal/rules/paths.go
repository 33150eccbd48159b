package rules

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// PathFilter decides which files a rule runs on. Globs support *, ? and ** (any
// number of directories). A glob without a slash matches any single path segment.
type PathFilter struct {
	include []string
	exclude []string
}

func newPathFilter(spec PathSpec) (PathFilter, error) {
	for _, g := range append(append([]string(nil), spec.Include...), spec.Exclude...) {
		if _, err := path.Match(strings.ReplaceAll(g, "**", "*"), ""); err != nil {
			return PathFilter{}, fmt.Errorf("invalid path glob %q: %w", g, err)
		}
	}
	return PathFilter{include: spec.Include, exclude: spec.Exclude}, nil
}

// Allows reports whether the rule applies to file.
func (f PathFilter) Allows(file string) bool {
	segments := splitPath(file)
	if len(f.include) > 0 {
		matched := false
		for _, g := range f.include {
			if matchGlob(g, segments) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, g := range f.exclude {
		if matchGlob(g, segments) {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	p = filepath.ToSlash(filepath.Clean(p))
	p = strings.TrimPrefix(p, "./")
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" && s != "." {
			out = append(out, s)
		}
	}
	return out
}

func matchGlob(glob string, segments []string) bool {
	glob = strings.TrimPrefix(filepath.ToSlash(glob), "./")
	if !strings.Contains(strings.TrimSuffix(glob, "/"), "/") {
		g := strings.TrimSuffix(glob, "/")
		for _, s := range segments {
			if ok, _ := path.Match(g, s); ok {
				return true
			}
		}
		return false
	}
	parts := strings.Split(strings.Trim(glob, "/"), "/")
	if !strings.HasPrefix(glob, "/") && parts[0] != "**" {
		parts = append([]string{"**"}, parts...)
	}
	// A directory glob also covers everything below it.
	if strings.HasSuffix(glob, "/") {
		parts = append(parts, "**")
	}
	return matchSegments(parts, segments)
}

func matchSegments(glob, segments []string) bool {
	if len(glob) == 0 {
		return len(segments) == 0
	}
	if glob[0] == "**" {
		for i := 0; i <= len(segments); i++ {
			if matchSegments(glob[1:], segments[i:]) {
				return true
			}
		}
		return false
	}
	if len(segments) == 0 {
		return false
	}
	if ok, _ := path.Match(glob[0], segments[0]); !ok {
		return false
	}
	return matchSegments(glob[1:], segments[1:])
}
