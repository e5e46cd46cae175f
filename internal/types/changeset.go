package types

import (
	"path"
	"strings"
)

// ChangeSet is the ordered, de-duplicated list of repository-relative paths
// touched by the revision under test. An unknown or empty change set means
// every target is treated as affected.
type ChangeSet struct {
	files []string
	index map[string]struct{}
	known bool
}

func NewChangeSet(files []string) ChangeSet {
	c := ChangeSet{index: make(map[string]struct{}, len(files)), known: true}
	for _, f := range files {
		n := NormalizePath(f)
		if n == "" {
			continue
		}
		if _, ok := c.index[n]; ok {
			continue
		}
		c.index[n] = struct{}{}
		c.files = append(c.files, n)
	}
	return c
}

func UnknownChangeSet() ChangeSet {
	return ChangeSet{}
}

// Known reports whether the change set can be used to narrow target selection.
func (c ChangeSet) Known() bool {
	return c.known && len(c.files) > 0
}

func (c ChangeSet) Files() []string {
	return append([]string(nil), c.files...)
}

func (c ChangeSet) Contains(p string) bool {
	_, ok := c.index[NormalizePath(p)]
	return ok
}

// Intersects reports whether any of paths is part of the change set.
func (c ChangeSet) Intersects(paths []string) bool {
	for _, p := range paths {
		if c.Contains(p) {
			return true
		}
	}
	return false
}

// NormalizePath turns a path into its clean, slash separated, repository
// relative form ("./lib/../src/a.c" and "/src/a.c" both become "src/a.c").
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "." {
		return ""
	}
	return cleaned
}
