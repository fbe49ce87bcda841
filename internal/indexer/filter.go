package indexer

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hyperjump/shirabe/internal/config"
)

// Filter decides which files under a root are indexed. Patterns are doublestar
// globs matched against the slash-separated path relative to the root.
type Filter struct {
	includes   []string
	excludes   []string
	extensions map[string]bool
}

// NewFilter builds a filter from the indexing config. An empty include list
// admits every file; an empty extension list admits every extension.
func NewFilter(cfg config.IndexingConfig) *Filter {
	f := &Filter{includes: cfg.Include, excludes: cfg.Exclude}
	if len(f.includes) == 0 {
		f.includes = []string{"**"}
	}
	if len(cfg.Extensions) > 0 {
		f.extensions = make(map[string]bool, len(cfg.Extensions))
		for _, e := range cfg.Extensions {
			f.extensions["."+strings.ToLower(strings.TrimPrefix(e, "."))] = true
		}
	}
	return f
}

// Match reports whether the file at rel (relative to the walk root) is indexed.
func (f *Filter) Match(rel string) bool {
	rel = filepath.ToSlash(rel)
	if f.extensions != nil && !f.extensions[strings.ToLower(filepath.Ext(rel))] {
		return false
	}
	return matchAny(f.includes, rel) && !matchAny(f.excludes, rel)
}

// SkipDir reports whether a whole directory, relative to the walk root, is excluded.
func (f *Filter) SkipDir(rel string) bool {
	if rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	return matchAny(f.excludes, rel) || matchAny(f.excludes, rel+"/")
}

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, path); err == nil && ok {
			return true
		}
	}
	return false
}

// Walk returns the regular files under root admitted by the filter, in lexical order.
// Unreadable directories are skipped.
func (f *Filter) Walk(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if f.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !f.Match(rel) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, err
}
