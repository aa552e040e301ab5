package bulk

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"
)

// DefaultIgnoreMarker is the per-directory file of gitignore-style patterns
// consulted when a Filter enables marker files.
const DefaultIgnoreMarker = ".b2ignore"

// Filter decides which files under an upload root are sent. It has two
// layers: include/exclude regular expressions matched against the full local
// path, and optional per-directory marker files with gitignore syntax.
//
// A nil *Filter allows everything. A Filter is safe for concurrent use.
type Filter struct {
	// include and exclude are compiled anchored at the start of the path.
	include *regexp.Regexp
	exclude *regexp.Regexp

	// IgnoreMarker names the marker file looked up in each directory. Empty
	// disables the marker layer.
	IgnoreMarker string

	// markerCache stores parsed marker files per directory. A nil entry means
	// the directory was checked and has none.
	markerCache map[string]*ignore.GitIgnore
	mu          sync.RWMutex
}

// CompileFilter builds a Filter from include and exclude patterns. Empty
// patterns are unset.
func CompileFilter(include, exclude string) (*Filter, error) {
	f := &Filter{}

	if include != "" {
		re, err := compileAnchored(include)
		if err != nil {
			return nil, fmt.Errorf("bulk: compiling include pattern %q: %w", include, err)
		}

		f.include = re
	}

	if exclude != "" {
		re, err := compileAnchored(exclude)
		if err != nil {
			return nil, fmt.Errorf("bulk: compiling exclude pattern %q: %w", exclude, err)
		}

		f.exclude = re
	}

	return f, nil
}

// compileAnchored compiles pattern so it only matches at the start of the
// input. The pattern must compile on its own, so a stray ")" cannot close
// the anchoring group early.
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, err
	}

	return regexp.Compile(`^(?:` + pattern + `)`)
}

// WithIgnoreMarker enables marker files named name and returns f.
func (f *Filter) WithIgnoreMarker(name string) *Filter {
	f.IgnoreMarker = name

	return f
}

// Allows applies the pattern layer: path is allowed iff it does not match
// the exclude pattern and, when one is set, matches the include pattern. A pattern matches when
// it matches a prefix of path, so ".*\.txt$" selects text files while
// "\.txt$" selects nothing.
func (f *Filter) Allows(path string) bool {
	if f == nil {
		return true
	}

	if f.exclude != nil && f.exclude.MatchString(path) {
		return false
	}

	return f.include == nil || f.include.MatchString(path)
}

// Ignored applies the marker layer to path. Only the marker in path's own
// directory is consulted. Marker files themselves are always ignored.
func (f *Filter) Ignored(path string, isDir bool) bool {
	if f == nil || f.IgnoreMarker == "" {
		return false
	}

	if !isDir && filepath.Base(path) == f.IgnoreMarker {
		return true
	}

	dir := filepath.Dir(path)

	gi := f.loadMarker(dir)
	if gi == nil {
		return false
	}

	// go-gitignore expects forward slashes and a trailing slash for dirs.
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}

	matchPath := filepath.ToSlash(rel)
	if isDir {
		matchPath += "/"
	}

	if gi.MatchesPath(matchPath) {
		slog.Debug("path excluded by marker file",
			slog.String("path", path),
			slog.String("marker", f.IgnoreMarker),
		)

		return true
	}

	return false
}

// loadMarker loads and caches the marker file of dir.
func (f *Filter) loadMarker(dir string) *ignore.GitIgnore {
	f.mu.RLock()
	gi, cached := f.markerCache[dir]
	f.mu.RUnlock()

	if cached {
		return gi
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if gi, cached = f.markerCache[dir]; cached {
		return gi
	}

	if f.markerCache == nil {
		f.markerCache = make(map[string]*ignore.GitIgnore)
	}

	markerPath := filepath.Join(dir, f.IgnoreMarker)
	if _, err := os.Stat(markerPath); err != nil {
		f.markerCache[dir] = nil

		return nil
	}

	parsed, err := ignore.CompileIgnoreFile(markerPath)
	if err != nil {
		slog.Warn("unreadable marker file",
			slog.String("path", markerPath),
			slog.String("error", err.Error()),
		)
		f.markerCache[dir] = nil

		return nil
	}

	f.markerCache[dir] = parsed

	return parsed
}
