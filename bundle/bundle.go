// Package bundle resolves imports across a workspace and caches one
// parsed document per file. Callers receive values, never references
// into the cache; mutation is serialized behind one lock.
package bundle

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/paperclip-ui/workspace/parser"
)

var (
	// ErrPathEscape rejects paths leaving the workspace root.
	ErrPathEscape = errors.New("path escapes the workspace root")
	// ErrNotFound marks a missing file.
	ErrNotFound = errors.New("file not found")
)

// CycleError reports an import cycle.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return "import cycle: " + strings.Join(e.Chain, " -> ")
}

// Loader supplies file content by canonical workspace path. The disk
// loader confines reads to the workspace root; tests use a map.
type Loader interface {
	Load(canonical string) (string, error)
}

// Config configures a bundle.
type Config struct {
	Loader       Loader
	ParseOptions parser.Options
}

// Bundle owns every cached document and the import graph.
type Bundle struct {
	mu      sync.RWMutex
	loader  Loader
	opts    parser.Options
	docs    map[string]*parser.Document
	diags   map[string][]parser.Diagnostic
	deps    map[string]map[string]bool // file -> files it imports
	rdeps   map[string]map[string]bool // file -> files importing it
	sources map[string]string          // overrides from live sessions
}

// New creates a bundle.
func New(cfg Config) *Bundle {
	opts := cfg.ParseOptions
	if opts.MaxSourceSize <= 0 {
		opts = parser.DefaultOptions()
	}
	return &Bundle{
		loader:  cfg.Loader,
		opts:    opts,
		docs:    map[string]*parser.Document{},
		diags:   map[string][]parser.Diagnostic{},
		deps:    map[string]map[string]bool{},
		rdeps:   map[string]map[string]bool{},
		sources: map[string]string{},
	}
}

// Resolve canonicalizes an import path relative to the importing file.
// Canonical paths are slash-separated and workspace-absolute ("/a/b.pc").
func (b *Bundle) Resolve(importPath, fromPath string) (string, error) {
	if importPath == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotFound)
	}
	var joined string
	if strings.HasPrefix(importPath, "/") {
		joined = importPath
	} else {
		joined = path.Dir(fromPath) + "/" + importPath
	}
	// Walk the raw segments: a ".." that climbs above the root escapes,
	// which path.Clean alone would silently clamp to "/".
	depth := 0
	for _, seg := range strings.Split(joined, "/") {
		switch seg {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return "", fmt.Errorf("%w: %s", ErrPathEscape, importPath)
			}
		default:
			depth++
		}
	}
	joined = path.Clean(joined)
	if !strings.HasPrefix(joined, "/") {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, importPath)
	}
	return joined, nil
}

// SetSource overrides a file's content with a live buffer, reparses it,
// and invalidates every transitive dependent. Sessions call this after
// each write.
func (b *Bundle) SetSource(canonical, source string) (*parser.Document, []parser.Diagnostic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sources[canonical] = source
	b.invalidateLocked(canonical)
	return b.parseLocked(canonical, source)
}

// GetDocument returns the cached document for a canonical path, parsing
// on demand. The returned pointer is treated as immutable by callers and
// must not be retained past the next invalidation.
func (b *Bundle) GetDocument(canonical string) (*parser.Document, error) {
	b.mu.RLock()
	if doc, ok := b.docs[canonical]; ok {
		b.mu.RUnlock()
		return doc, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if doc, ok := b.docs[canonical]; ok {
		return doc, nil
	}
	source, ok := b.sources[canonical]
	if !ok {
		if b.loader == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, canonical)
		}
		var err error
		source, err = b.loader.Load(canonical)
		if err != nil {
			return nil, err
		}
	}
	doc, _, err := b.parseLocked(canonical, source)
	return doc, err
}

// LoadSource returns a file's raw text: the live session buffer when one
// exists, the loader's content otherwise.
func (b *Bundle) LoadSource(canonical string) (string, error) {
	b.mu.RLock()
	src, ok := b.sources[canonical]
	b.mu.RUnlock()
	if ok {
		return src, nil
	}
	if b.loader == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, canonical)
	}
	return b.loader.Load(canonical)
}

// Diagnostics returns the parse diagnostics recorded for a file.
func (b *Bundle) Diagnostics(canonical string) []parser.Diagnostic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]parser.Diagnostic(nil), b.diags[canonical]...)
}

func (b *Bundle) parseLocked(canonical, source string) (*parser.Document, []parser.Diagnostic, error) {
	doc, diags, err := parser.Parse(canonical, source, b.opts)
	if err != nil {
		return nil, nil, err
	}

	// Record import edges, then reject cycles before caching.
	edges := map[string]bool{}
	for _, imp := range doc.Imports {
		target, rerr := b.Resolve(imp.Path, canonical)
		if rerr != nil {
			diags = append(diags, parser.Diagnostic{
				Severity: parser.SeverityError,
				Span:     imp.Pos(),
				Message:  rerr.Error(),
			})
			continue
		}
		edges[target] = true
	}

	old := b.deps[canonical]
	b.deps[canonical] = edges
	for target := range old {
		if !edges[target] {
			delete(b.rdeps[target], canonical)
		}
	}
	for target := range edges {
		if b.rdeps[target] == nil {
			b.rdeps[target] = map[string]bool{}
		}
		b.rdeps[target][canonical] = true
	}

	if chain := b.findCycleLocked(canonical); chain != nil {
		b.deps[canonical] = old
		for target := range edges {
			if old == nil || !old[target] {
				delete(b.rdeps[target], canonical)
			}
		}
		return nil, nil, &CycleError{Chain: chain}
	}

	b.docs[canonical] = doc
	b.diags[canonical] = diags
	return doc, diags, nil
}

// findCycleLocked runs a DFS with a visiting set over the known import
// edges, returning the cycle chain if start can reach itself.
func (b *Bundle) findCycleLocked(start string) []string {
	visiting := map[string]bool{}
	var chain []string
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if visiting[node] {
			return node == start
		}
		visiting[node] = true
		chain = append(chain, node)
		targets := make([]string, 0, len(b.deps[node]))
		for t := range b.deps[node] {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		for _, t := range targets {
			if t == start || dfs(t) {
				if t == start {
					chain = append(chain, t)
				}
				return true
			}
		}
		chain = chain[:len(chain)-1]
		delete(visiting, node)
		return false
	}
	if dfs(start) {
		return chain
	}
	return nil
}

// Invalidate drops the cached document for a path and every transitive
// dependent, returning the dependents that were dropped.
func (b *Bundle) Invalidate(canonical string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalidateLocked(canonical)
}

func (b *Bundle) invalidateLocked(canonical string) []string {
	dependents := b.dependentsLocked(canonical)
	delete(b.docs, canonical)
	delete(b.diags, canonical)
	for _, dep := range dependents {
		delete(b.docs, dep)
		delete(b.diags, dep)
	}
	return dependents
}

// Dependents returns every file that transitively imports the given
// path, sorted.
func (b *Bundle) Dependents(canonical string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dependentsLocked(canonical)
}

func (b *Bundle) dependentsLocked(canonical string) []string {
	seen := map[string]bool{}
	var visit func(node string)
	visit = func(node string) {
		for dep := range b.rdeps[node] {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(canonical)
	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}
