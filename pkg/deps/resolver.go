package deps

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aluedeke/go-appbundler/pkg/logging"
	"github.com/aluedeke/go-appbundler/pkg/project"
)

const (
	// DefaultMaxIterations is the number of lister rounds allowed before
	// resolution is declared runaway.
	DefaultMaxIterations = 10
	defaultBatchSize     = 64
	defaultWorkers       = 4
)

// Library locations owned by the operating system. Dependencies there are
// never bundled and never warned about.
var systemLibraryDirs = []string{"/usr/lib/", "/System/Library/"}

var installNameAnchorRe = regexp.MustCompile(`^@[-_a-z]+/`)

// Resolver computes dependency closures for one project.
type Resolver struct {
	Project *project.Project
	Lister  Lister
	Logger  *slog.Logger

	// MaxIterations caps the number of lister rounds; zero means
	// DefaultMaxIterations.
	MaxIterations int
	// Workers bounds the concurrent lister invocations of one round.
	Workers int
	// BatchSize is the number of binaries handed to one lister call.
	BatchSize int
}

// NewResolver returns a Resolver with default limits.
func NewResolver(p *project.Project, lister Lister, logger *slog.Logger) *Resolver {
	return &Resolver{
		Project:       p,
		Lister:        lister,
		Logger:        logger,
		MaxIterations: DefaultMaxIterations,
		Workers:       defaultWorkers,
		BatchSize:     defaultBatchSize,
	}
}

// Resolve returns the closure of initial and every library they transitively
// link against from a declared prefix. The initial entities are members of
// the closure.
func (r *Resolver) Resolve(ctx context.Context, initial []project.Entity) (*Closure, error) {
	closure := newClosure()
	var frontier []project.Entity
	for _, e := range initial {
		dest, err := e.ResolveDestination(r.Project)
		if err != nil {
			return nil, err
		}
		if closure.declare(dest, e) {
			frontier = append(frontier, e)
		}
	}

	limit := r.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxIterations
	}
	warned := make(map[string]bool)

	for iteration := 0; len(frontier) > 0; iteration++ {
		if iteration == limit {
			return nil, fmt.Errorf("%w: closure still growing after %d iterations (%d pending)",
				ErrResolutionOverflow, limit, len(frontier))
		}

		paths, err := r.concretePaths(frontier)
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			break
		}

		found, err := r.list(ctx, paths)
		if err != nil {
			return nil, err
		}

		var next []project.Entity
		for _, lib := range r.filter(found, warned) {
			macro, ok := r.Project.MacroFor(lib)
			if !ok {
				continue
			}
			e := project.NewBinary(macro, "", false)
			dest, err := e.ResolveDestination(r.Project)
			if err != nil {
				return nil, err
			}
			if closure.add(dest, e) {
				next = append(next, e)
			}
		}
		r.Logger.Debug("resolved dependency round",
			"iteration", iteration+1, "listed", len(paths), "new", len(next), "total", closure.Len())
		frontier = next
	}
	return closure, nil
}

// concretePaths expands glob and directory sources into the files they
// stand for. The result is sorted and free of duplicates.
func (r *Resolver) concretePaths(entities []project.Entity) ([]string, error) {
	set := make(map[string]bool)
	for _, e := range entities {
		source, err := e.ResolveSource(r.Project)
		if err != nil {
			return nil, err
		}

		if e.IsSourceGlob() {
			dir, pattern := filepath.Split(source)
			err := filepath.WalkDir(filepath.Clean(dir), func(path string, d fs.DirEntry, err error) error {
				if err != nil || !d.IsDir() {
					return nil
				}
				matches, _ := filepath.Glob(filepath.Join(path, pattern))
				for _, m := range matches {
					if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
						set[m] = true
					}
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
			}
			continue
		}

		info, err := os.Stat(source)
		if err != nil {
			r.Logger.Warn("source file missing", "path", source)
			continue
		}
		if !info.IsDir() {
			set[source] = true
			continue
		}
		err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if ext := filepath.Ext(path); ext == ".so" || ext == ".dylib" {
				set[path] = true
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", source, err)
		}
	}

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// list runs the lister over paths in batches, at most Workers at a time,
// and merges the results in batch order.
func (r *Resolver) list(ctx context.Context, paths []string) ([]Dependency, error) {
	size := r.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	var batches [][]string
	for start := 0; start < len(paths); start += size {
		end := start + size
		if end > len(paths) {
			end = len(paths)
		}
		batches = append(batches, paths[start:end])
	}

	results := make([][]Dependency, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	workers := r.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	g.SetLimit(workers)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			found, err := r.Lister.List(gctx, batch)
			if err != nil {
				return fmt.Errorf("failed to list dependencies: %w", err)
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []Dependency
	for _, found := range results {
		merged = append(merged, found...)
	}
	return merged, nil
}

// filter reduces lister output to the absolute paths of libraries that live
// under a declared prefix.
func (r *Resolver) filter(found []Dependency, warned map[string]bool) []string {
	warn := func(msg, path string, attrs ...any) {
		if !warned[path] {
			warned[path] = true
			r.Logger.Warn(msg, append(attrs, "path", path)...)
		}
	}

	set := make(map[string]bool)
	for _, d := range found {
		if !d.Versioned {
			continue
		}
		path := d.Path

		if !filepath.IsAbs(path) {
			resolved, ok := r.relativeLibrary(path)
			if !ok {
				warn("cannot find a matching prefix for library", path)
				continue
			}
			path = resolved
		} else if !r.underPrefix(path) {
			switch {
			case strings.HasPrefix(path, "/usr/X11"):
				warn("found X11 library dependency, you most likely don't want that", path)
			case isSystemLibrary(path):
			default:
				warn("library not available in any prefix", path, logging.Loud())
			}
			continue
		}

		if !strings.Contains(filepath.Base(path), ".dylib") {
			continue
		}
		set[path] = true
	}

	libs := make([]string, 0, len(set))
	for lib := range set {
		libs = append(libs, lib)
	}
	sort.Strings(libs)
	return libs
}

func (r *Resolver) underPrefix(path string) bool {
	_, ok := r.Project.MacroFor(path)
	return ok
}

// relativeLibrary finds an unqualified install name such as
// "@rpath/libfoo.dylib" in the lib directory of one of the prefixes.
func (r *Resolver) relativeLibrary(name string) (string, bool) {
	name = installNameAnchorRe.ReplaceAllString(name, "")
	for _, prefix := range r.Project.PrefixNames() {
		dir, err := r.Project.PrefixPath(prefix)
		if err != nil {
			continue
		}
		candidate := filepath.Join(dir, "lib", name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

func isSystemLibrary(path string) bool {
	for _, dir := range systemLibraryDirs {
		if strings.HasPrefix(path, dir) {
			return true
		}
	}
	return false
}
