package bundler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/aluedeke/go-appbundler/pkg/codesign"
	"github.com/aluedeke/go-appbundler/pkg/macos"
	"github.com/aluedeke/go-appbundler/pkg/project"
)

const (
	resourcesLoadPath  = "@executable_path/../Resources/"
	frameworksLoadPath = "@executable_path/../Frameworks/"
)

// Rewriter changes the load-path references or the install name of a
// binary from old to replacement.
type Rewriter interface {
	Rewrite(ctx context.Context, binary, old, replacement string, mode macos.Mode) error
}

// PostProcessor relocates the load paths of the bundled binaries and signs
// them.
type PostProcessor struct {
	Project  *project.Project
	Rewriter Rewriter
	// Signer is optional; without one the bundle is left unsigned.
	Signer codesign.Signer
	Logger *slog.Logger
}

// Process rewrites and signs binaries. frameworks are the bundled
// framework directories and main is the bundled main executable.
func (pp *PostProcessor) Process(ctx context.Context, binaries, frameworks []string, main string) error {
	candidates := machOFiles(binaries)
	pp.Logger.Debug("post-processing binaries", "count", len(candidates))

	if pp.Project.RunInstallNameTool && pp.Rewriter != nil {
		if err := pp.relocate(ctx, candidates, frameworks); err != nil {
			return err
		}
	}

	if pp.Signer == nil {
		return nil
	}
	// Nested code is signed before the code that contains it.
	order := append([]string(nil), candidates...)
	sort.Sort(sort.Reverse(sort.StringSlice(order)))
	for _, path := range order {
		req := codesign.Request{
			Identifier:   pp.Project.BundleID,
			Entitlements: pp.Project.EntitlementsPath,
			Main:         path == main,
		}
		if err := pp.Signer.Sign(ctx, path, req); err != nil {
			return err
		}
		pp.Logger.Debug("signed", "path", path)
	}
	pp.Logger.Info("signed binaries", "count", len(order))
	return nil
}

func (pp *PostProcessor) relocate(ctx context.Context, binaries, frameworks []string) error {
	type pair struct{ old, replacement string }
	var rebase []pair
	for _, name := range pp.Project.PrefixNames() {
		prefix, err := pp.Project.PrefixPath(name)
		if err != nil {
			return err
		}
		rebase = append(rebase, pair{filepath.Clean(prefix) + "/", resourcesLoadPath})
	}
	rebase = append(rebase, pair{"@rpath/", resourcesLoadPath + "lib/"})

	for _, binary := range binaries {
		for _, p := range rebase {
			for _, mode := range []macos.Mode{macos.ModeChange, macos.ModeID} {
				if err := pp.Rewriter.Rewrite(ctx, binary, p.old, p.replacement, mode); err != nil {
					return fmt.Errorf("failed to rewrite %s: %w", binary, err)
				}
			}
		}
	}

	for _, dir := range frameworks {
		base := filepath.Base(dir)
		name := base[:len(base)-len(filepath.Ext(base))]
		old := name + ".framework/"
		replacement := frameworksLoadPath + name + ".framework/"

		own, err := filepath.EvalSymlinks(filepath.Join(dir, name))
		if err != nil {
			pp.Logger.Warn("framework has no binary", "path", dir)
			continue
		}
		if err := pp.Rewriter.Rewrite(ctx, own, old, replacement, macos.ModeID); err != nil {
			return fmt.Errorf("failed to rewrite %s: %w", own, err)
		}
		ownInfo, err := os.Stat(own)
		if err != nil {
			return err
		}
		for _, binary := range binaries {
			if info, err := os.Stat(binary); err == nil && os.SameFile(info, ownInfo) {
				continue
			}
			if err := pp.Rewriter.Rewrite(ctx, binary, old, replacement, macos.ModeChange); err != nil {
				return fmt.Errorf("failed to rewrite %s: %w", binary, err)
			}
		}
	}
	return nil
}

// machOFiles keeps the regular Mach-O files of paths, sorted and without
// duplicates. Compiled python and go sources are never touched.
func machOFiles(paths []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, path := range paths {
		switch filepath.Ext(path) {
		case ".pyc", ".pyo", ".go":
			continue
		}
		if seen[path] {
			continue
		}
		seen[path] = true
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if codesign.IsMachO(path) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}
