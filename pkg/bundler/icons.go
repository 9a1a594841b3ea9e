package bundler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aluedeke/go-appbundler/pkg/project"
)

// StringExtractor lists the printable strings embedded in a file.
type StringExtractor interface {
	Strings(ctx context.Context, path string) ([]string, error)
}

// IconCacheUpdater regenerates the cache of an icon theme directory.
type IconCacheUpdater interface {
	Update(ctx context.Context, themeDir string) error
}

// IconName normalizes an icon file name for matching against binary
// strings: the image extension and a ".symbolic" suffix are removed.
func IconName(file string) string {
	name := strings.TrimSuffix(file, filepath.Ext(file))
	return strings.TrimSuffix(name, ".symbolic")
}

func isIconFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".png" || ext == ".svg"
}

// iconUsage collects the strings of every bundled shared library and
// executable. Symbolic links are skipped, their targets are scanned anyway.
func (b *Bundler) iconUsage(ctx context.Context, binaries []string) (map[string]bool, error) {
	var candidates []string
	for _, path := range binaries {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		ext := filepath.Ext(path)
		if ext == ".so" || ext == ".dylib" || info.Mode().Perm()&0111 != 0 {
			candidates = append(candidates, path)
		}
	}

	var mu sync.Mutex
	used := make(map[string]bool)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers())
	for _, path := range candidates {
		path := path
		g.Go(func() error {
			words, err := b.Tools.Strings.Strings(gctx, path)
			if err != nil {
				return fmt.Errorf("failed to extract strings from %s: %w", path, err)
			}
			mu.Lock()
			for _, w := range words {
				used[w] = true
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return used, nil
}

// copyIconThemes copies each icon theme, keeping only the icons the policy
// selects, and refreshes the theme caches. binaries are the files whose
// strings decide which icons count as used.
func (b *Bundler) copyIconThemes(ctx context.Context, binaries []string) error {
	themes := b.Project.IconThemes
	if len(themes) == 0 {
		return nil
	}

	var used map[string]bool
	for _, theme := range themes {
		if theme.Icons == project.IconsAuto {
			var err error
			if used, err = b.iconUsage(ctx, binaries); err != nil {
				return err
			}
			b.Logger.Debug("collected icon usage", "binaries", len(binaries), "strings", len(used))
			break
		}
	}

	for _, theme := range themes {
		if err := b.copyIconTheme(ctx, theme, used); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bundler) copyIconTheme(ctx context.Context, theme project.Entity, used map[string]bool) error {
	if _, err := b.copier.Copy(project.NewData(theme.Source+"/index.theme", "", false)); err != nil {
		return err
	}

	source, err := theme.ResolveSource(b.Project)
	if err != nil {
		return err
	}
	dest, err := theme.ResolveDestination(b.Project)
	if err != nil {
		return err
	}

	if theme.Icons != project.IconsNone {
		var keep []string
		err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || d.Name() == "index.theme" {
				return nil
			}
			if theme.Icons == project.IconsAll || (isIconFile(d.Name()) && used[IconName(d.Name())]) {
				keep = append(keep, path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to walk icon theme %s: %w", source, err)
		}
		sort.Strings(keep)

		for _, path := range keep {
			rel, err := filepath.Rel(source, path)
			if err != nil {
				return err
			}
			icon := project.NewData(theme.Source+"/"+filepath.ToSlash(rel), "", false)
			if _, err := b.copier.Copy(icon); err != nil {
				return err
			}
		}
		b.Logger.Info("copied icon theme", "theme", theme.Name, "icons", len(keep))
	}

	if b.Tools.IconCache == nil {
		return nil
	}
	if _, err := os.Stat(dest); err != nil {
		return nil
	}
	if err := b.Tools.IconCache.Update(ctx, dest); err != nil {
		b.Logger.Warn("failed to update icon cache", "theme", theme.Name, "error", err)
	}
	return nil
}
