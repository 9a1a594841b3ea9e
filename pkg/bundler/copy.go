package bundler

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aluedeke/go-appbundler/pkg/project"
)

// CopyEngine copies entities from the build tree into the bundle. Missing
// sources and collisions are logged, never returned.
type CopyEngine struct {
	Project *project.Project
	Logger  *slog.Logger

	mu sync.Mutex
}

// NewCopyEngine returns a CopyEngine for p.
func NewCopyEngine(p *project.Project, logger *slog.Logger) *CopyEngine {
	return &CopyEngine{Project: p, Logger: logger}
}

// Copy copies e into the bundle and returns the files it wrote, sorted.
func (c *CopyEngine) Copy(e project.Entity) ([]string, error) {
	return c.copyEntity(e, nil)
}

// CopyBinary copies a binary entity. Static archives and libtool files are
// skipped. A directory source stands for every shared library below it.
func (c *CopyEngine) CopyBinary(e project.Entity) ([]string, error) {
	source, err := e.ResolveSource(c.Project)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(source); err == nil && info.IsDir() {
		var written []string
		for _, pattern := range []string{"*.so", "*.dylib"} {
			lib := e
			lib.Source = strings.TrimSuffix(e.Source, "/") + "/" + pattern
			lib.Recurse = true
			files, err := c.copyEntity(lib, skipArchives)
			if err != nil {
				return nil, err
			}
			written = append(written, files...)
		}
		sort.Strings(written)
		return written, nil
	}
	return c.copyEntity(e, skipArchives)
}

func skipArchives(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".la" || ext == ".a"
}

func (c *CopyEngine) copyEntity(e project.Entity, skip func(string) bool) ([]string, error) {
	source, err := e.ResolveSource(c.Project)
	if err != nil {
		return nil, err
	}
	dest, err := e.ResolveDestination(c.Project)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	glob := e.IsSourceGlob()
	check := source
	if glob {
		check = filepath.Dir(source)
	}
	if _, err := os.Stat(check); err != nil {
		c.Logger.Warn(ErrMissingSource.Error(), "path", check)
		return nil, nil
	}

	var written []string
	switch {
	case e.Recurse && glob:
		written, err = c.copyGlobRecursive(source, dest, skip)
	case e.Recurse:
		written, err = c.copyTree(source, dest, skip)
	default:
		written, err = c.copyMatches(source, dest, glob, skip)
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(written)
	return written, nil
}

// copyMatches copies every match of source. Matched directories are copied
// with their whole tree.
func (c *CopyEngine) copyMatches(source, dest string, glob bool, skip func(string) bool) ([]string, error) {
	matches, err := filepath.Glob(source)
	if err != nil {
		return nil, fmt.Errorf("bad source pattern %s: %w", source, err)
	}
	if len(matches) == 0 {
		c.Logger.Warn(ErrMissingSource.Error(), "path", source)
		return nil, nil
	}
	if glob {
		if err := os.MkdirAll(dest, 0755); err != nil {
			return nil, err
		}
	}

	var written []string
	for _, match := range matches {
		if skip != nil && skip(match) {
			continue
		}
		info, err := os.Stat(match)
		if err != nil {
			c.Logger.Warn(ErrMissingSource.Error(), "path", match)
			continue
		}
		if info.IsDir() {
			target := dest
			if glob {
				target = filepath.Join(dest, filepath.Base(match))
			}
			files, err := c.copyTree(match, target, skip)
			if err != nil {
				return nil, err
			}
			written = append(written, files...)
			continue
		}
		target, err := c.copyFile(match, dest)
		if err != nil {
			return nil, err
		}
		written = append(written, target)
	}
	return written, nil
}

// copyGlobRecursive walks the parent of a wildcard source and copies the
// matches of every directory, mirroring the directories below the parent
// that hold at least one match.
func (c *CopyEngine) copyGlobRecursive(source, dest string, skip func(string) bool) ([]string, error) {
	parent, pattern := filepath.Split(source)
	parent = filepath.Clean(parent)

	var written []string
	err := filepath.WalkDir(parent, func(dir string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		var files []string
		for _, m := range matches {
			if skip != nil && skip(m) {
				continue
			}
			if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
				files = append(files, m)
			}
		}
		if len(files) == 0 {
			return nil
		}
		rel, err := filepath.Rel(parent, dir)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if err := os.MkdirAll(target, 0755); err != nil {
			return err
		}
		for _, f := range files {
			out, err := c.copyFile(f, target)
			if err != nil {
				return err
			}
			written = append(written, out)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to copy %s: %w", source, err)
	}
	return written, nil
}

// copyTree mirrors the directory src at dest. Symbolic links inside the
// tree are recreated rather than followed.
func (c *CopyEngine) copyTree(src, dest string, skip func(string) bool) ([]string, error) {
	var written []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			c.replace(target)
			if err := os.Symlink(link, target); err != nil {
				return err
			}
		default:
			if skip != nil && skip(path) {
				return nil
			}
			if _, err := c.copyFile(path, target); err != nil {
				return err
			}
		}
		written = append(written, target)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return written, nil
}

// copyFile copies src to dest, or into dest when dest is a directory. The
// permission bits and modification time are preserved.
func (c *CopyEngine) copyFile(src, dest string) (string, error) {
	target := dest
	if strings.HasSuffix(dest, "/") {
		target = filepath.Join(dest, filepath.Base(src))
	} else if info, err := os.Stat(dest); err == nil && info.IsDir() {
		target = filepath.Join(dest, filepath.Base(src))
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", err
	}
	c.replace(target)

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", target, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(target, info.Mode().Perm()); err != nil {
		return "", err
	}
	_ = os.Chtimes(target, info.ModTime(), info.ModTime())
	return target, nil
}

// replace removes an existing file at target so it can be written again.
func (c *CopyEngine) replace(target string) {
	if _, err := os.Lstat(target); err == nil {
		c.Logger.Warn(ErrDestinationCollision.Error(), "path", target)
		os.Remove(target)
	}
}
