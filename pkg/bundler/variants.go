package bundler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/aluedeke/go-appbundler/pkg/project"
)

const (
	// BundleLibPath is where bundled libraries are found at run time.
	BundleLibPath = "@executable_path/../Resources/lib"

	girDir     = "share/gir-1.0"
	typelibDir = "lib/girepository-1.0"
)

// CopyTranslations copies the .mo and .po catalogs named after e.Name found
// below the translation source.
func (c *CopyEngine) CopyTranslations(e project.Entity) ([]string, error) {
	source, err := e.ResolveSource(c.Project)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(source); err != nil {
		c.Logger.Warn(ErrMissingSource.Error(), "path", source)
		return nil, nil
	}

	var catalogs []string
	err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if (ext == ".mo" || ext == ".po") && strings.TrimSuffix(d.Name(), ext) == e.Name {
			catalogs = append(catalogs, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", source, err)
	}

	var dest string
	if e.Dest != "" {
		if dest, err = e.ResolveDestination(c.Project); err != nil {
			return nil, err
		}
	}

	var written []string
	for _, catalog := range catalogs {
		rel, err := filepath.Rel(source, catalog)
		if err != nil {
			return nil, err
		}
		target := ""
		if dest != "" {
			target = filepath.Join(dest, rel)
		}
		files, err := c.Copy(project.NewData(e.Source+"/"+filepath.ToSlash(rel), target, false))
		if err != nil {
			return nil, err
		}
		written = append(written, files...)
	}
	sort.Strings(written)
	return written, nil
}

// GirCompiler turns a gir file into a typelib.
type GirCompiler interface {
	Compile(ctx context.Context, gir, typelib string) error
}

var sharedLibraryRe = regexp.MustCompile(`(^\s*shared-library=")([^"]*)(")`)

// RewriteSharedLibrary points the shared-library attribute of a gir line at
// the bundled libraries. References into libDir are rebased, bare library
// names are prefixed with the bundle library path and anything else is kept.
func RewriteSharedLibrary(line, libDir string) string {
	m := sharedLibraryRe.FindStringSubmatchIndex(line)
	if m == nil {
		return line
	}
	libs := strings.Split(line[m[4]:m[5]], ",")
	for i, lib := range libs {
		switch {
		case strings.HasPrefix(lib, libDir+"/"):
			libs[i] = BundleLibPath + lib[len(libDir):]
		case !strings.HasPrefix(lib, "/") && !strings.HasPrefix(lib, "@"):
			libs[i] = BundleLibPath + "/" + lib
		}
	}
	return line[:m[4]] + strings.Join(libs, ",") + line[m[5]:]
}

// InstallGir copies the gir files matched by e with rewritten library
// references and compiles each into a typelib. Failures of one file are
// logged and do not stop the others. It returns the typelibs it produced.
func (c *CopyEngine) InstallGir(ctx context.Context, e project.Entity, compiler GirCompiler) ([]string, error) {
	source, err := e.ResolveSource(c.Project)
	if err != nil {
		return nil, err
	}
	libDir, err := c.Project.Resolve(project.PrefixMacro+"/lib", false)
	if err != nil {
		return nil, err
	}
	girOut, err := c.Project.BundleSubpath("Contents", "Resources", girDir)
	if err != nil {
		return nil, err
	}
	typelibOut, err := c.Project.BundleSubpath("Contents", "Resources", typelibDir)
	if err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(source)
	if err != nil {
		return nil, fmt.Errorf("bad source pattern %s: %w", source, err)
	}
	if len(matches) == 0 {
		c.Logger.Warn(ErrMissingSource.Error(), "path", source)
		return nil, nil
	}
	for _, dir := range []string{girOut, typelibOut} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	var typelibs []string
	for _, gir := range matches {
		data, err := os.ReadFile(gir)
		if err != nil {
			c.Logger.Warn("failed to read gir file", "path", gir, "error", err)
			continue
		}
		lines := strings.Split(string(data), "\n")
		for i, line := range lines {
			lines[i] = RewriteSharedLibrary(line, libDir)
		}
		out := filepath.Join(girOut, filepath.Base(gir))
		if err := os.WriteFile(out, []byte(strings.Join(lines, "\n")), 0644); err != nil {
			c.Logger.Warn("failed to write gir file", "path", out, "error", err)
			continue
		}

		base := filepath.Base(gir)
		typelib := filepath.Join(typelibOut, strings.TrimSuffix(base, filepath.Ext(base))+".typelib")
		if err := compiler.Compile(ctx, out, typelib); err != nil {
			c.Logger.Warn("failed to compile gir file", "path", out, "error", err)
			continue
		}
		typelibs = append(typelibs, typelib)
	}
	return typelibs, nil
}
