package macos

import (
	"context"
	"fmt"
	"strings"
)

// IconCache regenerates icon-theme.cache with gtk-update-icon-cache.
type IconCache struct {
	Runner Runner
}

func (c IconCache) Update(ctx context.Context, themeDir string) error {
	_, err := c.Runner.Run(ctx, nil, "gtk-update-icon-cache", "-f", themeDir)
	return err
}

// GirCompiler compiles a .gir file into a typelib with g-ir-compiler.
type GirCompiler struct {
	Runner Runner
}

func (c GirCompiler) Compile(ctx context.Context, gir, typelib string) error {
	_, err := c.Runner.Run(ctx, nil, "g-ir-compiler", "--output="+typelib, gir)
	return err
}

// ModuleQuery runs a GTK module query program such as
// gtk-query-immodules-3.0 or gdk-pixbuf-query-loaders with one environment
// variable set, and returns its output lines.
type ModuleQuery struct {
	Runner Runner
}

func (q ModuleQuery) Query(ctx context.Context, exe, envVar, envValue string) ([]string, error) {
	out, err := q.Runner.Run(ctx, []string{envVar + "=" + envValue}, exe)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", exe, err)
	}
	return strings.Split(strings.TrimRight(string(out), "\n"), "\n"), nil
}

// PkgConfig answers variable lookups with `pkg-config --variable`.
// Lookups happen while the bundle description is parsed and are not
// cancellable.
type PkgConfig struct {
	Runner Runner
}

func (p PkgConfig) Variable(module, key string) (string, error) {
	out, err := p.Runner.Run(context.Background(), nil, "pkg-config", "--variable="+key, module)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
