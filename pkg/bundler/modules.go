package bundler

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluedeke/go-appbundler/pkg/project"
)

// ModuleQuerier runs a module query program with one environment variable
// set and returns its output lines.
type ModuleQuerier interface {
	Query(ctx context.Context, exe, envVar, envValue string) ([]string, error)
}

// moduleCatalog describes one generated loader catalog.
type moduleCatalog struct {
	name   string
	exe    string
	envVar string
	// envValue and output may contain macros; they are resolved against the
	// bundle.
	envValue string
	output   string
}

func (b *Bundler) moduleCatalogs() []moduleCatalog {
	var catalogs []moduleCatalog
	gtk := b.Project.Gtk
	pkg := "${pkg:" + string(gtk) + ":gtk_binary_version}"

	if gtk != project.Gtk4 {
		output := "${bundle}/Contents/Resources/lib/${gtkdir}/" + pkg + "/immodules.cache"
		if gtk == project.Gtk2 {
			output = "${bundle}/Contents/Resources/etc/gtk-2.0/gtk.immodules"
		}
		catalogs = append(catalogs, moduleCatalog{
			name:     "immodules",
			exe:      "${prefix}/bin/gtk-query-immodules-${gtkversion}",
			envVar:   "GTK_EXE_PREFIX",
			envValue: "${bundle}/Contents/Resources",
			output:   output,
		})
	}

	pixbuf := moduleCatalog{
		name:     "pixbuf loaders",
		exe:      "${prefix}/bin/gdk-pixbuf-query-loaders",
		envVar:   "GDK_PIXBUF_MODULEDIR",
		envValue: "${bundle}/Contents/Resources/lib/${gtkdir}/" + pkg + "/loaders",
		output:   "${bundle}/Contents/Resources/etc/${gtkdir}/gdk-pixbuf.loaders",
	}
	if dir, err := b.Project.Resolve("${prefix}/lib/gdk-pixbuf-2.0", false); err == nil {
		if _, err := os.Stat(dir); err == nil {
			version := "${bundle}/Contents/Resources/lib/gdk-pixbuf-2.0/${pkg:gdk-pixbuf-2.0:gdk_pixbuf_binary_version}"
			pixbuf.envValue = version + "/loaders"
			pixbuf.output = version + "/loaders.cache"
		}
	}
	return append(catalogs, pixbuf)
}

// writeModuleCatalogs generates the input method and pixbuf loader caches
// with paths relative to the executable. Every failure is a warning.
func (b *Bundler) writeModuleCatalogs(ctx context.Context) {
	if b.Tools.Modules == nil {
		return
	}
	resources, err := b.Project.BundleSubpath("Contents", "Resources")
	if err != nil {
		b.Logger.Warn("failed to resolve bundle resources", "error", err)
		return
	}

	for _, catalog := range b.moduleCatalogs() {
		log := b.Logger.With("catalog", catalog.name)

		exe, err := b.Project.Resolve(catalog.exe, true)
		if err != nil {
			log.Warn("failed to resolve module query program", "error", err)
			continue
		}
		if _, err := os.Stat(exe); err != nil {
			log.Debug("module query program not installed", "path", exe)
			continue
		}
		envValue, err := b.Project.Resolve(catalog.envValue, true)
		if err != nil {
			log.Warn("failed to resolve module directory", "error", err)
			continue
		}
		output, err := b.Project.Resolve(catalog.output, true)
		if err != nil {
			log.Warn("failed to resolve module catalog path", "error", err)
			continue
		}

		lines, err := b.Tools.Modules.Query(ctx, exe, catalog.envVar, envValue)
		if err != nil {
			log.Warn("failed to query modules", "error", err)
			continue
		}
		data := RelocateModuleCatalog(lines, resources)
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			log.Warn("failed to create module catalog directory", "error", err)
			continue
		}
		if err := os.WriteFile(output, []byte(data), 0644); err != nil {
			log.Warn("failed to write module catalog", "error", err)
			continue
		}
		log.Info("wrote module catalog", "path", output, "lines", strings.Count(data, "\n"))
	}
}

// RelocateModuleCatalog drops comment lines and rewrites quoted paths into
// resources to be relative to the executable.
func RelocateModuleCatalog(lines []string, resources string) string {
	var sb strings.Builder
	quoted := `"` + resources
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, quoted) {
			line = `"@executable_path/../Resources` + line[len(quoted):]
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}
