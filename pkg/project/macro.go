package project

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// BundleMacro expands to the root of the bundle being produced.
	BundleMacro = "${bundle}"
	// PrefixMacro expands to the default prefix.
	PrefixMacro = "${prefix}"
	// ProjectMacro expands to the directory holding the bundle description.
	ProjectMacro = "${project}"

	// maxPrefixChain bounds prefixes whose value starts with another prefix macro.
	maxPrefixChain = 8
)

var (
	prefixMacroRe = regexp.MustCompile(`^\$\{prefix(?::([^}]*))?\}`)
	envMacroRe    = regexp.MustCompile(`\$\{env:([^}]+)\}`)
	pkgMacroRe    = regexp.MustCompile(`\$\{pkg:([^:}]*):([^}]*)\}`)
	anyMacroRe    = regexp.MustCompile(`\$\{[^}]*\}`)
	wildcardRe    = regexp.MustCompile(`[*?]`)
)

// PkgConfig answers pkg-config variable queries for ${pkg:module:key}.
type PkgConfig interface {
	Variable(module, key string) (string, error)
}

// removedPkgVariables lists module variables that newer releases no longer
// export, with a hint shown instead of the generic "undefined" error.
var removedPkgVariables = map[string]string{
	"gtk4:gtk_binary_version": "gtk4 no longer exports gtk_binary_version; use ${gtkversion} or a literal path",
	"gtk4:gtk_host":           "gtk4 no longer exports gtk_host",
}

// Resolve expands every macro in raw and returns a normalized path.
//
// ${bundle} is only expanded when includeBundle is true. BundlePath resolves
// the destination directory with includeBundle false, so a ${bundle} inside
// the destination is reported as unresolved instead of recursing.
func (p *Project) Resolve(raw string, includeBundle bool) (string, error) {
	path := raw

	for i := 0; ; i++ {
		m := prefixMacroRe.FindStringSubmatchIndex(path)
		if m == nil {
			break
		}
		if i == maxPrefixChain {
			return "", configErrorf("prefix macros in %q do not terminate", raw)
		}
		name := "default"
		if m[2] >= 0 {
			name = path[m[2]:m[3]]
		}
		value, err := p.Prefix(name)
		if err != nil {
			return "", err
		}
		path = value + path[m[1]:]
	}

	if strings.HasPrefix(path, ProjectMacro) {
		path = p.Dir + path[len(ProjectMacro):]
	}

	path = strings.ReplaceAll(path, "${gtk}", string(p.Gtk))
	path = strings.ReplaceAll(path, "${gtkdir}", p.Gtk.Dir())
	path = strings.ReplaceAll(path, "${gtkversion}", p.Gtk.Version())

	if strings.Contains(path, "${name}") {
		if p.Name == "" {
			return "", configErrorf("${name} used in %q before the executable name is known", raw)
		}
		path = strings.ReplaceAll(path, "${name}", p.Name)
	}

	if includeBundle && strings.HasPrefix(path, BundleMacro) {
		bundle, err := p.BundlePath()
		if err != nil {
			return "", err
		}
		path = bundle + path[len(BundleMacro):]
	}

	var err error
	path = envMacroRe.ReplaceAllStringFunc(path, func(macro string) string {
		name := envMacroRe.FindStringSubmatch(macro)[1]
		value, ok := p.lookupEnv(name)
		if !ok || value == "" {
			if err == nil {
				err = configErrorf("environment variable %s is undefined", name)
			}
			return macro
		}
		return value
	})
	if err != nil {
		return "", err
	}

	path = pkgMacroRe.ReplaceAllStringFunc(path, func(macro string) string {
		sub := pkgMacroRe.FindStringSubmatch(macro)
		value, perr := p.pkgVariable(sub[1], sub[2])
		if perr != nil {
			if err == nil {
				err = perr
			}
			return macro
		}
		return value
	})
	if err != nil {
		return "", err
	}

	if m := anyMacroRe.FindString(path); m != "" {
		return "", configErrorf("unresolved macro %s in %q", m, raw)
	}

	return normalize(path), nil
}

func (p *Project) pkgVariable(module, key string) (string, error) {
	if p.pkgConfig == nil {
		return "", configErrorf("pkg-config variable '%s %s' requested but no pkg-config is available", key, module)
	}
	value, err := p.pkgConfig.Variable(module, key)
	if err == nil && value != "" {
		return value, nil
	}
	if hint, ok := removedPkgVariables[module+":"+key]; ok {
		return "", configErrorf("pkg-config variable '%s %s' is undefined: %s", key, module, hint)
	}
	if err != nil {
		return "", fmt.Errorf("%w: pkg-config variable '%s %s': %v", ErrConfiguration, key, module, err)
	}
	return "", configErrorf("pkg-config variable '%s %s' is undefined", key, module)
}

// normalize cleans path lexically but keeps a trailing separator, which
// marks a directory destination.
func normalize(path string) string {
	if path == "" {
		return path
	}
	cleaned := filepath.Clean(path)
	if strings.HasSuffix(path, string(filepath.Separator)) && cleaned != string(filepath.Separator) {
		return cleaned + string(filepath.Separator)
	}
	return cleaned
}

// HasWildcard reports whether s contains a glob metacharacter.
func HasWildcard(s string) bool {
	return wildcardRe.MatchString(s)
}
