package project

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Kind identifies the copy behaviour of an Entity.
type Kind int

const (
	// KindData is a plain prefix-relative file or directory.
	KindData Kind = iota
	// KindBinary is an executable or shared library that takes part in
	// dependency resolution, load-path rewriting and signing.
	KindBinary
	// KindFramework is a framework bundle copied to Contents/Frameworks.
	KindFramework
	// KindTranslation copies the message catalogs of one program.
	KindTranslation
	// KindGir is a gir file that is rewritten and compiled into a typelib.
	KindGir
	// KindIconTheme is an icon theme pruned by usage.
	KindIconTheme
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindBinary:
		return "binary"
	case KindFramework:
		return "framework"
	case KindTranslation:
		return "translations"
	case KindGir:
		return "gir"
	case KindIconTheme:
		return "icon-theme"
	}
	return "unknown"
}

// IconPolicy selects which icons of a theme end up in the bundle.
type IconPolicy int

const (
	// IconsAuto keeps icons whose name appears in a bundled binary.
	IconsAuto IconPolicy = iota
	// IconsAll keeps every icon of the theme.
	IconsAll
	// IconsNone keeps only the theme index.
	IconsNone
)

// ParseIconPolicy maps the icons attribute of an icon-theme element.
// Unknown values keep every icon.
func ParseIconPolicy(s string) IconPolicy {
	switch s {
	case "", "auto":
		return IconsAuto
	case "none":
		return IconsNone
	default:
		return IconsAll
	}
}

// FallbackIconTheme is always bundled, with every icon.
const FallbackIconTheme = "hicolor"

var prefixRelativeRe = regexp.MustCompile(`^\$\{prefix(:[^}]*)?\}/`)

// Entity is anything copied from the build tree into the bundle.
type Entity struct {
	Kind    Kind
	Source  string
	Dest    string
	Recurse bool

	// Name is the program name of a translation or the name of an icon theme.
	Name  string
	Icons IconPolicy
}

func newEntity(kind Kind, source, dest string, recurse bool) Entity {
	if filepath.IsAbs(source) {
		source = normalize(source)
	}
	if filepath.IsAbs(dest) {
		dest = normalize(dest)
	}
	return Entity{Kind: kind, Source: source, Dest: dest, Recurse: recurse}
}

// NewData returns a plain copy entity.
func NewData(source, dest string, recurse bool) Entity {
	return newEntity(KindData, source, dest, recurse)
}

// NewBinary returns a binary entity.
func NewBinary(source, dest string, recurse bool) Entity {
	return newEntity(KindBinary, source, dest, recurse)
}

// NewFramework returns a framework entity; its destination is always
// Contents/Frameworks/<source basename>.
func NewFramework(source string, recurse bool) Entity {
	dest := BundleMacro + "/Contents/Frameworks/" + filepath.Base(source)
	return newEntity(KindFramework, source, dest, recurse)
}

// NewTranslation returns a translation entity for program name.
func NewTranslation(name, source, dest string, recurse bool) (Entity, error) {
	if name == "" {
		return Entity{}, configErrorf("the tag 'translations' must have a 'name' property")
	}
	e := newEntity(KindTranslation, source, dest, recurse)
	e.Name = name
	return e, nil
}

// NewGir returns a gir entity.
func NewGir(source, dest string, recurse bool) Entity {
	return newEntity(KindGir, source, dest, recurse)
}

// NewIconTheme returns the icon theme called name from the default prefix.
func NewIconTheme(name string, icons IconPolicy) Entity {
	e := newEntity(KindIconTheme, PrefixMacro+"/share/icons/"+name, "", false)
	e.Name = name
	e.Icons = icons
	return e
}

// BundleDir is the Contents subdirectory prefix-relative entities land in.
func (e Entity) BundleDir() string {
	if e.Kind == KindFramework {
		return "Frameworks"
	}
	return "Resources"
}

// FrameworkName is the framework name without the .framework extension.
func (e Entity) FrameworkName() string {
	base := filepath.Base(e.Dest)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsSourceGlob reports whether the last source component has a wildcard.
func (e Entity) IsSourceGlob() bool {
	return HasWildcard(filepath.Base(e.Source))
}

// ResolveSource expands the source macros. Wildcards are only allowed in
// the last path component.
func (e Entity) ResolveSource(p *Project) (string, error) {
	source, err := p.Resolve(e.Source, false)
	if err != nil {
		return "", err
	}
	if HasWildcard(filepath.Dir(source)) {
		return "", configErrorf("can't have wildcards except in the last path component: %s", source)
	}
	return source, nil
}

// ResolveDestination computes where the entity lands in the bundle. Without
// an explicit destination the source prefix macro is replaced by the
// entity's bundle directory. A wildcard tail is dropped, leaving the
// directory the matches are copied into.
func (e Entity) ResolveDestination(p *Project) (string, error) {
	var dest string
	if e.Dest != "" {
		d, err := p.Resolve(e.Dest, true)
		if err != nil {
			return "", err
		}
		dest = d
	} else {
		m := prefixRelativeRe.FindStringIndex(e.Source)
		if m == nil {
			return "", configErrorf("invalid path %s: missing destination", e.Source)
		}
		rel, err := p.Resolve(e.Source[m[1]:], true)
		if err != nil {
			return "", err
		}
		d, err := p.BundleSubpath("Contents", e.BundleDir(), rel)
		if err != nil {
			return "", err
		}
		dest = d
	}

	dir, tail := filepath.Split(dest)
	if HasWildcard(tail) {
		dest = filepath.Clean(dir)
	}
	if HasWildcard(filepath.Dir(dest)) {
		return "", configErrorf("can't have wildcards except in the last path component: %s", dest)
	}

	bundle, err := p.BundlePath()
	if err != nil {
		return "", err
	}
	if !Within(dest, bundle) {
		return "", configErrorf("destination %s is outside the bundle %s", dest, bundle)
	}
	return dest, nil
}

// Within reports whether path is root or lies below it.
func Within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
