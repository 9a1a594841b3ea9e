package project

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"howett.net/plist"
)

// GtkVariant selects the GTK major version the bundle is built against.
type GtkVariant string

const (
	Gtk2 GtkVariant = "gtk+-2.0"
	Gtk3 GtkVariant = "gtk+-3.0"
	Gtk4 GtkVariant = "gtk4"
)

// Dir is the name of the GTK module directory (gtk-3.0, ...).
func (g GtkVariant) Dir() string {
	return "gtk-" + g.Version()
}

// Version is the GTK API version (2.0, 3.0 or 4.0).
func (g GtkVariant) Version() string {
	switch g {
	case Gtk3:
		return "3.0"
	case Gtk4:
		return "4.0"
	}
	return "2.0"
}

// Project is a parsed bundle description. It is immutable after Load.
type Project struct {
	Path string // bundle description file
	Dir  string // directory holding the bundle description

	Prefixes           map[string]string
	DestinationDir     string // unresolved, may contain macros
	Overwrite          bool
	RunInstallNameTool bool
	Gtk                GtkVariant

	PlistPath               string
	EntitlementsPath        string
	ProvisioningProfilePath string

	// From Info.plist.
	Name        string // CFBundleExecutable
	BundleName  string // CFBundleName, falls back to Name
	BundleID    string
	PackageType string
	Signature   string

	MainBinary     Entity
	LauncherScript *Entity
	Binaries       []Entity
	Frameworks     []Entity
	Translations   []Entity
	Gir            []Entity
	IconThemes     []Entity
	Data           []Entity

	lookupEnv func(string) (string, bool)
	pkgConfig PkgConfig
}

// Option configures Load.
type Option func(*Project)

// WithLookupEnv replaces os.LookupEnv for ${env:*} macros.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(p *Project) { p.lookupEnv = fn }
}

// WithPkgConfig sets the pkg-config backend for ${pkg:*:*} macros.
func WithPkgConfig(pc PkgConfig) Option {
	return func(p *Project) { p.pkgConfig = pc }
}

type document struct {
	XMLName             xml.Name   `xml:"app-bundle"`
	Meta                metaNode   `xml:"meta"`
	Plist               *pathNode  `xml:"plist"`
	Entitlements        *pathNode  `xml:"entitlements"`
	ProvisioningProfile *pathNode  `xml:"provisioning-profile"`
	MainBinary          *pathNode  `xml:"main-binary"`
	LauncherScript      *pathNode  `xml:"launcher-script"`
	Binaries            []pathNode `xml:"binary"`
	Frameworks          []pathNode `xml:"framework"`
	Translations        []pathNode `xml:"translations"`
	Gir                 []pathNode `xml:"gir"`
	IconThemes          []pathNode `xml:"icon-theme"`
	Data                []pathNode `xml:"data"`
}

type metaNode struct {
	Prefixes           []pathNode `xml:"prefix"`
	Destination        *pathNode  `xml:"destination"`
	Gtk                *pathNode  `xml:"gtk"`
	RunInstallNameTool *pathNode  `xml:"run-install-name-tool"`
	LauncherScript     *pathNode  `xml:"launcher-script"`
}

type pathNode struct {
	Name      string `xml:"name,attr"`
	Dest      string `xml:"dest,attr"`
	Recurse   string `xml:"recurse,attr"`
	Icons     string `xml:"icons,attr"`
	Overwrite string `xml:"overwrite,attr"`
	Text      string `xml:",chardata"`
}

func (n pathNode) value() string {
	return strings.TrimSpace(n.Text)
}

func (n pathNode) recurse() bool {
	switch strings.ToLower(strings.TrimSpace(n.Recurse)) {
	case "", "false", "no", "0":
		return false
	}
	return true
}

type infoPlist struct {
	Executable  string `plist:"CFBundleExecutable"`
	Name        string `plist:"CFBundleName"`
	Identifier  string `plist:"CFBundleIdentifier"`
	PackageType string `plist:"CFBundlePackageType"`
	Signature   string `plist:"CFBundleSignature"`
}

// Load parses the bundle description at path and the Info.plist it names.
func Load(path string, opts ...Option) (*Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project path: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle description: %w", err)
	}

	p := &Project{
		Path:      abs,
		Dir:       filepath.Dir(abs),
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.parse(data); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", abs, err)
	}
	return p, nil
}

func (p *Project) parse(data []byte) error {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return configErrorf("unable to parse bundle description: %v", err)
	}

	if err := p.parseMeta(doc.Meta); err != nil {
		return err
	}

	if doc.Plist == nil || doc.Plist.value() == "" {
		return configErrorf("the 'plist' tag is required")
	}
	plistPath, err := p.Resolve(doc.Plist.value(), false)
	if err != nil {
		return err
	}
	p.PlistPath = plistPath
	if err := p.readInfoPlist(); err != nil {
		return err
	}

	if doc.Entitlements != nil && doc.Entitlements.value() != "" {
		if p.EntitlementsPath, err = p.Resolve(doc.Entitlements.value(), false); err != nil {
			return err
		}
	}
	if doc.ProvisioningProfile != nil && doc.ProvisioningProfile.value() != "" {
		if p.ProvisioningProfilePath, err = p.Resolve(doc.ProvisioningProfile.value(), false); err != nil {
			return err
		}
	}

	launcher := doc.LauncherScript
	if launcher == nil {
		launcher = doc.Meta.LauncherScript
	}
	if launcher != nil {
		l, err := p.launcherEntity(*launcher)
		if err != nil {
			return err
		}
		p.LauncherScript = &l
	}

	if doc.MainBinary == nil {
		return configErrorf("the file has no <main-binary> tag")
	}
	if err := Validate(doc.MainBinary.value(), doc.MainBinary.Dest); err != nil {
		return err
	}
	suffix := ""
	if p.LauncherScript != nil {
		suffix = "-bin"
	}
	p.MainBinary = NewBinary(doc.MainBinary.value(), BundleMacro+"/Contents/MacOS/${name}"+suffix, doc.MainBinary.recurse())

	for _, n := range doc.Binaries {
		if err := Validate(n.value(), n.Dest); err != nil {
			return err
		}
		p.Binaries = append(p.Binaries, NewBinary(n.value(), n.Dest, n.recurse()))
	}
	for _, n := range doc.Frameworks {
		if err := Validate(n.value(), n.Dest); err != nil {
			return err
		}
		p.Frameworks = append(p.Frameworks, NewFramework(n.value(), n.recurse()))
	}
	for _, n := range doc.Translations {
		if err := Validate(n.value(), n.Dest); err != nil {
			return err
		}
		t, err := NewTranslation(n.Name, n.value(), n.Dest, n.recurse())
		if err != nil {
			return err
		}
		p.Translations = append(p.Translations, t)
	}
	for _, n := range doc.Gir {
		if err := Validate(n.value(), n.Dest); err != nil {
			return err
		}
		p.Gir = append(p.Gir, NewGir(n.value(), n.Dest, n.recurse()))
	}
	for _, n := range doc.Data {
		if err := Validate(n.value(), n.Dest); err != nil {
			return err
		}
		p.Data = append(p.Data, NewData(n.value(), n.Dest, n.recurse()))
	}

	hasFallback := false
	for _, n := range doc.IconThemes {
		name := n.value()
		if name == "" {
			return configErrorf("icon theme must have a name")
		}
		icons := ParseIconPolicy(n.Icons)
		if name == FallbackIconTheme {
			hasFallback = true
			icons = IconsAll
		}
		p.IconThemes = append(p.IconThemes, NewIconTheme(name, icons))
	}
	if !hasFallback {
		p.IconThemes = append(p.IconThemes, NewIconTheme(FallbackIconTheme, IconsAll))
	}

	// Fail early if the bundle location itself cannot be computed.
	if _, err := p.BundlePath(); err != nil {
		return err
	}
	return nil
}

func (p *Project) parseMeta(meta metaNode) error {
	p.Prefixes = make(map[string]string)
	for _, n := range meta.Prefixes {
		name := n.Name
		if name == "" {
			name = "default"
		}
		value, err := p.expandEnv(n.value())
		if err != nil {
			return err
		}
		p.Prefixes[name] = value
	}
	for name := range p.Prefixes {
		resolved, err := p.Resolve("${prefix:"+name+"}", false)
		if err != nil {
			return err
		}
		if !filepath.IsAbs(resolved) {
			return configErrorf("prefix %s must be an absolute path, got %s", name, resolved)
		}
	}

	p.DestinationDir = ProjectMacro
	if meta.Destination != nil {
		if v := meta.Destination.value(); v != "" {
			p.DestinationDir = v
		}
		switch strings.ToLower(meta.Destination.Overwrite) {
		case "true", "yes":
			p.Overwrite = true
		}
	}

	p.Gtk = Gtk2
	if meta.Gtk != nil && meta.Gtk.value() != "" {
		p.Gtk = GtkVariant(meta.Gtk.value())
	}
	p.RunInstallNameTool = meta.RunInstallNameTool != nil
	return nil
}

func (p *Project) expandEnv(s string) (string, error) {
	var err error
	out := envMacroRe.ReplaceAllStringFunc(s, func(macro string) string {
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
	return out, err
}

func (p *Project) readInfoPlist() error {
	data, err := os.ReadFile(p.PlistPath)
	if err != nil {
		return configErrorf("Info.plist file not found: %s", p.PlistPath)
	}
	var info infoPlist
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return configErrorf("failed to parse %s: %v", p.PlistPath, err)
	}
	if info.Executable == "" {
		return configErrorf("CFBundleExecutable not found in %s", p.PlistPath)
	}
	p.Name = info.Executable
	p.BundleName = info.Name
	if p.BundleName == "" {
		p.BundleName = info.Executable
	}
	p.BundleID = info.Identifier
	p.PackageType = info.PackageType
	p.Signature = info.Signature
	return nil
}

func (p *Project) launcherEntity(n pathNode) (Entity, error) {
	dest := BundleMacro + "/Contents/MacOS/${name}"
	if n.value() != "" {
		return NewData(n.value(), dest, false), nil
	}
	launcher := filepath.Join(p.Dir, "launcher.sh")
	if _, err := os.Stat(launcher); err != nil {
		return Entity{}, configErrorf("empty launcher-script tag but no %s", launcher)
	}
	return NewData(launcher, dest, false), nil
}

// Prefix returns the raw value of the named prefix.
func (p *Project) Prefix(name string) (string, error) {
	value, ok := p.Prefixes[name]
	if !ok {
		return "", configErrorf("undefined prefix %q", name)
	}
	return value, nil
}

// PrefixNames returns the declared prefix names in sorted order.
func (p *Project) PrefixNames() []string {
	names := make([]string, 0, len(p.Prefixes))
	for name := range p.Prefixes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PrefixPath returns the resolved absolute path of the named prefix.
func (p *Project) PrefixPath(name string) (string, error) {
	return p.Resolve("${prefix:"+name+"}", false)
}

// MacroFor rewrites an absolute path below a declared prefix into its
// ${prefix:name} form. When several prefixes match the longest one wins.
func (p *Project) MacroFor(path string) (string, bool) {
	best, bestPath := "", ""
	for _, name := range p.PrefixNames() {
		prefix, err := p.PrefixPath(name)
		if err != nil {
			continue
		}
		if (path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator))) && len(prefix) > len(bestPath) {
			best, bestPath = name, prefix
		}
	}
	if best == "" {
		return "", false
	}
	macro := "${prefix:" + best + "}"
	if best == "default" {
		macro = PrefixMacro
	}
	return macro + path[len(bestPath):], true
}

// BundlePath is the temporary location the bundle is assembled in. ${bundle}
// expands to this path.
func (p *Project) BundlePath() (string, error) {
	return p.Resolve(p.DestinationDir+"/."+p.BundleName+".app", false)
}

// FinalPath is where the finished bundle is published.
func (p *Project) FinalPath() (string, error) {
	return p.Resolve(p.DestinationDir+"/"+p.BundleName+".app", false)
}

// DestinationRoot is the resolved destination directory.
func (p *Project) DestinationRoot() (string, error) {
	return p.Resolve(p.DestinationDir, false)
}

// BundleSubpath joins elems onto the bundle path.
func (p *Project) BundleSubpath(elems ...string) (string, error) {
	bundle, err := p.BundlePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{bundle}, elems...)...), nil
}

// Entities lists every entity of the project except icon themes.
func (p *Project) Entities() []Entity {
	var all []Entity
	all = append(all, p.MainBinary)
	if p.LauncherScript != nil {
		all = append(all, *p.LauncherScript)
	}
	all = append(all, p.Binaries...)
	all = append(all, p.Frameworks...)
	all = append(all, p.Translations...)
	all = append(all, p.Gir...)
	all = append(all, p.Data...)
	return all
}
