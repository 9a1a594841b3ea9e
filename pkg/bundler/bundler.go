package bundler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aluedeke/go-appbundler/pkg/codesign"
	"github.com/aluedeke/go-appbundler/pkg/deps"
	"github.com/aluedeke/go-appbundler/pkg/project"
)

const defaultWorkers = 4

// Tools are the external collaborators of a bundle run. Signer, Gir,
// Modules and IconCache may be nil, which skips the step they serve.
type Tools struct {
	Lister    deps.Lister
	Rewriter  Rewriter
	Strings   StringExtractor
	IconCache IconCacheUpdater
	Gir       GirCompiler
	Modules   ModuleQuerier
	Signer    codesign.Signer
}

// Bundler produces the bundle described by one project.
type Bundler struct {
	Project *project.Project
	Tools   Tools
	Logger  *slog.Logger

	// Workers bounds the concurrent lister and strings invocations.
	Workers int
	// Now is the clock used to check the provisioning profile.
	Now func() time.Time

	copier  *CopyEngine
	homeDir func() (string, error)
	rename  func(oldpath, newpath string) error
}

// New returns a Bundler for p.
func New(p *project.Project, tools Tools, logger *slog.Logger) *Bundler {
	return &Bundler{
		Project: p,
		Tools:   tools,
		Logger:  logger,
		Workers: defaultWorkers,
		Now:     time.Now,
		copier:  NewCopyEngine(p, logger),
		homeDir: os.UserHomeDir,
		rename:  os.Rename,
	}
}

func (b *Bundler) workers() int {
	if b.Workers <= 0 {
		return defaultWorkers
	}
	return b.Workers
}

// Run builds the bundle and returns the path it was published at. A
// previously published bundle is only replaced once the new one is complete.
func (b *Bundler) Run(ctx context.Context) (string, error) {
	p := b.Project
	final, err := p.FinalPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(final); err == nil && !p.Overwrite {
		return "", fmt.Errorf("%w: %s", ErrBundleExists, final)
	}

	bundle, err := p.BundlePath()
	if err != nil {
		return "", err
	}
	if err := b.removeAll(bundle); err != nil {
		return "", err
	}

	b.Logger.Info("building bundle", "name", p.BundleName, "path", final)
	if err := b.build(ctx, bundle); err != nil {
		if rerr := b.removeAll(bundle); rerr != nil {
			b.Logger.Warn("failed to clean up temporary bundle", "path", bundle, "error", rerr)
		}
		return "", err
	}

	if err := b.publish(bundle, final); err != nil {
		if rerr := b.removeAll(bundle); rerr != nil {
			b.Logger.Warn("failed to clean up temporary bundle", "path", bundle, "error", rerr)
		}
		return "", err
	}
	b.Logger.Info("bundle complete", "path", final)
	return final, nil
}

// publish moves the finished bundle to final. An existing bundle at final is
// moved aside first and put back if the new one cannot take its place.
func (b *Bundler) publish(bundle, final string) error {
	if _, err := os.Lstat(final); err != nil {
		if err := b.rename(bundle, final); err != nil {
			return fmt.Errorf("failed to publish bundle: %w", err)
		}
		return nil
	}

	previous := filepath.Join(filepath.Dir(final), "."+filepath.Base(final)+".old")
	if err := b.removeAll(previous); err != nil {
		return err
	}
	if err := b.rename(final, previous); err != nil {
		return fmt.Errorf("failed to move previous bundle aside: %w", err)
	}
	if err := b.rename(bundle, final); err != nil {
		if rerr := b.rename(previous, final); rerr != nil {
			b.Logger.Error("failed to restore previous bundle", "path", previous, "error", rerr)
		}
		return fmt.Errorf("failed to publish bundle: %w", err)
	}
	if err := b.removeAll(previous); err != nil {
		b.Logger.Warn("failed to remove previous bundle", "path", previous, "error", err)
	}
	return nil
}

func (b *Bundler) build(ctx context.Context, bundle string) error {
	p := b.Project
	contents := filepath.Join(bundle, "Contents")

	if err := b.createSkeleton(contents); err != nil {
		return err
	}

	main, err := b.copyMain()
	if err != nil {
		return err
	}
	binaries := append([]string(nil), main...)

	resolver := deps.NewResolver(p, b.Tools.Lister, b.Logger)
	resolver.Workers = b.workers()
	initial := append([]project.Entity{p.MainBinary}, p.Binaries...)
	closure, err := resolver.Resolve(ctx, initial)
	if err != nil {
		return err
	}
	mainDest, err := p.MainBinary.ResolveDestination(p)
	if err != nil {
		return err
	}
	for _, e := range closure.Entities() {
		if dest, _ := e.ResolveDestination(p); dest == mainDest && e.Source == p.MainBinary.Source {
			continue
		}
		files, err := b.copier.CopyBinary(e)
		if err != nil {
			return err
		}
		binaries = append(binaries, files...)
	}
	b.Logger.Info("copied binaries", "count", closure.Len())

	if b.Tools.Gir != nil {
		for _, e := range p.Gir {
			if _, err := b.copier.InstallGir(ctx, e, b.Tools.Gir); err != nil {
				return err
			}
		}
	}
	for _, e := range p.Data {
		if _, err := b.copier.Copy(e); err != nil {
			return err
		}
	}
	for _, e := range p.Translations {
		if _, err := b.copier.CopyTranslations(e); err != nil {
			return err
		}
	}

	var frameworks []string
	for _, e := range p.Frameworks {
		files, err := b.copier.Copy(e)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			continue
		}
		dest, err := e.ResolveDestination(p)
		if err != nil {
			return err
		}
		frameworks = append(frameworks, dest)
		binaries = append(binaries, files...)
	}

	if err := b.copyIconThemes(ctx, binaries); err != nil {
		return err
	}
	b.writeModuleCatalogs(ctx)

	if p.ProvisioningProfilePath != "" {
		src, err := p.Resolve(p.ProvisioningProfilePath, false)
		if err != nil {
			return err
		}
		profile, err := codesign.EmbedProvisioningProfile(src, contents, b.Now())
		if err != nil {
			return err
		}
		b.Logger.Info("embedded provisioning profile", "name", profile.Name, "team", profile.TeamID())
	}

	var mainPath string
	if len(main) > 0 {
		mainPath = main[0]
	}
	pp := &PostProcessor{
		Project:  p,
		Rewriter: b.Tools.Rewriter,
		Signer:   b.Tools.Signer,
		Logger:   b.Logger,
	}
	return pp.Process(ctx, binaries, frameworks, mainPath)
}

// createSkeleton creates the bundle directories and writes PkgInfo and
// Info.plist.
func (b *Bundler) createSkeleton(contents string) error {
	for _, dir := range []string{"MacOS", "Resources"} {
		if err := os.MkdirAll(filepath.Join(contents, dir), 0755); err != nil {
			return fmt.Errorf("failed to create bundle skeleton: %w", err)
		}
	}

	pkgInfo := b.Project.PackageType + b.Project.Signature
	if err := os.WriteFile(filepath.Join(contents, "PkgInfo"), []byte(pkgInfo), 0644); err != nil {
		return fmt.Errorf("failed to write PkgInfo: %w", err)
	}

	plist, err := b.Project.Resolve(b.Project.PlistPath, false)
	if err != nil {
		return err
	}
	if _, err := b.copier.copyFile(plist, filepath.Join(contents, "Info.plist")); err != nil {
		return fmt.Errorf("failed to copy Info.plist: %w", err)
	}
	return nil
}

// copyMain copies the main binary and the launcher script. The main binary
// is required; the returned slice holds its bundled path.
func (b *Bundler) copyMain() ([]string, error) {
	p := b.Project
	source, err := p.MainBinary.ResolveSource(p)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(source); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: cannot find main binary %s", project.ErrConfiguration, source)
		}
		return nil, err
	}
	main, err := b.copier.CopyBinary(p.MainBinary)
	if err != nil {
		return nil, err
	}

	if p.LauncherScript != nil {
		if _, err := b.copier.Copy(*p.LauncherScript); err != nil {
			return nil, err
		}
	}
	return main, nil
}
