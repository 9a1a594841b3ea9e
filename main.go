package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"

	"github.com/docopt/docopt-go"

	"github.com/aluedeke/go-appbundler/pkg/bundler"
	"github.com/aluedeke/go-appbundler/pkg/codesign"
	"github.com/aluedeke/go-appbundler/pkg/deps"
	"github.com/aluedeke/go-appbundler/pkg/logging"
	"github.com/aluedeke/go-appbundler/pkg/macos"
	"github.com/aluedeke/go-appbundler/pkg/project"
)

const version = "1.0.0"

const usage = `go-appbundler - macOS Application Bundler

Builds a self-contained .app bundle from an XML bundle description: copies
the main binary and every library it links from the declared prefixes,
rewrites load paths and signs the result.

Usage:
  go-appbundler bundle <description> [options]
  go-appbundler info <description> [options]
  go-appbundler deps <binary>... [options]
  go-appbundler -h | --help
  go-appbundler --version

Commands:
  bundle    Build the bundle described by <description>
  info      Print the resolved bundle description
  deps      Print the shared libraries linked by the given binaries

Options:
  --identity=<name>      Keychain signing identity for codesign (or APPLICATION_CERT env var)
  --p12=<path>           Sign natively with this P12 certificate (or CODESIGN_P12 env var)
  --password=<password>  Password for the P12 certificate (or CODESIGN_PASSWORD env var)
  --lister=<kind>        Dependency lister: otool or native (default: otool on macOS)
  --workers=<n>          Concurrent tool invocations [default: 4]
  --log-format=<format>  Log output: text or json [default: text]
  --verbose              Log debug messages
  -h --help              Show this help message
  --version              Show version

Environment Variables:
  APPLICATION_CERT       Keychain identity; signing is skipped when neither it nor a P12 is set
  CODESIGN_P12           Path to P12 certificate file (overridden by --p12)
  CODESIGN_PASSWORD      P12 certificate password (overridden by --password)

Examples:
  # Build an unsigned bundle
  go-appbundler bundle myapp.bundle

  # Build and sign with a keychain identity
  go-appbundler bundle myapp.bundle --identity="Developer ID Application: Example"

  # Build and sign without codesign, e.g. on Linux
  go-appbundler bundle myapp.bundle --lister=native --p12=cert.p12 --password=secret

  # Show which libraries a binary pulls in
  go-appbundler deps /opt/gtk/bin/myapp
`

func main() {
	parser := &docopt.Parser{
		HelpHandler: func(err error, usage string) {
			if err != nil {
				fmt.Fprintln(os.Stderr, usage)
				os.Exit(2)
			}
			fmt.Println(usage)
			os.Exit(0)
		},
	}
	opts, err := parser.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var run func(context.Context, docopt.Opts) error
	if cmd, _ := opts.Bool("bundle"); cmd {
		run = runBundle
	} else if cmd, _ := opts.Bool("info"); cmd {
		run = runInfo
	} else if cmd, _ := opts.Bool("deps"); cmd {
		run = runDeps
	}
	if run == nil {
		return
	}
	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newLogger(opts docopt.Opts) (*slog.Logger, error) {
	formatName, _ := opts.String("--log-format")
	format, err := logging.ParseFormat(formatName)
	if err != nil {
		return nil, err
	}
	verbose, _ := opts.Bool("--verbose")
	return logging.New(os.Stderr, format, verbose), nil
}

func listerKind(opts docopt.Opts) (string, error) {
	kind, _ := opts.String("--lister")
	if kind == "" {
		if runtime.GOOS == "darwin" {
			return "otool", nil
		}
		return "native", nil
	}
	if kind != "otool" && kind != "native" {
		return "", fmt.Errorf("unknown lister %q (want otool or native)", kind)
	}
	return kind, nil
}

func loadProject(opts docopt.Opts) (*project.Project, error) {
	path, _ := opts.String("<description>")
	return project.Load(path, project.WithPkgConfig(macos.PkgConfig{Runner: macos.Exec{}}))
}

// newSigner picks codesign for a keychain identity, the native signer for a
// P12 file, or no signer at all.
func newSigner(opts docopt.Opts, p *project.Project, logger *slog.Logger) (codesign.Signer, error) {
	identity, _ := opts.String("--identity")
	p12Path, _ := opts.String("--p12")
	password, _ := opts.String("--password")

	if identity == "" {
		identity = os.Getenv("APPLICATION_CERT")
	}
	if p12Path == "" {
		p12Path = os.Getenv("CODESIGN_P12")
	}
	if password == "" {
		password = os.Getenv("CODESIGN_PASSWORD")
	}

	switch {
	case identity != "":
		logger.Info("signing with codesign", "identity", identity)
		return codesign.ToolSigner{Runner: macos.Exec{}, Identity: identity}, nil
	case p12Path != "":
		var profile *codesign.ProvisioningProfile
		if p.ProvisioningProfilePath != "" {
			data, err := os.ReadFile(p.ProvisioningProfilePath)
			if err != nil {
				return nil, fmt.Errorf("failed to read provisioning profile: %w", err)
			}
			if profile, err = codesign.ParseProvisioningProfile(data); err != nil {
				return nil, err
			}
		}
		signer, err := codesign.LoadNativeSigner(p12Path, password, profile)
		if err != nil {
			return nil, err
		}
		logger.Info("signing natively", "certificate", p12Path, "team", signer.Identity.TeamID)
		return signer, nil
	}
	logger.Info("no signing identity configured, the bundle will not be signed")
	return nil, nil
}

func runBundle(ctx context.Context, opts docopt.Opts) error {
	logger, err := newLogger(opts)
	if err != nil {
		return err
	}
	kind, err := listerKind(opts)
	if err != nil {
		return err
	}
	workers, err := opts.Int("--workers")
	if err != nil {
		return fmt.Errorf("invalid --workers: %w", err)
	}

	p, err := loadProject(opts)
	if err != nil {
		return err
	}
	signer, err := newSigner(opts, p, logger)
	if err != nil {
		return err
	}

	runner := macos.Exec{}
	tools := bundler.Tools{
		Lister:    macos.OtoolLister{Runner: runner},
		Rewriter:  macos.InstallNameTool{Runner: runner},
		Strings:   macos.StringsTool{Runner: runner},
		IconCache: macos.IconCache{Runner: runner},
		Gir:       macos.GirCompiler{Runner: runner},
		Modules:   macos.ModuleQuery{Runner: runner},
		Signer:    signer,
	}
	if kind == "native" {
		tools.Lister = deps.MachOLister{}
		tools.Strings = macos.NativeStrings{}
	}

	b := bundler.New(p, tools, logger)
	b.Workers = workers
	path, err := b.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Successfully built bundle: %s\n", path)
	return nil
}

func runInfo(_ context.Context, opts docopt.Opts) error {
	p, err := loadProject(opts)
	if err != nil {
		return err
	}
	final, err := p.FinalPath()
	if err != nil {
		return err
	}

	fmt.Printf("Description: %s\n", p.Path)
	fmt.Printf("Bundle:      %s\n", final)
	fmt.Printf("Name:        %s\n", p.BundleName)
	fmt.Printf("Executable:  %s\n", p.Name)
	fmt.Printf("Bundle ID:   %s\n", p.BundleID)
	fmt.Printf("GTK:         %s\n", p.Gtk)
	fmt.Printf("Overwrite:   %v\n", p.Overwrite)
	fmt.Printf("Relocate:    %v\n", p.RunInstallNameTool)
	if p.EntitlementsPath != "" {
		fmt.Printf("Entitlements: %s\n", p.EntitlementsPath)
	}
	if p.ProvisioningProfilePath != "" {
		fmt.Printf("Profile:     %s\n", p.ProvisioningProfilePath)
	}

	fmt.Println("\nPrefixes:")
	for _, name := range p.PrefixNames() {
		path, err := p.PrefixPath(name)
		if err != nil {
			return err
		}
		fmt.Printf("  %-10s %s\n", name, path)
	}

	fmt.Println("\nEntities:")
	entities := append(p.Entities(), p.IconThemes...)
	for _, e := range entities {
		source, err := e.ResolveSource(p)
		if err != nil {
			return err
		}
		dest, err := e.ResolveDestination(p)
		if err != nil {
			return err
		}
		recurse := ""
		if e.Recurse {
			recurse = " (recursive)"
		}
		fmt.Printf("  %-12s %s -> %s%s\n", e.Kind, source, dest, recurse)
	}
	return nil
}

func runDeps(ctx context.Context, opts docopt.Opts) error {
	kind, err := listerKind(opts)
	if err != nil {
		return err
	}
	binaries, _ := opts["<binary>"].([]string)

	var lister deps.Lister = macos.OtoolLister{Runner: macos.Exec{}}
	if kind == "native" {
		lister = deps.MachOLister{}
	}
	found, err := lister.List(ctx, binaries)
	if err != nil {
		return err
	}

	current := ""
	for _, d := range found {
		if d.Binary != current {
			current = d.Binary
			fmt.Printf("%s:\n", current)
		}
		fmt.Printf("\t%s\n", strings.TrimSpace(d.String()))
	}
	return nil
}
