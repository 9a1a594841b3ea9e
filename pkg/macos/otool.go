package macos

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	"github.com/aluedeke/go-appbundler/pkg/deps"
)

const compatMarker = "(compatibility version "

// OtoolLister lists dependencies with `otool -L`, one invocation per batch.
type OtoolLister struct {
	Runner Runner
}

func (l OtoolLister) List(ctx context.Context, binaries []string) ([]deps.Dependency, error) {
	if len(binaries) == 0 {
		return nil, nil
	}
	out, err := l.Runner.Run(ctx, nil, "otool", append([]string{"-L"}, binaries...)...)
	if err != nil {
		return nil, err
	}
	return ParseOtool(out), nil
}

// ParseOtool parses `otool -L` output. Header lines name the binary and end
// with a colon; the indented lines under them are its load commands.
func ParseOtool(out []byte) []deps.Dependency {
	var (
		found   []deps.Dependency
		current string
	)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(raw, "\t") && !strings.HasPrefix(raw, " ") && strings.HasSuffix(line, ":") {
			current = strings.TrimSuffix(line, ":")
			// Universal binaries print "path (architecture arm64):".
			if i := strings.Index(current, " (architecture "); i >= 0 {
				current = current[:i]
			}
			continue
		}

		d := deps.Dependency{Binary: current, Path: line}
		if i := strings.Index(line, compatMarker); i >= 0 {
			d.Path = strings.TrimSpace(line[:i])
			d.Versioned = true
			rest := line[i+len(compatMarker):]
			if j := strings.IndexAny(rest, ",)"); j >= 0 {
				rest = rest[:j]
			}
			d.Compat = strings.TrimSpace(rest)
		}
		found = append(found, d)
	}
	return found
}

// InstallName returns the id of a shared library (`otool -D`), or the empty
// string for binaries without one.
func InstallName(ctx context.Context, r Runner, binary string) (string, error) {
	out, err := r.Run(ctx, nil, "otool", "-D", binary)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return "", nil
	}
	return strings.TrimSpace(lines[len(lines)-1]), nil
}
