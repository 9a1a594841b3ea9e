package macos

import (
	"context"
	"fmt"
	"strings"
)

// Mode selects which load commands a rewrite touches.
type Mode int

const (
	// ModeChange rewrites references to other libraries (LC_LOAD_DYLIB).
	ModeChange Mode = iota
	// ModeID rewrites the binary's own install name (LC_ID_DYLIB).
	ModeID
)

func (m Mode) String() string {
	if m == ModeID {
		return "id"
	}
	return "change"
}

// RewriteReference replaces old, and everything before it, with replacement.
// old must start the reference or follow a path separator, so "Foo.framework/"
// matches "@rpath/Foo.framework/Foo" but not "/x/BarFoo.framework/BarFoo".
func RewriteReference(ref, old, replacement string) (string, bool) {
	if old == "" {
		return ref, false
	}
	i := strings.Index(ref, old)
	for i > 0 && !strings.HasPrefix(old, "/") && ref[i-1] != '/' {
		next := strings.Index(ref[i+1:], old)
		if next < 0 {
			return ref, false
		}
		i += next + 1
	}
	if i < 0 {
		return ref, false
	}
	rewritten := replacement + ref[i+len(old):]
	return rewritten, rewritten != ref
}

// InstallNameTool edits load commands with install_name_tool. The current
// references are read with otool first so only matching entries are touched.
type InstallNameTool struct {
	Runner Runner
}

func (t InstallNameTool) Rewrite(ctx context.Context, binary, old, replacement string, mode Mode) error {
	if mode == ModeID {
		id, err := InstallName(ctx, t.Runner, binary)
		if err != nil {
			return err
		}
		if newID, ok := RewriteReference(id, old, replacement); ok {
			if _, err := t.Runner.Run(ctx, nil, "install_name_tool", "-id", newID, binary); err != nil {
				return fmt.Errorf("failed to set id of %s: %w", binary, err)
			}
		}
		return nil
	}

	out, err := t.Runner.Run(ctx, nil, "otool", "-L", binary)
	if err != nil {
		return err
	}
	var args []string
	seen := make(map[string]bool)
	for _, d := range ParseOtool(out) {
		if !d.Versioned || seen[d.Path] {
			continue
		}
		seen[d.Path] = true
		if newRef, ok := RewriteReference(d.Path, old, replacement); ok {
			args = append(args, "-change", d.Path, newRef)
		}
	}
	if len(args) == 0 {
		return nil
	}
	if _, err := t.Runner.Run(ctx, nil, "install_name_tool", append(args, binary)...); err != nil {
		return fmt.Errorf("failed to rewrite references of %s: %w", binary, err)
	}
	return nil
}
