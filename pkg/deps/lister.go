package deps

import (
	"context"
	"errors"
	"fmt"
)

// ErrResolutionOverflow is returned when the closure does not converge
// within the iteration cap.
var ErrResolutionOverflow = errors.New("too many tries to resolve library dependencies")

// Dependency is one load command reported for a binary.
type Dependency struct {
	// Binary is the file the dependency was read from.
	Binary string
	// Path is the install name as recorded in the binary.
	Path string
	// Compat is the compatibility version text, if the lister reports one.
	Compat string
	// Versioned is set for entries carrying a compatibility version marker.
	// Only those are shared library references.
	Versioned bool
}

func (d Dependency) String() string {
	if d.Versioned {
		return fmt.Sprintf("%s (compatibility version %s)", d.Path, d.Compat)
	}
	return d.Path
}

// Lister reports the linked libraries of a batch of binaries.
type Lister interface {
	List(ctx context.Context, binaries []string) ([]Dependency, error)
}

// ListerFunc adapts a function to the Lister interface.
type ListerFunc func(ctx context.Context, binaries []string) ([]Dependency, error)

func (f ListerFunc) List(ctx context.Context, binaries []string) ([]Dependency, error) {
	return f(ctx, binaries)
}
