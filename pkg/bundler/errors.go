package bundler

import "errors"

var (
	// ErrMissingSource is logged when a declared source does not exist. The
	// entity is skipped and bundling continues.
	ErrMissingSource = errors.New("source file missing")

	// ErrDestinationCollision is logged when a copy replaces a file that an
	// earlier copy already wrote.
	ErrDestinationCollision = errors.New("destination already exists")

	// ErrBundleExists is returned when the finished bundle is already in
	// place and the description does not allow overwriting it.
	ErrBundleExists = errors.New("bundle already exists")

	// ErrUnsafeRemoval is returned instead of deleting a directory that
	// must never be removed, such as the home directory.
	ErrUnsafeRemoval = errors.New("refusing to remove directory")
)
