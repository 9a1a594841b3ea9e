package bundler

import (
	"fmt"
	"os"
	"path/filepath"
)

// removeAll deletes path unless it is the file system root, the home
// directory, the desktop or the bundle destination itself.
func (b *Bundler) removeAll(path string) error {
	clean := filepath.Clean(path)
	protected := []string{"/"}
	if home, err := b.homeDir(); err == nil && home != "" {
		protected = append(protected, filepath.Clean(home), filepath.Join(home, "Desktop"))
	}
	if root, err := b.Project.DestinationRoot(); err == nil {
		protected = append(protected, filepath.Clean(root))
	}
	for _, p := range protected {
		if clean == p {
			return fmt.Errorf("%w: %s", ErrUnsafeRemoval, path)
		}
	}
	if err := os.RemoveAll(clean); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
