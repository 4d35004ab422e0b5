package utils

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/surajsub/temporal-release-pipeline/artifacts"
)

// WriteFiles materializes files under dir, creating parent directories.
// Paths must stay inside dir.
func WriteFiles(dir string, files artifacts.Files) error {
	for rel, content := range files {
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return fmt.Errorf("refusing to write %q outside %s", rel, dir)
		}
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", rel, err)
		}
	}
	return nil
}

// CollectFiles reads every regular file under dir that matches one of the
// patterns. Paths in the result are slash separated and relative to dir.
// No patterns means everything.
func CollectFiles(dir string, patterns []string) (artifacts.Files, error) {
	if len(patterns) == 0 {
		patterns = []string{"**"}
	}
	fsys := os.DirFS(dir)
	files := make(artifacts.Files)
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid file pattern %q", pattern)
		}
		err := doublestar.GlobWalk(fsys, pattern, func(path string, d fs.DirEntry) error {
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			if _, seen := files[path]; seen {
				return nil
			}
			content, err := fs.ReadFile(fsys, path)
			if err != nil {
				return err
			}
			files[path] = content
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to collect %q from %s: %w", pattern, dir, err)
		}
	}
	return files, nil
}
