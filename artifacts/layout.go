package artifacts

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Layout is the set of path globs a consuming stage needs from an artifact.
// Every pattern must match at least one file; files matching no pattern are
// dropped.
type Layout struct {
	Patterns []string
}

func (l Layout) Select(files Files) (Files, error) {
	selected := make(Files)
	var missing []string
	for _, pattern := range l.Patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("%w: invalid pattern %q", ErrLayoutViolation, pattern)
		}
		matched := false
		for path, content := range files {
			if ok, _ := doublestar.Match(pattern, path); ok {
				selected[path] = content
				matched = true
			}
		}
		if !matched {
			missing = append(missing, pattern)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: no files match %v", ErrLayoutViolation, missing)
	}
	return selected, nil
}
