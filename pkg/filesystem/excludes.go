package filesystem

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Excludes is a list of doublestar patterns matched against slash separated
// paths relative to the folder root. A pattern ending in "/" matches a
// directory and everything below it.
type Excludes []string

// Validate reports the first malformed pattern.
func (e Excludes) Validate() error {
	for _, pattern := range e {
		if !doublestar.ValidatePattern(strings.TrimSuffix(pattern, "/")) {
			return fmt.Errorf("invalid exclude pattern: %q", pattern)
		}
	}
	return nil
}

// Match reports whether p is excluded.
func (e Excludes) Match(p string) bool {
	for _, pattern := range e {
		if strings.HasSuffix(pattern, "/") {
			dirPattern := strings.TrimSuffix(pattern, "/")
			parts := strings.Split(p, "/")
			for i := 1; i <= len(parts); i++ {
				if matched, _ := doublestar.Match(dirPattern, strings.Join(parts[:i], "/")); matched {
					return true
				}
			}
			continue
		}

		if matched, _ := doublestar.Match(pattern, p); matched {
			return true
		}
	}
	return false
}
