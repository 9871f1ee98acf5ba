package executor

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/yuya-takeyama/fileshare/pkg/diff"
)

// Summary counts results per kind.
type Summary struct {
	Applied map[diff.Kind]int
	Failed  int

	// Err combines every failure, or is nil.
	Err error
}

func Summarize(results []Result) Summary {
	s := Summary{Applied: map[diff.Kind]int{}}
	for _, r := range results {
		if r.Error != nil {
			s.Failed++
			s.Err = multierr.Append(s.Err, fmt.Errorf("%s: %w", r.Action.Path(), r.Error))
			continue
		}
		s.Applied[r.Action.Kind()]++
	}
	return s
}
