// Package filesystem indexes forests of items: the local folder, the persisted
// baseline and the remote listing.
package filesystem

import (
	"fmt"
	"path"
	"strings"

	"github.com/yuya-takeyama/fileshare/pkg/errors"
	"github.com/yuya-takeyama/fileshare/pkg/item"
)

// MetaDirName is the reserved control directory. Entries with this name are
// never indexed.
const MetaDirName = ".fileshare"

// IsReserved reports whether p is MetaDirName or lies below it.
func IsReserved(p string) bool {
	for _, s := range strings.Split(p, "/") {
		if s == MetaDirName {
			return true
		}
	}
	return false
}

// Filesystem is a forest of items with path lookup.
type Filesystem interface {
	Roots() ([]item.Item, error)
	FindFromPath(p string) (item.Item, error)
}

// SplitPath breaks p into name segments. Empty and "." segments are skipped.
func SplitPath(p string) ([]string, error) {
	var segments []string
	for _, s := range strings.Split(p, "/") {
		switch s {
		case "", ".":
			continue
		case "..":
			return nil, fmt.Errorf("%q: %w", p, errors.ErrInvalidPath)
		}
		segments = append(segments, s)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%q: %w", p, errors.ErrInvalidPath)
	}
	return segments, nil
}

// findFromRoots descends from roots one segment at a time.
func findFromRoots(roots []item.Item, p string) (item.Item, error) {
	segments, err := SplitPath(p)
	if err != nil {
		return nil, err
	}

	var cur item.Item
	for _, r := range roots {
		if r.Name() == segments[0] {
			cur = r
			break
		}
	}
	if cur == nil {
		return nil, errors.NotFoundError{Path: p}
	}

	for _, name := range segments[1:] {
		next, err := cur.Child(name)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return nil, errors.NotFoundError{Path: p}
			}
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// WalkFunc is called for every item visited by Walk, with the item's path.
type WalkFunc func(p string, it item.Item) error

// Walk visits every item of fs depth first, parents before children, in name
// order.
func Walk(fs Filesystem, fn WalkFunc) error {
	roots, err := fs.Roots()
	if err != nil {
		return err
	}
	for _, r := range roots {
		if err := walk(r.Name(), r, fn); err != nil {
			return err
		}
	}
	return nil
}

func walk(p string, it item.Item, fn WalkFunc) error {
	if err := fn(p, it); err != nil {
		return err
	}
	if it.IsRegularFile() {
		return nil
	}

	children, err := it.Children()
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := walk(path.Join(p, c.Name()), c, fn); err != nil {
			return err
		}
	}
	return nil
}
