// Package diff classifies every path known to the baseline, the local folder
// or the remote store into one of a closed set of actions.
package diff

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/fileshare/pkg/filesystem"
	"github.com/yuya-takeyama/fileshare/pkg/item"
	"github.com/yuya-takeyama/fileshare/pkg/remote"
)

// Diff is the result of one comparison, with the trees its actions point
// into.
type Diff struct {
	Baseline *filesystem.LocalFilesystem
	Scanned  *filesystem.LocalFilesystem
	Remote   *filesystem.RemoteFilesystem
	Actions  []Action
}

// Engine scans the local folder and lists the remote store.
type Engine struct {
	fs       afero.Fs
	root     string
	store    remote.Store
	excludes filesystem.Excludes
}

func NewEngine(fs afero.Fs, root string, store remote.Store, excludes filesystem.Excludes) *Engine {
	return &Engine{
		fs:       fs,
		root:     root,
		store:    store,
		excludes: excludes,
	}
}

// Diff compares baseline against a fresh local scan and remote listing. The
// scan and the listing run concurrently; neither is ordered against the
// other. No tree is modified.
func (e *Engine) Diff(ctx context.Context, baseline *filesystem.LocalFilesystem) (*Diff, error) {
	scanned := filesystem.NewLocalFilesystem(e.fs, e.root, e.excludes)
	var remoteFS *filesystem.RemoteFilesystem

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := scanned.Scan(gctx); err != nil {
			return fmt.Errorf("scan local folder: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		entries, err := e.store.List(gctx)
		if err != nil {
			return fmt.Errorf("list remote: %w", err)
		}
		remoteFS, err = filesystem.NewRemoteFilesystem(entries)
		if err != nil {
			return fmt.Errorf("index remote listing: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	actions, err := Compute(baseline, scanned, remoteFS, e.excludes)
	if err != nil {
		return nil, err
	}
	return &Diff{
		Baseline: baseline,
		Scanned:  scanned,
		Remote:   remoteFS,
		Actions:  actions,
	}, nil
}

type triple struct {
	baseline, scanned, remote item.Item
}

// Compute joins the three trees by path and classifies every path. Actions
// are sorted by path, with every directory directly followed by its
// descendants.
func Compute(baseline, scanned, remote filesystem.Filesystem, excludes filesystem.Excludes) ([]Action, error) {
	joined := map[string]*triple{}
	collect := func(fs filesystem.Filesystem, set func(*triple, item.Item)) error {
		return filesystem.Walk(fs, func(p string, it item.Item) error {
			if filesystem.IsReserved(p) || excludes.Match(p) {
				return nil
			}
			t, ok := joined[p]
			if !ok {
				t = &triple{}
				joined[p] = t
			}
			set(t, it)
			return nil
		})
	}

	if err := collect(baseline, func(t *triple, it item.Item) { t.baseline = it }); err != nil {
		return nil, fmt.Errorf("walk baseline: %w", err)
	}
	if err := collect(scanned, func(t *triple, it item.Item) { t.scanned = it }); err != nil {
		return nil, fmt.Errorf("walk local: %w", err)
	}
	if err := collect(remote, func(t *triple, it item.Item) { t.remote = it }); err != nil {
		return nil, fmt.Errorf("walk remote: %w", err)
	}

	paths := make([]string, 0, len(joined))
	for p := range joined {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return pathLess(paths[i], paths[j]) })

	var actions []Action
	for _, p := range paths {
		t := joined[p]
		kind, ok := Classify(observe(t.baseline), observe(t.scanned), observe(t.remote))
		if !ok {
			continue
		}

		info := kinds[kind]
		a, err := New(kind, p, pick(info.scanned, t.scanned), pick(info.baseline, t.baseline), pick(info.remote, t.remote))
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return collapseRemovals(actions), nil
}

// pathLess orders "a/b" before "a-b" so a subtree stays contiguous.
func pathLess(a, b string) bool {
	return strings.ReplaceAll(a, "/", "\x00") < strings.ReplaceAll(b, "/", "\x00")
}

func observe(it item.Item) *Observation {
	if it == nil {
		return nil
	}
	o := &Observation{Timestamp: it.Timestamp(), Dir: !it.IsRegularFile()}
	if li, ok := it.(*item.LocalItem); ok {
		o.RemoteTimestamp = li.RemoteTimestamp()
	}
	return o
}

func pick(want bool, it item.Item) item.Item {
	if want {
		return it
	}
	return nil
}

// collapseRemovals keeps a directory removal in place of the removals of its
// descendants when they all have the same kind. Otherwise the directory
// removal is dropped and the descendants keep their own actions. actions
// must be sorted with pathLess.
func collapseRemovals(actions []Action) []Action {
	drop := make([]bool, len(actions))
	for i, a := range actions {
		if drop[i] || !a.kind.IsRemoval() || !a.IsDir() {
			continue
		}

		prefix := a.path + "/"
		uniform := true
		end := i + 1
		for ; end < len(actions) && strings.HasPrefix(actions[end].path, prefix); end++ {
			if actions[end].kind != a.kind {
				uniform = false
			}
		}

		if uniform {
			for j := i + 1; j < end; j++ {
				drop[j] = true
			}
		} else {
			drop[i] = true
		}
	}

	kept := actions[:0]
	for i, a := range actions {
		if !drop[i] {
			kept = append(kept, a)
		}
	}
	return kept
}
