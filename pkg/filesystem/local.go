package filesystem

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/yuya-takeyama/fileshare/pkg/errors"
	"github.com/yuya-takeyama/fileshare/pkg/item"
)

// LocalFilesystem is a forest of local items rooted at a directory of an
// afero.Fs. The same type holds the persisted baseline.
type LocalFilesystem struct {
	fs       afero.Fs
	root     string
	excludes Excludes

	arena *item.Arena

	mu    sync.RWMutex
	roots map[string]item.ID
}

// NewLocalFilesystem returns an empty index of the folder at root.
func NewLocalFilesystem(fs afero.Fs, root string, excludes Excludes) *LocalFilesystem {
	return &LocalFilesystem{
		fs:       fs,
		root:     root,
		excludes: excludes,
		arena:    item.NewArena(),
		roots:    map[string]item.ID{},
	}
}

// Fs returns the filesystem the folder lives on.
func (l *LocalFilesystem) Fs() afero.Fs { return l.fs }

// Root returns the folder root.
func (l *LocalFilesystem) Root() string { return l.root }

// FullPath converts a slash separated folder path to a path on Fs.
func (l *LocalFilesystem) FullPath(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(p))
}

// Len returns the number of indexed items.
func (l *LocalFilesystem) Len() int {
	return l.arena.Len()
}

// Contains reports whether it is still indexed. Items removed together with
// an ancestor are not.
func (l *LocalFilesystem) Contains(it item.Item) bool {
	_, ok := l.arena.Get(it.ID())
	return ok
}

// NewItem creates an unattached item in this filesystem's arena.
func (l *LocalFilesystem) NewItem(attrs item.Attributes, remoteID item.ID) (*item.LocalItem, error) {
	return l.arena.NewLocal(attrs, remoteID)
}

func (l *LocalFilesystem) Roots() ([]item.Item, error) {
	l.mu.RLock()
	names := make([]string, 0, len(l.roots))
	ids := make(map[string]item.ID, len(l.roots))
	for name, id := range l.roots {
		names = append(names, name)
		ids[name] = id
	}
	l.mu.RUnlock()
	sort.Strings(names)

	roots := make([]item.Item, 0, len(names))
	for _, name := range names {
		it, ok := l.arena.Get(ids[name])
		if !ok {
			return nil, fmt.Errorf("root %q: %w", name, errors.ErrStateInconsistency)
		}
		roots = append(roots, it)
	}
	return roots, nil
}

func (l *LocalFilesystem) FindFromPath(p string) (item.Item, error) {
	roots, err := l.Roots()
	if err != nil {
		return nil, err
	}
	return findFromRoots(roots, p)
}

// AddRoot registers it as a top level entry.
func (l *LocalFilesystem) AddRoot(it item.Item) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.roots[it.Name()]; ok {
		return fmt.Errorf("add root %q: %w", it.Name(), errors.ErrDuplicateChild)
	}
	if it.ParentID() != "" {
		return fmt.Errorf("add root %q: %w", it.Name(), errors.ErrAttached)
	}
	l.roots[it.Name()] = it.ID()
	return nil
}

// Scan indexes the whole folder.
func (l *LocalFilesystem) Scan(ctx context.Context) error {
	return l.ScanDir(ctx, "", nil)
}

// ScanDir indexes the entries of dir, a folder path, below parent. A nil
// parent adds the entries as roots. Subdirectories are fully scanned before
// they are linked.
func (l *LocalFilesystem) ScanDir(ctx context.Context, dir string, parent item.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	infos, err := afero.ReadDir(l.fs, l.FullPath(dir))
	if err != nil {
		return errors.WrapIO("read dir", dir, err)
	}

	for _, info := range infos {
		if info.Name() == MetaDirName {
			continue
		}
		rel := path.Join(dir, info.Name())
		if l.excludes.Match(rel) {
			continue
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			continue
		}

		it, err := l.arena.NewLocal(item.Attributes{
			Name:      info.Name(),
			Timestamp: info.ModTime(),
			Regular:   !info.IsDir(),
			Size:      sizeOf(info),
		}, "")
		if err != nil {
			return err
		}

		if info.IsDir() {
			if err := l.ScanDir(ctx, rel, it); err != nil {
				return err
			}
		}

		if parent == nil {
			err = l.AddRoot(it)
		} else {
			err = parent.AddChild(it)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func sizeOf(info os.FileInfo) int64 {
	if info.IsDir() {
		return 0
	}
	return info.Size()
}

// UpdateItemFromFilesystem attaches an unattached item below the item at
// parentPath, or as a root when parentPath is empty.
func (l *LocalFilesystem) UpdateItemFromFilesystem(it item.Item, parentPath string) error {
	if parentPath == "" {
		return l.AddRoot(it)
	}

	parent, err := l.FindFromPath(parentPath)
	if err != nil {
		return err
	}
	return parent.AddChild(it)
}

// RemoveItem deletes the item from disk and then from the tree. A failed
// removal on disk leaves the tree untouched.
func (l *LocalFilesystem) RemoveItem(it item.Item) error {
	if it.Origin() != item.OriginLocal {
		return fmt.Errorf("remove %s: not a local item: %w", it.Name(), errors.ErrStateInconsistency)
	}
	p, err := it.PathFromRoot()
	if err != nil {
		return err
	}

	full := l.FullPath(p)
	if it.IsRegularFile() {
		err = l.fs.Remove(full)
	} else {
		err = l.fs.RemoveAll(full)
	}
	if err != nil && !os.IsNotExist(err) {
		return errors.WrapIO("remove", p, err)
	}

	return l.Detach(p)
}

// Detach removes the item at p and its subtree from the tree only.
func (l *LocalFilesystem) Detach(p string) error {
	it, err := l.FindFromPath(p)
	if err != nil {
		return err
	}

	parent, err := it.Parent()
	if err != nil {
		return err
	}
	if parent != nil {
		return parent.RemoveChild(it.Name())
	}

	l.mu.Lock()
	if id, ok := l.roots[it.Name()]; ok && id == it.ID() {
		delete(l.roots, it.Name())
	}
	l.mu.Unlock()
	l.arena.Forget(it.ID())
	return nil
}

// Upsert records attrs at p, creating the entry if needed. Missing ancestor
// directories are created with the timestamps they have in template, which
// may be nil. An existing entry of a different type is replaced.
func (l *LocalFilesystem) Upsert(p string, attrs item.Attributes, remoteID item.ID, template Filesystem) (*item.LocalItem, error) {
	segments, err := SplitPath(p)
	if err != nil {
		return nil, err
	}

	var parent item.Item
	for i := range segments[:len(segments)-1] {
		dir := path.Join(segments[:i+1]...)
		parent, err = l.ensureDir(dir, parent, template)
		if err != nil {
			return nil, err
		}
	}

	name := segments[len(segments)-1]
	attrs.ID = ""
	attrs.Name = name

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := l.FindFromPath(p)
		switch {
		case err == nil && existing.IsRegularFile() == attrs.Regular:
			return l.update(existing, attrs, remoteID)
		case err == nil:
			if err := l.Detach(p); err != nil {
				return nil, err
			}
		case !errors.Is(err, errors.ErrNotFound):
			return nil, err
		}

		it, err := l.arena.NewLocal(attrs, remoteID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			err = l.AddRoot(it)
		} else {
			err = parent.AddChild(it)
		}
		if err == nil {
			return it, nil
		}
		l.arena.Forget(it.ID())
		if !errors.Is(err, errors.ErrDuplicateChild) {
			return nil, err
		}
		// Added concurrently; update the winner instead.
	}
	return nil, fmt.Errorf("upsert %s: %w", p, errors.ErrDuplicateChild)
}

func (l *LocalFilesystem) update(existing item.Item, attrs item.Attributes, remoteID item.ID) (*item.LocalItem, error) {
	it, ok := existing.(*item.LocalItem)
	if !ok {
		return nil, fmt.Errorf("%s is not a local item: %w", existing.Name(), errors.ErrStateInconsistency)
	}
	if err := it.SetTimestamp(attrs.Timestamp); err != nil {
		return nil, err
	}
	if err := it.SetSize(attrs.Size); err != nil {
		return nil, err
	}
	if remoteID != "" {
		if err := it.SetRemoteID(remoteID); err != nil {
			return nil, err
		}
	}
	return it, nil
}

func (l *LocalFilesystem) ensureDir(dir string, parent item.Item, template Filesystem) (item.Item, error) {
	existing, err := l.FindFromPath(dir)
	if err == nil {
		if existing.IsRegularFile() {
			return nil, fmt.Errorf("%s: %w", dir, errors.ErrNotDirectory)
		}
		return existing, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	attrs := item.Attributes{Name: path.Base(dir)}
	if template != nil {
		if t, err := template.FindFromPath(dir); err == nil {
			attrs.Timestamp = t.Timestamp()
		}
	}

	it, err := l.Upsert(dir, attrs, "", nil)
	if err != nil {
		return nil, err
	}
	return it, nil
}

// PostDeserialize rebuilds the parent links of a tree loaded with
// UnmarshalJSON. It must be called before any path or parent query.
func (l *LocalFilesystem) PostDeserialize() error {
	roots, err := l.Roots()
	if err != nil {
		return err
	}
	for _, r := range roots {
		if err := r.SetParent(nil); err != nil {
			return err
		}
		if err := relink(r); err != nil {
			return err
		}
	}
	return nil
}

func relink(parent item.Item) error {
	if parent.IsRegularFile() {
		return nil
	}
	children, err := parent.Children()
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := c.SetParent(parent); err != nil {
			return err
		}
		if err := relink(c); err != nil {
			return err
		}
	}
	return nil
}
