package filesystem

import (
	"fmt"
	"sort"
	"sync"

	"github.com/yuya-takeyama/fileshare/pkg/errors"
	"github.com/yuya-takeyama/fileshare/pkg/item"
	"github.com/yuya-takeyama/fileshare/pkg/remote"
)

// RemoteFilesystem is the forest built from a remote listing. Besides the
// arena links it keeps an index of children by parent ID.
type RemoteFilesystem struct {
	arena *item.Arena

	mu       sync.RWMutex
	items    map[item.ID]*item.RemoteItem
	roots    map[item.ID]struct{}
	children map[item.ID]map[item.ID]struct{}
}

// NewRemoteFilesystem indexes a listing. Entries may come in any order, but
// every declared parent must be listed. Entries named MetaDirName and their
// descendants are skipped.
func NewRemoteFilesystem(entries []remote.Entry) (*RemoteFilesystem, error) {
	r := &RemoteFilesystem{
		arena:    item.NewArena(),
		items:    map[item.ID]*item.RemoteItem{},
		roots:    map[item.ID]struct{}{},
		children: map[item.ID]map[item.ID]struct{}{},
	}

	for _, e := range withoutReserved(entries) {
		if _, err := r.AddEntry(e); err != nil {
			return nil, err
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, it := range r.items {
		if p := it.DeclaredParent(); p != "" {
			if _, ok := r.items[p]; !ok {
				return nil, fmt.Errorf("parent %s of %s is not listed: %w", p, id, errors.ErrStateInconsistency)
			}
		}
	}
	return r, nil
}

// withoutReserved drops the entries named MetaDirName and everything listed
// below them.
func withoutReserved(entries []remote.Entry) []remote.Entry {
	parents := make(map[string]string, len(entries))
	reserved := map[string]bool{}
	for _, e := range entries {
		parents[e.ID] = e.ParentID
		if e.Name == MetaDirName {
			reserved[e.ID] = true
		}
	}
	if len(reserved) == 0 {
		return entries
	}

	hidden := func(id string) bool {
		for depth := 0; id != "" && depth <= len(entries); depth++ {
			if reserved[id] {
				return true
			}
			id = parents[id]
		}
		return false
	}

	kept := make([]remote.Entry, 0, len(entries))
	for _, e := range entries {
		if !hidden(e.ID) {
			kept = append(kept, e)
		}
	}
	return kept
}

// AddEntry indexes a store entry. An entry whose ID is already indexed
// updates the existing item.
func (r *RemoteFilesystem) AddEntry(e remote.Entry) (*item.RemoteItem, error) {
	if e.Name == MetaDirName {
		return nil, fmt.Errorf("remote entry %s: reserved name %s: %w", e.ID, MetaDirName, errors.ErrInvalidPath)
	}
	if existing, err := r.FindItem(item.ID(e.ID)); err == nil {
		if err := existing.SetTimestamp(e.ModTime); err != nil {
			return nil, err
		}
		if err := existing.SetSize(e.Size); err != nil {
			return nil, err
		}
		return existing, nil
	}

	it, err := r.arena.NewRemote(item.Attributes{
		ID:        item.ID(e.ID),
		Name:      e.Name,
		Timestamp: e.ModTime,
		Regular:   !e.IsDir,
		Size:      e.Size,
	}, item.ID(e.ParentID))
	if err != nil {
		return nil, err
	}
	if err := r.AddItem(it); err != nil {
		r.arena.Forget(it.ID())
		return nil, err
	}
	return it, nil
}

// AddItem indexes it under its declared parent, or as a root. Children that
// were indexed before their parent are linked when the parent arrives.
func (r *RemoteFilesystem) AddItem(it *item.RemoteItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := it.ID()
	if _, ok := r.items[id]; ok {
		return fmt.Errorf("remote item %s: %w", id, errors.ErrDuplicateChild)
	}

	parentID := it.DeclaredParent()
	if parent, ok := r.items[parentID]; ok {
		if err := parent.AddChild(it); err != nil {
			return err
		}
	}

	r.items[id] = it
	if parentID == "" {
		r.roots[id] = struct{}{}
	} else {
		if r.children[parentID] == nil {
			r.children[parentID] = map[item.ID]struct{}{}
		}
		r.children[parentID][id] = struct{}{}
	}

	for cid := range r.children[id] {
		c := r.items[cid]
		if c == nil || c.ParentID() != "" {
			continue
		}
		if err := it.AddChild(c); err != nil {
			return err
		}
	}
	return nil
}

// FindItem resolves an ID.
func (r *RemoteFilesystem) FindItem(id item.ID) (*item.RemoteItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	it, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("remote item %s: %w", id, errors.ErrNotFound)
	}
	return it, nil
}

// Children returns the indexed children of id sorted by name.
func (r *RemoteFilesystem) Children(id item.ID) ([]item.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(r.children[id])
}

func (r *RemoteFilesystem) Roots() ([]item.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(r.roots)
}

// resolve must be called with r.mu held.
func (r *RemoteFilesystem) resolve(ids map[item.ID]struct{}) ([]item.Item, error) {
	items := make([]item.Item, 0, len(ids))
	for id := range ids {
		it, ok := r.items[id]
		if !ok {
			return nil, fmt.Errorf("indexed remote item %s: %w", id, errors.ErrStateInconsistency)
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name() < items[j].Name() })
	return items, nil
}

func (r *RemoteFilesystem) FindFromPath(p string) (item.Item, error) {
	segments, err := SplitPath(p)
	if err != nil {
		return nil, err
	}

	level, err := r.Roots()
	if err != nil {
		return nil, err
	}
	for i, name := range segments {
		var next item.Item
		for _, it := range level {
			if it.Name() == name {
				next = it
				break
			}
		}
		if next == nil {
			return nil, errors.NotFoundError{Path: p}
		}
		if i == len(segments)-1 {
			return next, nil
		}
		if level, err = r.Children(next.ID()); err != nil {
			return nil, err
		}
	}
	return nil, errors.NotFoundError{Path: p}
}

// Detach removes id and its subtree from the index.
func (r *RemoteFilesystem) Detach(id item.ID) error {
	it, err := r.FindItem(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	var drop func(id item.ID)
	drop = func(id item.ID) {
		for cid := range r.children[id] {
			drop(cid)
		}
		delete(r.children, id)
		delete(r.items, id)
	}
	drop(id)
	delete(r.roots, id)
	if p := it.DeclaredParent(); p != "" {
		delete(r.children[p], id)
	}
	r.mu.Unlock()

	parent, err := it.Parent()
	if err != nil {
		return err
	}
	if parent != nil {
		return parent.RemoveChild(it.Name())
	}
	r.arena.Forget(id)
	return nil
}
