// Package item is the tree model shared by the local and remote views of a
// synchronized folder.
//
// Every Item lives in an Arena. Parent and child links are stored as IDs and
// resolved through the arena, so there are no pointer cycles between nodes.
// Each node has its own RW lock; locks are only held while a field is read or
// a single mutation is made, never while I/O is in flight.
package item

import (
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/yuya-takeyama/fileshare/pkg/errors"
)

// ID identifies an item within its arena.
type ID string

// Origin tells which side produced an item.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Attributes is a lock-free copy of an item's fields. Pass this across I/O
// instead of the item itself.
type Attributes struct {
	ID        ID
	Name      string
	Timestamp time.Time
	Regular   bool
	Size      int64
}

// Item is the capability set common to local and remote items.
type Item interface {
	ID() ID
	Name() string
	Origin() Origin
	IsRegularFile() bool
	Timestamp() time.Time
	SetTimestamp(t time.Time) error
	Size() int64
	SetSize(size int64) error
	Attributes() Attributes

	ParentID() ID
	Parent() (Item, error)
	SetParent(parent Item) error
	Children() ([]Item, error)
	Child(name string) (Item, error)
	AddChild(child Item) error
	RemoveChild(name string) error
	PathFromRoot() (string, error)

	base() *node
}

type node struct {
	mu       sync.RWMutex
	poisoned bool

	arena   *Arena
	origin  Origin
	id      ID
	name    string
	regular bool

	ts       time.Time
	size     int64
	parent   ID
	children map[string]ID
}

func (n *node) base() *node { return n }

func (n *node) ID() ID              { return n.id }
func (n *node) Name() string        { return n.name }
func (n *node) Origin() Origin      { return n.origin }
func (n *node) IsRegularFile() bool { return n.regular }

func (n *node) poisonedErr() error {
	return fmt.Errorf("item %s (%s): %w", n.id, n.name, errors.ErrLockPoisoned)
}

// read runs fn under the read lock.
func (n *node) read(fn func()) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.poisoned {
		return n.poisonedErr()
	}
	fn()
	return nil
}

// write runs fn under the write lock. A panic in fn poisons the node.
func (n *node) write(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.poisoned {
		return n.poisonedErr()
	}
	defer func() {
		if r := recover(); r != nil {
			n.poisoned = true
			panic(r)
		}
	}()
	return fn()
}

func (n *node) Timestamp() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ts
}

func (n *node) SetTimestamp(t time.Time) error {
	return n.write(func() error {
		n.ts = t
		return nil
	})
}

func (n *node) Size() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.size
}

func (n *node) SetSize(size int64) error {
	return n.write(func() error {
		n.size = size
		return nil
	})
}

func (n *node) Attributes() Attributes {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return Attributes{
		ID:        n.id,
		Name:      n.name,
		Timestamp: n.ts,
		Regular:   n.regular,
		Size:      n.size,
	}
}

func (n *node) ParentID() ID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.parent
}

// Parent returns nil for a root.
func (n *node) Parent() (Item, error) {
	var parent ID
	if err := n.read(func() { parent = n.parent }); err != nil {
		return nil, err
	}
	if parent == "" {
		return nil, nil
	}

	p, ok := n.arena.Get(parent)
	if !ok {
		return nil, fmt.Errorf("parent %s of %s: %w", parent, n.name, errors.ErrStateInconsistency)
	}
	return p, nil
}

// SetParent overwrites the parent link only. It does not touch the parent's
// children; use AddChild to link both ways.
func (n *node) SetParent(parent Item) error {
	return n.write(func() error {
		if parent == nil {
			n.parent = ""
		} else {
			n.parent = parent.ID()
		}
		return nil
	})
}

// Children returns the immediate children sorted by name. Files have none.
func (n *node) Children() ([]Item, error) {
	var names []string
	ids := map[string]ID{}
	err := n.read(func() {
		for name, id := range n.children {
			names = append(names, name)
			ids[name] = id
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	children := make([]Item, 0, len(names))
	for _, name := range names {
		c, ok := n.arena.Get(ids[name])
		if !ok {
			return nil, fmt.Errorf("child %q of %s: %w", name, n.name, errors.ErrStateInconsistency)
		}
		children = append(children, c)
	}
	return children, nil
}

func (n *node) Child(name string) (Item, error) {
	var id ID
	var ok bool
	if err := n.read(func() { id, ok = n.children[name] }); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("child %q of %s: %w", name, n.name, errors.ErrNotFound)
	}

	c, found := n.arena.Get(id)
	if !found {
		// Removed concurrently between the two lookups.
		return nil, fmt.Errorf("child %q of %s: %w", name, n.name, errors.ErrNotFound)
	}
	return c, nil
}

// AddChild links child under n. The child must be unattached and belong to
// the same arena.
func (n *node) AddChild(child Item) error {
	if n.regular {
		return fmt.Errorf("add %q under %s: %w", child.Name(), n.name, errors.ErrNotDirectory)
	}
	c := child.base()
	if c.arena != n.arena {
		return fmt.Errorf("add %q under %s: items belong to different trees: %w",
			child.Name(), n.name, errors.ErrStateInconsistency)
	}
	if err := n.checkNotDescendantOf(c.id); err != nil {
		return err
	}

	err := c.write(func() error {
		if c.parent != "" {
			return fmt.Errorf("add %q under %s: %w", c.name, n.name, errors.ErrAttached)
		}
		c.parent = n.id
		return nil
	})
	if err != nil {
		return err
	}

	err = n.write(func() error {
		if _, ok := n.children[c.name]; ok {
			return fmt.Errorf("add %q under %s: %w", c.name, n.name, errors.ErrDuplicateChild)
		}
		n.children[c.name] = c.id
		return nil
	})
	if err != nil {
		_ = c.write(func() error {
			c.parent = ""
			return nil
		})
		return err
	}
	return nil
}

func (n *node) checkNotDescendantOf(id ID) error {
	cur := Item(nil)
	if it, ok := n.arena.Get(n.id); ok {
		cur = it
	}
	for depth := 0; cur != nil; depth++ {
		if cur.ID() == id {
			return fmt.Errorf("add %s under %s: %w", id, n.name, errors.ErrCycle)
		}
		if depth > n.arena.Len() {
			return fmt.Errorf("ancestors of %s: %w", n.name, errors.ErrCycle)
		}
		p, err := cur.Parent()
		if err != nil {
			return err
		}
		cur = p
	}
	return nil
}

// RemoveChild unlinks the named child and drops its whole subtree from the
// arena.
func (n *node) RemoveChild(name string) error {
	var id ID
	err := n.write(func() error {
		var ok bool
		id, ok = n.children[name]
		if !ok {
			return fmt.Errorf("remove %q from %s: %w", name, n.name, errors.ErrNotFound)
		}
		delete(n.children, name)
		return nil
	})
	if err != nil {
		return err
	}

	if c, ok := n.arena.Get(id); ok {
		_ = c.SetParent(nil)
	}
	n.arena.Forget(id)
	return nil
}

// PathFromRoot walks parent links up to a root and joins the names with "/".
func (n *node) PathFromRoot() (string, error) {
	var names []string
	cur := Item(nil)
	if it, ok := n.arena.Get(n.id); ok {
		cur = it
	} else {
		return "", fmt.Errorf("path of %s: %w", n.name, errors.ErrNotFound)
	}

	limit := n.arena.Len()
	for cur != nil {
		if len(names) > limit {
			return "", fmt.Errorf("path of %s: %w", n.name, errors.ErrCycle)
		}
		names = append(names, cur.Name())
		p, err := cur.Parent()
		if err != nil {
			return "", fmt.Errorf("path of %s: %w", n.name, err)
		}
		cur = p
	}

	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return path.Join(names...), nil
}

// LocalItem is an entry of the local folder or of the persisted baseline.
type LocalItem struct {
	node
	remoteID ID
	remoteTS time.Time
}

// RemoteID is the remote identity this entry was last synced with.
func (it *LocalItem) RemoteID() ID {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.remoteID
}

func (it *LocalItem) SetRemoteID(id ID) error {
	return it.write(func() error {
		it.remoteID = id
		return nil
	})
}

// RemoteTimestamp is the remote timestamp this entry was last synced with.
// It is zero when it equals Timestamp, and differs only when the local
// filesystem kept a coarser mtime than the remote store.
func (it *LocalItem) RemoteTimestamp() time.Time {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.remoteTS
}

func (it *LocalItem) SetRemoteTimestamp(t time.Time) error {
	return it.write(func() error {
		it.remoteTS = t
		return nil
	})
}

// RemoteItem is an entry of the remote listing.
type RemoteItem struct {
	node
	declaredParent ID
}

// DeclaredParent is the parent ID the listing gave for this item.
func (it *RemoteItem) DeclaredParent() ID {
	return it.declaredParent
}

// Restore links child under parent in the forward direction only, leaving the
// child's parent link unset. It is used when rebuilding a persisted tree,
// whose parent links are restored afterwards with SetParent.
func Restore(parent, child Item) error {
	p := parent.base()
	if p.regular {
		return fmt.Errorf("restore %q under %s: %w", child.Name(), p.name, errors.ErrNotDirectory)
	}
	return p.write(func() error {
		if _, ok := p.children[child.Name()]; ok {
			return fmt.Errorf("restore %q under %s: %w", child.Name(), p.name, errors.ErrDuplicateChild)
		}
		p.children[child.Name()] = child.ID()
		return nil
	})
}
