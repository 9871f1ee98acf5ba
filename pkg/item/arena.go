package item

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/yuya-takeyama/fileshare/pkg/errors"
)

// Arena owns every node of one forest. Nodes refer to their parent and
// children by ID, and the arena resolves those IDs back to items.
type Arena struct {
	mu    sync.RWMutex
	items map[ID]Item
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{items: map[ID]Item{}}
}

// Get resolves an ID.
func (a *Arena) Get(id ID) (Item, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	it, ok := a.items[id]
	return it, ok
}

// Len returns the number of live items.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}

// NewLocal creates a local-origin item in the arena. A random ID is assigned
// when attrs.ID is empty.
func (a *Arena) NewLocal(attrs Attributes, remoteID ID) (*LocalItem, error) {
	it := &LocalItem{remoteID: remoteID}
	if err := a.register(&it.node, OriginLocal, attrs, it); err != nil {
		return nil, err
	}
	return it, nil
}

// NewRemote creates a remote-origin item in the arena. parent is the parent
// ID declared by the remote listing, empty for a root.
func (a *Arena) NewRemote(attrs Attributes, parent ID) (*RemoteItem, error) {
	if attrs.ID == "" {
		return nil, fmt.Errorf("remote item %q: %w", attrs.Name, errors.ErrInvalidPath)
	}
	it := &RemoteItem{declaredParent: parent}
	if err := a.register(&it.node, OriginRemote, attrs, it); err != nil {
		return nil, err
	}
	return it, nil
}

func (a *Arena) register(n *node, origin Origin, attrs Attributes, it Item) error {
	if attrs.Name == "" {
		return fmt.Errorf("empty item name: %w", errors.ErrInvalidPath)
	}
	if attrs.ID == "" {
		attrs.ID = ID(uuid.New().String())
	}

	n.arena = a
	n.origin = origin
	n.id = attrs.ID
	n.name = attrs.Name
	n.ts = attrs.Timestamp
	n.regular = attrs.Regular
	n.size = attrs.Size
	if !attrs.Regular {
		n.children = map[string]ID{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.items[attrs.ID]; ok {
		return fmt.Errorf("item id %s already registered: %w", attrs.ID, errors.ErrStateInconsistency)
	}
	a.items[attrs.ID] = it
	return nil
}

// Forget drops id and everything below it from the arena.
func (a *Arena) Forget(id ID) {
	var ids []ID
	a.collect(id, &ids)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		delete(a.items, id)
	}
}

func (a *Arena) collect(id ID, ids *[]ID) {
	it, ok := a.Get(id)
	if !ok {
		return
	}
	*ids = append(*ids, id)

	n := it.base()
	n.mu.RLock()
	children := make([]ID, 0, len(n.children))
	for _, c := range n.children {
		children = append(children, c)
	}
	n.mu.RUnlock()

	for _, c := range children {
		a.collect(c, ids)
	}
}
