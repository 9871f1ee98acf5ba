package filesystem

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/yuya-takeyama/fileshare/pkg/item"
)

const serialVersion = 1

type serialTree struct {
	Version int          `json:"version"`
	Roots   []serialItem `json:"roots"`
}

// serialItem stores forward links only; parent links are rebuilt by
// PostDeserialize.
type serialItem struct {
	ID        item.ID      `json:"id"`
	Name      string       `json:"name"`
	Timestamp time.Time    `json:"timestamp"`
	Regular   bool         `json:"regular"`
	Size      int64        `json:"size,omitempty"`
	RemoteID  item.ID      `json:"remote_id,omitempty"`
	RemoteTS  *time.Time   `json:"remote_timestamp,omitempty"`
	Children  []serialItem `json:"children,omitempty"`
}

func (l *LocalFilesystem) MarshalJSON() ([]byte, error) {
	roots, err := l.Roots()
	if err != nil {
		return nil, err
	}

	tree := serialTree{Version: serialVersion, Roots: []serialItem{}}
	for _, r := range roots {
		s, err := toSerial(r)
		if err != nil {
			return nil, err
		}
		tree.Roots = append(tree.Roots, s)
	}
	return json.Marshal(tree)
}

func toSerial(it item.Item) (serialItem, error) {
	attrs := it.Attributes()
	s := serialItem{
		ID:        attrs.ID,
		Name:      attrs.Name,
		Timestamp: attrs.Timestamp,
		Regular:   attrs.Regular,
		Size:      attrs.Size,
	}
	if li, ok := it.(*item.LocalItem); ok {
		s.RemoteID = li.RemoteID()
		if ts := li.RemoteTimestamp(); !ts.IsZero() {
			s.RemoteTS = &ts
		}
	}
	if attrs.Regular {
		return s, nil
	}

	children, err := it.Children()
	if err != nil {
		return serialItem{}, err
	}
	for _, c := range children {
		cs, err := toSerial(c)
		if err != nil {
			return serialItem{}, err
		}
		s.Children = append(s.Children, cs)
	}
	return s, nil
}

// UnmarshalJSON replaces the tree with the serialized one. Call
// PostDeserialize afterwards.
func (l *LocalFilesystem) UnmarshalJSON(data []byte) error {
	var tree serialTree
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	if tree.Version != serialVersion {
		return fmt.Errorf("unsupported baseline version %d", tree.Version)
	}

	l.mu.Lock()
	l.arena = item.NewArena()
	l.roots = map[string]item.ID{}
	l.mu.Unlock()

	for _, s := range tree.Roots {
		it, err := l.fromSerial(s)
		if err != nil {
			return err
		}
		if err := l.AddRoot(it); err != nil {
			return err
		}
	}
	return nil
}

func (l *LocalFilesystem) fromSerial(s serialItem) (item.Item, error) {
	it, err := l.arena.NewLocal(item.Attributes{
		ID:        s.ID,
		Name:      s.Name,
		Timestamp: s.Timestamp,
		Regular:   s.Regular,
		Size:      s.Size,
	}, s.RemoteID)
	if err != nil {
		return nil, err
	}
	if s.RemoteTS != nil {
		if err := it.SetRemoteTimestamp(*s.RemoteTS); err != nil {
			return nil, err
		}
	}

	for _, cs := range s.Children {
		c, err := l.fromSerial(cs)
		if err != nil {
			return nil, err
		}
		if err := item.Restore(it, c); err != nil {
			return nil, err
		}
	}
	return it, nil
}
