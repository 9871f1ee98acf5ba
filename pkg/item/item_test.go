package item

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/fileshare/pkg/errors"
)

func mustDir(t *testing.T, a *Arena, name string) *LocalItem {
	t.Helper()
	it, err := a.NewLocal(Attributes{Name: name, Timestamp: time.Unix(1, 0)}, "")
	require.NoError(t, err)
	return it
}

func mustFile(t *testing.T, a *Arena, name string, ts int64) *LocalItem {
	t.Helper()
	it, err := a.NewLocal(Attributes{Name: name, Regular: true, Timestamp: time.Unix(ts, 0)}, "")
	require.NoError(t, err)
	return it
}

func TestPathFromRoot(t *testing.T) {
	a := NewArena()
	docs := mustDir(t, a, "docs")
	sub := mustDir(t, a, "sub")
	file := mustFile(t, a, "a.txt", 10)

	require.NoError(t, docs.AddChild(sub))
	require.NoError(t, sub.AddChild(file))

	tests := []struct {
		name string
		item Item
		want string
	}{
		{name: "root", item: docs, want: "docs"},
		{name: "nested dir", item: sub, want: "docs/sub"},
		{name: "file", item: file, want: "docs/sub/a.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.item.PathFromRoot()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddChild(t *testing.T) {
	a := NewArena()
	dir := mustDir(t, a, "dir")
	file := mustFile(t, a, "a.txt", 1)
	dup := mustFile(t, a, "a.txt", 2)

	require.NoError(t, dir.AddChild(file))
	assert.Equal(t, dir.ID(), file.ParentID())

	err := dir.AddChild(dup)
	assert.True(t, errors.Is(err, errors.ErrDuplicateChild))
	assert.Equal(t, ID(""), dup.ParentID(), "failed add must not leave a dangling parent link")

	err = dir.AddChild(file)
	assert.True(t, errors.Is(err, errors.ErrAttached))

	other := mustFile(t, a, "b.txt", 1)
	err = file.AddChild(other)
	assert.True(t, errors.Is(err, errors.ErrNotDirectory))

	children, err := dir.Children()
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Same(t, file, children[0])
}

func TestAddChildRejectsCycles(t *testing.T) {
	a := NewArena()
	top := mustDir(t, a, "top")
	mid := mustDir(t, a, "mid")
	require.NoError(t, top.AddChild(mid))

	assert.True(t, errors.Is(mid.AddChild(top), errors.ErrCycle))
	assert.True(t, errors.Is(top.AddChild(top), errors.ErrCycle))
}

func TestAddChildAcrossArenas(t *testing.T) {
	dir := mustDir(t, NewArena(), "dir")
	file := mustFile(t, NewArena(), "a.txt", 1)

	assert.True(t, errors.Is(dir.AddChild(file), errors.ErrStateInconsistency))
}

func TestRemoveChild(t *testing.T) {
	a := NewArena()
	dir := mustDir(t, a, "dir")
	sub := mustDir(t, a, "sub")
	file := mustFile(t, a, "a.txt", 1)
	require.NoError(t, dir.AddChild(sub))
	require.NoError(t, sub.AddChild(file))
	assert.Equal(t, 3, a.Len())

	require.NoError(t, dir.RemoveChild("sub"))
	assert.Equal(t, 1, a.Len(), "removing a directory removes its subtree")

	_, err := file.PathFromRoot()
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	err = dir.RemoveChild("sub")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestChild(t *testing.T) {
	a := NewArena()
	dir := mustDir(t, a, "dir")
	file := mustFile(t, a, "a.txt", 1)
	require.NoError(t, dir.AddChild(file))

	got, err := dir.Child("a.txt")
	require.NoError(t, err)
	assert.Same(t, file, got)

	_, err = dir.Child("missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	children, err := file.Children()
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestBrokenAncestorLink(t *testing.T) {
	a := NewArena()
	dir := mustDir(t, a, "dir")
	file := mustFile(t, a, "a.txt", 1)
	require.NoError(t, file.SetParent(dir))

	a.Forget(dir.ID())

	_, err := file.PathFromRoot()
	assert.True(t, errors.Is(err, errors.ErrStateInconsistency))
}

func TestPoisonedNode(t *testing.T) {
	a := NewArena()
	dir := mustDir(t, a, "dir")

	func() {
		defer func() { _ = recover() }()
		_ = dir.write(func() error { panic("boom") })
	}()

	err := dir.AddChild(mustFile(t, a, "a.txt", 1))
	assert.True(t, errors.Is(err, errors.ErrLockPoisoned))
	_, err = dir.Children()
	assert.True(t, errors.Is(err, errors.ErrLockPoisoned))
	assert.True(t, errors.IsFatal(err))
}

func TestDuplicateID(t *testing.T) {
	a := NewArena()
	_, err := a.NewRemote(Attributes{ID: "x", Name: "a"}, "")
	require.NoError(t, err)

	_, err = a.NewRemote(Attributes{ID: "x", Name: "b"}, "")
	assert.True(t, errors.Is(err, errors.ErrStateInconsistency))

	_, err = a.NewRemote(Attributes{Name: "no-id"}, "")
	assert.True(t, errors.Is(err, errors.ErrInvalidPath))
}

func TestConcurrentSiblingMutation(t *testing.T) {
	a := NewArena()
	dir := mustDir(t, a, "dir")
	for i := 0; i < 50; i++ {
		require.NoError(t, dir.AddChild(mustFile(t, a, fmt.Sprintf("old-%02d", i), 1)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("old-%02d", i)
			assert.NoError(t, dir.RemoveChild(name))
		}(i)
		go func(i int) {
			defer wg.Done()
			it, err := a.NewLocal(Attributes{Name: fmt.Sprintf("new-%02d", i), Regular: true}, "")
			if assert.NoError(t, err) {
				assert.NoError(t, dir.AddChild(it))
			}
		}(i)
	}
	wg.Wait()

	children, err := dir.Children()
	require.NoError(t, err)
	assert.Len(t, children, 50)
	assert.Equal(t, 51, a.Len())
}
