package filesystem

import (
	"context"
	"encoding/json"
	"path"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/fileshare/pkg/errors"
	"github.com/yuya-takeyama/fileshare/pkg/item"
)

const testRoot = "/work"

func writeFile(t *testing.T, fs afero.Fs, p string, ts int64) {
	t.Helper()
	full := path.Join(testRoot, p)
	require.NoError(t, fs.MkdirAll(path.Dir(full), 0755))
	require.NoError(t, afero.WriteFile(fs, full, []byte("content of "+p), 0644))
	require.NoError(t, fs.Chtimes(full, time.Unix(ts, 0), time.Unix(ts, 0)))
}

func scanned(t *testing.T, fs afero.Fs, excludes Excludes) *LocalFilesystem {
	t.Helper()
	l := NewLocalFilesystem(fs, testRoot, excludes)
	require.NoError(t, l.Scan(context.Background()))
	return l
}

func paths(t *testing.T, fs Filesystem) []string {
	t.Helper()
	var got []string
	require.NoError(t, Walk(fs, func(p string, _ item.Item) error {
		got = append(got, p)
		return nil
	}))
	return got
}

func TestScan(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "a.txt", 10)
	writeFile(t, fs, "docs/b.txt", 20)
	writeFile(t, fs, "docs/sub/c.txt", 30)
	writeFile(t, fs, ".fileshare/baseline.json", 1)
	writeFile(t, fs, "docs/.fileshare/nested", 1)

	l := scanned(t, fs, nil)

	assert.Equal(t, []string{"a.txt", "docs", "docs/b.txt", "docs/sub", "docs/sub/c.txt"}, paths(t, l))

	it, err := l.FindFromPath("docs/sub/c.txt")
	require.NoError(t, err)
	assert.True(t, it.IsRegularFile())
	assert.Equal(t, time.Unix(30, 0), it.Timestamp())
	assert.Equal(t, int64(len("content of docs/sub/c.txt")), it.Size())
}

func TestScanOnlyMetaDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, ".fileshare/config.yaml", 1)

	l := scanned(t, fs, nil)

	roots, err := l.Roots()
	require.NoError(t, err)
	assert.Empty(t, roots)
	assert.Equal(t, 0, l.Len())
}

func TestScanExcludes(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "keep.txt", 1)
	writeFile(t, fs, "debug.log", 1)
	writeFile(t, fs, "node_modules/pkg/index.js", 1)
	writeFile(t, fs, "src/app.log", 1)

	l := scanned(t, fs, Excludes{"**/*.log", "node_modules/"})

	assert.Equal(t, []string{"keep.txt", "src"}, paths(t, l))
}

func TestScanCancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "a.txt", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := NewLocalFilesystem(fs, testRoot, nil)
	assert.ErrorIs(t, l.Scan(ctx), context.Canceled)
}

func TestFindFromPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "docs/b.txt", 20)
	l := scanned(t, fs, nil)

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr error
	}{
		{name: "plain", path: "docs/b.txt", want: "b.txt"},
		{name: "leading dot", path: "./docs/b.txt", want: "b.txt"},
		{name: "doubled slash", path: "docs//b.txt", want: "b.txt"},
		{name: "directory", path: "docs", want: "docs"},
		{name: "missing leaf", path: "docs/x.txt", wantErr: errors.ErrNotFound},
		{name: "missing root", path: "nope/b.txt", wantErr: errors.ErrNotFound},
		{name: "below a file", path: "docs/b.txt/c", wantErr: errors.ErrNotFound},
		{name: "empty", path: "", wantErr: errors.ErrInvalidPath},
		{name: "only dot", path: ".", wantErr: errors.ErrInvalidPath},
		{name: "parent segment", path: "docs/../b.txt", wantErr: errors.ErrInvalidPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.FindFromPath(tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Name())
		})
	}
}

func TestPathRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "a.txt", 1)
	writeFile(t, fs, "x/y/z/deep.txt", 1)
	writeFile(t, fs, "x/y/other.txt", 1)
	l := scanned(t, fs, nil)

	require.NoError(t, Walk(l, func(p string, it item.Item) error {
		got, err := it.PathFromRoot()
		require.NoError(t, err)
		assert.Equal(t, p, got)

		found, err := l.FindFromPath(got)
		require.NoError(t, err)
		assert.Same(t, it, found)
		return nil
	}))
}

func TestRemoveItem(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "a.txt", 1)
	writeFile(t, fs, "docs/b.txt", 1)
	writeFile(t, fs, "docs/c.txt", 1)
	l := scanned(t, fs, nil)

	file, err := l.FindFromPath("a.txt")
	require.NoError(t, err)
	require.NoError(t, l.RemoveItem(file))
	exists, _ := afero.Exists(fs, "/work/a.txt")
	assert.False(t, exists)

	dir, err := l.FindFromPath("docs")
	require.NoError(t, err)
	require.NoError(t, l.RemoveItem(dir))
	exists, _ = afero.Exists(fs, "/work/docs/b.txt")
	assert.False(t, exists)

	assert.Empty(t, paths(t, l))
	assert.Equal(t, 0, l.Len())
}

func TestRemoveItemKeepsTreeOnFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "a.txt", 1)
	l := NewLocalFilesystem(afero.NewReadOnlyFs(fs), testRoot, nil)
	require.NoError(t, l.Scan(context.Background()))

	it, err := l.FindFromPath("a.txt")
	require.NoError(t, err)

	err = l.RemoveItem(it)
	var ioErr *errors.IOError
	require.True(t, errors.As(err, &ioErr))

	_, err = l.FindFromPath("a.txt")
	assert.NoError(t, err)
}

func TestUpdateItemFromFilesystem(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "docs/b.txt", 1)
	l := scanned(t, fs, nil)

	it, err := l.NewItem(item.Attributes{Name: "new.txt", Regular: true}, "")
	require.NoError(t, err)
	require.NoError(t, l.UpdateItemFromFilesystem(it, "docs"))

	root, err := l.NewItem(item.Attributes{Name: "top"}, "")
	require.NoError(t, err)
	require.NoError(t, l.UpdateItemFromFilesystem(root, ""))

	assert.Equal(t, []string{"docs", "docs/b.txt", "docs/new.txt", "top"}, paths(t, l))

	orphan, err := l.NewItem(item.Attributes{Name: "x", Regular: true}, "")
	require.NoError(t, err)
	assert.ErrorIs(t, l.UpdateItemFromFilesystem(orphan, "missing"), errors.ErrNotFound)
}

func TestUpsert(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "docs/sub/c.txt", 30)
	require.NoError(t, fs.Chtimes("/work/docs", time.Unix(7, 0), time.Unix(7, 0)))
	scan := scanned(t, fs, nil)

	baseline := NewLocalFilesystem(fs, testRoot, nil)

	it, err := baseline.Upsert("docs/sub/c.txt", item.Attributes{Regular: true, Timestamp: time.Unix(30, 0)}, "docs/sub/c.txt", scan)
	require.NoError(t, err)
	assert.Equal(t, item.ID("docs/sub/c.txt"), it.RemoteID())
	assert.Equal(t, []string{"docs", "docs/sub", "docs/sub/c.txt"}, paths(t, baseline))

	docs, err := baseline.FindFromPath("docs")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(7, 0), docs.Timestamp())

	again, err := baseline.Upsert("docs/sub/c.txt", item.Attributes{Regular: true, Timestamp: time.Unix(40, 0)}, "", nil)
	require.NoError(t, err)
	assert.Same(t, it, again)
	assert.Equal(t, time.Unix(40, 0), again.Timestamp())
	assert.Equal(t, item.ID("docs/sub/c.txt"), again.RemoteID(), "empty remote id keeps the recorded one")

	replaced, err := baseline.Upsert("docs/sub/c.txt", item.Attributes{Timestamp: time.Unix(50, 0)}, "", nil)
	require.NoError(t, err)
	assert.False(t, replaced.IsRegularFile())
	assert.Equal(t, 3, baseline.Len())

	_, err = baseline.Upsert("docs/sub/c.txt/inner", item.Attributes{Regular: true}, "", nil)
	require.NoError(t, err)
	_, err = baseline.Upsert("docs/sub/c.txt/inner/deeper", item.Attributes{Regular: true}, "", nil)
	assert.ErrorIs(t, err, errors.ErrNotDirectory)
}

func TestDetach(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "a.txt", 1)
	writeFile(t, fs, "docs/b.txt", 1)
	l := scanned(t, fs, nil)

	require.NoError(t, l.Detach("docs"))
	require.NoError(t, l.Detach("a.txt"))
	assert.Equal(t, 0, l.Len())
	assert.ErrorIs(t, l.Detach("a.txt"), errors.ErrNotFound)

	exists, _ := afero.Exists(fs, "/work/docs/b.txt")
	assert.True(t, exists, "detach never touches the disk")
}

func TestSerializeRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "a.txt", 10)
	writeFile(t, fs, "docs/sub/c.txt", 30)
	l := scanned(t, fs, nil)
	c, err := l.FindFromPath("docs/sub/c.txt")
	require.NoError(t, err)
	require.NoError(t, c.(*item.LocalItem).SetRemoteID("remote-c"))
	require.NoError(t, c.(*item.LocalItem).SetRemoteTimestamp(time.Unix(31, 500)))

	data, err := json.Marshal(l)
	require.NoError(t, err)

	loaded := NewLocalFilesystem(fs, testRoot, nil)
	require.NoError(t, json.Unmarshal(data, loaded))
	require.NoError(t, loaded.PostDeserialize())

	assert.Equal(t, paths(t, l), paths(t, loaded))

	got, err := loaded.FindFromPath("docs/sub/c.txt")
	require.NoError(t, err)
	assert.Equal(t, c.ID(), got.ID())
	assert.True(t, got.Timestamp().Equal(time.Unix(30, 0)))
	assert.Equal(t, item.ID("remote-c"), got.(*item.LocalItem).RemoteID())
	assert.True(t, got.(*item.LocalItem).RemoteTimestamp().Equal(time.Unix(31, 500)))

	a, err := loaded.FindFromPath("a.txt")
	require.NoError(t, err)
	assert.True(t, a.(*item.LocalItem).RemoteTimestamp().IsZero())

	p, err := got.PathFromRoot()
	require.NoError(t, err)
	assert.Equal(t, "docs/sub/c.txt", p)
}

func TestUnmarshalRejectsUnknownVersion(t *testing.T) {
	l := NewLocalFilesystem(afero.NewMemMapFs(), testRoot, nil)
	assert.Error(t, json.Unmarshal([]byte(`{"version":99,"roots":[]}`), l))
}
