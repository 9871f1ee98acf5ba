// Package metadir manages the reserved control directory at the top of a
// synchronized folder. It holds the folder config and the baseline saved
// after the last successful operation.
package metadir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/yuya-takeyama/fileshare/internal/config"
	"github.com/yuya-takeyama/fileshare/pkg/errors"
	"github.com/yuya-takeyama/fileshare/pkg/filesystem"
)

const (
	ConfigFile   = "config.yaml"
	BaselineFile = "baseline.json"
)

var (
	// ErrNotInitialized is returned by Search when no folder encloses the
	// directory.
	ErrNotInitialized = errors.New("not inside a fileshare folder (run `fileshare init` first)")

	// ErrAlreadyInitialized is returned by Init for an existing folder.
	ErrAlreadyInitialized = errors.New("fileshare folder already initialized")
)

// Dir is the control directory of the folder rooted at Root.
type Dir struct {
	fs   afero.Fs
	root string
}

// Search finds the folder enclosing dir, looking at dir and then each of its
// ancestors.
func Search(fs afero.Fs, dir string) (*Dir, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		ok, err := afero.DirExists(fs, filepath.Join(dir, filesystem.MetaDirName))
		if err != nil {
			return nil, errors.WrapIO("stat", dir, err)
		}
		if ok {
			return &Dir{fs: fs, root: dir}, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ErrNotInitialized
		}
		dir = parent
	}
}

// Init creates the control directory under root with cfg and an empty
// baseline.
func Init(fs afero.Fs, root string, cfg config.Config) (*Dir, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	d := &Dir{fs: fs, root: root}

	exists, err := afero.DirExists(fs, d.Path())
	if err != nil {
		return nil, errors.WrapIO("stat", d.Path(), err)
	}
	if exists {
		return nil, ErrAlreadyInitialized
	}

	if err := fs.MkdirAll(d.Path(), 0755); err != nil {
		return nil, errors.WrapIO("mkdir", d.Path(), err)
	}
	if err := d.SaveConfig(cfg); err != nil {
		return nil, err
	}
	if err := d.SaveBaseline(filesystem.NewLocalFilesystem(fs, root, nil)); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dir) Root() string { return d.root }

func (d *Dir) Fs() afero.Fs { return d.fs }

// Path is the control directory itself.
func (d *Dir) Path() string {
	return filepath.Join(d.root, filesystem.MetaDirName)
}

func (d *Dir) LoadConfig() (config.Config, error) {
	data, err := afero.ReadFile(d.fs, filepath.Join(d.Path(), ConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return config.Config{}, errors.WrapIO("read", ConfigFile, err)
	}
	return config.Parse(data)
}

func (d *Dir) SaveConfig(cfg config.Config) error {
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return d.writeAtomic(ConfigFile, data)
}

// LoadBaseline reads the saved tree. A folder that was never synchronized
// has an empty baseline.
func (d *Dir) LoadBaseline(excludes filesystem.Excludes) (*filesystem.LocalFilesystem, error) {
	baseline := filesystem.NewLocalFilesystem(d.fs, d.root, excludes)

	data, err := afero.ReadFile(d.fs, filepath.Join(d.Path(), BaselineFile))
	if err != nil {
		if os.IsNotExist(err) {
			return baseline, nil
		}
		return nil, errors.WrapIO("read", BaselineFile, err)
	}

	if err := json.Unmarshal(data, baseline); err != nil {
		return nil, fmt.Errorf("%w: decode baseline: %v", errors.ErrStateInconsistency, err)
	}
	if err := baseline.PostDeserialize(); err != nil {
		return nil, err
	}
	return baseline, nil
}

// SaveBaseline replaces the saved tree. Readers see either the old or the
// new file, never a partial one.
func (d *Dir) SaveBaseline(baseline *filesystem.LocalFilesystem) error {
	data, err := json.Marshal(baseline)
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	return d.writeAtomic(BaselineFile, data)
}

func (d *Dir) writeAtomic(name string, data []byte) error {
	f, err := afero.TempFile(d.fs, d.Path(), "."+name+"-*")
	if err != nil {
		return errors.WrapIO("create", name, err)
	}
	tmp := f.Name()

	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = d.fs.Rename(tmp, filepath.Join(d.Path(), name))
	}
	if err != nil {
		_ = d.fs.Remove(tmp)
		return errors.WrapIO("write", name, err)
	}
	return nil
}
