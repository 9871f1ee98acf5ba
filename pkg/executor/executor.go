// Package executor applies diff actions to the local folder, the remote store
// and the baseline.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/yuya-takeyama/fileshare/internal/checksum"
	"github.com/yuya-takeyama/fileshare/pkg/diff"
	"github.com/yuya-takeyama/fileshare/pkg/errors"
	"github.com/yuya-takeyama/fileshare/pkg/filesystem"
	"github.com/yuya-takeyama/fileshare/pkg/item"
	"github.com/yuya-takeyama/fileshare/pkg/logger"
	"github.com/yuya-takeyama/fileshare/pkg/remote"
)

// ErrAborted marks actions that were not attempted because the run stopped.
var ErrAborted = errors.New("run aborted before this action")

// checkpointInterval bounds how long applied actions may stay unsaved while
// a wave is still running. A wave always ends with a checkpoint.
var checkpointInterval = 5 * time.Second

// Checkpointer persists the baseline.
type Checkpointer interface {
	SaveBaseline(baseline *filesystem.LocalFilesystem) error
}

// Options tunes an Executor.
type Options struct {
	Concurrency int
	DryRun      bool

	// RemoteName prefixes remote paths in log lines, e.g. "s3://bucket/prefix".
	RemoteName string
}

type Executor struct {
	store      remote.Store
	local      *filesystem.LocalFilesystem
	remote     *filesystem.RemoteFilesystem
	baseline   *filesystem.LocalFilesystem
	checkpoint Checkpointer
	logger     logger.Logger

	concurrency int
	dryRun      bool
	remoteName  string

	mkdirs singleflight.Group

	checkpointMu sync.Mutex
	dirty        bool
	lastSave     time.Time
}

// NewExecutor applies actions computed by d. checkpoint may be nil.
func NewExecutor(d *diff.Diff, store remote.Store, checkpoint Checkpointer, log logger.Logger, opts Options) *Executor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 32
	}
	if log == nil {
		log = logger.NullLogger{}
	}
	return &Executor{
		store:       store,
		local:       d.Scanned,
		remote:      d.Remote,
		baseline:    d.Baseline,
		checkpoint:  checkpoint,
		logger:      log,
		concurrency: opts.Concurrency,
		dryRun:      opts.DryRun,
		remoteName:  strings.TrimSuffix(opts.RemoteName, "/"),
		lastSave:    time.Now(),
	}
}

type Result struct {
	Action diff.Action
	Error  error
}

// Execute applies actions and returns one result per action, in order.
// Parents are handled before their children: actions run in waves of equal
// path depth, each wave with bounded concurrency. A failed transfer is
// recorded in its result and the run goes on; a fatal error stops the run and
// the remaining actions fail with ErrAborted.
func (e *Executor) Execute(ctx context.Context, actions []diff.Action) []Result {
	results := make([]Result, len(actions))
	for i, a := range actions {
		results[i].Action = a
	}

	var (
		fatalMu sync.Mutex
		fatal   error
	)
	for _, wave := range waves(actions) {
		sem := make(chan struct{}, e.concurrency)
		var wg sync.WaitGroup

		for _, idx := range wave {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()

				sem <- struct{}{}
				defer func() { <-sem }()

				fatalMu.Lock()
				cause := fatal
				fatalMu.Unlock()
				if cause != nil {
					results[idx].Error = fmt.Errorf("%w: %v", ErrAborted, cause)
					return
				}
				if err := ctx.Err(); err != nil {
					results[idx].Error = fmt.Errorf("%w: %v", ErrAborted, err)
					return
				}

				a := actions[idx]
				err := e.apply(ctx, a)
				if err != nil {
					e.logger.Error(operation(a.Kind()), a.Path(), err)
					if errors.IsFatal(err) {
						fatalMu.Lock()
						if fatal == nil {
							fatal = err
						}
						fatalMu.Unlock()
					}
				}
				results[idx].Error = err
			}(idx)
		}

		wg.Wait()

		if err := e.save(true); err != nil {
			err = fmt.Errorf("save baseline: %w", err)
			for _, idx := range wave {
				if results[idx].Error == nil {
					results[idx].Error = err
				}
			}
			if fatal == nil {
				fatal = err
			}
		}
	}
	return results
}

// waves groups action indexes by path depth, shallowest first.
func waves(actions []diff.Action) [][]int {
	byDepth := map[int][]int{}
	for i, a := range actions {
		d := strings.Count(a.Path(), "/")
		byDepth[d] = append(byDepth[d], i)
	}

	depths := make([]int, 0, len(byDepth))
	for d := range byDepth {
		depths = append(depths, d)
	}
	sort.Ints(depths)

	out := make([][]int, 0, len(depths))
	for _, d := range depths {
		out = append(out, byDepth[d])
	}
	return out
}

func operation(k diff.Kind) string {
	switch k {
	case diff.LocalAdded, diff.LocalUpgraded:
		return "upload"
	case diff.RemoteAdded, diff.RemoteUpgraded:
		return "download"
	case diff.LocalRemoved, diff.RemoteRemoved:
		return "delete"
	default:
		return strings.ToLower(k.String())
	}
}

func (e *Executor) apply(ctx context.Context, a diff.Action) error {
	switch a.Kind() {
	case diff.ResyncLocal:
		return e.resync(a)
	case diff.LocalAdded, diff.LocalUpgraded:
		return e.push(ctx, a)
	case diff.LocalRemoved:
		return e.deleteRemote(ctx, a)
	case diff.RemoteAdded, diff.RemoteUpgraded:
		return e.pull(ctx, a)
	case diff.RemoteRemoved:
		return e.deleteLocal(a)
	case diff.RemovedOnBothSides:
		return e.forget(a)
	case diff.ErrorLocalDowngraded, diff.ErrorRemoteDowngraded,
		diff.ConflictAddLocalNewer, diff.ConflictAddRemoteNewer,
		diff.ConflictBothUpgraded, diff.ConflictBothDowngraded,
		diff.ConflictLocalUpgradedRemoteDowngraded, diff.ConflictLocalDowngradedRemoteUpgraded:
		return fmt.Errorf("%s: %w", a, errors.ErrUnresolvedAction)
	default:
		return fmt.Errorf("%s: %w", a, errors.ErrInvalidAction)
	}
}

func (e *Executor) remotePath(p string) string {
	if e.remoteName == "" {
		return p
	}
	return e.remoteName + "/" + p
}

// record advances the baseline entry at p. remoteTS is the remote timestamp
// when it differs from attrs.Timestamp, or zero.
func (e *Executor) record(p string, attrs item.Attributes, remoteID item.ID, remoteTS time.Time, template filesystem.Filesystem) error {
	it, err := e.baseline.Upsert(p, attrs, remoteID, template)
	if err != nil {
		return err
	}
	if err := it.SetRemoteTimestamp(remoteTS); err != nil {
		return err
	}
	return e.changed()
}

// drop removes p from the baseline.
func (e *Executor) drop(p string) error {
	if err := e.baseline.Detach(p); err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	return e.changed()
}

func (e *Executor) changed() error {
	e.checkpointMu.Lock()
	e.dirty = true
	e.checkpointMu.Unlock()
	return e.save(false)
}

// save writes a checkpoint when the baseline has unsaved changes and either
// force is set or checkpointInterval has passed since the last one.
func (e *Executor) save(force bool) error {
	if e.checkpoint == nil {
		return nil
	}
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()

	if !e.dirty {
		return nil
	}
	if !force && time.Since(e.lastSave) < checkpointInterval {
		return nil
	}
	if err := e.checkpoint.SaveBaseline(e.baseline); err != nil {
		return err
	}
	e.dirty = false
	e.lastSave = time.Now()
	return nil
}

func (e *Executor) resync(a diff.Action) error {
	e.logger.Track(a.Path(), "track")
	if e.dryRun {
		return nil
	}

	var remoteID item.ID
	if r, err := e.remote.FindFromPath(a.Path()); err == nil {
		remoteID = r.ID()
	}
	return e.record(a.Path(), a.Scanned().Attributes(), remoteID, time.Time{}, e.local)
}

func (e *Executor) forget(a diff.Action) error {
	e.logger.Track(a.Path(), "forget")
	if e.dryRun {
		return nil
	}
	return e.drop(a.Path())
}

// push makes the remote entry match the scanned one.
func (e *Executor) push(ctx context.Context, a diff.Action) error {
	scanned := a.Scanned().Attributes()
	p := a.Path()

	if !scanned.Regular {
		e.logger.Mkdir(e.remotePath(p))
	} else {
		e.logger.Upload(e.local.FullPath(p), e.remotePath(p))
	}
	if e.dryRun {
		return nil
	}

	// A type change replaces the remote entry.
	if r := a.Remote(); r != nil && r.IsRegularFile() != scanned.Regular {
		if err := e.store.Delete(ctx, string(r.ID())); err != nil {
			return errors.WrapIO("delete", p, err)
		}
		if err := e.remote.Detach(r.ID()); err != nil {
			return err
		}
	}

	var entryID item.ID
	if scanned.Regular {
		parentID, err := e.ensureRemoteDir(ctx, path.Dir(p))
		if err != nil {
			return err
		}
		entry, err := e.upload(ctx, p, parentID, scanned)
		if err != nil {
			return err
		}
		if _, err := e.remote.AddEntry(entry); err != nil {
			return err
		}
		entryID = item.ID(entry.ID)
	} else {
		id, err := e.ensureRemoteDir(ctx, p)
		if err != nil {
			return err
		}
		entryID = item.ID(id)
	}

	return e.record(p, scanned, entryID, time.Time{}, e.local)
}

func (e *Executor) upload(ctx context.Context, p, parentID string, scanned item.Attributes) (remote.Entry, error) {
	full := e.local.FullPath(p)
	sum, err := checksum.FileSHA256(e.local.Fs(), full)
	if err != nil {
		return remote.Entry{}, errors.WrapIO("checksum", p, err)
	}

	file, err := e.local.Fs().Open(full)
	if err != nil {
		return remote.Entry{}, errors.WrapIO("open", p, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return remote.Entry{}, errors.WrapIO("stat", p, err)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return remote.Entry{}, errors.WrapIO("read", p, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return remote.Entry{}, errors.WrapIO("seek", p, err)
	}

	entry, err := e.store.Upload(ctx, &remote.UploadRequest{
		ParentID:    parentID,
		Name:        scanned.Name,
		Body:        file,
		Size:        info.Size(),
		ModTime:     scanned.Timestamp,
		Checksum:    sum,
		ContentType: contentType(scanned.Name, head[:n]),
	})
	if err != nil {
		return remote.Entry{}, errors.WrapIO("upload", p, err)
	}
	return entry, nil
}

// ensureRemoteDir returns the ID of the remote directory at p, creating it
// and its ancestors when missing. "." is the store root.
func (e *Executor) ensureRemoteDir(ctx context.Context, p string) (string, error) {
	if p == "." || p == "" {
		return "", nil
	}

	if it, err := e.remote.FindFromPath(p); err == nil {
		if it.IsRegularFile() {
			return "", fmt.Errorf("remote %s: %w", p, errors.ErrNotDirectory)
		}
		return string(it.ID()), nil
	} else if !errors.Is(err, errors.ErrNotFound) {
		return "", err
	}

	parentID, err := e.ensureRemoteDir(ctx, path.Dir(p))
	if err != nil {
		return "", err
	}

	// Siblings in the same wave may need the same directory.
	v, err, _ := e.mkdirs.Do(p, func() (interface{}, error) {
		if it, err := e.remote.FindFromPath(p); err == nil {
			return string(it.ID()), nil
		}

		modTime := time.Now()
		if it, err := e.local.FindFromPath(p); err == nil {
			modTime = it.Timestamp()
		}
		entry, err := e.store.CreateDir(ctx, parentID, path.Base(p), modTime)
		if err != nil {
			return "", errors.WrapIO("mkdir", p, err)
		}
		if _, err := e.remote.AddEntry(entry); err != nil {
			return "", err
		}
		return entry.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *Executor) deleteRemote(ctx context.Context, a diff.Action) error {
	r := a.Remote()
	e.logger.Delete(e.remotePath(a.Path()))
	if e.dryRun {
		return nil
	}

	// An ancestor replaced by a file in an earlier wave took r with it.
	if _, err := e.remote.FindItem(r.ID()); err == nil {
		if err := e.store.Delete(ctx, string(r.ID())); err != nil {
			return errors.WrapIO("delete", a.Path(), err)
		}
		if err := e.remote.Detach(r.ID()); err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}
	} else if !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	return e.drop(a.Path())
}

// pull makes the local entry match the remote one.
func (e *Executor) pull(ctx context.Context, a diff.Action) error {
	r := a.Remote().Attributes()
	p := a.Path()
	full := e.local.FullPath(p)
	fs := e.local.Fs()

	if !r.Regular {
		e.logger.Mkdir(full)
	} else {
		e.logger.Download(e.remotePath(p), full)
	}
	if e.dryRun {
		return nil
	}

	// A type change replaces the local entry.
	if s := a.Scanned(); s != nil && s.IsRegularFile() != r.Regular {
		if err := e.local.RemoveItem(s); err != nil {
			return err
		}
	}

	if r.Regular {
		if err := e.download(ctx, p, r); err != nil {
			return err
		}
	} else {
		if err := fs.MkdirAll(full, 0755); err != nil {
			return errors.WrapIO("mkdir", p, err)
		}
		if err := fs.Chtimes(full, r.Timestamp, r.Timestamp); err != nil {
			return errors.WrapIO("chtimes", p, err)
		}
	}

	// The filesystem may keep a coarser mtime than the one requested; the
	// baseline records what the next scan will see.
	info, err := fs.Stat(full)
	if err != nil {
		return errors.WrapIO("stat", p, err)
	}
	attrs := r
	attrs.Timestamp = info.ModTime()
	var remoteTS time.Time
	if !attrs.Timestamp.Equal(r.Timestamp) {
		remoteTS = r.Timestamp
	}
	return e.record(p, attrs, r.ID, remoteTS, e.remote)
}

// download writes the remote content to a temporary file next to the target
// and renames it into place, so a failed transfer never truncates the
// existing file.
func (e *Executor) download(ctx context.Context, p string, r item.Attributes) error {
	fs := e.local.Fs()
	full := e.local.FullPath(p)
	dir := filepath.Dir(full)

	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.WrapIO("mkdir", path.Dir(p), err)
	}

	body, err := e.store.Download(ctx, string(r.ID))
	if err != nil {
		return errors.WrapIO("download", p, err)
	}
	defer body.Close()

	tmp, err := afero.TempFile(fs, dir, "."+r.Name+".fileshare-")
	if err != nil {
		return errors.WrapIO("create temp file", p, err)
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fs.Chtimes(tmpName, r.Timestamp, r.Timestamp)
	}
	if err == nil {
		err = fs.Rename(tmpName, full)
	}
	if err != nil {
		_ = fs.Remove(tmpName)
		return errors.WrapIO("download", p, err)
	}

	// Some filesystems reset the mtime on rename.
	if err := fs.Chtimes(full, r.Timestamp, r.Timestamp); err != nil && !os.IsNotExist(err) {
		return errors.WrapIO("chtimes", p, err)
	}
	return nil
}

func (e *Executor) deleteLocal(a diff.Action) error {
	e.logger.Delete(e.local.FullPath(a.Path()))
	if e.dryRun {
		return nil
	}

	// An ancestor replaced by a file in an earlier wave took it with it.
	if s := a.Scanned(); e.local.Contains(s) {
		if err := e.local.RemoveItem(s); err != nil {
			return err
		}
	}
	return e.drop(a.Path())
}
