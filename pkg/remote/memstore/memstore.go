// Package memstore is an in-memory remote.Store.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yuya-takeyama/fileshare/internal/checksum"
	"github.com/yuya-takeyama/fileshare/pkg/errors"
	"github.com/yuya-takeyama/fileshare/pkg/remote"
)

type object struct {
	entry remote.Entry
	data  []byte
}

// Store keeps entries in a map. The Fail hooks, when set, are consulted
// before each operation and their error is returned as is.
type Store struct {
	FailList     func() error
	FailUpload   func(req *remote.UploadRequest) error
	FailDownload func(id string) error
	FailDelete   func(id string) error

	mu      sync.Mutex
	objects map[string]*object
	nextID  int
	ops     []string
}

var _ remote.Store = (*Store)(nil)

func New() *Store {
	return &Store{objects: map[string]*object{}}
}

// Ops returns the mutating and transfer operations performed so far, such as
// "upload docs/a.txt".
func (s *Store) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *Store) record(op, id string) {
	s.ops = append(s.ops, op+" "+s.pathOf(id))
}

// pathOf must be called with s.mu held.
func (s *Store) pathOf(id string) string {
	var names []string
	for o := s.objects[id]; o != nil; o = s.objects[o.entry.ParentID] {
		names = append([]string{o.entry.Name}, names...)
		if o.entry.ParentID == "" {
			break
		}
	}
	return path.Join(names...)
}

// find must be called with s.mu held.
func (s *Store) find(parentID, name string) *object {
	for _, o := range s.objects {
		if o.entry.ParentID == parentID && o.entry.Name == name {
			return o
		}
	}
	return nil
}

// checkParent must be called with s.mu held.
func (s *Store) checkParent(parentID string) error {
	if parentID == "" {
		return nil
	}
	p, ok := s.objects[parentID]
	if !ok {
		return errors.NotFoundError{Path: parentID}
	}
	if !p.entry.IsDir {
		return fmt.Errorf("%s: %w", s.pathOf(parentID), errors.ErrNotDirectory)
	}
	return nil
}

func (s *Store) newID() string {
	s.nextID++
	return fmt.Sprintf("mem-%d", s.nextID)
}

func (s *Store) List(ctx context.Context) ([]remote.Entry, error) {
	if s.FailList != nil {
		if err := s.FailList(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]remote.Entry, 0, len(s.objects))
	for _, o := range s.objects {
		entries = append(entries, o.entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (s *Store) Upload(ctx context.Context, req *remote.UploadRequest) (remote.Entry, error) {
	if s.FailUpload != nil {
		if err := s.FailUpload(req); err != nil {
			return remote.Entry{}, err
		}
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return remote.Entry{}, err
	}
	if req.Checksum != "" {
		sum, err := checksum.CalculateSHA256(bytes.NewReader(data))
		if err != nil {
			return remote.Entry{}, err
		}
		if !checksum.CompareChecksums(sum, req.Checksum) {
			return remote.Entry{}, fmt.Errorf("upload %s: checksum mismatch", req.Name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkParent(req.ParentID); err != nil {
		return remote.Entry{}, err
	}

	o := s.find(req.ParentID, req.Name)
	if o == nil {
		o = &object{entry: remote.Entry{ID: s.newID(), ParentID: req.ParentID, Name: req.Name}}
		s.objects[o.entry.ID] = o
	} else if o.entry.IsDir {
		return remote.Entry{}, fmt.Errorf("upload %s: is a directory", s.pathOf(o.entry.ID))
	}
	o.data = data
	o.entry.Size = int64(len(data))
	o.entry.ModTime = req.ModTime

	s.record("upload", o.entry.ID)
	return o.entry, nil
}

func (s *Store) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	if s.FailDownload != nil {
		if err := s.FailDownload(id); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.objects[id]
	if !ok {
		return nil, errors.NotFoundError{Path: id}
	}
	if o.entry.IsDir {
		return nil, fmt.Errorf("download %s: is a directory", s.pathOf(id))
	}
	s.record("download", id)
	return io.NopCloser(bytes.NewReader(append([]byte(nil), o.data...))), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if s.FailDelete != nil {
		if err := s.FailDelete(id); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[id]; !ok {
		return errors.NotFoundError{Path: id}
	}
	s.record("delete", id)

	var drop func(id string)
	drop = func(id string) {
		for cid, o := range s.objects {
			if o.entry.ParentID == id {
				drop(cid)
			}
		}
		delete(s.objects, id)
	}
	drop(id)
	return nil
}

func (s *Store) CreateDir(ctx context.Context, parentID, name string, modTime time.Time) (remote.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkParent(parentID); err != nil {
		return remote.Entry{}, err
	}
	if o := s.find(parentID, name); o != nil {
		if !o.entry.IsDir {
			return remote.Entry{}, fmt.Errorf("create dir %s: %w", s.pathOf(o.entry.ID), errors.ErrNotDirectory)
		}
		return o.entry, nil
	}

	o := &object{entry: remote.Entry{ID: s.newID(), ParentID: parentID, Name: name, ModTime: modTime, IsDir: true}}
	s.objects[o.entry.ID] = o
	s.record("mkdir", o.entry.ID)
	return o.entry, nil
}

// Put stores data at p, creating parent directories, without recording an
// operation. It is meant for seeding tests.
func (s *Store) Put(p string, data []byte, modTime time.Time) (remote.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentID := ""
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for _, dir := range segments[:len(segments)-1] {
		o := s.find(parentID, dir)
		if o == nil {
			o = &object{entry: remote.Entry{ID: s.newID(), ParentID: parentID, Name: dir, ModTime: modTime, IsDir: true}}
			s.objects[o.entry.ID] = o
		}
		parentID = o.entry.ID
	}

	name := segments[len(segments)-1]
	o := s.find(parentID, name)
	if o == nil {
		o = &object{entry: remote.Entry{ID: s.newID(), ParentID: parentID, Name: name}}
		s.objects[o.entry.ID] = o
	}
	o.data = append([]byte(nil), data...)
	o.entry.Size = int64(len(data))
	o.entry.ModTime = modTime
	return o.entry, nil
}

// Get returns the entry and content at p.
func (s *Store) Get(p string) (remote.Entry, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentID := ""
	var o *object
	for _, name := range strings.Split(strings.Trim(p, "/"), "/") {
		if o = s.find(parentID, name); o == nil {
			return remote.Entry{}, nil, false
		}
		parentID = o.entry.ID
	}
	return o.entry, append([]byte(nil), o.data...), true
}
