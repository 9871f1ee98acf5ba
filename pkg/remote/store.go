// Package remote defines the contract of the remote side of a synchronized
// folder.
package remote

import (
	"context"
	"io"
	"time"
)

// Entry is one item of a remote listing.
type Entry struct {
	ID       string
	ParentID string // empty for a root
	Name     string
	ModTime  time.Time
	IsDir    bool
	Size     int64
}

// UploadRequest creates or replaces a file under ParentID.
type UploadRequest struct {
	ParentID string
	Name     string
	Body     io.Reader
	Size     int64
	ModTime  time.Time

	// Checksum is the base64 SHA-256 of Body, when the caller has computed it.
	Checksum    string
	ContentType string
}

// Store is the remote storage a folder is synchronized with.
type Store interface {
	// List returns every entry. Entries may come in any order.
	List(ctx context.Context) ([]Entry, error)

	// Upload creates or replaces a file and returns the stored entry.
	Upload(ctx context.Context, req *UploadRequest) (Entry, error)

	Download(ctx context.Context, id string) (io.ReadCloser, error)

	// Delete removes an entry. Directories are removed recursively.
	Delete(ctx context.Context, id string) error

	CreateDir(ctx context.Context, parentID, name string, modTime time.Time) (Entry, error)
}
