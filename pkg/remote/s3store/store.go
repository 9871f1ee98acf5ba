// Package s3store keeps a synchronized folder in an S3 bucket. Entry IDs are
// keys relative to the store prefix and directories are "name/" marker
// objects.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/fileshare/pkg/errors"
	"github.com/yuya-takeyama/fileshare/pkg/remote"
)

const (
	// MetaModTime is the user metadata key holding the source modification
	// time. S3 lower-cases metadata keys.
	MetaModTime = "mtime"

	deleteBatchSize   = 1000
	headConcurrency   = 16
	checksumSizeLimit = manager.DefaultUploadPartSize
)

// API is the subset of the S3 client used by the store.
type API interface {
	s3.ListObjectsV2APIClient
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type Store struct {
	api      API
	uploader *manager.Uploader
	bucket   string
	prefix   string
	retry    retryPolicy
	log      *zap.Logger
}

var _ remote.Store = (*Store)(nil)

func New(api API, bucket, prefix string) *Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{
		api:      api,
		uploader: manager.NewUploader(api),
		bucket:   bucket,
		prefix:   prefix,
		retry:    defaultRetryPolicy(),
		log:      zap.NewNop(),
	}
}

// WithLogger sets the logger for listing anomalies.
func (s *Store) WithLogger(log *zap.Logger) *Store {
	s.log = log
	return s
}

// NewFromConfig builds a store for an s3:// URI. A non-empty endpoint selects
// an S3-compatible service with path-style addressing.
func NewFromConfig(cfg aws.Config, uri, endpoint string) (*Store, error) {
	bucket, prefix, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return New(client, bucket, prefix), nil
}

func (s *Store) Bucket() string { return s.bucket }
func (s *Store) Prefix() string { return s.prefix }

func (s *Store) key(id string) string {
	return s.prefix + id
}

// parentID returns the ID of the directory containing id, "" at the top.
func parentID(id string) string {
	dir := path.Dir(strings.TrimSuffix(id, "/"))
	if dir == "." || dir == "/" {
		return ""
	}
	return dir + "/"
}

func entryName(id string) string {
	return path.Base(strings.TrimSuffix(id, "/"))
}

func (s *Store) List(ctx context.Context) ([]remote.Entry, error) {
	objects, err := s.listObjects(ctx, s.prefix)
	if err != nil {
		return nil, err
	}

	entries := map[string]*remote.Entry{}
	var files []*remote.Entry
	for _, obj := range objects {
		id := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
		if id == "" {
			continue
		}
		e := &remote.Entry{
			ID:       id,
			ParentID: parentID(id),
			Name:     entryName(id),
			ModTime:  aws.ToTime(obj.LastModified),
			IsDir:    strings.HasSuffix(id, "/"),
			Size:     aws.ToInt64(obj.Size),
		}
		if e.IsDir {
			e.Size = 0
		} else {
			files = append(files, e)
		}
		entries[id] = e

		// Directories that only exist as key prefixes.
		for p := e.ParentID; p != ""; p = parentID(p) {
			if _, ok := entries[p]; ok {
				break
			}
			entries[p] = &remote.Entry{
				ID:       p,
				ParentID: parentID(p),
				Name:     entryName(p),
				ModTime:  e.ModTime,
				IsDir:    true,
			}
		}
	}

	// A key "a" next to keys under "a/" names a file and a directory at
	// once. The directory wins.
	kept := files[:0]
	for _, f := range files {
		if _, ok := entries[f.ID+"/"]; ok {
			s.log.Warn("skipping object shadowed by a directory of the same name",
				zap.String("bucket", s.bucket),
				zap.String("key", s.key(f.ID)),
			)
			delete(entries, f.ID)
			continue
		}
		kept = append(kept, f)
	}
	files = kept

	if err := s.readModTimes(ctx, files); err != nil {
		return nil, err
	}

	out := make([]remote.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) listObjects(ctx context.Context, prefix string) ([]types.Object, error) {
	var objects []types.Object
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := withRetry(ctx, s.retry, func() (*s3.ListObjectsV2Output, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, errors.WrapIO("list", "s3://"+s.bucket+"/"+prefix, err)
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

// readModTimes replaces LastModified with the recorded source time where the
// object carries one.
func (s *Store) readModTimes(ctx context.Context, files []*remote.Entry) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(headConcurrency)
	for _, e := range files {
		e := e
		g.Go(func() error {
			out, err := withRetry(ctx, s.retry, func() (*s3.HeadObjectOutput, error) {
				return s.api.HeadObject(ctx, &s3.HeadObjectInput{
					Bucket: aws.String(s.bucket),
					Key:    aws.String(s.key(e.ID)),
				})
			})
			if err != nil {
				return errors.WrapIO("head", e.ID, err)
			}
			if t, ok := parseModTime(out.Metadata); ok {
				e.ModTime = t
			}
			return nil
		})
	}
	return g.Wait()
}

func parseModTime(meta map[string]string) (time.Time, bool) {
	v, ok := meta[MetaModTime]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func formatModTime(t time.Time) map[string]string {
	return map[string]string{MetaModTime: t.UTC().Format(time.RFC3339Nano)}
}

func (s *Store) Upload(ctx context.Context, req *remote.UploadRequest) (remote.Entry, error) {
	id := req.ParentID + req.Name
	input := &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(s.key(id)),
		Body:              req.Body,
		Metadata:          formatModTime(req.ModTime),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}
	// A whole-object checksum is only valid for a single part upload.
	if req.Checksum != "" && req.Size < checksumSizeLimit {
		input.ChecksumSHA256 = aws.String(req.Checksum)
	}

	seeker, rewindable := req.Body.(io.Seeker)
	attempt := 0
	_, err := withRetry(ctx, s.retry, func() (*manager.UploadOutput, error) {
		if attempt > 0 {
			if !rewindable {
				return nil, fmt.Errorf("body cannot be replayed")
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
		}
		attempt++
		return s.uploader.Upload(ctx, input)
	})
	if err != nil {
		return remote.Entry{}, errors.WrapIO("upload", id, err)
	}

	return remote.Entry{
		ID:       id,
		ParentID: req.ParentID,
		Name:     req.Name,
		ModTime:  req.ModTime,
		Size:     req.Size,
	}, nil
}

func (s *Store) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	out, err := withRetry(ctx, s.retry, func() (*s3.GetObjectOutput, error) {
		return s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(id)),
		})
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, errors.NotFoundError{Path: id}
		}
		return nil, errors.WrapIO("download", id, err)
	}
	return out.Body, nil
}

// Delete removes a file, or a directory marker together with every key below
// it.
func (s *Store) Delete(ctx context.Context, id string) error {
	keys := []string{s.key(id)}
	if strings.HasSuffix(id, "/") {
		objects, err := s.listObjects(ctx, s.key(id))
		if err != nil {
			return err
		}
		keys = keys[:0]
		for _, obj := range objects {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if len(keys) == 0 {
			return errors.NotFoundError{Path: id}
		}
	}

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := s.deleteBatch(ctx, keys[start:end]); err != nil {
			return errors.WrapIO("delete", id, err)
		}
	}
	return nil
}

func (s *Store) deleteBatch(ctx context.Context, keys []string) error {
	objects := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}
	out, err := withRetry(ctx, s.retry, func() (*s3.DeleteObjectsOutput, error) {
		return s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
	})
	if err != nil {
		return err
	}
	if len(out.Errors) > 0 {
		e := out.Errors[0]
		return fmt.Errorf("%s: %s (%d of %d keys failed)", aws.ToString(e.Key), aws.ToString(e.Message), len(out.Errors), len(keys))
	}
	return nil
}

func (s *Store) CreateDir(ctx context.Context, parent, name string, modTime time.Time) (remote.Entry, error) {
	id := parent + name + "/"
	_, err := withRetry(ctx, s.retry, func() (*s3.PutObjectOutput, error) {
		return s.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(s.key(id)),
			Body:     bytes.NewReader(nil),
			Metadata: formatModTime(modTime),
		})
	})
	if err != nil {
		return remote.Entry{}, errors.WrapIO("mkdir", id, err)
	}
	return remote.Entry{
		ID:       id,
		ParentID: parent,
		Name:     name,
		ModTime:  modTime,
		IsDir:    true,
	}, nil
}
