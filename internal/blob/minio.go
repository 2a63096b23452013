package blob

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store keeps project audio versions in an S3-compatible bucket under
// projects/<projectID>/<filename>. Clients upload and stream through
// presigned URLs; the API never proxies audio bytes.
type Store struct {
	client *minio.Client
	bucket string
	urlTTL time.Duration
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLTTL    time.Duration
}

func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Store{client: client, bucket: cfg.Bucket, urlTTL: ttl}, nil
}

func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// SanitizeFilename flattens any path structure out of a client-supplied
// filename so object keys cannot escape the project prefix.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(path.Clean("/" + name))
	if name == "/" || name == "." || name == "" {
		return ""
	}
	return name
}

func (s *Store) objectKey(projectID, filename string) string {
	return "projects/" + projectID + "/" + filename
}

func (s *Store) PresignedPut(ctx context.Context, projectID, filename string) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, s.objectKey(projectID, filename), s.urlTTL)
	if err != nil {
		return "", fmt.Errorf("presign upload: %w", err)
	}
	return u.String(), nil
}

func (s *Store) PresignedGet(ctx context.Context, projectID, filename string) (string, error) {
	params := make(url.Values)
	params.Set("response-content-disposition", fmt.Sprintf("inline; filename=%q", filename))
	u, err := s.client.PresignedGetObject(ctx, s.bucket, s.objectKey(projectID, filename), s.urlTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u.String(), nil
}

func (s *Store) Exists(ctx context.Context, projectID, filename string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.objectKey(projectID, filename), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

func (s *Store) Remove(ctx context.Context, projectID, filename string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(projectID, filename), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// Version is one stored audio file under a project prefix.
type Version struct {
	Filename   string
	Size       int64
	UploadedAt time.Time
}

// ListVersions enumerates the project's objects, newest upload first.
func (s *Store) ListVersions(ctx context.Context, projectID string) ([]Version, error) {
	prefix := "projects/" + projectID + "/"
	versions := make([]Version, 0)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		versions = append(versions, Version{
			Filename:   strings.TrimPrefix(obj.Key, prefix),
			Size:       obj.Size,
			UploadedAt: obj.LastModified,
		})
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].UploadedAt.After(versions[j].UploadedAt)
	})
	return versions, nil
}

// RemoveProject deletes every object under the project prefix. Best effort:
// the first listing or removal error is returned, already-deleted objects
// stay deleted.
func (s *Store) RemoveProject(ctx context.Context, projectID string) error {
	prefix := "projects/" + projectID + "/"
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list project objects: %w", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove project object %s: %w", obj.Key, err)
		}
	}
	return nil
}
