// Package objstore provides a vendor-neutral object store capability used
// by the workspace layer. Keys use "/" as the hierarchical separator.
package objstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("object not found")

// SupportedProvider reports whether the provider name maps to the
// S3-compatible client. Azure and GCS appear in configuration but have
// no client yet; refusing them at startup beats speaking the wrong
// protocol at an azure endpoint.
func SupportedProvider(p string) bool {
	switch p {
	case "minio", "s3":
		return true
	}
	return false
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified int64 // unix seconds
}

// ListResult is one page of a listing.
type ListResult struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
	// NextToken continues the listing when non-empty.
	NextToken string
}

// Store is the capability the rest of the system depends on. Head returns
// (nil, nil) for an absent object so callers can distinguish absence from
// transport failure.
type Store interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	List(ctx context.Context, prefix, delimiter, token string) (*ListResult, error)
	UploadDir(ctx context.Context, localDir, prefix string, maxFileSize int64) (int, error)
	DownloadDir(ctx context.Context, prefix, localDir string, maxFileSize int64) (int, error)
}

// ListAll paginates List to completion for a prefix.
func ListAll(ctx context.Context, s Store, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	token := ""
	for {
		page, err := s.List(ctx, prefix, "", token)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if page.NextToken == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

// DeletePrefix removes every object under prefix.
func DeletePrefix(ctx context.Context, s Store, prefix string) error {
	objects, err := ListAll(ctx, s, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := s.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}
