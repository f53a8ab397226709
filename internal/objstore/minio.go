package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/agenticwork/sessiond/internal/config"
)

const listPageSize = 1000

// Client is the S3-compatible implementation of Store, backing the
// minio and s3 provider selections.
type Client struct {
	mc     *minio.Client
	bucket string
	region string
	logger *slog.Logger
}

func NewClient(cfg config.StorageConfig, logger *slog.Logger) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &Client{mc: mc, bucket: cfg.Bucket, region: cfg.Region, logger: logger}, nil
}

// EnsureBucket is idempotent across concurrent managers: a lost creation
// race surfaces as BucketAlreadyOwnedByYou, which is success.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	err = c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region})
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = detectContentType(key)
	}
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (c *Client) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	stat, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("head %s: %w", key, err)
	}
	return &ObjectInfo{
		Key:          stat.Key,
		Size:         stat.Size,
		ContentType:  stat.ContentType,
		LastModified: stat.LastModified.Unix(),
	}, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (c *Client) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := c.mc.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: c.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: c.bucket, Object: srcKey},
	)
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

func (c *Client) List(ctx context.Context, prefix, delimiter, token string) (*ListResult, error) {
	opts := minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  delimiter == "",
		StartAfter: token,
		MaxKeys:    listPageSize,
	}

	result := &ListResult{}
	seen := 0
	for obj := range c.mc.ListObjects(ctx, c.bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") && obj.Size == 0 {
			result.CommonPrefixes = append(result.CommonPrefixes, obj.Key)
			continue
		}
		result.Objects = append(result.Objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified.Unix(),
		})
		seen++
		if seen >= listPageSize {
			result.NextToken = obj.Key
			break
		}
	}
	return result, nil
}

func (c *Client) UploadDir(ctx context.Context, localDir, prefix string, maxFileSize int64) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if maxFileSize > 0 && info.Size() > maxFileSize {
			c.logger.Warn("skipping oversized file", "path", path, "size", info.Size())
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		key := joinKey(prefix, filepath.ToSlash(rel))
		_, err = c.mc.FPutObject(ctx, c.bucket, key, path,
			minio.PutObjectOptions{ContentType: detectContentType(key)})
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		uploaded++
		return nil
	})
	return uploaded, err
}

func (c *Client) DownloadDir(ctx context.Context, prefix, localDir string, maxFileSize int64) (int, error) {
	objects, err := ListAll(ctx, c, prefix)
	if err != nil {
		return 0, err
	}
	downloaded := 0
	for _, obj := range objects {
		if maxFileSize > 0 && obj.Size > maxFileSize {
			c.logger.Warn("skipping oversized object", "key", obj.Key, "size", obj.Size)
			continue
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		rel = strings.TrimPrefix(rel, "/")
		local := filepath.Join(localDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return downloaded, err
		}
		if err := c.mc.FGetObject(ctx, c.bucket, obj.Key, local, minio.GetObjectOptions{}); err != nil {
			return downloaded, fmt.Errorf("download %s: %w", obj.Key, err)
		}
		downloaded++
	}
	return downloaded, nil
}

func joinKey(prefix, rel string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}

func detectContentType(key string) string {
	if ct := mime.TypeByExtension(filepath.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
