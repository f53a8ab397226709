package objstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Store used by tests and by local development
// without an object store endpoint.
type Fake struct {
	mu      sync.RWMutex
	objects map[string]fakeObject
	bucket  bool
}

type fakeObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

func NewFake() *Fake {
	return &Fake{objects: make(map[string]fakeObject)}
}

func (f *Fake) EnsureBucket(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bucket = true
	return nil
}

func (f *Fake) Put(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.objects[key] = fakeObject{data: buf, contentType: contentType, modified: time.Now()}
	return nil
}

func (f *Fake) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	obj, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return buf, nil
}

func (f *Fake) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	obj, ok := f.objects[key]
	if !ok {
		return nil, nil
	}
	return &ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.modified.Unix(),
	}, nil
}

func (f *Fake) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *Fake) Copy(ctx context.Context, srcKey, dstKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[srcKey]
	if !ok {
		return fmt.Errorf("copy %s: %w", srcKey, ErrNotFound)
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	f.objects[dstKey] = fakeObject{data: buf, contentType: obj.contentType, modified: time.Now()}
	return nil
}

func (f *Fake) List(ctx context.Context, prefix, delimiter, token string) (*ListResult, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) && k > token {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	result := &ListResult{}
	prefixes := make(map[string]bool)
	for _, k := range keys {
		if delimiter != "" {
			rest := strings.TrimPrefix(k, prefix)
			if i := strings.Index(rest, delimiter); i >= 0 {
				prefixes[prefix+rest[:i+1]] = true
				continue
			}
		}
		obj := f.objects[k]
		result.Objects = append(result.Objects, ObjectInfo{
			Key:          k,
			Size:         int64(len(obj.data)),
			ContentType:  obj.contentType,
			LastModified: obj.modified.Unix(),
		})
	}
	for p := range prefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, p)
	}
	sort.Strings(result.CommonPrefixes)
	return result, nil
}

func (f *Fake) UploadDir(ctx context.Context, localDir, prefix string, maxFileSize int64) (int, error) {
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
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		if err := f.Put(ctx, joinKey(prefix, filepath.ToSlash(rel)), data, ""); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	return uploaded, err
}

func (f *Fake) DownloadDir(ctx context.Context, prefix, localDir string, maxFileSize int64) (int, error) {
	objects, err := ListAll(ctx, f, prefix)
	if err != nil {
		return 0, err
	}
	downloaded := 0
	for _, obj := range objects {
		if maxFileSize > 0 && obj.Size > maxFileSize {
			continue
		}
		data, err := f.Get(ctx, obj.Key)
		if err != nil {
			return downloaded, err
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		rel = strings.TrimPrefix(rel, "/")
		local := filepath.Join(localDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return downloaded, err
		}
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return downloaded, err
		}
		downloaded++
	}
	return downloaded, nil
}

// Keys returns all stored keys, sorted. Test helper.
func (f *Fake) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
