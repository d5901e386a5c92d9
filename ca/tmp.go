package ca

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alxark/scmt/storage"
)

// tmpBucketWindow is the scratch-space rotation granularity: staged
// files live in a time-bucketed root swept on rotation, so crash-left
// scratch files don't accumulate indefinitely.
const tmpBucketWindow = 30 * time.Second

// tmpRoot manages a directory of short-lived scratch files for callers
// that need real filesystem paths (the key and fullchain the API
// server's TLS bootstrap stages). Every call that crosses into a new 30s bucket
// sweeps the previous one before handing out a new path.
type tmpRoot struct {
	base string

	mu         sync.Mutex
	bucket     int64
	bucketPath string
}

func newTmpRoot(base string) *tmpRoot {
	if base == "" {
		base = filepath.Join(os.TempDir(), "scmt")
	}
	return &tmpRoot{base: base}
}

// currentBucketLocked returns the active bucket directory, rotating (and
// sweeping the previous one) if the 30s window has elapsed. Caller must
// hold mu.
func (t *tmpRoot) currentBucketLocked() (string, error) {
	now := time.Now().Unix() / int64(tmpBucketWindow/time.Second)
	if now == t.bucket && t.bucketPath != "" {
		return t.bucketPath, nil
	}

	prev := t.bucketPath
	path := filepath.Join(t.base, fmt.Sprintf("b%d", now))
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("creating tmp bucket: %w", err)
	}

	t.bucket = now
	t.bucketPath = path

	if prev != "" && prev != path {
		os.RemoveAll(prev)
	}
	return path, nil
}

// stage writes data to a new file under the current bucket and returns
// its path.
func (t *tmpRoot) stage(data []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, err := t.currentBucketLocked()
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(bucket, "scmt-*")
	if err != nil {
		return "", fmt.Errorf("staging tmp file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("writing tmp file: %w", err)
	}
	return f.Name(), nil
}

// dir returns a fresh scratch subdirectory under the current bucket,
// named with the given hint.
func (t *tmpRoot) dir(hint string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, err := t.currentBucketLocked()
	if err != nil {
		return "", err
	}

	path, err := os.MkdirTemp(bucket, hint+"-*")
	if err != nil {
		return "", fmt.Errorf("creating tmp dir: %w", err)
	}
	return path, nil
}

// copyToStorage reads tmpPath off disk and writes it into store at path.
func (t *tmpRoot) copyToStorage(ctx context.Context, store storage.KV, tmpPath, path string, deleteAfter bool) error {
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return fmt.Errorf("reading tmp file %s: %w", tmpPath, err)
	}
	if err := store.Write(ctx, path, data); err != nil {
		return err
	}
	if deleteAfter {
		os.Remove(tmpPath)
	}
	return nil
}
