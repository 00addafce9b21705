package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDownloader fetches many snapshot objects in parallel. The snapshot
// restore path (Snapshotter.ReadMany) uses it to pull a whole retention
// period's snapshots at once.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
	cacheDir    string
}

// FetchResult contains the outcome of a batch fetch.
type FetchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// NewBatchDownloader creates a batch downloader. cacheDir, when set, lets
// repeated fetches of the same snapshot skip the download.
func NewBatchDownloader(storage ObjectStorage, concurrency int, cacheDir string) *BatchDownloader {
	return &BatchDownloader{
		storage:     storage,
		concurrency: concurrency,
		cacheDir:    cacheDir,
	}
}

// Fetch downloads the given snapshot objects in parallel. Failures are
// reported per object; one bad snapshot does not abort the rest.
func (b *BatchDownloader) Fetch(ctx context.Context, objectPaths []string) (*FetchResult, error) {
	result := &FetchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(objectPaths) == 0 {
		return result, nil
	}

	var queue []string
	for _, path := range objectPaths {
		local := b.localPath(path)
		if b.cacheDir != "" {
			if _, err := os.Stat(local); err == nil {
				result.LocalPaths[path] = local
				result.CacheHits++
				continue
			}
		}
		queue = append(queue, path)
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, path := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[path] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(objectPath, local string) {
			defer sem.Release(1)
			defer wg.Done()

			if err := b.storage.Download(ctx, objectPath, local); err != nil {
				mu.Lock()
				result.Errors[objectPath] = err
				mu.Unlock()
				return
			}

			mu.Lock()
			result.LocalPaths[objectPath] = local
			result.Downloads++
			mu.Unlock()
		}(path, b.localPath(path))
	}

	wg.Wait()
	return result, nil
}

// localPath maps an object path to a flat local filename, dropping any
// directory components to keep downloads inside the cache dir.
func (b *BatchDownloader) localPath(objectPath string) string {
	name := filepath.Base(filepath.FromSlash(objectPath))
	if b.cacheDir == "" {
		return name
	}
	return filepath.Join(b.cacheDir, name)
}
