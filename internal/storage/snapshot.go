package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/rs/zerolog"

	"github.com/shardtask/shardtask/pkg/types"
)

// Snapshotter exports retiring archive partitions as snappy-compressed
// JSONL objects. One object per partition, written in full before the
// partition is dropped.
type Snapshotter struct {
	store      ObjectStorage
	scratchDir string
	log        zerolog.Logger
}

// NewSnapshotter creates a snapshotter writing through scratchDir.
func NewSnapshotter(store ObjectStorage, scratchDir string, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		store:      store,
		scratchDir: scratchDir,
		log:        logger.With().Str("component", "snapshotter").Logger(),
	}
}

// ObjectPath returns the object key a partition snapshot is stored under.
func ObjectPath(partitionName string) string {
	return "snapshots/" + partitionName + ".jsonl.sz"
}

// PartitionNameFromObject returns the partition a snapshot object belongs
// to, the inverse of ObjectPath.
func PartitionNameFromObject(objectPath string) string {
	return strings.TrimSuffix(path.Base(objectPath), ".jsonl.sz")
}

// Export writes the partition's rows as one snappy-compressed JSONL object
// and returns the object path. The local scratch file is removed after a
// successful upload.
func (s *Snapshotter) Export(ctx context.Context, partitionName string, items []*types.Item) (string, error) {
	if err := os.MkdirAll(s.scratchDir, 0755); err != nil {
		return "", fmt.Errorf("storage: create scratch dir: %w", err)
	}

	localPath := filepath.Join(s.scratchDir, partitionName+".jsonl.sz")
	if err := writeSnapshotFile(localPath, items); err != nil {
		return "", err
	}

	objectPath := ObjectPath(partitionName)
	start := time.Now()
	etag, err := s.store.UploadMultipart(ctx, localPath, objectPath)
	if err != nil {
		return "", fmt.Errorf("storage: upload snapshot %s: %w", partitionName, err)
	}
	os.Remove(localPath)

	s.log.Info().
		Str("partition", partitionName).
		Str("object", objectPath).
		Str("etag", etag).
		Int("rows", len(items)).
		Dur("took", time.Since(start)).
		Msg("partition snapshot exported")
	return objectPath, nil
}

// Read downloads and decodes one partition snapshot.
func (s *Snapshotter) Read(ctx context.Context, objectPath string) ([]*types.Item, error) {
	if err := os.MkdirAll(s.scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create scratch dir: %w", err)
	}

	localPath := filepath.Join(s.scratchDir, filepath.Base(objectPath))
	if err := s.store.Download(ctx, objectPath, localPath); err != nil {
		return nil, err
	}
	defer os.Remove(localPath)

	return readSnapshotFile(localPath)
}

// List returns the object paths of every stored partition snapshot.
func (s *Snapshotter) List(ctx context.Context) ([]string, error) {
	return s.store.ListObjects(ctx, "snapshots/")
}

// ReadMany downloads several snapshots in parallel and decodes each one.
// Failures are reported per object; one bad snapshot does not abort the
// rest.
func (s *Snapshotter) ReadMany(ctx context.Context, objectPaths []string) (map[string][]*types.Item, map[string]error, error) {
	if err := os.MkdirAll(s.scratchDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("storage: create scratch dir: %w", err)
	}

	dl := NewBatchDownloader(s.store, 4, s.scratchDir)
	fetched, err := dl.Fetch(ctx, objectPaths)
	if err != nil {
		return nil, nil, err
	}

	loaded := make(map[string][]*types.Item, len(fetched.LocalPaths))
	errs := fetched.Errors
	for object, local := range fetched.LocalPaths {
		items, err := readSnapshotFile(local)
		os.Remove(local)
		if err != nil {
			errs[object] = err
			continue
		}
		loaded[object] = items
	}
	return loaded, errs, nil
}

func writeSnapshotFile(path string, items []*types.Item) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("storage: create snapshot file: %w", err)
	}
	defer f.Close()

	sw := snappy.NewBufferedWriter(f)
	enc := json.NewEncoder(sw)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return fmt.Errorf("storage: encode snapshot row: %w", err)
		}
	}
	if err := sw.Close(); err != nil {
		return fmt.Errorf("storage: flush snapshot: %w", err)
	}
	return f.Sync()
}

func readSnapshotFile(path string) ([]*types.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open snapshot file: %w", err)
	}
	defer f.Close()

	var items []*types.Item
	scanner := bufio.NewScanner(snappy.NewReader(f))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		var it types.Item
		if err := json.Unmarshal(scanner.Bytes(), &it); err != nil {
			return nil, fmt.Errorf("storage: decode snapshot row: %w", err)
		}
		items = append(items, &it)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("storage: read snapshot: %w", err)
	}
	return items, nil
}
