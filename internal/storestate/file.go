package storestate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knirvcorp/meshgraph/internal/model"
	"github.com/knirvcorp/meshgraph/internal/value"
)

// FileStore persists each path's VersionedValue as its own JSON file under
// baseDir, mirroring the path's segments as a directory tree. Durability
// comes from os.WriteFile returning only after the data has reached the
// filesystem's buffer cache.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates (if needed) baseDir and returns a FileStore rooted
// at it.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("storestate: create base dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (fs *FileStore) docPath(path model.Path) string {
	segments := append([]string{fs.baseDir}, []string(path)...)
	return filepath.Join(segments...) + ".json"
}

type fileRecord struct {
	Value     json.RawMessage   `json:"value"`
	Origin    string            `json:"origin"`
	Clock     map[string]uint64 `json:"clock"`
	Timestamp int64             `json:"timestamp"`
}

func (fs *FileStore) Get(_ context.Context, path model.Path) (model.VersionedValue, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.docPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return model.VersionedValue{}, false, nil
		}
		return model.VersionedValue{}, false, fmt.Errorf("storestate: read %s: %w", path, err)
	}

	vv, err := decodeRecord(data)
	if err != nil {
		return model.VersionedValue{}, false, err
	}
	return vv, true, nil
}

func (fs *FileStore) Put(_ context.Context, path model.Path, value model.VersionedValue) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	docPath := fs.docPath(path)
	if err := os.MkdirAll(filepath.Dir(docPath), 0o755); err != nil {
		return fmt.Errorf("storestate: create dir for %s: %w", path, err)
	}

	data, err := encodeRecord(value)
	if err != nil {
		return err
	}
	if err := os.WriteFile(docPath, data, 0o644); err != nil {
		return fmt.Errorf("storestate: write %s: %w", path, err)
	}
	return nil
}

func (fs *FileStore) Del(_ context.Context, path model.Path) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.docPath(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storestate: delete %s: %w", path, err)
	}
	return nil
}

func (fs *FileStore) Scan(_ context.Context, prefix model.Path) ([]Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []Entry
	err := filepath.Walk(fs.baseDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(p, ".json") {
			return nil
		}

		rel, err := filepath.Rel(fs.baseDir, p)
		if err != nil {
			return err
		}
		rel = strings.TrimSuffix(rel, ".json")
		segments := strings.Split(filepath.ToSlash(rel), "/")

		candidate := model.Path(segments)
		if len(prefix) != 0 && !prefix.Equal(candidate) && !prefix.IsAncestorOf(candidate) {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("storestate: read %s: %w", p, err)
		}
		vv, err := decodeRecord(data)
		if err != nil {
			return err
		}
		out = append(out, Entry{Path: candidate, Value: vv})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (fs *FileStore) Close() error { return nil }

func encodeRecord(vv model.VersionedValue) ([]byte, error) {
	valueJSON, err := vv.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("storestate: marshal value: %w", err)
	}
	rec := fileRecord{
		Value:     valueJSON,
		Origin:    string(vv.Origin),
		Clock:     map[string]uint64(vv.Clock),
		Timestamp: vv.Timestamp,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("storestate: marshal record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (model.VersionedValue, error) {
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.VersionedValue{}, fmt.Errorf("storestate: unmarshal record: %w", err)
	}
	var v value.Value
	if err := v.UnmarshalJSON(rec.Value); err != nil {
		return model.VersionedValue{}, fmt.Errorf("storestate: unmarshal value: %w", err)
	}
	return model.VersionedValue{
		Value:     v,
		Origin:    model.NodeID(rec.Origin),
		Clock:     rec.Clock,
		Timestamp: rec.Timestamp,
	}, nil
}
