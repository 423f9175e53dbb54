package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/inkwell/draft-sync/conflict"
	"github.com/inkwell/draft-sync/queue"
	"github.com/inkwell/draft-sync/replicate"
)

// fileStore keeps one JSON file per record under dir/<table>/<id>.json.
type fileStore struct {
	dir string
}

type fileRecord struct {
	ClientRevision int64     `json:"client_revision"`
	UpdatedAt      time.Time `json:"updated_at"`
	Payload        []byte    `json:"payload"`
}

func newFileStore(dir string) *fileStore {
	return &fileStore{dir: dir}
}

// path maps a record to its file. Ids are escaped so every id gets its own
// file directly inside the table directory.
func (f *fileStore) path(table queue.Table, id string) (string, error) {
	if !table.Valid() {
		return "", fmt.Errorf("%w: unknown table %q", queue.ErrInvalidItem, table)
	}
	if id == "" {
		return "", fmt.Errorf("%w: id is required", queue.ErrInvalidItem)
	}
	return filepath.Join(f.dir, string(table), url.PathEscape(id)+".json"), nil
}

func (f *fileStore) Get(ctx context.Context, table queue.Table, id string) (conflict.Record, bool, error) {
	path, err := f.path(table, id)
	if err != nil {
		return conflict.Record{}, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return conflict.Record{}, false, nil
	}
	if err != nil {
		return conflict.Record{}, false, err
	}
	var r fileRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return conflict.Record{}, false, fmt.Errorf("failed to decode %v/%v: %w", table, id, err)
	}
	return conflict.Record{ClientRevision: r.ClientRevision, UpdatedAt: r.UpdatedAt, Payload: r.Payload}, true, nil
}

func (f *fileStore) Apply(ctx context.Context, record replicate.RemoteRecord) error {
	path, err := f.path(record.Table, record.ID)
	if err != nil {
		return err
	}
	if record.Deleted {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	data, err := json.MarshalIndent(fileRecord{
		ClientRevision: record.ClientRevision,
		UpdatedAt:      record.UpdatedAt,
		Payload:        record.Payload,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
