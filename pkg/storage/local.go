package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/stratoform/cartograph/pkg/model"
)

// LocalStore implements BlobStore for local filesystem.
type LocalStore struct {
	Root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{Root: root}
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	path := filepath.Join(s.Root, key)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return model.WrapError(model.KindPermanent, "blob-mkdir", err, "failed to create directory for %s", key)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return model.WrapError(model.KindPermanent, "blob-write", err, "failed to write %s", key)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	path := filepath.Join(s.Root, key)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, model.NewError(model.KindNotFound, "blob-missing", "no blob at %s", key)
	}
	if err != nil {
		return nil, model.WrapError(model.KindPermanent, "blob-read", err, "failed to read %s", key)
	}
	return data, nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	root := filepath.Join(s.Root, prefix)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(s.Root, path)
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, model.WrapError(model.KindPermanent, "blob-list", err, "failed to list %s", prefix)
	}
	return keys, nil
}

// Delete removes a blob. Deleting an absent key is a no-op so retention
// sweeps are idempotent.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(filepath.Join(s.Root, key))
	if err != nil && !os.IsNotExist(err) {
		return model.WrapError(model.KindPermanent, "blob-delete", err, "failed to delete %s", key)
	}
	return nil
}
