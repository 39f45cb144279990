package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/pkg/logger"
)

// Local keeps blobs as files under a root directory.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Store("blob_init", fmt.Errorf("failed to create blob root: %w", err))
	}
	logger.Info("Local blob store initialized", zap.String("root", root))
	return &Local{root: root}, nil
}

func (l *Local) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}

// Put writes through a temp file and rename so readers never see a partial blob.
func (l *Local) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	p, err := l.path(key)
	if err != nil {
		return "", errs.Store("blob_put", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", errs.Store("blob_put", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", errs.Store("blob_put", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errs.Store("blob_put", err)
	}
	if err := tmp.Close(); err != nil {
		return "", errs.Store("blob_put", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", errs.Store("blob_put", err)
	}
	return key, nil
}

func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, errs.Store("blob_get", err)
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.Store("blob_get", fmt.Errorf("%w: blob %s", errs.ErrNotFound, key))
	}
	if err != nil {
		return nil, errs.Store("blob_get", err)
	}
	return data, nil
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	p, err := l.path(key)
	if err != nil {
		return false, errs.Store("blob_exists", err)
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errs.Store("blob_exists", err)
	}
	return true, nil
}

// Delete is a no-op for a missing key.
func (l *Local) Delete(ctx context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return errs.Store("blob_delete", err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.Store("blob_delete", err)
	}
	return nil
}

var _ Store = (*Local)(nil)
