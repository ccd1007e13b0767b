package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalStorage persists files to the local filesystem.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a LocalStorage instance. The directory is created if
// it does not exist.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		baseDir = "datas/assets"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// LocalBaseDir returns the root directory used for storing files.
func (s *LocalStorage) LocalBaseDir() string {
	return s.baseDir
}

func (s *LocalStorage) Mode() string {
	return TypeLocal
}

// Save writes the provided bytes to disk and returns a relative path that can
// later be used to build a public URL.
func (s *LocalStorage) Save(ctx context.Context, data []byte, opts SaveOptions) (StoredAsset, error) {
	if len(data) == 0 {
		return StoredAsset{}, errors.New("empty payload")
	}
	select {
	case <-ctx.Done():
		return StoredAsset{}, ctx.Err()
	default:
	}

	relativePath := buildObjectPath(opts.Category, opts.BaseName, opts.Extension)

	absPath := filepath.Join(s.baseDir, filepath.FromSlash(relativePath))
	if opts.SkipIfExists {
		if _, err := os.Stat(absPath); err == nil {
			return s.asset(relativePath, opts, int64(len(data))), nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return StoredAsset{}, fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(absPath, data, 0o644); err != nil {
		return StoredAsset{}, fmt.Errorf("write file: %w", err)
	}

	return s.asset(relativePath, opts, int64(len(data))), nil
}

// Load reads a previously saved file back. The ref must stay inside baseDir.
func (s *LocalStorage) Load(ctx context.Context, ref string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	clean := path.Clean(strings.TrimLeft(ref, "/"))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("invalid asset ref: %s", ref)
	}

	data, err := os.ReadFile(filepath.Join(s.baseDir, filepath.FromSlash(clean)))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// Delete removes a previously saved file. Missing files are not an error.
func (s *LocalStorage) Delete(ctx context.Context, ref string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	clean := path.Clean(strings.TrimLeft(ref, "/"))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("invalid asset ref: %s", ref)
	}

	if err := os.Remove(filepath.Join(s.baseDir, filepath.FromSlash(clean))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *LocalStorage) asset(ref string, opts SaveOptions, size int64) StoredAsset {
	return StoredAsset{
		Ref:         ref,
		Mode:        TypeLocal,
		ContentType: resolveContentType(opts),
		SizeBytes:   size,
	}
}

var _ Storage = (*LocalStorage)(nil)
var _ LocalBaseDirProvider = (*LocalStorage)(nil)
