package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"Bundler/internal/codec"
)

// metaSuffix names the sidecar file holding an object's metadata.
const metaSuffix = ".meta"

// Local is a Store on the local filesystem, used for development and tests.
type Local struct {
	dir string // dir holds one file per object
}

// NewLocal creates a Local store rooted at dir.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir:\n%w", err)
	}

	return &Local{dir: dir}, nil
}

// Put writes an object and its metadata.
func (l *Local) Put(_ context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s:\n%w", key, err)
	}

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s:\n%w", key, err)
	}

	if size >= 0 && n != size {
		os.Remove(tmp)
		return fmt.Errorf("write %s: got %d bytes, want %d", key, n, size)
	}

	if len(metadata) > 0 {
		meta, err := codec.Marshal(metadata)
		if err != nil {
			os.Remove(tmp)
			return fmt.Errorf("encode metadata:\n%w", err)
		}
		if err := os.WriteFile(path+metaSuffix, meta, 0o644); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("write metadata:\n%w", err)
		}
	}

	return os.Rename(tmp, path)
}

// Stat returns an object's size and metadata.
func (l *Local) Stat(_ context.Context, key string) (Info, error) {
	path, err := l.path(key)
	if err != nil {
		return Info{}, err
	}

	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Info{}, err
	}

	info := Info{Size: st.Size()}

	meta, err := os.ReadFile(path + metaSuffix)
	if err == nil {
		if err := codec.Unmarshal(meta, &info.Metadata); err != nil {
			return Info{}, fmt.Errorf("decode metadata:\n%w", err)
		}
	}

	return info, nil
}

// Get returns the bytes in [start, end] of an object.
func (l *Local) Get(_ context.Context, key string, start, end int64) (io.ReadCloser, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}

	if end < 0 {
		return f, nil
	}

	return &limitedFile{Reader: io.LimitReader(f, end-start+1), f: f}, nil
}

// path maps a key to a file, rejecting keys that escape the store.
func (l *Local) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid object key %q", key)
	}

	return filepath.Join(l.dir, key), nil
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (lf *limitedFile) Close() error {
	return lf.f.Close()
}
