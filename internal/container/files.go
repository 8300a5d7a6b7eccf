package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"Bundler/internal/logger"
	"Bundler/internal/objectstore"
)

const (
	// maxBuilds is how many times a malformed header is rebuilt.
	maxBuilds = 3

	// statAttempts is the per-item size lookup budget.
	statAttempts = 3

	// HeaderMaxAge is how long header files are kept.
	HeaderMaxAge = 24 * time.Hour
)

// Builder writes header files and assembles container streams under a
// working directory with headers/ and txs/ subdirectories.
type Builder struct {
	headers string            // headers holds bundle_header_<id> files
	items   string            // items holds local item bodies named by id
	store   objectstore.Store // store is the durable source of item bodies
}

// NewBuilder creates a Builder rooted at dir.
func NewBuilder(dir string, store objectstore.Store) (*Builder, error) {
	b := &Builder{
		headers: filepath.Join(dir, "headers"),
		items:   filepath.Join(dir, "txs"),
		store:   store,
	}

	for _, d := range []string{b.headers, b.items} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s:\n%w", d, err)
		}
	}

	return b, nil
}

// Size implements Sizer over object storage, retrying transient failures.
func (b *Builder) Size(ctx context.Context, id string) (uint64, error) {
	info, err := objectstore.StatRetry(ctx, b.store, id, statAttempts)
	if errors.Is(err, objectstore.ErrNotFound) {
		return 0, fmt.Errorf("%s: %w", id, ErrItemNotFound)
	}
	if err != nil {
		return 0, err
	}

	return uint64(info.Size), nil
}

// HeaderPath is the header file of a bundle.
func (b *Builder) HeaderPath(bundleID uint64) string {
	return filepath.Join(b.headers, "bundle_header_"+strconv.FormatUint(bundleID, 10))
}

// BuildHeaderFile writes the header of a bundle unless it already exists,
// then re-reads every entry against ids. A disagreeing file is deleted and
// rebuilt, up to maxBuilds times.
func (b *Builder) BuildHeaderFile(ctx context.Context, bundleID uint64, ids []string) (string, error) {
	path := b.HeaderPath(bundleID)

	var lastErr error

	for build := 1; build <= maxBuilds; build++ {
		if err := b.writeHeaderIfAbsent(ctx, path, ids); err != nil {
			return "", err
		}

		err := verifyHeaderFile(path, ids)
		if err == nil {
			return path, nil
		}

		lastErr = err
		logger.Warn("header file malformed", "bundle", bundleID, "build", build, "error", err)

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("remove malformed header:\n%w", err)
		}
	}

	return "", fmt.Errorf("build header for bundle %d:\n%w", bundleID, lastErr)
}

// writeHeaderIfAbsent encodes and atomically writes a header file.
func (b *Builder) writeHeaderIfAbsent(ctx context.Context, path string, ids []string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	header, err := Encode(ctx, ids, b)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, header, 0o644); err != nil {
		return fmt.Errorf("write header:\n%w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install header:\n%w", err)
	}

	return nil
}

// verifyHeaderFile checks the file lists exactly ids, in order.
func verifyHeaderFile(path string, ids []string) error {
	header, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read header:\n%w", err)
	}

	got, err := Decode(header)
	if err != nil {
		return err
	}

	if len(got) != len(ids) {
		return fmt.Errorf("%w: %d entries, want %d", ErrMalformed, len(got), len(ids))
	}

	for i := range ids {
		if got[i] != ids[i] {
			return fmt.Errorf("%w: entry %d is %s, want %s", ErrMalformed, i, got[i], ids[i])
		}
	}

	return nil
}

// Open returns the container stream: the header file followed by every item
// body in order. Bodies missing locally are downloaded first; a body absent
// everywhere yields a *MissingItemError.
func (b *Builder) Open(ctx context.Context, headerPath string, ids []string) (io.ReadCloser, error) {
	for _, id := range ids {
		if err := b.fetch(ctx, id); err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(ids)+1)
	paths = append(paths, headerPath)
	for _, id := range ids {
		paths = append(paths, b.itemPath(id))
	}

	return &fileSequence{paths: paths}, nil
}

// ReadContainer returns the whole container in memory.
func (b *Builder) ReadContainer(ctx context.Context, headerPath string, ids []string) ([]byte, error) {
	rc, err := b.Open(ctx, headerPath, ids)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("read container:\n%w", err)
	}

	return buf.Bytes(), nil
}

// fetch downloads an item body unless it is already local.
func (b *Builder) fetch(ctx context.Context, id string) error {
	path := b.itemPath(id)

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	body, err := b.store.Get(ctx, id, 0, -1)
	if err != nil {
		return &MissingItemError{ID: id, Err: err}
	}
	defer body.Close()

	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s:\n%w", tmp, err)
	}

	_, err = io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return &MissingItemError{ID: id, Err: err}
	}

	return os.Rename(tmp, path)
}

// Cleanup removes local item bodies. Missing files are ignored.
func (b *Builder) Cleanup(ids []string) error {
	var errs []error

	for _, id := range ids {
		if err := os.Remove(b.itemPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// SweepHeaders removes header files older than maxAge and returns how many
// were removed.
func (b *Builder) SweepHeaders(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(b.headers)
	if err != nil {
		return 0, fmt.Errorf("list headers:\n%w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, e := range entries {
		info, err := e.Info()
		if err != nil || e.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(b.headers, e.Name())); err != nil {
			logger.Warn("remove header failed", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}

	return removed, nil
}

// itemPath is the local body file of an item.
func (b *Builder) itemPath(id string) string {
	return filepath.Join(b.items, filepath.Base(id))
}

// fileSequence reads files one after another, opening each lazily.
type fileSequence struct {
	paths []string
	cur   *os.File
}

func (s *fileSequence) Read(p []byte) (int, error) {
	for {
		if s.cur == nil {
			if len(s.paths) == 0 {
				return 0, io.EOF
			}

			f, err := os.Open(s.paths[0])
			if err != nil {
				return 0, err
			}
			s.cur = f
			s.paths = s.paths[1:]
		}

		n, err := s.cur.Read(p)
		if errors.Is(err, io.EOF) {
			s.cur.Close()
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}

		return n, err
	}
}

func (s *fileSequence) Close() error {
	if s.cur != nil {
		err := s.cur.Close()
		s.cur = nil
		return err
	}
	return nil
}
