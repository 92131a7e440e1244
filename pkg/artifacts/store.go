package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Logger is the minimal structured logger the store needs; *slog.Logger
// satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

const bundleExt = ".bundle"

// Store lays out artifact bundles under a root directory and optionally
// mirrors each saved bundle set to a remote host. Mirroring is best-effort:
// a failed mirror is logged and never fails the save.
type Store struct {
	root   string
	mirror *SFTPMirror
	logger Logger
}

type Option func(*Store)

// WithMirror enables SFTP mirroring after each save.
func WithMirror(m *SFTPMirror) Option {
	return func(s *Store) { s.mirror = m }
}

func WithLogger(l Logger) Option {
	return func(s *Store) { s.logger = l }
}

func NewStore(root string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("artifact root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}

	s := &Store{root: root, logger: nopLogger{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ModelPath returns where the model's primary bundle lives. Ensemble members
// save sidecar bundles next to it sharing the same stem.
func (s *Store) ModelPath(modelID string) string {
	return filepath.Join(s.root, modelID+bundleExt)
}

// Exists reports whether the primary bundle is present on disk.
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// BundleSet returns the primary bundle plus any member sidecars, sorted. The
// primary path is included only if it exists.
func (s *Store) BundleSet(path string) ([]string, error) {
	stem := strings.TrimSuffix(filepath.Base(path), bundleExt)
	pattern := filepath.Join(filepath.Dir(path), stem+"*"+bundleExt)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob bundle set: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Remove deletes the model's bundle set. Missing files are not an error.
func (s *Store) Remove(modelID string) error {
	files, err := s.BundleSet(s.ModelPath(modelID))
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove artifact %s: %w", f, err)
		}
	}
	return nil
}

// Mirror pushes the bundle set for path to the configured remote host. With
// no mirror configured it is a no-op.
func (s *Store) Mirror(ctx context.Context, path string) error {
	if s.mirror == nil {
		return nil
	}

	files, err := s.BundleSet(path)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no bundles found for %s", path)
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.mirror.Push(ctx, f, filepath.Base(f)); err != nil {
			return fmt.Errorf("mirror %s: %w", filepath.Base(f), err)
		}
		s.logger.Info("artifact mirrored", "file", filepath.Base(f), "host", s.mirror.Addr())
	}
	return nil
}
