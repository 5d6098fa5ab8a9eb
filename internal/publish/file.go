package publish

import (
	"fmt"
	"os"
	"path/filepath"
)

type fileSink struct {
	path   string
	atomic bool
}

func (s *fileSink) send(payload []byte, _ Record) error {
	if s.atomic {
		return writeFileAtomic(s.path, payload)
	}
	if err := os.WriteFile(s.path, payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

func (s *fileSink) close() error { return nil }

// writeFileAtomic replaces path with data so readers see either the old or
// the new content. The temp file lives in the target directory so the
// rename never crosses filesystems. On Windows os.Rename maps to
// MoveFileEx with MOVEFILE_REPLACE_EXISTING, which replaces the target but
// is not guaranteed atomic.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
