package checkpoint

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

const fileExt = ".json"

// FileBackend stores each artifact as <dir>/<run>/<key>.json.
type FileBackend struct {
	dir string
}

// NewFileBackend roots a backend at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "checkpoint: create dir %s", dir)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) Open(_ context.Context, run string) (Store, error) {
	if err := validateRun(run); err != nil {
		return nil, err
	}
	root := filepath.Join(b.dir, run)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "checkpoint: create run dir %s", run)
	}
	return &fileStore{root: root}, nil
}

func (b *FileBackend) Runs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: list runs")
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() && runRe.MatchString(e.Name()) {
			runs = append(runs, e.Name())
		}
	}
	sort.Strings(runs)
	return runs, nil
}

func (b *FileBackend) Close() error { return nil }

type fileStore struct {
	root string
}

func (s *fileStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key)+fileExt)
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "checkpoint: read %s", key)
	}
	return data, true, nil
}

// Put writes to a temp file in the same directory and renames it into
// place, so readers never observe a partial artifact.
func (s *fileStore) Put(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	dst := s.path(key)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "checkpoint: create dir for %s", key)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "checkpoint: temp file for %s", key)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(value); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "checkpoint: write %s", key)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "checkpoint: sync %s", key)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "checkpoint: close %s", key)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return eris.Wrapf(err, "checkpoint: rename %s", key)
	}
	return nil
}

func (s *fileStore) Contains(_ context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "checkpoint: stat %s", key)
	}
	return true, nil
}

func (s *fileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileExt) || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), fileExt)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: list keys")
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Close() error { return nil }
