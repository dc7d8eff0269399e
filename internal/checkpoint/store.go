// Package checkpoint persists per-run pipeline artifacts so an interrupted
// run can resume without repeating collection or paid AI calls.
package checkpoint

import (
	"context"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrCorrupt marks an artifact that exists but cannot be decoded.
	// Resume is refused rather than silently redoing work.
	ErrCorrupt = eris.New("checkpoint: corrupt artifact")
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = eris.New("checkpoint: not found")
	// ErrInvalidKey rejects keys that could escape the run namespace.
	ErrInvalidKey = eris.New("checkpoint: invalid key")
)

// Store is a key-value view of one run's artifacts.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Contains(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Backend opens per-run stores.
type Backend interface {
	Open(ctx context.Context, run string) (Store, error)
	// Runs lists run names, oldest first.
	Runs(ctx context.Context) ([]string, error)
	Close() error
}

var (
	keyRe = regexp.MustCompile(`^[A-Za-z0-9_\-]+(/[A-Za-z0-9_\-.]+)*$`)
	runRe = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
)

func validateKey(key string) error {
	if !keyRe.MatchString(key) || strings.Contains(key, "..") {
		return eris.Wrapf(ErrInvalidKey, "%q", key)
	}
	return nil
}

func validateRun(run string) error {
	if !runRe.MatchString(run) {
		return eris.Wrapf(ErrInvalidKey, "run %q", run)
	}
	return nil
}
