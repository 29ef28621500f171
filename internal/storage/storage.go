// Package storage implements the storage façade required by spec §6:
// activation, preprocessing and best-effort cleanup, kept
// deliberately narrow since the actual transfer mechanism (chirp/parrot,
// object store, etc.) is an out-of-scope external collaborator.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Facade is the narrow interface the core needs from a storage backend.
type Facade interface {
	Activate(ctx context.Context) error
	Preprocess(ctx context.Context, passThrough bool) error
	Remove(ctx context.Context, paths ...string) error
}

// Local is a Facade backed directly by the local filesystem, suitable for
// single-node deployments and tests; remote backends (chirp, xrootd,
// object storage) implement the same interface out of process.
type Local struct {
	logger *slog.Logger
}

func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{logger: logger}
}

func (l *Local) Activate(ctx context.Context) error { return nil }

func (l *Local) Preprocess(ctx context.Context, passThrough bool) error { return nil }

// Remove deletes the given paths, tolerating best-effort failure: errors
// are logged, not returned, per spec §7 "Filesystem error on moves/cleanup
// — logged, not fatal".
func (l *Local) Remove(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			l.logger.Warn("cleanup failed", "path", p, "error", err)
		}
	}
	return nil
}

var _ Facade = (*Local)(nil)

// ErrNotActivated is the error for an operation attempted before Activate.
// Local needs no activation and never returns it.
var ErrNotActivated = fmt.Errorf("storage facade not activated")
