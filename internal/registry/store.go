package registry

import (
	"log/slog"
	"sync/atomic"

	"github.com/relaymux/relaymux/internal/config"
)

// Registry publishes catalog snapshots. Readers call Snapshot and work
// against one consistent view for the whole request.
type Registry struct {
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger
}

// New builds a registry from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	snap, err := BuildSnapshot(cfg.ModelList, cfg.Router.Aliases)
	if err != nil {
		return nil, err
	}
	r := &Registry{logger: logger}
	r.current.Store(snap)
	return r, nil
}

// Snapshot returns the current catalog view.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Reload rebuilds the snapshot from new configuration and swaps it in.
// On build failure the previous snapshot stays active.
func (r *Registry) Reload(cfg *config.Config) {
	snap, err := BuildSnapshot(cfg.ModelList, cfg.Router.Aliases)
	if err != nil {
		r.logger.Error("registry reload failed, keeping current snapshot", "error", err)
		return
	}
	r.current.Store(snap)
	r.logger.Info("registry snapshot swapped", "groups", len(snap.groups))
}
