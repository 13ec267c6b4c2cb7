// Package agent – maintenance.go runs the periodic cleanup job: prune
// processed pending rows past retention and drop stale presence entries.
package agent

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mstolyar/doppel/pkg/doppel/presence"
	"github.com/mstolyar/doppel/pkg/doppel/store"
)

// Maintenance owns the cron scheduler for background cleanup.
type Maintenance struct {
	store   *store.Store
	tracker *presence.Tracker
	cfg     MaintenanceConfig
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewMaintenance creates the maintenance job from config.
func NewMaintenance(st *store.Store, tracker *presence.Tracker, cfg MaintenanceConfig, logger *slog.Logger) *Maintenance {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 4 * * *"
	}
	if cfg.PendingRetention <= 0 {
		cfg.PendingRetention = 72 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		store:   st,
		tracker: tracker,
		cfg:     cfg,
		cron:    cron.New(),
		logger:  logger.With("component", "maintenance"),
	}
}

// Start registers and starts the cron job. No-op when disabled.
func (m *Maintenance) Start() error {
	if !m.cfg.Enabled {
		m.logger.Debug("maintenance disabled")
		return nil
	}
	if _, err := m.cron.AddFunc(m.cfg.Schedule, m.runPass); err != nil {
		return err
	}
	m.cron.Start()
	m.logger.Info("maintenance scheduled", "schedule", m.cfg.Schedule)
	return nil
}

// Stop halts the cron scheduler and waits for a running pass.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// runPass executes one cleanup pass.
func (m *Maintenance) runPass() {
	pruned, err := m.store.PruneProcessedPending(m.cfg.PendingRetention)
	if err != nil {
		m.logger.Error("pending prune failed", "error", err)
	}

	stale := m.tracker.Prune(24 * time.Hour)

	m.logger.Info("maintenance pass done",
		"pending_pruned", pruned,
		"presence_pruned", stale,
	)
}
