// Package cleanup keeps the deployment workspace tidy: it removes working copies
// left behind by services that no longer exist and watches free disk space.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/keelhost/control-plane/internal/models"
	"golang.org/x/sys/unix"
)

// Disk usage thresholds, in percent of the workspace filesystem.
const (
	// DiskWarningThreshold is the percentage at which a warning is logged.
	DiskWarningThreshold = 80.0
	// DiskCriticalThreshold is the percentage at which the health probe fails.
	DiskCriticalThreshold = 90.0
)

// ServiceLister lists every known service.
type ServiceLister interface {
	List(ctx context.Context) ([]*models.Service, error)
}

// DiskStats describes the filesystem holding the workspace.
type DiskStats struct {
	Path         string  `json:"path"`
	Total        uint64  `json:"total"`
	Used         uint64  `json:"used"`
	Available    uint64  `json:"available"`
	UsagePercent float64 `json:"usage_percent"`
}

// Janitor sweeps orphaned working copies out of the workspace directory.
type Janitor struct {
	services     ServiceLister
	workspaceDir string
	statfs       func(path string) (*DiskStats, error)
	logger       *slog.Logger
}

// NewJanitor creates a janitor for workspaceDir.
func NewJanitor(services ServiceLister, workspaceDir string, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		services:     services,
		workspaceDir: workspaceDir,
		statfs:       statfs,
		logger:       logger.With("component", "janitor"),
	}
}

// Sweep removes working copies whose service no longer exists. Only directories
// named like service ids are considered; anything else in the workspace is left alone.
// Failures to remove one directory are reported as warnings.
func (j *Janitor) Sweep(ctx context.Context) (*models.CleanupReport, error) {
	services, err := j.services.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}
	known := make(map[string]bool, len(services))
	for _, svc := range services {
		known[svc.ID] = true
	}

	report := &models.CleanupReport{}
	entries, err := os.ReadDir(j.workspaceDir)
	if errors.Is(err, fs.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading workspace: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		path := filepath.Join(j.workspaceDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			report.Warn("removing orphaned working copy %s: %v", e.Name(), err)
			continue
		}
		removed++
		j.logger.Info("removed orphaned working copy", "path", path)
	}

	j.logger.Info("workspace sweep complete", "removed", removed, "warnings", len(report.Warnings))
	return report, nil
}

// DiskUsage reports usage of the filesystem holding the workspace.
func (j *Janitor) DiskUsage() (*DiskStats, error) {
	return j.statfs(j.workspaceDir)
}

// Ping checks workspace disk usage; it logs a warning above DiskWarningThreshold
// and fails above DiskCriticalThreshold.
func (j *Janitor) Ping(ctx context.Context) error {
	stats, err := j.DiskUsage()
	if err != nil {
		return err
	}
	switch {
	case stats.UsagePercent >= DiskCriticalThreshold:
		j.logger.Error("workspace disk usage critical",
			"path", stats.Path,
			"usage_percent", stats.UsagePercent,
			"available_bytes", stats.Available,
		)
		return fmt.Errorf("workspace disk %.1f%% full", stats.UsagePercent)
	case stats.UsagePercent >= DiskWarningThreshold:
		j.logger.Warn("workspace disk usage high",
			"path", stats.Path,
			"usage_percent", stats.UsagePercent,
			"available_bytes", stats.Available,
		)
	}
	return nil
}

func statfs(path string) (*DiskStats, error) {
	// The workspace may not exist before the first deploy; measure its parent.
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	available := st.Bavail * bsize
	used := total - st.Bfree*bsize

	stats := &DiskStats{Path: path, Total: total, Used: used, Available: available}
	if total > 0 {
		stats.UsagePercent = float64(used) / float64(total) * 100
	}
	return stats, nil
}
