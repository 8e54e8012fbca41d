// Package health exposes liveness/readiness probes: readiness verifies
// the WAL directory is still writable.
package health

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckResult represents the health of a single dependency.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResult is the top-level health response.
type HealthResult struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker verifies that Kairoi's durable storage directory is reachable.
type Checker struct {
	dir    string
	logger *slog.Logger
	gauge  *prometheus.GaugeVec
}

// NewChecker creates a health checker rooted at the WAL directory and
// registers its Prometheus gauge.
func NewChecker(dir string, logger *slog.Logger, reg prometheus.Registerer) *Checker {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kairoi",
		Name:      "health_check_up",
		Help:      "Whether a dependency is reachable. 1 = up, 0 = down.",
	}, []string{"dependency"})
	reg.MustRegister(gauge)

	return &Checker{
		dir:    dir,
		logger: logger.With("component", "health"),
		gauge:  gauge,
	}
}

// Liveness returns a simple "up" response if the process is running.
func (c *Checker) Liveness(_ context.Context) HealthResult {
	return HealthResult{Status: "up"}
}

// Readiness probes the WAL directory for writability by creating and
// removing a throwaway probe file.
func (c *Checker) Readiness(_ context.Context) HealthResult {
	result := HealthResult{
		Status: "up",
		Checks: make(map[string]CheckResult),
	}

	if err := c.probeWalDir(); err != nil {
		c.logger.Warn("wal directory health check failed", "error", err)
		result.Status = "down"
		result.Checks["wal_directory"] = CheckResult{Status: "down", Error: err.Error()}
		c.gauge.WithLabelValues("wal_directory").Set(0)
	} else {
		result.Checks["wal_directory"] = CheckResult{Status: "up"}
		c.gauge.WithLabelValues("wal_directory").Set(1)
	}

	return result
}

func (c *Checker) probeWalDir() error {
	name := filepath.Join(c.dir, probeFilename())
	if err := os.WriteFile(name, []byte("ok"), 0o600); err != nil {
		return err
	}
	return os.Remove(name)
}

// probeFilename returns a unique probe-file name so concurrent readiness
// checks (unlikely, but not precluded) cannot collide.
func probeFilename() string {
	return ".health_probe_" + time.Now().UTC().Format("20060102T150405.000000000Z")
}
