package health_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/emerick42/kairoi/internal/health"
	"github.com/prometheus/client_golang/prometheus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestLivenessAlwaysUp(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := health.NewChecker(t.TempDir(), discardLogger(), reg)

	result := c.Liveness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	if result.Checks != nil {
		t.Fatalf("expected no checks, got %v", result.Checks)
	}
}

func TestReadinessUpWhenDirWritable(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := health.NewChecker(t.TempDir(), discardLogger(), reg)

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	check, ok := result.Checks["wal_directory"]
	if !ok || check.Status != "up" {
		t.Fatalf("expected wal_directory up, got %+v", check)
	}

	gauge := testGauge(t, reg, "kairoi_health_check_up", "wal_directory")
	if gauge != 1 {
		t.Fatalf("expected gauge 1, got %f", gauge)
	}
}

func TestReadinessDownWhenDirUnwritable(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(dir, 0o700)

	reg := prometheus.NewRegistry()
	c := health.NewChecker(dir, discardLogger(), reg)

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
	check := result.Checks["wal_directory"]
	if check.Status != "down" || check.Error == "" {
		t.Fatalf("expected wal_directory down with an error, got %+v", check)
	}

	gauge := testGauge(t, reg, "kairoi_health_check_up", "wal_directory")
	if gauge != 0 {
		t.Fatalf("expected gauge 0, got %f", gauge)
	}
}

func testGauge(t *testing.T, reg *prometheus.Registry, name, depLabel string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "dependency" && lp.GetValue() == depLabel {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{dependency=%q} not found", name, depLabel)
	return 0
}
