// Package shell implements the shell runner backend: it invokes a
// job's command through the system shell.
package shell

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/emerick42/kairoi/internal/domain"
)

// Backend runs a job's command via /bin/sh -c.
type Backend struct {
	logger *slog.Logger
}

// New builds a shell Backend.
func New(logger *slog.Logger) *Backend {
	return &Backend{logger: logger.With("component", "runner.shell")}
}

// Run executes runner.Command through the shell, passing jobIdentifier
// as $1 so the script can identify which job triggered it. Returns an
// error if the command exits non-zero or cannot be started.
func (b *Backend) Run(ctx context.Context, jobIdentifier string, runner domain.Runner) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", runner.Command, "sh", jobIdentifier)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell command failed: %w (output: %s)", err, output)
	}
	b.logger.Debug("shell command completed", "command", runner.Command, "job_identifier", jobIdentifier)
	return nil
}
