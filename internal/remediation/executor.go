// Package remediation hands a failed installation to an agent: it builds the
// repair prompt, runs the configured agent command, and records a transcript
// of every attempt.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"foreman/internal/logging"
)

const defaultTimeout = 1800 * time.Second

// AgentRunner executes one remediation prompt and returns the agent's output.
type AgentRunner interface {
	Run(ctx context.Context, prompt string) (string, error)
}

// CommandRunner shells out to an agent CLI in non-interactive mode.
type CommandRunner struct {
	Command string
	Dir     string
}

// Run invokes the agent with the prompt on its command line.
func (r CommandRunner) Run(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(r.Command) == "" {
		return "", errors.New("agent command not configured")
	}
	cmd := exec.CommandContext(ctx, r.Command, "-p", prompt)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("run agent %s: %w", r.Command, err)
	}
	return string(out), nil
}

// Executor runs remediation attempts and logs their transcripts.
type Executor struct {
	runner  AgentRunner
	logDir  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor constructs an executor. A zero timeout uses the default.
func NewExecutor(runner AgentRunner, logDir string, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{runner: runner, logDir: logDir, timeout: timeout, logger: logger}
}

// Execute builds the prompt, runs the agent under the remediation timeout,
// and writes a transcript. The transcript path is returned even when the
// attempt failed, so the failure itself is inspectable.
func (e *Executor) Execute(ctx context.Context, instructions string, rc Context) (string, error) {
	runID := uuid.NewString()
	prompt := BuildPrompt(instructions, rc)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.logger.Info("remediation attempt started",
		logging.String("run_id", runID),
		logging.String("cause", string(rc.Failure.Cause)))

	output, runErr := e.runner.Run(runCtx, prompt)

	logPath, writeErr := e.writeTranscript(prompt, output, runErr)
	if writeErr != nil {
		e.logger.Warn("failed to write remediation transcript",
			logging.String("run_id", runID), logging.Error(writeErr))
	}

	if runErr != nil {
		e.logger.Error("remediation attempt failed",
			logging.String("run_id", runID), logging.Error(runErr))
		return logPath, fmt.Errorf("remediation attempt: %w", runErr)
	}
	e.logger.Info("remediation attempt finished",
		logging.String("run_id", runID), logging.String("transcript", logPath))
	return logPath, nil
}

func (e *Executor) writeTranscript(prompt, output string, runErr error) (string, error) {
	if e.logDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(e.logDir, 0o755); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(e.logDir, fmt.Sprintf("remediation_%d.txt", time.Now().Unix()))

	var b strings.Builder
	b.WriteString("=== prompt ===\n")
	b.WriteString(prompt)
	b.WriteString("\n=== output ===\n")
	b.WriteString(output)
	if runErr != nil {
		b.WriteString("\n=== error ===\n")
		b.WriteString(runErr.Error())
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write transcript %s: %w", path, err)
	}
	return path, nil
}
