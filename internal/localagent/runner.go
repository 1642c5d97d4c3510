// Package localagent runs a local command-line coding agent as a single
// blocking subprocess call and returns its standard output.
package localagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/switchboard/internal/config"
)

// PromptPlaceholder is replaced in each argument with the formatted prompt.
const PromptPlaceholder = "{prompt}"

const (
	defaultTimeout        = 5 * time.Minute
	defaultMaxOutputBytes = 256 * 1024
	truncationNote        = "\n\n[... output truncated ...]"
)

// ErrProcessLaunchFailed is returned when the agent process cannot be
// started at all (missing binary, bad working directory, permissions).
var ErrProcessLaunchFailed = errors.New("process launch failed")

// ErrTimeout is returned when the agent exceeds its time budget.
var ErrTimeout = errors.New("local agent timed out")

// Runner invokes the configured command. The command is executed
// directly, never through a shell, so the prompt cannot inject
// additional commands.
type Runner struct {
	command        string
	args           []string
	promptTemplate string
	workingDir     string
	timeout        time.Duration
	maxOutputBytes int
	logger         *slog.Logger
}

// NewRunner creates a runner from the local_agent config section.
func NewRunner(cfg config.LocalAgentConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxOut := cfg.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = defaultMaxOutputBytes
	}
	tmpl := cfg.PromptTemplate
	if tmpl == "" {
		tmpl = PromptPlaceholder
	}
	return &Runner{
		command:        cfg.Command,
		args:           cfg.Args,
		promptTemplate: tmpl,
		workingDir:     cfg.WorkingDir,
		timeout:        timeout,
		maxOutputBytes: maxOut,
		logger:         logger,
	}
}

// Argv returns the argument vector for prompt, excluding the command.
func (r *Runner) Argv(prompt string) []string {
	formatted := strings.ReplaceAll(r.promptTemplate, PromptPlaceholder, prompt)
	argv := make([]string, len(r.args))
	for i, a := range r.args {
		argv[i] = strings.ReplaceAll(a, PromptPlaceholder, formatted)
	}
	return argv
}

// Run executes the agent with prompt and returns its trimmed standard
// output. A non-zero exit is an error carrying the process's stderr.
func (r *Runner) Run(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	argv := r.Argv(prompt)
	cmd := exec.CommandContext(ctx, r.command, argv...)
	if r.workingDir != "" {
		cmd.Dir = r.workingDir
	}
	// Give the child a moment to exit after the context ends before
	// the pipes are abandoned.
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info("starting local agent", "command", r.command, "args", len(argv))
	start := time.Now()

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrProcessLaunchFailed, r.command, err)
	}
	err := cmd.Wait()
	elapsed := time.Since(start).Round(time.Millisecond)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.logger.Warn("local agent timed out", "elapsed", elapsed)
		return "", fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(truncate(stderr.String(), r.maxOutputBytes))
			r.logger.Warn("local agent exited with error",
				"exit_code", exitErr.ExitCode(), "elapsed", elapsed)
			if msg == "" {
				return "", fmt.Errorf("local agent exited with code %d", exitErr.ExitCode())
			}
			return "", fmt.Errorf("local agent exited with code %d: %s", exitErr.ExitCode(), msg)
		}
		return "", fmt.Errorf("wait for local agent: %w", err)
	}

	r.logger.Info("local agent finished", "elapsed", elapsed, "output_bytes", stdout.Len())
	return strings.TrimSpace(truncate(stdout.String(), r.maxOutputBytes)), nil
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationNote
}
