// Package toolchain drives the external build/test toolchain on a workspace
// and classifies how far a job got.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/dontdude/forgejudge/internal/domain"
	"github.com/dontdude/forgejudge/internal/scoring"
	"github.com/dontdude/forgejudge/internal/workspace"
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// StripANSI removes terminal escape sequences from tool output.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// StageError reports the stage a job stopped at and the message to show.
type StageError struct {
	Stage  domain.Stage
	Output string
	Err    error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return string(e.Stage)
}

func (e *StageError) Unwrap() error { return e.Err }

// Runner invokes build then test on a workspace.
type Runner struct {
	exec        domain.CommandRunner
	projectRoot string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewRunner returns a Runner executing inside projectRoot (where the toolchain
// config and libraries live). A zero timeout leaves invocations unbounded.
func NewRunner(exec domain.CommandRunner, projectRoot string, timeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{exec: exec, projectRoot: projectRoot, timeout: timeout, logger: logger}
}

// Run builds and tests ws with the given compiler version.
// Any returned error is a *StageError.
func (r *Runner) Run(ctx context.Context, ws workspace.Workspace, version string) (scoring.TestReport, error) {
	if err := r.Build(ctx, ws, version); err != nil {
		return nil, err
	}
	return r.Test(ctx, ws, version)
}

// Build compiles the workspace. Anything on stderr counts as a compile failure.
func (r *Runner) Build(ctx context.Context, ws workspace.Workspace, version string) error {
	res, err := r.invoke(ctx,
		"build",
		"--contracts", ws.Base,
		"--cache-path", ws.Cache,
		"--out", ws.Out,
		"--use", version,
	)
	if err != nil {
		return &StageError{Stage: domain.StageBuildFailed, Output: err.Error(), Err: err}
	}
	if len(res.Stderr) > 0 {
		return &StageError{Stage: domain.StageCompileFailed, Output: StripANSI(string(res.Stderr))}
	}
	if res.ExitCode != 0 {
		return &StageError{Stage: domain.StageCompileFailed, Output: StripANSI(string(res.Stdout))}
	}
	return nil
}

// Test runs the suite and parses its JSON report.
func (r *Runner) Test(ctx context.Context, ws workspace.Workspace, version string) (scoring.TestReport, error) {
	res, err := r.invoke(ctx,
		"test",
		"--contracts", ws.Base,
		"--cache-path", ws.Cache,
		"--out", ws.Out,
		"--json",
		"--use", version,
		"--offline",
		"--allow-failure",
	)
	if err != nil {
		return nil, &StageError{Stage: domain.StageTestRunFailed, Output: err.Error(), Err: err}
	}
	report, err := scoring.ParseTestReport(res.Stdout)
	if err != nil {
		msg := "Test output is not json"
		if stderr := strings.TrimSpace(StripANSI(string(res.Stderr))); stderr != "" {
			msg += ": " + stderr
		}
		return nil, &StageError{Stage: domain.StageMalformedOutput, Output: msg, Err: err}
	}
	return report, nil
}

// BuildLibrary compiles a library target into out. Used by the cache bootstrap.
func (r *Runner) BuildLibrary(ctx context.Context, target, out, version string) error {
	res, err := r.invoke(ctx, "build", "--contracts", target, "--out", out, "--use", version)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("library build with %s exited %d: %s", version, res.ExitCode, StripANSI(string(res.Stderr)))
	}
	return nil
}

// Clean removes the project's build outputs.
func (r *Runner) Clean(ctx context.Context) error {
	_, err := r.invoke(ctx, "clean")
	return err
}

func (r *Runner) invoke(ctx context.Context, args ...string) (domain.ExecResult, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := r.exec.Exec(ctx, r.projectRoot, args...)
	r.logger.Debug("Toolchain finished", "command", args[0], "duration", time.Since(start), "exitCode", res.ExitCode)

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%s timed out after %s", args[0], r.timeout)
	}
	return res, err
}
