package toolchain

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"github.com/dontdude/forgejudge/internal/domain"
)

// DefaultBinary is the build/test toolchain executable.
const DefaultBinary = "forge"

// LocalExecutor runs the toolchain as a host process.
type LocalExecutor struct {
	Binary string
}

var _ domain.CommandRunner = (*LocalExecutor)(nil)

func (e *LocalExecutor) Exec(ctx context.Context, dir string, args ...string) (domain.ExecResult, error) {
	binary := e.Binary
	if binary == "" {
		binary = DefaultBinary
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := domain.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
