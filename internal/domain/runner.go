package domain

import "context"

// ExecResult captures what a toolchain process wrote and how it exited.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// CommandRunner defines the contract for invoking the external build/test toolchain.
// Implementations decide where the process runs (host or container); the caller
// only sees the captured streams.
type CommandRunner interface {
	// Exec runs the toolchain binary with args inside dir.
	// A non-nil error means the process could not be launched or was killed;
	// a non-zero exit code alone is reported through ExecResult.
	Exec(ctx context.Context, dir string, args ...string) (ExecResult, error)
}
