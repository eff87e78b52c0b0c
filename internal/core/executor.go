// Package core implements the functionality shared across all stackvisor components.
package core

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
)

// CommandRunner is an interface for running commands, allowing for testing with mocks
type CommandRunner interface {
	CommandContext(ctx context.Context, name string, arg ...string) Command
}

// Command is an interface for exec.Cmd, allowing for testing with mocks
type Command interface {
	SetDir(dir string)
	SetEnv(env []string)
	SetOutput(stdout, stderr io.Writer)
	Start() error
	Wait() error
	Signal(sig os.Signal) error
	Pid() int
}

// execCommand wraps exec.Cmd to implement Command interface
type execCommand struct {
	*exec.Cmd
}

func (e *execCommand) SetDir(dir string) {
	e.Dir = dir
}

func (e *execCommand) SetEnv(env []string) {
	e.Env = env
}

func (e *execCommand) SetOutput(stdout, stderr io.Writer) {
	e.Stdout = stdout
	e.Stderr = stderr
}

func (e *execCommand) Start() error {
	return e.Cmd.Start()
}

func (e *execCommand) Wait() error {
	return e.Cmd.Wait()
}

func (e *execCommand) Signal(sig os.Signal) error {
	if e.Process == nil {
		return errors.New("process not started")
	}
	return e.Process.Signal(sig)
}

func (e *execCommand) Pid() int {
	if e.Process == nil {
		return 0
	}
	return e.Process.Pid
}

// Interface guard for execCommand
var _ Command = &execCommand{}

// execCommandRunner wraps exec.CommandContext to implement CommandRunner
type execCommandRunner struct{}

func (e *execCommandRunner) CommandContext(ctx context.Context, name string, arg ...string) Command {
	return &execCommand{Cmd: exec.CommandContext(ctx, name, arg...)}
}

// Interface guard for execCommandRunner
var _ CommandRunner = &execCommandRunner{}

// NewExecCommandRunner returns a CommandRunner backed by os/exec.
func NewExecCommandRunner() CommandRunner {
	return &execCommandRunner{}
}

// ExitCodeFromError extracts a process exit code from the error returned by Wait.
// A nil error is exit code 0. Errors that carry no usable code (signals, I/O
// failures) map to ExitCodeFailure.
func ExitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		if code := exitError.ExitCode(); code >= 0 {
			return code
		}
	}
	return ExitCodeFailure
}
