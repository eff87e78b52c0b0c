package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ProcessState represents the lifecycle state of a supervised process
type ProcessState string

const (
	ProcessStateCreated  ProcessState = "CREATED"
	ProcessStateStarting ProcessState = "STARTING"
	ProcessStateRunning  ProcessState = "RUNNING"
	ProcessStateExited   ProcessState = "EXITED"
	ProcessStateFailed   ProcessState = "FAILED"
)

// SupervisedProcess runs a single ProcessSpec. It is started at most once and
// never restarted; callers observe its end through Done and Wait.
type SupervisedProcess struct {
	spec    ProcessSpec
	runner  CommandRunner
	clock   clockwork.Clock
	stdout  io.Writer
	stderr  io.Writer
	state   ProcessState
	stateMu sync.RWMutex

	cmd       Command
	startedAt time.Time
	status    ExitStatus
	done      chan struct{}
}

// NewSupervisedProcess creates a process for spec backed by os/exec and a real clock
func NewSupervisedProcess(spec ProcessSpec) *SupervisedProcess {
	return NewSupervisedProcessWithRunner(spec, NewExecCommandRunner(), clockwork.NewRealClock())
}

// NewSupervisedProcessWithRunner creates a process with a custom command runner and clock
// This is useful for testing with a fake clock and mocked command execution
func NewSupervisedProcessWithRunner(spec ProcessSpec, runner CommandRunner, clock clockwork.Clock) *SupervisedProcess {
	return &SupervisedProcess{
		spec:   spec,
		runner: runner,
		clock:  clock,
		stdout: os.Stdout,
		stderr: os.Stderr,
		state:  ProcessStateCreated,
		done:   make(chan struct{}),
	}
}

// SetOutput redirects the child's stdout and stderr. Must be called before Start.
func (p *SupervisedProcess) SetOutput(stdout, stderr io.Writer) {
	p.stdout = stdout
	p.stderr = stderr
}

// Name returns the process name from its spec
func (p *SupervisedProcess) Name() string {
	return p.spec.Name
}

// Critical reports whether the exit of this process is fatal to the supervisor
func (p *SupervisedProcess) Critical() bool {
	return p.spec.Critical
}

// Start launches the process. The environment is the supervisor's own
// environment with the spec's overlay applied on top.
func (p *SupervisedProcess) Start(ctx context.Context) error {
	if err := p.spec.Validate(); err != nil {
		return err
	}

	p.stateMu.Lock()
	if p.state != ProcessStateCreated {
		state := p.state
		p.stateMu.Unlock()
		return fmt.Errorf("cannot start process %s in state %s", p.spec.Name, state)
	}
	p.setStateLocked(ProcessStateStarting)
	p.stateMu.Unlock()

	cmd := p.runner.CommandContext(ctx, p.spec.Command, p.spec.Args...)
	if p.spec.Dir != "" {
		cmd.SetDir(p.spec.Dir)
	}
	cmd.SetEnv(MergeEnv(os.Environ(), p.spec.Env))
	cmd.SetOutput(p.stdout, p.stderr)

	if err := cmd.Start(); err != nil {
		p.finish(ExitStatus{Code: ExitCodeFailure, Err: err}, ProcessStateFailed)
		return fmt.Errorf("failed to start process %s: %w", p.spec.Name, err)
	}

	p.stateMu.Lock()
	p.cmd = cmd
	p.startedAt = p.clock.Now()
	p.setStateLocked(ProcessStateRunning)
	p.stateMu.Unlock()

	zap.L().Info("Process started",
		zap.String("process", p.spec.Name),
		zap.String("command", p.spec.Command),
		zap.Strings("args", p.spec.Args),
		zap.String("dir", p.spec.Dir),
		zap.Int("pid", cmd.Pid()),
		zap.Bool("critical", p.spec.Critical))

	go p.wait(cmd)

	return nil
}

func (p *SupervisedProcess) wait(cmd Command) {
	err := cmd.Wait()

	p.stateMu.RLock()
	uptime := p.clock.Since(p.startedAt)
	p.stateMu.RUnlock()

	p.finish(ExitStatus{Code: ExitCodeFromError(err), Err: err, Uptime: uptime}, ProcessStateExited)
}

func (p *SupervisedProcess) finish(status ExitStatus, state ProcessState) {
	p.stateMu.Lock()
	p.status = status
	p.setStateLocked(state)
	p.stateMu.Unlock()
	close(p.done)
}

// Done returns a channel that is closed once the process has exited or failed to start
func (p *SupervisedProcess) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process has exited and returns its exit status
func (p *SupervisedProcess) Wait() ExitStatus {
	<-p.done
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.status
}

// Signal delivers sig to the running process
func (p *SupervisedProcess) Signal(sig os.Signal) error {
	p.stateMu.RLock()
	cmd := p.cmd
	state := p.state
	p.stateMu.RUnlock()

	if cmd == nil || state != ProcessStateRunning {
		return fmt.Errorf("cannot signal process %s in state %s", p.spec.Name, state)
	}
	if err := cmd.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal process %s: %w", p.spec.Name, err)
	}
	return nil
}

// Terminate sends SIGTERM and, if the process is still alive after grace, SIGKILL.
// It returns once the process has exited. Terminating a process that is not
// running is a no-op.
func (p *SupervisedProcess) Terminate(grace time.Duration) error {
	if p.GetState() != ProcessStateRunning {
		return nil
	}

	zap.L().Info("Terminating process",
		zap.String("process", p.spec.Name),
		zap.Duration("grace", grace))

	if err := p.Signal(syscall.SIGTERM); err != nil {
		// The process may have exited between the state check and the signal.
		select {
		case <-p.done:
			return nil
		default:
			return err
		}
	}

	select {
	case <-p.done:
		return nil
	case <-p.clock.After(grace):
	}

	zap.L().Warn("Process did not exit within grace period, killing",
		zap.String("process", p.spec.Name))

	if err := p.Signal(syscall.SIGKILL); err != nil {
		select {
		case <-p.done:
			return nil
		default:
			return err
		}
	}
	<-p.done
	return nil
}

// GetState returns the current state of the process
func (p *SupervisedProcess) GetState() ProcessState {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// setStateLocked sets the process state (assumes lock IS held)
func (p *SupervisedProcess) setStateLocked(newState ProcessState) {
	oldState := p.state
	p.state = newState
	if oldState != newState {
		zap.L().Debug("Process state changed",
			zap.String("process", p.spec.Name),
			zap.String("old_state", string(oldState)),
			zap.String("new_state", string(newState)))
	}
}
