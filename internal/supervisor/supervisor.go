// Package supervisor orchestrates the startup of the application stack: it
// brings the gateway up on a placeholder configuration, launches the services
// behind it, cuts the gateway over once the frontend answers, and mirrors the
// exit code of the first critical process to exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/presenton/stackvisor/internal/core"
	"github.com/presenton/stackvisor/internal/gateway"
	"github.com/presenton/stackvisor/internal/probe"
)

// Stage is the lifecycle stage of the supervised set.
type Stage string

const (
	StageStarting       Stage = "STARTING"        // gateway not yet serving
	StagePartiallyReady Stage = "PARTIALLY_READY" // gateway up, services starting
	StageReady          Stage = "READY"           // cutover targets reachable, gateway switched
	StageFullyReady     Stage = "FULLY_READY"     // every readiness target reachable
	StageFailed         Stage = "FAILED"
)

var stageOrder = map[Stage]int{
	StageStarting:       0,
	StagePartiallyReady: 1,
	StageReady:          2,
	StageFullyReady:     3,
}

// ReadinessCheck is a port the supervisor waits on after launching the services.
type ReadinessCheck struct {
	Target   probe.Target
	Required bool // a timeout is fatal
	Cutover  bool // success switches the gateway to its final configuration
}

// Stack is everything the supervisor runs, built once from configuration.
type Stack struct {
	Gateway       gateway.Options
	Services      []core.ProcessSpec // launched in order after the gateway
	Readiness     []ReadinessCheck
	ShutdownGrace time.Duration
}

// ExitError reports the fatal condition that ended a run. Code is the exit
// code the supervisor should terminate with.
type ExitError struct {
	Process string
	Code    int
	Err     error
}

func (e *ExitError) Error() string {
	if e.Process == "" {
		return fmt.Sprintf("supervisor failed with exit code %d: %v", e.Code, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("process %s exited with code %d", e.Process, e.Code)
	}
	return fmt.Sprintf("process %s failed with exit code %d: %v", e.Process, e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

type probeResult struct {
	check ReadinessCheck
	err   error
}

// Supervisor runs one Stack to completion. It is single-use.
type Supervisor struct {
	stack   Stack
	runner  core.CommandRunner
	clock   clockwork.Clock
	prober  *probe.Prober
	stdout  io.Writer
	stderr  io.Writer
	gateway *gateway.Gateway

	processes *xsync.MapOf[string, *core.SupervisedProcess]
	ready     mapset.Set[string]

	stage   Stage
	stageMu sync.RWMutex
}

// New creates a supervisor backed by os/exec and a real clock
func New(fsys afero.Fs, stack Stack) *Supervisor {
	return NewWithRunner(fsys, stack, core.NewExecCommandRunner(), clockwork.NewRealClock())
}

// NewWithRunner creates a supervisor with a custom command runner and clock
func NewWithRunner(fsys afero.Fs, stack Stack, runner core.CommandRunner, clock clockwork.Clock) *Supervisor {
	return &Supervisor{
		stack:     stack,
		runner:    runner,
		clock:     clock,
		prober:    probe.NewProber(probe.WithClock(clock)),
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		gateway:   gateway.NewWithRunner(fsys, stack.Gateway, runner, clock),
		processes: xsync.NewMapOf[string, *core.SupervisedProcess](),
		ready:     mapset.NewSet[string](),
		stage:     StageStarting,
	}
}

// SetOutput redirects the output of every supervised process. Must be called before Run.
func (s *Supervisor) SetOutput(stdout, stderr io.Writer) {
	s.stdout = stdout
	s.stderr = stderr
}

// SetProber replaces the port prober. Must be called before Run.
func (s *Supervisor) SetProber(p *probe.Prober) {
	s.prober = p
}

// Gateway returns the gateway controller.
func (s *Supervisor) Gateway() *gateway.Gateway {
	return s.gateway
}

// Stage returns the current stage.
func (s *Supervisor) Stage() Stage {
	s.stageMu.RLock()
	defer s.stageMu.RUnlock()
	return s.stage
}

// Run starts the stack and blocks until a fatal condition or until ctx is
// cancelled. It returns the exit code the supervisor should terminate with;
// the error is nil only for a requested shutdown. Children still running when
// Run returns have been terminated.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	// Children outlive ctx so that shutdown can terminate them gracefully.
	procCtx, killAll := context.WithCancel(context.WithoutCancel(ctx))
	defer killAll()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	zap.L().Info("Starting supervisor",
		zap.String("public_port", s.stack.Gateway.PublicPort),
		zap.Int("services", len(s.stack.Services)))

	if err := s.gateway.WriteBootstrap(); err != nil {
		return s.fail(&ExitError{Process: gateway.ProcessName, Code: core.ExitCodeFailure, Err: err})
	}
	s.gateway.SetOutput(s.stdout, s.stderr)
	if err := s.gateway.Start(procCtx); err != nil {
		return s.fail(&ExitError{Process: gateway.ProcessName, Code: core.ExitCodeFailure, Err: err})
	}
	s.processes.Store(gateway.ProcessName, s.gateway.Process())
	s.setStage(StagePartiallyReady)

	for _, spec := range s.stack.Services {
		p := core.NewSupervisedProcessWithRunner(spec, s.runner, s.clock)
		p.SetOutput(s.stdout, s.stderr)
		if err := p.Start(procCtx); err != nil {
			s.shutdown()
			return s.fail(&ExitError{Process: spec.Name, Code: core.ExitCodeFailure, Err: err})
		}
		s.processes.Store(spec.Name, p)
	}

	exits := make(chan *core.SupervisedProcess, s.processes.Size())
	s.processes.Range(func(_ string, p *core.SupervisedProcess) bool {
		go func() {
			select {
			case <-p.Done():
				exits <- p
			case <-runCtx.Done():
			}
		}()
		return true
	})

	probes := make(chan probeResult, len(s.stack.Readiness))
	for _, check := range s.stack.Readiness {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					core.LogPanicRecovery("probe "+check.Target.Name, r)
				}
			}()
			err := s.prober.WaitForPort(runCtx, check.Target)
			select {
			case probes <- probeResult{check: check, err: err}:
			case <-runCtx.Done():
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("Shutdown requested, stopping supervised processes")
			cancel()
			s.shutdown()
			return 0, nil

		case p := <-exits:
			status := p.Wait()
			core.LogProcessExit(p.Name(), status, p.Critical())
			s.processes.Delete(p.Name())
			if !p.Critical() {
				continue
			}
			cancel()
			s.shutdown()
			return s.fail(&ExitError{Process: p.Name(), Code: status.Code, Err: status.Err})

		case result := <-probes:
			if err := s.handleProbe(runCtx, result); err != nil {
				cancel()
				s.shutdown()
				return s.fail(&ExitError{Process: result.check.Target.Name, Code: core.ExitCodeFailure, Err: err})
			}
		}
	}
}

// handleProbe applies one readiness outcome. A non-nil return is fatal.
func (s *Supervisor) handleProbe(ctx context.Context, result probeResult) error {
	name := result.check.Target.Name

	if result.err != nil {
		if errors.Is(result.err, context.Canceled) {
			return nil
		}
		if result.check.Required {
			zap.L().Error("Required service did not become ready",
				zap.String("target", name),
				zap.Error(result.err))
			return result.err
		}
		fields := []zap.Field{zap.String("target", name), zap.Error(result.err)}
		if result.check.Cutover {
			fields = append(fields, zap.String("gateway_phase", string(s.gateway.Phase())))
		}
		zap.L().Error("Service did not become ready, continuing", fields...)
		return nil
	}

	if result.check.Cutover {
		s.cutover(ctx)
	}
	s.ready.Add(name)
	s.advance()
	return nil
}

// cutover switches the gateway to its final configuration. Failures leave the
// bootstrap configuration in place and are never fatal.
func (s *Supervisor) cutover(ctx context.Context) {
	err := s.gateway.SwitchToFinal(ctx)
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrTemplateNotFound):
		zap.L().Warn("Gateway template not found, keeping bootstrap configuration",
			zap.String("template", s.stack.Gateway.TemplatePath))
	default:
		zap.L().Error("Failed to switch gateway to final configuration, keeping bootstrap configuration",
			zap.Error(err))
	}
}

// advance moves the stage forward according to the set of ready targets.
func (s *Supervisor) advance() {
	cutoverReady := true
	allReady := true
	for _, check := range s.stack.Readiness {
		ok := s.ready.Contains(check.Target.Name)
		allReady = allReady && ok
		if check.Cutover {
			cutoverReady = cutoverReady && ok
		}
	}

	if cutoverReady {
		s.setStage(StageReady)
	}
	if allReady {
		s.setStage(StageFullyReady)
	}
}

// shutdown terminates every supervised process still running. Services are
// stopped first, the gateway last.
func (s *Supervisor) shutdown() {
	var wg sync.WaitGroup
	s.processes.Range(func(name string, p *core.SupervisedProcess) bool {
		if name == gateway.ProcessName {
			return true
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Terminate(s.stack.ShutdownGrace); err != nil {
				zap.L().Warn("Failed to terminate process", zap.String("process", name), zap.Error(err))
			}
		}()
		return true
	})
	wg.Wait()

	if err := s.gateway.Process().Terminate(s.stack.ShutdownGrace); err != nil {
		zap.L().Warn("Failed to terminate gateway", zap.Error(err))
	}
}

func (s *Supervisor) fail(err *ExitError) (int, error) {
	s.setStage(StageFailed)
	zap.L().Error("Supervisor failed",
		zap.String("process", err.Process),
		zap.Int("exit_code", err.Code),
		zap.Error(err.Err))
	return err.Code, err
}

func (s *Supervisor) setStage(stage Stage) {
	s.stageMu.Lock()
	defer s.stageMu.Unlock()
	if s.stage == stage || s.stage == StageFailed {
		return
	}
	// Stages only move forward, except into FAILED.
	if stage != StageFailed && stageOrder[stage] < stageOrder[s.stage] {
		return
	}
	zap.L().Info("Supervisor stage changed",
		zap.String("old_stage", string(s.stage)),
		zap.String("new_stage", string(stage)))
	s.stage = stage
}
