package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/presenton/stackvisor/internal/core"
)

// ProcessName is the supervised-process name of the gateway.
const ProcessName = "gateway"

// Options describes where the gateway reads its configuration and how it is run.
type Options struct {
	ConfigPath    string   // file the gateway process reads
	TemplatePath  string   // final configuration template
	PublicPort    string   // port substituted into both phases
	Command       string   // gateway executable
	Args          []string // gateway arguments
	ReloadCommand []string // optional; when empty the process is sent SIGHUP
}

// Gateway owns the gateway process and its configuration file. The process is
// started once on the bootstrap configuration; moving to the final phase only
// rewrites the file and asks the running process to reload.
type Gateway struct {
	fs      afero.Fs
	opts    Options
	runner  core.CommandRunner
	clock   clockwork.Clock
	process *core.SupervisedProcess
	phase   Phase
	mu      sync.Mutex
}

// New creates a gateway controller backed by os/exec and a real clock
func New(fsys afero.Fs, opts Options) *Gateway {
	return NewWithRunner(fsys, opts, core.NewExecCommandRunner(), clockwork.NewRealClock())
}

// NewWithRunner creates a gateway controller with a custom command runner and clock
func NewWithRunner(fsys afero.Fs, opts Options, runner core.CommandRunner, clock clockwork.Clock) *Gateway {
	g := &Gateway{
		fs:     fsys,
		opts:   opts,
		runner: runner,
		clock:  clock,
		phase:  PhaseBootstrap,
	}
	g.process = core.NewSupervisedProcessWithRunner(core.ProcessSpec{
		Name:     ProcessName,
		Command:  opts.Command,
		Args:     opts.Args,
		Critical: true,
	}, runner, clock)
	return g
}

// SetOutput redirects the gateway process output. Must be called before Start.
func (g *Gateway) SetOutput(stdout, stderr io.Writer) {
	g.process.SetOutput(stdout, stderr)
}

// Process returns the supervised gateway process.
func (g *Gateway) Process() *core.SupervisedProcess {
	return g.process
}

// Phase returns the configuration phase currently written for the gateway.
func (g *Gateway) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// WriteBootstrap writes the placeholder configuration to the config path.
func (g *Gateway) WriteBootstrap() error {
	config, err := RenderBootstrap(g.opts.PublicPort)
	if err != nil {
		return err
	}
	if err := g.write(config); err != nil {
		return err
	}

	g.mu.Lock()
	g.phase = PhaseBootstrap
	g.mu.Unlock()

	zap.L().Info("Gateway bootstrap configuration written",
		zap.String("path", g.opts.ConfigPath),
		zap.String("public_port", g.opts.PublicPort))
	return nil
}

// Start launches the gateway process. WriteBootstrap must have been called.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.process.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	return nil
}

// SwitchToFinal renders the final configuration, writes it over the bootstrap
// one, and reloads the running gateway. On any error the gateway keeps
// serving whatever configuration it had; ErrTemplateNotFound is returned
// unchanged so callers can tell a missing template from a real failure.
// If the reload fails the bootstrap configuration is written back, so the
// file on disk always matches Phase.
func (g *Gateway) SwitchToFinal(ctx context.Context) error {
	config, err := RenderFinal(g.fs, g.opts.TemplatePath, g.opts.PublicPort)
	if err != nil {
		return err
	}
	if err := g.write(config); err != nil {
		return err
	}
	if err := g.reload(ctx); err != nil {
		if restoreErr := g.restoreBootstrap(); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		return err
	}

	g.mu.Lock()
	g.phase = PhaseFinal
	g.mu.Unlock()

	zap.L().Info("Gateway switched to final configuration",
		zap.String("path", g.opts.ConfigPath),
		zap.String("template", g.opts.TemplatePath),
		zap.String("public_port", g.opts.PublicPort))
	return nil
}

func (g *Gateway) restoreBootstrap() error {
	config, err := RenderBootstrap(g.opts.PublicPort)
	if err != nil {
		return err
	}
	if err := g.write(config); err != nil {
		return fmt.Errorf("failed to restore bootstrap configuration: %w", err)
	}
	zap.L().Warn("Gateway reload failed, bootstrap configuration restored",
		zap.String("path", g.opts.ConfigPath))
	return nil
}

func (g *Gateway) write(config string) error {
	// #nosec G301 -- the gateway config directory must be readable by the gateway workers
	if err := g.fs.MkdirAll(filepath.Dir(g.opts.ConfigPath), 0755); err != nil {
		return fmt.Errorf("failed to create gateway config directory: %w", err)
	}
	// #nosec G306 -- gateway configuration is not secret
	if err := core.WriteFileAtomic(g.fs, g.opts.ConfigPath, []byte(config), 0644); err != nil {
		return fmt.Errorf("failed to write gateway config: %w", err)
	}
	return nil
}

func (g *Gateway) reload(ctx context.Context) error {
	if len(g.opts.ReloadCommand) == 0 {
		if err := g.process.Signal(syscall.SIGHUP); err != nil {
			return fmt.Errorf("failed to reload gateway: %w", err)
		}
		return nil
	}

	cmd := g.runner.CommandContext(ctx, g.opts.ReloadCommand[0], g.opts.ReloadCommand[1:]...)
	cmd.SetEnv(os.Environ())
	cmd.SetOutput(os.Stdout, os.Stderr)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to run gateway reload command: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("gateway reload command failed: %w", err)
	}
	return nil
}
