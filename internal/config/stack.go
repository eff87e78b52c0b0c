package config

import (
	"maps"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/presenton/stackvisor/internal/core"
	"github.com/presenton/stackvisor/internal/gateway"
	"github.com/presenton/stackvisor/internal/probe"
	"github.com/presenton/stackvisor/internal/supervisor"
)

// Service names, also used as readiness target names.
const (
	ServiceBackend   = "backend"
	ServiceAuxiliary = "auxiliary"
	ServiceFrontend  = "frontend"
)

// BuildStack turns the configuration into the processes and readiness checks
// the supervisor runs. overlay is added to every service's environment, on top
// of the loopback binding and scratch directory variables.
func (cfg *SupervisorConfig) BuildStack(overlay map[string]string) supervisor.Stack {
	fastapiDir := filepath.Join(cfg.AppRoot, "servers", "fastapi")
	nextjsDir := filepath.Join(cfg.AppRoot, "servers", "nextjs")

	serviceEnv := func(port int) map[string]string {
		env := map[string]string{
			"HOST":           core.LoopbackHost,
			"HOSTNAME":       core.LoopbackHost,
			"TEMP_DIRECTORY": cfg.TempDirectory,
		}
		maps.Copy(env, overlay)
		env["PORT"] = strconv.Itoa(port)
		return env
	}

	return supervisor.Stack{
		Gateway: gateway.Options{
			ConfigPath:    cfg.GatewayConfigPath,
			TemplatePath:  cfg.GatewayTemplatePath,
			PublicPort:    cfg.PublicPort,
			Command:       cfg.GatewayCommand,
			Args:          []string{"-c", cfg.GatewayConfigPath, "-g", "daemon off;"},
			ReloadCommand: strings.Fields(cfg.GatewayReloadCommand),
		},
		Services: []core.ProcessSpec{
			{
				Name:     ServiceBackend,
				Command:  cfg.PythonCommand,
				Args:     []string{"server.py", "--port", strconv.Itoa(cfg.BackendPort), "--reload", "false"},
				Dir:      fastapiDir,
				Env:      serviceEnv(cfg.BackendPort),
				Critical: true,
			},
			{
				Name:     ServiceAuxiliary,
				Command:  cfg.PythonCommand,
				Args:     []string{"mcp_server.py", "--port", strconv.Itoa(cfg.AuxiliaryPort)},
				Dir:      fastapiDir,
				Env:      serviceEnv(cfg.AuxiliaryPort),
				Critical: cfg.AuxiliaryCritical,
			},
			{
				Name:     ServiceFrontend,
				Command:  cfg.NodePackageManager,
				Args:     []string{"run", "start", "--", "-H", core.LoopbackHost, "-p", strconv.Itoa(cfg.FrontendPort)},
				Dir:      nextjsDir,
				Env:      serviceEnv(cfg.FrontendPort),
				Critical: true,
			},
		},
		Readiness: []supervisor.ReadinessCheck{
			{
				Target: probe.Target{
					Name:    ServiceFrontend,
					Host:    core.LoopbackHost,
					Port:    cfg.FrontendPort,
					Timeout: time.Duration(cfg.FrontendStartupTimeoutMs) * time.Millisecond,
				},
				Cutover: true,
			},
			{
				Target: probe.Target{
					Name:    ServiceBackend,
					Host:    core.LoopbackHost,
					Port:    cfg.BackendPort,
					Timeout: time.Duration(cfg.BackendStartupTimeoutMs) * time.Millisecond,
				},
				Required: true,
			},
		},
		ShutdownGrace: time.Duration(cfg.ShutdownGraceMs) * time.Millisecond,
	}
}
