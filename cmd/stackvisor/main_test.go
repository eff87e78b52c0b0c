package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/presenton/stackvisor/internal/config"
	"github.com/presenton/stackvisor/internal/gateway"
	"github.com/presenton/stackvisor/internal/state"
	svtesting "github.com/presenton/stackvisor/internal/testing"
)

// unsetEnv removes name from the environment for the rest of the test. The
// original value is restored on cleanup.
func unsetEnv(t *testing.T, name string) {
	t.Helper()
	t.Setenv(name, "")
	require.NoError(t, os.Unsetenv(name))
}

// isolateEnv removes every variable the CLI reads and points the data
// directory at a temp dir.
func isolateEnv(t *testing.T) string {
	t.Helper()
	for _, key := range config.Keys() {
		for _, name := range config.EnvNames(key) {
			unsetEnv(t, name)
		}
	}
	for _, key := range state.RecognizedKeys() {
		unsetEnv(t, key)
	}

	dataDir := t.TempDir()
	t.Setenv(state.EnvAppDataDirectory, dataDir)
	t.Setenv("TEMP_DIRECTORY", filepath.Join(dataDir, "scratch"))
	return dataDir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRender_Bootstrap(t *testing.T) {
	isolateEnv(t)

	code, stdout, stderr := runCLI(t, "render", "--phase", "bootstrap", "--port", "9090")
	require.Equal(t, 0, code, stderr)

	expected, err := gateway.RenderBootstrap("9090")
	require.NoError(t, err)
	assert.Equal(t, expected, stdout)
}

func TestRender_BootstrapUsesConfiguredPort(t *testing.T) {
	isolateEnv(t)
	t.Setenv("PORT", "7000")

	code, stdout, stderr := runCLI(t, "render")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "listen 7000;")
}

func TestRender_Final(t *testing.T) {
	isolateEnv(t)
	template := filepath.Join(t.TempDir(), "nginx.conf")
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(template, []byte("listen 8080;\nserver_name _;"), 0644))

	code, stdout, stderr := runCLI(t, "render", "--phase", "final", "--port", "9090", "--template", template)
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "listen 9090;\nserver_name _;", stdout)
}

func TestRender_FinalMissingTemplate(t *testing.T) {
	isolateEnv(t)

	code, _, stderr := runCLI(t, "render", "--phase", "final", "--template", filepath.Join(t.TempDir(), "missing.conf"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "template not found")
}

func TestRender_PhaseTypo(t *testing.T) {
	isolateEnv(t)

	code, _, stderr := runCLI(t, "render", "--phase", "finl")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `did you mean "final"?`)
}

func TestProbe_Reachable(t *testing.T) {
	isolateEnv(t)
	port := svtesting.FreePort(t)
	svtesting.Listen(t, port)

	code, stdout, stderr := runCLI(t, "probe", "--port", strconv.Itoa(port), "--timeout-ms", "2000")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "is reachable")
}

func TestProbe_Timeout(t *testing.T) {
	isolateEnv(t)
	port := svtesting.FreePort(t)

	code, _, stderr := runCLI(t, "probe", "--port", strconv.Itoa(port), "--timeout-ms", "200")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "port did not become reachable")
}

func TestProbe_InvalidPort(t *testing.T) {
	isolateEnv(t)

	code, _, stderr := runCLI(t, "probe", "--port", "70000")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "port must be between 1 and 65535")
}

func TestConfig_PrintsYAML(t *testing.T) {
	isolateEnv(t)
	t.Setenv("PORT", "9000")

	code, stdout, stderr := runCLI(t, "config")
	require.Equal(t, 0, code, stderr)

	var cfg config.SupervisorConfig
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &cfg))
	assert.Equal(t, "9000", cfg.PublicPort)
	assert.Equal(t, config.DefaultBackendPort, cfg.BackendPort)
}

func TestConfig_Sources(t *testing.T) {
	isolateEnv(t)
	configPath := filepath.Join(t.TempDir(), "stackvisor.yaml")
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(configPath, []byte("app_root: /srv/app\n"), 0644))

	code, stdout, stderr := runCLI(t, "--config", configPath, "config", "--sources")
	require.Equal(t, 0, code, stderr)
	assert.Regexp(t, `app_root\s+/srv/app\s+file`, stdout)
	assert.Regexp(t, `app_data_directory\s+\S+\s+env`, stdout)
	assert.Regexp(t, `backend_port\s+8000\s+default`, stdout)
}

func TestEnvFile(t *testing.T) {
	isolateEnv(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(envFile, []byte("PORT=7777\nSTACKVISOR_FRONTEND_PORT=3100\n"), 0644))
	// dotenv must not override variables that are already set
	t.Setenv("STACKVISOR_FRONTEND_PORT", "3200")

	code, stdout, stderr := runCLI(t, "--env-file", envFile, "config")
	require.Equal(t, 0, code, stderr)

	var cfg config.SupervisorConfig
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &cfg))
	assert.Equal(t, "7777", cfg.PublicPort)
	assert.Equal(t, 3200, cfg.FrontendPort)
}

func TestEnvFile_Missing(t *testing.T) {
	isolateEnv(t)

	code, _, stderr := runCLI(t, "--env-file", filepath.Join(t.TempDir(), "missing.env"), "config")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "missing.env")
}

func TestInvalidLogLevel(t *testing.T) {
	isolateEnv(t)

	code, _, stderr := runCLI(t, "--log-level", "loud", "config")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "must be one of: debug, error, info, warn")
}

func TestMaterialize(t *testing.T) {
	dataDir := isolateEnv(t)
	t.Setenv("GOOGLE_API_KEY", "secret-key")
	t.Setenv("LLM", "openai")

	code, stdout, stderr := runCLI(t, "materialize")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "<redacted>")
	assert.NotContains(t, stdout, "secret-key")

	// #nosec G304 -- path is constructed from test temp directory, safe
	data, err := os.ReadFile(filepath.Join(dataDir, state.UserConfigFileName))
	require.NoError(t, err)
	var doc map[string]string
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "secret-key", doc["GOOGLE_API_KEY"])
	assert.Equal(t, "openai", doc["LLM"])
}

func TestRun_GatewayStartFailure(t *testing.T) {
	dataDir := isolateEnv(t)
	gatewayConfig := filepath.Join(dataDir, "nginx", "nginx.conf")
	t.Setenv("STACKVISOR_GATEWAY_COMMAND", "/nonexistent/nginx")
	t.Setenv("STACKVISOR_GATEWAY_CONFIG_PATH", gatewayConfig)

	code, _, stderr := runCLI(t, "run")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "failed to start gateway")

	// the user config and the bootstrap gateway config are written before anything starts
	_, err := os.Stat(filepath.Join(dataDir, state.UserConfigFileName))
	assert.NoError(t, err)
	// #nosec G304 -- path is constructed from test temp directory, safe
	data, err := os.ReadFile(gatewayConfig)
	require.NoError(t, err)
	assert.Contains(t, string(data), gateway.StartingMessage)

	info, err := os.Stat(filepath.Join(dataDir, "scratch"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRun_IsDefaultCommand(t *testing.T) {
	dataDir := isolateEnv(t)
	t.Setenv("STACKVISOR_GATEWAY_COMMAND", "/nonexistent/nginx")
	t.Setenv("STACKVISOR_GATEWAY_CONFIG_PATH", filepath.Join(dataDir, "nginx.conf"))

	code, _, stderr := runCLI(t)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "failed to start gateway")
}

func TestRootCmd_RejectsArgs(t *testing.T) {
	isolateEnv(t)

	code, _, stderr := runCLI(t, "unexpected")
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, stderr)
}

func TestSetupSignalHandling(t *testing.T) {
	ctx, cancel := setupSignalHandling(context.Background())
	assert.NotNil(t, ctx)

	cancel()
	select {
	case <-ctx.Done():
	default:
		t.Fatal("Context should be cancelled")
	}
}
