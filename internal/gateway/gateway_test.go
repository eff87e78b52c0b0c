package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presenton/stackvisor/internal/core"
)

// hupRecorder is a stand-in gateway: it appends a line to marker on every SIGHUP.
func hupRecorder(marker string) (string, []string) {
	script := `trap 'echo reloaded >> "$0"' HUP; while :; do sleep 0.05; done`
	return "/bin/sh", []string{"-c", script, marker}
}

func newTestGateway(t *testing.T, templateContent string) (*Gateway, string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("Skipping gateway process test on Windows")
	}

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nginx", "nginx.conf")
	templatePath := filepath.Join(tmpDir, "nginx.conf.template")
	marker := filepath.Join(tmpDir, "reloads")

	if templateContent != "" {
		// #nosec G306 -- test file permissions are acceptable for temporary test files
		require.NoError(t, os.WriteFile(templatePath, []byte(templateContent), 0644))
	}

	command, args := hupRecorder(marker)
	g := New(afero.NewOsFs(), Options{
		ConfigPath:   configPath,
		TemplatePath: templatePath,
		PublicPort:   "8080",
		Command:      command,
		Args:         args,
	})
	t.Cleanup(func() { _ = g.Process().Terminate(time.Second) })
	return g, configPath, marker
}

func waitForReloads(t *testing.T, marker string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		// #nosec G304 -- path is constructed from test temp directory, safe
		data, err := os.ReadFile(marker)
		return err == nil && strings.Count(string(data), "reloaded") >= want
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGateway_WriteBootstrap(t *testing.T) {
	g, configPath, _ := newTestGateway(t, "")

	require.NoError(t, g.WriteBootstrap())
	assert.Equal(t, PhaseBootstrap, g.Phase())

	// #nosec G304 -- path is constructed from test temp directory, safe
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	expected, err := RenderBootstrap("8080")
	require.NoError(t, err)
	assert.Equal(t, expected, string(data))
}

func TestGateway_WriteBootstrap_ReadOnly(t *testing.T) {
	g := New(afero.NewReadOnlyFs(afero.NewMemMapFs()), Options{ConfigPath: "/etc/nginx/nginx.conf", PublicPort: "8080", Command: "nginx"})
	err := g.WriteBootstrap()
	require.Error(t, err)
}

func TestGateway_SwitchToFinal(t *testing.T) {
	g, configPath, marker := newTestGateway(t, "listen 80;\nserver_name _;\n")

	require.NoError(t, g.WriteBootstrap())
	require.NoError(t, g.Start(context.Background()))

	// give the shell time to install its trap
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, g.SwitchToFinal(context.Background()))
	assert.Equal(t, PhaseFinal, g.Phase())

	// #nosec G304 -- path is constructed from test temp directory, safe
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, "listen 8080;\nserver_name _;\n", string(data))

	waitForReloads(t, marker, 1)

	// the process was reloaded, not restarted
	assert.Equal(t, core.ProcessStateRunning, g.Process().GetState())
	select {
	case <-g.Process().Done():
		t.Fatal("gateway process must keep running across the reload")
	default:
	}
}

func TestGateway_SwitchToFinal_TemplateMissing(t *testing.T) {
	g, configPath, marker := newTestGateway(t, "")

	require.NoError(t, g.WriteBootstrap())
	require.NoError(t, g.Start(context.Background()))

	err := g.SwitchToFinal(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
	assert.Equal(t, PhaseBootstrap, g.Phase())

	// #nosec G304 -- path is constructed from test temp directory, safe
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), StartingMessage)

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "no reload should be issued")
}

func TestGateway_SwitchToFinal_NotRunning(t *testing.T) {
	g, _, _ := newTestGateway(t, "listen 80;\n")

	require.NoError(t, g.WriteBootstrap())
	err := g.SwitchToFinal(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reload gateway")
	assert.Equal(t, PhaseBootstrap, g.Phase())
}

func TestGateway_SwitchToFinal_ReloadFailureRestoresBootstrap(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/app/nginx.conf", []byte("listen 80;\nlocation / { proxy_pass http://127.0.0.1:3000; }\n"), 0644))

	// never started, so the reload signal cannot be delivered
	g := New(fsys, Options{
		ConfigPath:   "/etc/nginx/nginx.conf",
		TemplatePath: "/app/nginx.conf",
		PublicPort:   "8080",
		Command:      "/bin/sh",
	})
	require.NoError(t, g.WriteBootstrap())
	bootstrap, err := afero.ReadFile(fsys, "/etc/nginx/nginx.conf")
	require.NoError(t, err)

	require.Error(t, g.SwitchToFinal(context.Background()))

	onDisk, err := afero.ReadFile(fsys, "/etc/nginx/nginx.conf")
	require.NoError(t, err)
	assert.Equal(t, string(bootstrap), string(onDisk))
	assert.NotContains(t, string(onDisk), "proxy_pass")
	assert.Equal(t, PhaseBootstrap, g.Phase())
}

func TestGateway_SwitchToFinal_ReloadCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping gateway process test on Windows")
	}

	tmpDir := t.TempDir()
	templatePath := filepath.Join(tmpDir, "template.conf")
	marker := filepath.Join(tmpDir, "reload-command")
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(templatePath, []byte("listen 80;\n"), 0644))

	g := New(afero.NewOsFs(), Options{
		ConfigPath:    filepath.Join(tmpDir, "nginx.conf"),
		TemplatePath:  templatePath,
		PublicPort:    "9090",
		Command:       "/bin/sh",
		Args:          []string{"-c", "exec sleep 30"},
		ReloadCommand: []string{"/bin/sh", "-c", `touch "$0"`, marker},
	})
	t.Cleanup(func() { _ = g.Process().Terminate(time.Second) })

	require.NoError(t, g.WriteBootstrap())
	require.NoError(t, g.Start(context.Background()))
	require.NoError(t, g.SwitchToFinal(context.Background()))

	_, err := os.Stat(marker)
	assert.NoError(t, err)
	assert.Equal(t, PhaseFinal, g.Phase())
}

func TestGateway_SwitchToFinal_ReloadCommandFails(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping gateway process test on Windows")
	}

	tmpDir := t.TempDir()
	templatePath := filepath.Join(tmpDir, "template.conf")
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(templatePath, []byte("listen 80;\n"), 0644))

	g := New(afero.NewOsFs(), Options{
		ConfigPath:    filepath.Join(tmpDir, "nginx.conf"),
		TemplatePath:  templatePath,
		PublicPort:    "9090",
		Command:       "/bin/sh",
		Args:          []string{"-c", "exec sleep 30"},
		ReloadCommand: []string{"/bin/sh", "-c", "exit 1"},
	})
	t.Cleanup(func() { _ = g.Process().Terminate(time.Second) })

	require.NoError(t, g.WriteBootstrap())
	require.NoError(t, g.Start(context.Background()))

	err := g.SwitchToFinal(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway reload command failed")
	assert.Equal(t, PhaseBootstrap, g.Phase())

	// #nosec G304 -- path is constructed from test temp directory, safe
	data, err := os.ReadFile(filepath.Join(tmpDir, "nginx.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(data), StartingMessage)
	assert.NotContains(t, string(data), "listen 80;")
}

func TestGateway_Start_Failure(t *testing.T) {
	g := New(afero.NewMemMapFs(), Options{ConfigPath: "/etc/nginx/nginx.conf", PublicPort: "8080", Command: "/nonexistent/nginx"})
	require.NoError(t, g.WriteBootstrap())

	err := g.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start gateway")
}
