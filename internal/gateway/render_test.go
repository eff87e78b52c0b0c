package gateway

import (
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTemplate = `worker_processes auto;

events {
    worker_connections 1024;
}

http {
    # listen 9999; is only a comment
    server {
        listen 80;
        listen [::]:80;
        server_name _;

        location / {
            proxy_pass http://127.0.0.1:3000;
        }

        location /api/v1/ {
            proxy_pass http://127.0.0.1:8000;
        }
    }
}
`

func TestValidatePort(t *testing.T) {
	assert.NoError(t, ValidatePort("8080"))
	assert.NoError(t, ValidatePort("1"))
	assert.NoError(t, ValidatePort("65535"))

	for _, bad := range []string{"", "0", "65536", "-1", "80a", "080", " 80", "8080;"} {
		assert.Error(t, ValidatePort(bad), "port %q should be rejected", bad)
	}
}

func TestRenderBootstrap(t *testing.T) {
	config, err := RenderBootstrap("8080")
	require.NoError(t, err)

	assert.Contains(t, config, "listen 8080;")
	assert.Contains(t, config, "location = "+HealthPath+" {")
	assert.Contains(t, config, "return 200 '{\"status\":\"ok\",\"phase\":\"bootstrap\"}';")
	assert.Contains(t, config, "location / {")
	assert.Contains(t, config, "return 200 '"+StartingMessage+"';")
	assert.NotContains(t, config, "proxy_pass", "bootstrap must not require an upstream")
	assert.NotContains(t, config, "daemon", "daemon mode is set on the command line")
	assert.Equal(t, strings.Count(config, "{"), strings.Count(config, "}"))
}

func TestRenderBootstrap_InvalidPort(t *testing.T) {
	_, err := RenderBootstrap("http")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid public port")
}

func TestSubstituteListenPort_Scenario(t *testing.T) {
	rendered, err := SubstituteListenPort("listen 8080;\nserver_name _;", "9090")
	require.NoError(t, err)
	assert.Equal(t, "listen 9090;\nserver_name _;", rendered)
}

func TestSubstituteListenPort_OnlyFirstDirective(t *testing.T) {
	rendered, err := SubstituteListenPort("listen 80;\nlisten 81;\n", "8080")
	require.NoError(t, err)
	assert.Equal(t, "listen 8080;\nlisten 81;\n", rendered)
}

func TestSubstituteListenPort_NoDirective(t *testing.T) {
	_, err := SubstituteListenPort("server_name _;\nlisten [::]:80;\n", "8080")
	assert.ErrorIs(t, err, ErrNoListenDirective)
}

func TestRenderFinal_LeavesOtherLinesIdentical(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/app/nginx.conf", []byte(sampleTemplate), 0644))

	rendered, err := RenderFinal(fsys, "/app/nginx.conf", "9090")
	require.NoError(t, err)

	before := strings.Split(sampleTemplate, "\n")
	after := strings.Split(rendered, "\n")
	require.Len(t, after, len(before))

	changed := 0
	for i := range before {
		if before[i] == after[i] {
			continue
		}
		changed++
		assert.Equal(t, "        listen 80;", before[i])
		assert.Equal(t, "        listen 9090;", after[i])
	}
	assert.Equal(t, 1, changed, "exactly one line may change")
	assert.Contains(t, rendered, "# listen 9999; is only a comment")
	assert.Contains(t, rendered, "listen [::]:80;")
}

func TestRenderFinal_TemplateMissing(t *testing.T) {
	_, err := RenderFinal(afero.NewMemMapFs(), "/app/nginx.conf", "8080")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
}

func TestRenderFinal_InvalidPort(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/app/nginx.conf", []byte(sampleTemplate), 0644))

	_, err := RenderFinal(fsys, "/app/nginx.conf", "99999")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTemplateNotFound))
}
