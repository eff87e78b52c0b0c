// Package gateway renders and applies the reverse-proxy configuration that
// fronts the application stack on the public port.
package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"text/template"

	"github.com/spf13/afero"
)

const (
	// HealthPath answers 200 in every phase.
	HealthPath = "/health"

	// StartingMessage is the body served on every other path during bootstrap.
	StartingMessage = "Application is starting, please retry shortly."
)

var (
	// ErrTemplateNotFound means no final template exists; the gateway stays on bootstrap.
	ErrTemplateNotFound = errors.New("gateway template not found")

	// ErrNoListenDirective means the template has nothing to put the public port into.
	ErrNoListenDirective = errors.New("gateway template has no listen directive")
)

// listenDirective matches the placeholder in the final template: a line-leading
// `listen <number>;`. Only the number is ever replaced.
var listenDirective = regexp.MustCompile(`(?m)^[ \t]*listen[ \t]+(\d+)[ \t]*;`)

var bootstrapTemplate = template.Must(template.New("bootstrap").Parse(`worker_processes 1;

events {
    worker_connections 1024;
}

http {
    access_log /dev/stdout;
    error_log /dev/stderr warn;

    server {
        listen {{.Port}};
        server_name _;

        location = {{.HealthPath}} {
            default_type application/json;
            return 200 '{"status":"ok","phase":"bootstrap"}';
        }

        location / {
            default_type text/plain;
            add_header Retry-After 5 always;
            return 200 '{{.Message}}';
        }
    }
}
`))

// ValidatePort checks that port is a decimal TCP port number.
func ValidatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || strconv.Itoa(n) != port {
		return fmt.Errorf("invalid public port %q: must be a decimal number", port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("invalid public port %q: must be between 1 and 65535", port)
	}
	return nil
}

// RenderBootstrap returns a self-contained configuration that listens on
// publicPort and answers HealthPath and / with fixed 200 responses.
func RenderBootstrap(publicPort string) (string, error) {
	if err := ValidatePort(publicPort); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err := bootstrapTemplate.Execute(&buf, struct {
		Port       string
		HealthPath string
		Message    string
	}{
		Port:       publicPort,
		HealthPath: HealthPath,
		Message:    StartingMessage,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render bootstrap config: %w", err)
	}
	return buf.String(), nil
}

// RenderFinal loads the template at templatePath and replaces the number of its
// first `listen <number>;` directive with publicPort. Every other byte passes
// through unchanged. It returns ErrTemplateNotFound when the template is absent.
func RenderFinal(fsys afero.Fs, templatePath string, publicPort string) (string, error) {
	if err := ValidatePort(publicPort); err != nil {
		return "", err
	}

	data, err := afero.ReadFile(fsys, templatePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, templatePath)
		}
		return "", fmt.Errorf("failed to read gateway template %s: %w", templatePath, err)
	}

	return SubstituteListenPort(string(data), publicPort)
}

// SubstituteListenPort replaces the port of the first `listen <number>;`
// directive in config with publicPort.
func SubstituteListenPort(config string, publicPort string) (string, error) {
	loc := listenDirective.FindStringSubmatchIndex(config)
	if loc == nil {
		return "", ErrNoListenDirective
	}

	start, end := loc[2], loc[3]
	return config[:start] + publicPort + config[end:], nil
}
