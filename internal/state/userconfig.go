// Package state materializes the user configuration document shared between
// the supervisor and the backend process.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/presenton/stackvisor/internal/core"
)

const (
	EnvAppDataDirectory = "APP_DATA_DIRECTORY"
	EnvUserConfigPath   = "USER_CONFIG_PATH"

	DefaultAppDataDirectory = "/tmp"
	UserConfigFileName      = "userConfig.json"

	// KeyCanChangeKeys is the mutability flag for credential fields. It is
	// persisted for the services to honour; resolution here ignores it.
	KeyCanChangeKeys = "CAN_CHANGE_KEYS"
)

// fieldKind classifies how a recognized key is resolved and printed.
type fieldKind int

const (
	fieldSetting fieldKind = iota
	fieldCredential
)

type field struct {
	key          string
	kind         fieldKind
	defaultValue string
}

// recognizedFields lists every key written to the user config document.
var recognizedFields = []field{
	{key: "LLM", defaultValue: "google"},
	{key: "GOOGLE_MODEL", defaultValue: "gemini-1.5-pro"},
	{key: "IMAGE_PROVIDER", defaultValue: "pexels"},
	{key: KeyCanChangeKeys, defaultValue: "false"},
	{key: "OPENAI_MODEL"},
	{key: "ANTHROPIC_MODEL"},
	{key: "OLLAMA_URL"},
	{key: "OLLAMA_MODEL"},
	{key: "CUSTOM_LLM_URL"},
	{key: "CUSTOM_MODEL"},
	{key: "GOOGLE_API_KEY", kind: fieldCredential},
	{key: "PEXELS_API_KEY", kind: fieldCredential},
	{key: "OPENAI_API_KEY", kind: fieldCredential},
	{key: "ANTHROPIC_API_KEY", kind: fieldCredential},
	{key: "CUSTOM_LLM_API_KEY", kind: fieldCredential},
	{key: "PIXABAY_API_KEY", kind: fieldCredential},
}

// RecognizedKeys returns the keys the materializer resolves, in document order.
func RecognizedKeys() []string {
	keys := make([]string, 0, len(recognizedFields))
	for _, f := range recognizedFields {
		keys = append(keys, f.key)
	}
	return keys
}

// IsCredentialKey reports whether key holds a secret.
func IsCredentialKey(key string) bool {
	for _, f := range recognizedFields {
		if f.key == key {
			return f.kind == fieldCredential
		}
	}
	return false
}

// RuntimeConfig is the flat, string-valued user configuration document.
type RuntimeConfig map[string]string

// CanChangeKeys reports the recorded mutability flag.
func (c RuntimeConfig) CanChangeKeys() bool {
	return c[KeyCanChangeKeys] == "true"
}

// Redacted returns a copy with credential values masked, suitable for logs.
func (c RuntimeConfig) Redacted() RuntimeConfig {
	redacted := make(RuntimeConfig, len(c))
	for key, value := range c {
		if IsCredentialKey(key) && value != "" {
			value = "<redacted>"
		}
		redacted[key] = value
	}
	return redacted
}

// Materialized is the outcome of Materialize: where the document lives and what it holds.
type Materialized struct {
	DataDir string
	Path    string
	Config  RuntimeConfig
}

// Env returns the environment overlay that points supervised services at the document.
func (m *Materialized) Env() map[string]string {
	return map[string]string{
		EnvAppDataDirectory: m.DataDir,
		EnvUserConfigPath:   m.Path,
	}
}

// ResolvePaths returns the data directory and the user config path for overrides.
// An explicit USER_CONFIG_PATH wins over the data directory default.
func ResolvePaths(overrides map[string]string) (dataDir string, configPath string) {
	dataDir = overrides[EnvAppDataDirectory]
	if dataDir == "" {
		dataDir = DefaultAppDataDirectory
	}

	configPath = overrides[EnvUserConfigPath]
	if configPath == "" {
		configPath = filepath.Join(dataDir, UserConfigFileName)
	}
	return dataDir, configPath
}

// Materialize resolves the user configuration from overrides, any previously
// persisted document, and defaults, then rewrites the document on fsys.
// A missing or corrupt prior document is treated as empty. Filesystem write
// failures are returned.
func Materialize(fsys afero.Fs, overrides map[string]string) (*Materialized, error) {
	dataDir, configPath := ResolvePaths(overrides)

	// The data directory is handed to every service even when the document lives elsewhere.
	for _, dir := range []string{dataDir, filepath.Dir(configPath)} {
		// #nosec G301 -- the directory is shared with the backend process
		if err := fsys.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	existing := loadExisting(fsys, configPath)
	resolved := resolve(overrides, existing)

	data, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user config: %w", err)
	}

	// #nosec G306 -- the backend runs as the same user and must read this file
	if err := core.WriteFileAtomic(fsys, configPath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write user config: %w", err)
	}

	zap.L().Info("User configuration materialized",
		zap.String("path", configPath),
		zap.Strings("keys", slices.Sorted(maps.Keys(resolved))),
		zap.Bool("can_change_keys", resolved.CanChangeKeys()))

	return &Materialized{DataDir: dataDir, Path: configPath, Config: resolved}, nil
}

// resolve applies override > persisted > default to every recognized field,
// credentials included. Empty strings count as absent so an empty variable
// never clears a value.
func resolve(overrides map[string]string, existing RuntimeConfig) RuntimeConfig {
	resolved := RuntimeConfig{}
	for _, f := range recognizedFields {
		value := overrides[f.key]
		if value == "" {
			value = existing[f.key]
		}
		if value == "" {
			value = f.defaultValue
		}
		if value != "" {
			resolved[f.key] = value
		}
	}
	return resolved
}

// loadExisting reads the prior document. Anything unreadable yields an empty config.
func loadExisting(fsys afero.Fs, path string) RuntimeConfig {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			zap.L().Warn("Failed to read existing user config, ignoring it",
				zap.String("path", path), zap.Error(err))
		}
		return RuntimeConfig{}
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		zap.L().Warn("Existing user config is not valid JSON, ignoring it",
			zap.String("path", path), zap.Error(err))
		return RuntimeConfig{}
	}

	existing := RuntimeConfig{}
	for key, value := range raw {
		if s, ok := value.(string); ok {
			existing[key] = s
		}
	}
	return existing
}
