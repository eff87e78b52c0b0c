// Package config provides configuration management for stackvisor, including
// loading configuration with precedence (environment > config file > defaults),
// validation, and listing of effective values with their source.
package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/presenton/stackvisor/internal/core"
	"github.com/presenton/stackvisor/internal/gateway"
	"github.com/presenton/stackvisor/internal/state"
)

const (
	DefaultPublicPort               = "8080"
	DefaultAppRoot                  = "/app"
	DefaultTempDirectory            = "/tmp/presenton"
	DefaultBackendPort              = 8000
	DefaultAuxiliaryPort            = 8001
	DefaultFrontendPort             = 3000
	DefaultBackendStartupTimeoutMs  = 120000
	DefaultFrontendStartupTimeoutMs = 300000
	DefaultShutdownGraceMs          = 5000
	DefaultGatewayCommand           = "nginx"
	DefaultGatewayConfigPath        = "/etc/nginx/nginx.conf"
	DefaultGatewayTemplatePath      = "/app/nginx.conf"
	DefaultPythonCommand            = "python3"
	DefaultNodePackageManager       = "npm"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func ValidLogLevels() map[LogLevel]struct{} {
	return map[LogLevel]struct{}{
		LogLevelDebug: {},
		LogLevelInfo:  {},
		LogLevelWarn:  {},
		LogLevelError: {},
	}
}

type LogFormat string

const (
	LogFormatPretty LogFormat = "pretty"
	LogFormatJSON   LogFormat = "json"
)

func ValidLogFormats() map[LogFormat]struct{} {
	return map[LogFormat]struct{}{
		LogFormatPretty: {},
		LogFormatJSON:   {},
	}
}

// SupervisorConfig is the explicit configuration handed to every component.
// It is built once at startup and never read back from the environment.
type SupervisorConfig struct {
	PublicPort       string `yaml:"public_port" mapstructure:"public_port" validate:"required"`               // the only externally reachable port
	AppRoot          string `yaml:"app_root" mapstructure:"app_root" validate:"required"`                     // contains servers/fastapi and servers/nextjs
	AppDataDirectory string `yaml:"app_data_directory" mapstructure:"app_data_directory" validate:"required"` // shared data directory
	UserConfigPath   string `yaml:"user_config_path,omitempty" mapstructure:"user_config_path"`               // defaults to <app_data_directory>/userConfig.json
	TempDirectory    string `yaml:"temp_directory" mapstructure:"temp_directory" validate:"required"`         // scratch space for the services

	BackendPort       int  `yaml:"backend_port" mapstructure:"backend_port" validate:"min=1,max=65535"`
	AuxiliaryPort     int  `yaml:"auxiliary_port" mapstructure:"auxiliary_port" validate:"min=1,max=65535"`
	FrontendPort      int  `yaml:"frontend_port" mapstructure:"frontend_port" validate:"min=1,max=65535"`
	AuxiliaryCritical bool `yaml:"auxiliary_critical" mapstructure:"auxiliary_critical"` // whether the MCP server's exit is fatal

	BackendStartupTimeoutMs  int `yaml:"backend_startup_timeout_ms" mapstructure:"backend_startup_timeout_ms" validate:"min=1"`
	FrontendStartupTimeoutMs int `yaml:"frontend_startup_timeout_ms" mapstructure:"frontend_startup_timeout_ms" validate:"min=1"`
	ShutdownGraceMs          int `yaml:"shutdown_grace_ms" mapstructure:"shutdown_grace_ms" validate:"min=0"`

	GatewayCommand       string `yaml:"gateway_command" mapstructure:"gateway_command" validate:"required"`
	GatewayConfigPath    string `yaml:"gateway_config_path" mapstructure:"gateway_config_path" validate:"required"`
	GatewayTemplatePath  string `yaml:"gateway_template_path" mapstructure:"gateway_template_path" validate:"required"`
	GatewayReloadCommand string `yaml:"gateway_reload_command,omitempty" mapstructure:"gateway_reload_command"` // empty means SIGHUP

	PythonCommand      string `yaml:"python_command" mapstructure:"python_command" validate:"required"`
	NodePackageManager string `yaml:"node_package_manager" mapstructure:"node_package_manager" validate:"required"`

	LogFormat string `yaml:"log_format,omitempty" mapstructure:"log_format"`
	LogLevel  string `yaml:"log_level" mapstructure:"log_level"`
}

// envBindings maps config keys to the environment variables that set them,
// in priority order. Keys not listed here use STACKVISOR_<KEY>.
var envBindings = map[string][]string{
	"public_port":                {"PORT", core.EnvPrefix + "PUBLIC_PORT"},
	"app_data_directory":         {state.EnvAppDataDirectory},
	"user_config_path":           {state.EnvUserConfigPath},
	"temp_directory":             {"TEMP_DIRECTORY"},
	"backend_startup_timeout_ms": {"BACKEND_STARTUP_TIMEOUT_MS"},
}

var defaults = map[string]any{
	"public_port":                 DefaultPublicPort,
	"app_root":                    DefaultAppRoot,
	"app_data_directory":          state.DefaultAppDataDirectory,
	"user_config_path":            "",
	"temp_directory":              DefaultTempDirectory,
	"backend_port":                DefaultBackendPort,
	"auxiliary_port":              DefaultAuxiliaryPort,
	"frontend_port":               DefaultFrontendPort,
	"auxiliary_critical":          true,
	"backend_startup_timeout_ms":  DefaultBackendStartupTimeoutMs,
	"frontend_startup_timeout_ms": DefaultFrontendStartupTimeoutMs,
	"shutdown_grace_ms":           DefaultShutdownGraceMs,
	"gateway_command":             DefaultGatewayCommand,
	"gateway_config_path":         DefaultGatewayConfigPath,
	"gateway_template_path":       DefaultGatewayTemplatePath,
	"gateway_reload_command":      "",
	"python_command":              DefaultPythonCommand,
	"node_package_manager":        DefaultNodePackageManager,
	"log_format":                  "",
	"log_level":                   string(LogLevelInfo),
}

var validate = validator.New()

// Keys returns every configuration key, sorted.
func Keys() []string {
	return slices.Sorted(maps.Keys(defaults))
}

// EnvNames returns the environment variables that set key, in priority order.
func EnvNames(key string) []string {
	if names, ok := envBindings[key]; ok {
		return names
	}
	return []string{core.EnvPrefix + strings.ToUpper(key)}
}

// newViper configures a viper instance with defaults, environment bindings and,
// if configPath is non-empty, the YAML config file at configPath.
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range Keys() {
		if err := v.BindEnv(append([]string{key}, EnvNames(key)...)...); err != nil {
			return nil, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		zap.L().Debug("Loaded config file", zap.String("path", configPath))
	}

	return v, nil
}

// LoadConfig loads configuration with precedence: environment > config file > defaults.
// If configPath is empty only the environment and defaults are used.
func LoadConfig(configPath string) (*SupervisorConfig, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &SupervisorConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	postProcessConfig(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// postProcessConfig fills in values derived from other values
func postProcessConfig(cfg *SupervisorConfig) {
	if cfg.UserConfigPath == "" {
		cfg.UserConfigPath = filepath.Join(cfg.AppDataDirectory, state.UserConfigFileName)
	}
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
}

// validateConfig validates the configuration
func validateConfig(cfg *SupervisorConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := gateway.ValidatePort(cfg.PublicPort); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, ok := ValidLogFormats()[LogFormat(cfg.LogFormat)]; cfg.LogFormat != "" && !ok {
		return fmt.Errorf("invalid configuration: log_format must be one of: %s, got '%s'", core.JoinMapKeys(ValidLogFormats()), cfg.LogFormat)
	}
	if _, ok := ValidLogLevels()[LogLevel(cfg.LogLevel)]; cfg.LogLevel != "" && !ok {
		return fmt.Errorf("invalid configuration: log_level must be one of: %s, got '%s'", core.JoinMapKeys(ValidLogLevels()), cfg.LogLevel)
	}

	ports := map[string]int{
		"backend_port":   cfg.BackendPort,
		"auxiliary_port": cfg.AuxiliaryPort,
		"frontend_port":  cfg.FrontendPort,
	}
	seen := map[int]string{}
	for _, key := range slices.Sorted(maps.Keys(ports)) {
		port := ports[key]
		if other, ok := seen[port]; ok {
			return fmt.Errorf("invalid configuration: %s and %s both use port %d", other, key, port)
		}
		if strconv.Itoa(port) == cfg.PublicPort {
			return fmt.Errorf("invalid configuration: %s conflicts with public_port %s", key, cfg.PublicPort)
		}
		seen[port] = key
	}

	if cfg.FrontendStartupTimeoutMs > 3600000 {
		zap.L().Warn("Frontend startup timeout is very large, consider using a value less than one hour",
			zap.Int("frontend_startup_timeout_ms", cfg.FrontendStartupTimeoutMs))
	}

	return nil
}

// ResolveLogFormat returns the log format to use: an explicit flag wins, then
// the configured format, then pretty output when stdout is a terminal.
func (cfg *SupervisorConfig) ResolveLogFormat(prettyFlag bool) LogFormat {
	if prettyFlag {
		return LogFormatPretty
	}
	if cfg.LogFormat != "" {
		return LogFormat(cfg.LogFormat)
	}
	if core.StdoutIsTerminal() {
		return LogFormatPretty
	}
	return LogFormatJSON
}

// MaterializerOverrides returns the environment-style overrides for the user
// config materializer: the process environment plus the resolved data paths.
func (cfg *SupervisorConfig) MaterializerOverrides(environ []string) map[string]string {
	overrides := core.EnvMap(environ)
	overrides[state.EnvAppDataDirectory] = cfg.AppDataDirectory
	overrides[state.EnvUserConfigPath] = cfg.UserConfigPath
	return overrides
}

// ConfigValue represents a configuration value with its source
type ConfigValue struct {
	Value  any
	Source string // "env", "file", or "default"
}

// ListConfig returns every effective configuration value and where it came from.
func ListConfig(configPath string) (map[string]*ConfigValue, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	var fileViper *viper.Viper
	if configPath != "" {
		fileViper = viper.New()
		fileViper.SetConfigFile(configPath)
		if err := fileViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	values := make(map[string]*ConfigValue, len(defaults))
	for _, key := range Keys() {
		source := "default"
		switch {
		case envIsSet(key):
			source = "env"
		case fileViper != nil && fileViper.IsSet(key):
			source = "file"
		}
		values[key] = &ConfigValue{Value: v.Get(key), Source: source}
	}
	return values, nil
}

func envIsSet(key string) bool {
	for _, name := range EnvNames(key) {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}
