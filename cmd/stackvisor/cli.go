package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/presenton/stackvisor/internal/config"
	"github.com/presenton/stackvisor/internal/core"
)

// cli holds the persistent flags and the state every subcommand shares.
type cli struct {
	configPath string
	envFiles   []string
	prettyLog  bool
	logLevel   string

	cfg *config.SupervisorConfig
	fs  afero.Fs
}

// setup loads dotenv files, configuration and the logger. It runs before every command.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if err := loadEnvFiles(c.envFiles); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	c.cfg = cfg

	level := cfg.LogLevel
	if c.logLevel != "" {
		if _, ok := config.ValidLogLevels()[config.LogLevel(c.logLevel)]; !ok {
			return fmt.Errorf("invalid log level %q, must be one of: %s", c.logLevel, core.JoinMapKeys(config.ValidLogLevels()))
		}
		level = c.logLevel
	}

	pretty := cfg.ResolveLogFormat(c.prettyLog) == config.LogFormatPretty
	if err := core.Init(pretty, level); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}

	zap.L().Debug("Configuration loaded",
		zap.String("command", cmd.Name()),
		zap.String("config_path", c.configPath),
		zap.Strings("env_files", c.envFiles))
	return nil
}

// loadEnvFiles loads dotenv files into the process environment. Variables
// that are already set are left untouched.
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		return nil
	}
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("env file %s: %w", file, err)
		}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}
