package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "planstream.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/planstream"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"

	// EnvNATSURL overrides nats.url for container deployments.
	EnvNATSURL = "PLANSTREAM_NATS_URL"
	// EnvDataDir overrides data.dir.
	EnvDataDir = "PLANSTREAM_DATA_DIR"
	// EnvPlannerID overrides planner.id and worker.planner_id together.
	EnvPlannerID = "PLANSTREAM_PLANNER_ID"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/planstream/config.yaml)
// 3. Project config (planstream.yaml in current or parent directories)
// 4. An explicit file passed on the command line, if any
// 5. Environment variables
func (l *Loader) Load(explicitPath string) (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Failed to load user config",
			slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config",
				slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if explicitPath != "" {
		explicit, err := LoadFromFile(explicitPath)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded explicit config", slog.String("path", explicitPath))
		config.Merge(explicit)
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv applies the environment overrides, which beat every file layer.
func (l *Loader) applyEnv(config *Config) {
	if url := os.Getenv(EnvNATSURL); url != "" {
		config.NATS.URL = url
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		config.Data.Dir = dir
	}
	if id := os.Getenv(EnvPlannerID); id != "" {
		config.Planner.ID = id
		config.Worker.PlannerID = id
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't
// exist.
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}
	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file.
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for planstream.yaml in current and parent
// directories.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// AssignmentTimeoutSeconds converts the configured timeout to the whole
// seconds stamped on PlanAssigned events.
func (c *Config) AssignmentTimeoutSeconds() int {
	return int(c.Planner.AssignmentTimeout.Duration() / time.Second)
}
