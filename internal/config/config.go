// Package config handles configuration loading and management for concerto.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for concerto.
type Config struct {
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Defaults   DefaultsConfig   `mapstructure:"defaults"`
	Loop       LoopConfig       `mapstructure:"loop"`
	TeamLeader TeamLeaderConfig `mapstructure:"team_leader"`
	Run        RunConfig        `mapstructure:"run"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	// UseBedrock routes API calls through AWS Bedrock.
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// DefaultsConfig holds default values for piece runs.
type DefaultsConfig struct {
	// MaxMovements is the iteration budget applied when a run does not
	// set one.
	MaxMovements int `mapstructure:"max_movements"`
	// Model is the model passed to executor calls.
	Model string `mapstructure:"model"`
	// ReportDir is where {report:<name>} paths resolve.
	ReportDir string `mapstructure:"report_dir"`
	// PersonaDir holds <persona>.md system-prompt files.
	PersonaDir string `mapstructure:"persona_dir"`
	// AutoExtend is the number of movements granted automatically when
	// the budget is hit; zero means ask or halt.
	AutoExtend int `mapstructure:"auto_extend"`
}

// LoopConfig holds loop detector settings.
type LoopConfig struct {
	Threshold int    `mapstructure:"threshold"`
	Action    string `mapstructure:"action"`
}

// TeamLeaderConfig holds fallback values for team-leader movements that do
// not set their own.
type TeamLeaderConfig struct {
	MaxConcurrency  int `mapstructure:"max_concurrency"`
	RefillThreshold int `mapstructure:"refill_threshold"`
	MaxTotalParts   int `mapstructure:"max_total_parts"`
}

// RunConfig holds run-level process settings.
type RunConfig struct {
	// GracePeriod is how long a graceful stop waits before forcing
	// termination.
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.concerto.yaml in current directory or parent)
// 3. User config (~/.config/concerto/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("defaults.max_movements", cfg.Defaults.MaxMovements)
	v.Set("defaults.model", cfg.Defaults.Model)
	v.Set("defaults.report_dir", cfg.Defaults.ReportDir)
	v.Set("defaults.persona_dir", cfg.Defaults.PersonaDir)
	v.Set("defaults.auto_extend", cfg.Defaults.AutoExtend)
	v.Set("loop.threshold", cfg.Loop.Threshold)
	v.Set("loop.action", cfg.Loop.Action)
	v.Set("team_leader.max_concurrency", cfg.TeamLeader.MaxConcurrency)
	v.Set("team_leader.refill_threshold", cfg.TeamLeader.RefillThreshold)
	v.Set("team_leader.max_total_parts", cfg.TeamLeader.MaxTotalParts)
	v.Set("run.grace_period", cfg.Run.GracePeriod.String())

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("defaults.max_movements", 30)
	v.SetDefault("defaults.model", "")
	v.SetDefault("defaults.report_dir", "reports")
	v.SetDefault("defaults.persona_dir", "personas")
	v.SetDefault("defaults.auto_extend", 0)

	v.SetDefault("loop.threshold", 10)
	v.SetDefault("loop.action", "warn")

	v.SetDefault("team_leader.max_concurrency", 3)
	v.SetDefault("team_leader.refill_threshold", 1)
	v.SetDefault("team_leader.max_total_parts", 12)

	v.SetDefault("run.grace_period", "30s")
}

// getUserConfigDir returns the XDG config directory for concerto.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "concerto")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "concerto")
	}
	return filepath.Join(home, ".config", "concerto")
}

// findProjectConfig searches for .concerto.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".concerto.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Defaults: DefaultsConfig{
			MaxMovements: 30,
			ReportDir:    "reports",
			PersonaDir:   "personas",
		},
		Loop: LoopConfig{
			Threshold: 10,
			Action:    "warn",
		},
		TeamLeader: TeamLeaderConfig{
			MaxConcurrency:  3,
			RefillThreshold: 1,
			MaxTotalParts:   12,
		},
		Run: RunConfig{
			GracePeriod: 30 * time.Second,
		},
	}
}
