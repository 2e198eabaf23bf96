package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ShayCichocki/concerto/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify concerto configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/concerto/config.yaml
Project-specific overrides can be placed in .concerto.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default user config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.GetUserConfigPath()
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Config already exists at %s\n", path)
			return nil
		}
		if err := config.Save(config.Default()); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("anthropic.api_key: %s\n", config.MaskAPIKey(cfg.Anthropic.APIKey))
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("anthropic.aws_region: %s\n", cfg.Anthropic.AWSRegion)
	fmt.Printf("anthropic.aws_profile: %s\n", cfg.Anthropic.AWSProfile)
	fmt.Printf("defaults.max_movements: %d\n", cfg.Defaults.MaxMovements)
	fmt.Printf("defaults.model: %s\n", cfg.Defaults.Model)
	fmt.Printf("defaults.report_dir: %s\n", cfg.Defaults.ReportDir)
	fmt.Printf("defaults.persona_dir: %s\n", cfg.Defaults.PersonaDir)
	fmt.Printf("defaults.auto_extend: %d\n", cfg.Defaults.AutoExtend)
	fmt.Printf("loop.threshold: %d\n", cfg.Loop.Threshold)
	fmt.Printf("loop.action: %s\n", cfg.Loop.Action)
	fmt.Printf("team_leader.max_concurrency: %d\n", cfg.TeamLeader.MaxConcurrency)
	fmt.Printf("team_leader.refill_threshold: %d\n", cfg.TeamLeader.RefillThreshold)
	fmt.Printf("team_leader.max_total_parts: %d\n", cfg.TeamLeader.MaxTotalParts)
	fmt.Printf("run.grace_period: %s\n", cfg.Run.GracePeriod)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		return config.MaskAPIKey(cfg.Anthropic.APIKey), nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "anthropic.aws_region":
		return cfg.Anthropic.AWSRegion, nil
	case "anthropic.aws_profile":
		return cfg.Anthropic.AWSProfile, nil
	case "defaults.max_movements":
		return strconv.Itoa(cfg.Defaults.MaxMovements), nil
	case "defaults.model":
		return cfg.Defaults.Model, nil
	case "defaults.report_dir":
		return cfg.Defaults.ReportDir, nil
	case "defaults.persona_dir":
		return cfg.Defaults.PersonaDir, nil
	case "defaults.auto_extend":
		return strconv.Itoa(cfg.Defaults.AutoExtend), nil
	case "loop.threshold":
		return strconv.Itoa(cfg.Loop.Threshold), nil
	case "loop.action":
		return cfg.Loop.Action, nil
	case "team_leader.max_concurrency":
		return strconv.Itoa(cfg.TeamLeader.MaxConcurrency), nil
	case "team_leader.refill_threshold":
		return strconv.Itoa(cfg.TeamLeader.RefillThreshold), nil
	case "team_leader.max_total_parts":
		return strconv.Itoa(cfg.TeamLeader.MaxTotalParts), nil
	case "run.grace_period":
		return cfg.Run.GracePeriod.String(), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.use_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_bedrock: %w", err)
		}
		cfg.Anthropic.UseBedrock = b
	case "anthropic.aws_region":
		cfg.Anthropic.AWSRegion = value
	case "anthropic.aws_profile":
		cfg.Anthropic.AWSProfile = value
	case "defaults.max_movements":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_movements: %w", err)
		}
		cfg.Defaults.MaxMovements = n
	case "defaults.model":
		cfg.Defaults.Model = value
	case "defaults.report_dir":
		cfg.Defaults.ReportDir = value
	case "defaults.persona_dir":
		cfg.Defaults.PersonaDir = value
	case "defaults.auto_extend":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for auto_extend: %w", err)
		}
		cfg.Defaults.AutoExtend = n
	case "loop.threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for loop.threshold: %w", err)
		}
		cfg.Loop.Threshold = n
	case "loop.action":
		switch value {
		case "warn", "abort", "ignore":
			cfg.Loop.Action = value
		default:
			return fmt.Errorf("invalid loop.action %q: must be warn, abort, or ignore", value)
		}
	case "team_leader.max_concurrency":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_concurrency: %w", err)
		}
		cfg.TeamLeader.MaxConcurrency = n
	case "team_leader.refill_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for refill_threshold: %w", err)
		}
		cfg.TeamLeader.RefillThreshold = n
	case "team_leader.max_total_parts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_total_parts: %w", err)
		}
		cfg.TeamLeader.MaxTotalParts = n
	case "run.grace_period":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for grace_period: %w", err)
		}
		cfg.Run.GracePeriod = d
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
