package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.teachnlearn/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default" yaml:"default"`
	Channel ConfigChannel `toml:"channel" yaml:"channel"`
	Serve   ConfigServe   `toml:"serve" yaml:"serve"`
}

// ConfigDefault holds API access settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url" yaml:"base_url" validate:"omitempty,url"`
	Token    string `toml:"token" yaml:"token"`
	Audience string `toml:"audience" yaml:"audience"`
}

// ConfigChannel tunes the push channel. Durations use Go syntax ("10s").
type ConfigChannel struct {
	ReconnectFloor   string `toml:"reconnect_floor" yaml:"reconnect_floor" validate:"omitempty,duration"`
	ReconnectCeiling string `toml:"reconnect_ceiling" yaml:"reconnect_ceiling" validate:"omitempty,duration"`
	Heartbeat        string `toml:"heartbeat" yaml:"heartbeat" validate:"omitempty,duration"`
	StaleAfter       string `toml:"stale_after" yaml:"stale_after" validate:"omitempty,duration"`
}

// ConfigServe holds dev hub settings.
type ConfigServe struct {
	Addr          string `toml:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
	JWTSecret     string `toml:"jwt_secret" yaml:"jwt_secret"`
	PublishSecret string `toml:"publish_secret" yaml:"publish_secret"`
}

const (
	envBaseURL = "TEACHNLEARN_BASE_URL"
	envToken   = "TEACHNLEARN_TOKEN"
)

// ============================================================================
// Config helpers
// ============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// configDir returns the path to ~/.teachnlearn, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".teachnlearn")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the --config file, or the default config file.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return readConfig(path)
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}

	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk in the file's format.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return writeConfig(path, cfg)
}

func writeConfig(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// effectiveConfig loads the config file, applies environment overrides and
// validates the result.
func effectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg, os.LookupEnv)
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(envBaseURL); ok && v != "" {
		cfg.Default.BaseURL = v
	}
	if v, ok := lookup(envToken); ok && v != "" {
		cfg.Default.Token = v
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "audience":
			cfg.Default.Audience = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "channel":
		switch field {
		case "reconnect_floor":
			cfg.Channel.ReconnectFloor = value
		case "reconnect_ceiling":
			cfg.Channel.ReconnectCeiling = value
		case "heartbeat":
			cfg.Channel.Heartbeat = value
		case "stale_after":
			cfg.Channel.StaleAfter = value
		default:
			return fmt.Errorf("unknown field %q in section [channel]", field)
		}
	case "serve":
		switch field {
		case "addr":
			cfg.Serve.Addr = value
		case "jwt_secret":
			cfg.Serve.JWTSecret = value
		case "publish_secret":
			cfg.Serve.PublishSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [serve]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, channel, serve)", section)
	}
	return validate.Struct(cfg)
}

// ============================================================================
// Commands
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage teachnlearn configuration",
	Long:  "View or modify the teachnlearn CLI configuration stored in ~/.teachnlearn/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'teachnlearn init <base-url>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: teachnlearn config set channel.heartbeat 10s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
