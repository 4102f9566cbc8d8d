package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for relaybot.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Provider ProviderConfig `json:"provider"`
	Channel  ChannelConfig  `json:"channel"`
	Store    StoreConfig    `json:"store"`
	Gateway  GatewayConfig  `json:"gateway"`
	Tools    ToolsConfig    `json:"tools"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"`
}

// ProviderConfig configures the completion provider (OpenAI-compatible API).
type ProviderConfig struct {
	APIBase     string  `json:"apiBase,omitempty"`
	APIKey      string  `json:"apiKey"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// ChannelConfig selects and configures the real-time messaging backend.
type ChannelConfig struct {
	Backend  string         `json:"backend"` // "rtm" | "telegram" | "discord" | "slack"
	RTM      RTMConfig      `json:"rtm,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty"`
}

type RTMConfig struct {
	URL string `json:"url"` // websocket endpoint of the RTM service
}

type TelegramConfig struct {
	Token string `json:"token"`
}

type DiscordConfig struct {
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"`
}

type SlackConfig struct {
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"` // required for Socket Mode
}

// StoreConfig tunes the conversation store.
type StoreConfig struct {
	MaxMessages   int    `json:"maxMessages"`             // hard per-conversation cap before trimming
	MaxAgeHours   int    `json:"maxAgeHours"`             // evict conversations idle longer than this
	MemoryCapMB   int    `json:"memoryCapMb"`             // global cap; eviction targets 80% of this
	ArchivePath   string `json:"archivePath,omitempty"`   // sqlite file for evicted conversations ("" = off)
	CleanupMins   int    `json:"cleanupMinutes"`          // cleanup sweep interval
}

type GatewayConfig struct {
	Port    int    `json:"port"`
	APIKey  string `json:"apiKey,omitempty"` // shared bearer token ("" = open)
	Metrics bool   `json:"metrics"`
}

type ToolsConfig struct {
	ManifestDir string `json:"manifestDir,omitempty"` // directory of YAML tool manifests
}

// Defaults returns a config with sane defaults applied.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{LogLevel: "info"},
		Provider: ProviderConfig{
			APIBase:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Channel: ChannelConfig{Backend: "rtm"},
		Store: StoreConfig{
			MaxMessages: 100,
			MaxAgeHours: 24,
			MemoryCapMB: 256,
			CleanupMins: 10,
		},
		Gateway: GatewayConfig{Port: 8080, Metrics: true},
	}
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.ArchivePath = ExpandPath(cfg.Store.ArchivePath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Tools.ManifestDir = ExpandPath(cfg.Tools.ManifestDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Save writes the config as indented JSON.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("cannot write config file %s: %w", path, err)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 0 and 65535")
	}

	if cfg.Store.MaxMessages < 1 {
		errs = append(errs, "store.maxMessages must be >= 1")
	}
	if cfg.Store.MaxAgeHours < 1 {
		errs = append(errs, "store.maxAgeHours must be >= 1")
	}
	if cfg.Store.MemoryCapMB < 1 {
		errs = append(errs, "store.memoryCapMb must be >= 1")
	}

	switch cfg.Channel.Backend {
	case "rtm":
		if cfg.Channel.RTM.URL == "" {
			errs = append(errs, "channel.rtm.url is required for the rtm backend")
		}
	case "telegram":
		if cfg.Channel.Telegram.Token == "" {
			errs = append(errs, "channel.telegram.token is required for the telegram backend")
		}
	case "discord":
		if cfg.Channel.Discord.Token == "" {
			errs = append(errs, "channel.discord.token is required for the discord backend")
		}
	case "slack":
		if cfg.Channel.Slack.BotToken == "" || cfg.Channel.Slack.AppToken == "" {
			errs = append(errs, "channel.slack.botToken and appToken are required for the slack backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("channel.backend must be one of: rtm, telegram, discord, slack (got %q)", cfg.Channel.Backend))
	}

	if cfg.Provider.MaxTokens < 0 {
		errs = append(errs, "provider.maxTokens must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
