package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/convstore"
	"relaybot/internal/domain"
	"relaybot/internal/gateway"
	"relaybot/internal/orchestrator"
	"relaybot/internal/provider"
	"relaybot/internal/tool"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "relaybot",
		Short: "relaybot: streaming LLM conversation proxy with channel relay",
		Long:  "relaybot proxies conversation turns to an LLM, orchestrates tool calls, and relays inline commands to a real-time messaging channel.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.relaybot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := resolveConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relaybot", version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway and channel relay",
		Long:  "Starts the HTTP gateway, the conversation store cleanup loop, and the channel relay. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = buildLogger(cfg.General)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var archive *convstore.Archive
	if cfg.Store.ArchivePath != "" {
		archive, err = convstore.OpenArchive(cfg.Store.ArchivePath, logger)
		if err != nil {
			return fmt.Errorf("conversation archive: %w", err)
		}
		defer archive.Close()
	}

	store := convstore.New(convstore.Config{
		MaxMessages:     cfg.Store.MaxMessages,
		MaxAge:          time.Duration(cfg.Store.MaxAgeHours) * time.Hour,
		MemoryCap:       int64(cfg.Store.MemoryCapMB) << 20,
		CleanupInterval: time.Duration(cfg.Store.CleanupMins) * time.Minute,
	}, logger, archive)
	go store.RunCleanup(ctx)

	chanProvider, err := buildChannelProvider(cfg.Channel)
	if err != nil {
		return err
	}
	manager := channel.NewManager(chanProvider, logger)
	defer manager.Close()

	registry := tool.NewRegistry(logger)
	if cfg.Tools.ManifestDir != "" {
		schemas, err := tool.LoadManifests(cfg.Tools.ManifestDir, logger)
		if err != nil {
			return fmt.Errorf("tool manifests: %w", err)
		}
		for _, s := range schemas {
			registry.Declare(s)
		}
	}
	registerBuiltinTools(registry, manager)

	llm := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:  cfg.Provider.APIKey,
		APIBase: cfg.Provider.APIBase,
		Model:   cfg.Provider.Model,
		Logger:  logger,
	})

	orch := orchestrator.New(orchestrator.Config{
		Provider:    llm,
		Store:       store,
		Relay:       manager,
		Tools:       registry,
		Model:       cfg.Provider.Model,
		MaxTokens:   cfg.Provider.MaxTokens,
		Temperature: cfg.Provider.Temperature,
		Logger:      logger,
	})

	// Inbound channel messages run a non-streaming turn and the reply goes
	// back out on the same channel.
	manager.OnInbound = func(appID, userID, ch, sender, text string) {
		go func() {
			turnCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			defer cancel()
			result, err := orch.Respond(turnCtx, orchestrator.TurnRequest{
				AppID:   appID,
				UserID:  userID,
				Channel: ch,
				Content: text,
				Mode:    domain.ModeChat,
			})
			if err != nil {
				logger.Error("inbound turn failed", "channel", ch, "sender", sender, "err", err)
				return
			}
			if result.Text == "" {
				return
			}
			if err := manager.Send(turnCtx, appID, userID, ch, "", result.Text); err != nil {
				logger.Warn("failed to send reply", "channel", ch, "err", err)
			}
		}()
	}

	srv := gateway.New(gateway.Config{
		Port:          cfg.Gateway.Port,
		APIKey:        cfg.Gateway.APIKey,
		ExposeMetrics: cfg.Gateway.Metrics,
		Orchestrator:  orch,
		Logger:        logger,
	})

	logger.Info("relaybot starting",
		"provider", llm.Name(), "channel", chanProvider.Name(), "port", cfg.Gateway.Port)
	return srv.Start(ctx)
}

// buildChannelProvider selects the messaging backend from config.
func buildChannelProvider(cfg config.ChannelConfig) (domain.ChannelProvider, error) {
	switch cfg.Backend {
	case "rtm":
		return channel.NewRTMProvider(channel.RTMConfig{URL: cfg.RTM.URL, Logger: logger}), nil
	case "telegram":
		return channel.NewTelegramProvider(channel.TelegramProviderConfig{Token: cfg.Telegram.Token, Logger: logger}), nil
	case "discord":
		return channel.NewDiscordProvider(channel.DiscordProviderConfig{Token: cfg.Discord.Token, GuildID: cfg.Discord.GuildID, Logger: logger}), nil
	case "slack":
		return channel.NewSlackProvider(channel.SlackProviderConfig{BotToken: cfg.Slack.BotToken, AppToken: cfg.Slack.AppToken, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unknown channel backend %q", cfg.Backend)
	}
}

// registerBuiltinTools wires the tools that ship with the binary.
func registerBuiltinTools(registry *tool.Registry, manager *channel.Manager) {
	registry.Register(domain.ToolSchema{
		Name:        "send_channel_message",
		Description: "Send a message to the current real-time channel",
		Parameters: tool.Parameters(map[string]tool.Param{
			"text": {Type: "string", Description: "Message text to send"},
		}, []string{"text"}),
	}, func(ctx context.Context, appID, userID, ch string, args map[string]any) (string, error) {
		text, _ := args["text"].(string)
		if text == "" {
			return "", fmt.Errorf("text argument is required")
		}
		if err := manager.Send(ctx, appID, userID, ch, "", text); err != nil {
			return "", err
		}
		return "message sent", nil
	})

	registry.Register(domain.ToolSchema{
		Name:        "current_time",
		Description: "Get the current server time in RFC 3339 format",
		Parameters:  tool.Parameters(map[string]tool.Param{}, nil),
	}, func(ctx context.Context, appID, userID, ch string, args map[string]any) (string, error) {
		return time.Now().Format(time.RFC3339), nil
	})
}

// buildLogger creates the process logger from config. Log output goes to the
// configured file when set, stderr otherwise.
func buildLogger(cfg config.GeneralConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, using stderr", "path", cfg.LogFile, "err", err)
		} else {
			out = f
		}
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}
