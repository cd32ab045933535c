package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"chatgate/internal/backend"
	"chatgate/internal/bus"
	"chatgate/internal/channel"
	"chatgate/internal/config"
	"chatgate/internal/coordinator"
	"chatgate/internal/dispatcher"
	"chatgate/internal/memory"
	"chatgate/internal/metrics"
	"chatgate/internal/retriever"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chatgate",
		Short: "chatgate: a multi-platform chat-bot gateway",
		Long:  "chatgate routes Discord and Telegram conversations through LLM backends with persistent vector memory.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.chatgate/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		} else {
			out = f
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
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

// pipeline bundles the wired core components shared by gateway and chat.
type pipeline struct {
	bus    *bus.InMemoryBus
	store  *memory.SQLiteStore
	router *backend.Router
	disp   *dispatcher.Dispatcher
	coord  *coordinator.Coordinator
}

// buildPipeline wires store, retriever, router, dispatcher and
// coordinator from the config.
func buildPipeline(cfg *config.Config, log *slog.Logger) (*pipeline, error) {
	messageBus := bus.New(cfg.General.BusBuffer, log)

	var embedder memory.Embedder = memory.NoopEmbedder{}
	if cfg.Memory.Embedding.Enabled {
		embedder = memory.NewOpenAIEmbedder(cfg.Memory.Embedding)
	}

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, embedder, log)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}

	asm := retriever.New(store, retriever.Config{
		SystemPrompt:     cfg.General.SystemPrompt,
		MaxContextTokens: cfg.Retriever.MaxContextTokens,
		ReserveTokens:    cfg.Retriever.ReserveTokens,
		RecentMaxTokens:  cfg.Retriever.RecentMaxTokens,
		TopK:             cfg.Retriever.TopK,
		MinSimilarity:    cfg.Retriever.MinSimilarity,
		Logger:           log,
	})

	router := backend.NewRouter(backend.Config{
		Default:     cfg.Router.Default,
		MaxAttempts: cfg.Router.MaxAttempts,
		Timeout:     cfg.Router.Timeout.Std(),
		BackoffBase: cfg.Router.BackoffBase.Std(),
		Logger:      log,
	})
	for name, bc := range cfg.Backends {
		if !bc.Enabled {
			continue
		}
		opts := backend.RequestOptions{
			Model:       bc.Model,
			MaxTokens:   bc.MaxTokens,
			Temperature: bc.Temperature,
		}
		switch bc.Kind {
		case "openai":
			router.Register(backend.NewOpenAI(backend.OpenAIConfig{
				Name: name, APIKey: bc.APIKey, APIBase: bc.APIBase, Model: bc.Model, Logger: log,
			}), opts)
		case "anthropic":
			router.Register(backend.NewAnthropic(backend.AnthropicConfig{
				Name: name, APIKey: bc.APIKey, APIBase: bc.APIBase, Model: bc.Model, Logger: log,
			}), opts)
		}
		log.Info("backend registered", "name", name, "kind", bc.Kind, "model", bc.Model)
	}

	disp := dispatcher.New(log)

	coord := coordinator.New(asm, router, disp, store, coordinator.Config{
		Streaming:      cfg.Coordinator.Streaming,
		QueueSize:      cfg.Coordinator.QueueSize,
		PersistTimeout: cfg.Coordinator.PersistTimeout.Std(),
		ApologyText:    cfg.Coordinator.ApologyText,
		Logger:         log,
		Listener:       metrics.StateObserver{},
	})

	return &pipeline{
		bus:    messageBus,
		store:  store,
		router: router,
		disp:   disp,
		coord:  coord,
	}, nil
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive CLI conversation",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	log := buildLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(cfg, log)
	if err != nil {
		return err
	}
	defer p.store.Close()

	cli := channel.NewCLI(channel.CLIConfig{Logger: log})
	p.disp.Register(cli)

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		p.coord.Run(ctx, p.bus.Subscribe())
	}()

	err = cli.Start(ctx, p.bus)
	p.bus.Close()
	<-coordDone
	return err
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (all enabled channels)",
		Long:  "Starts the enabled platform channels and the conversation pipeline. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := buildLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(cfg, log)
	if err != nil {
		return err
	}
	defer p.store.Close()

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		p.coord.Run(ctx, p.bus.Subscribe())
	}()

	// Retention prune: once at startup, then twice a day.
	go func() {
		ticker := time.NewTicker(12 * time.Hour)
		defer ticker.Stop()
		for {
			if _, err := p.store.PruneTurns(ctx, cfg.Memory.RetentionDays); err != nil {
				log.Warn("turn prune failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		discordCh := channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Logger:  log,
		})
		p.disp.Register(discordCh)
		go func() {
			if err := discordCh.Start(ctx, p.bus); err != nil {
				log.Error("discord channel error", "err", err)
			}
		}()
		log.Info("discord channel enabled")
	} else {
		log.Info("discord channel disabled")
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		telegramCh := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Logger:    log,
		})
		p.disp.Register(telegramCh)
		go func() {
			if err := telegramCh.Start(ctx, p.bus); err != nil {
				log.Error("telegram channel error", "err", err)
			}
		}()
		log.Info("telegram channel enabled")
	} else {
		log.Info("telegram channel disabled")
	}

	if cfg.Channels.CLI.Enabled {
		cli := channel.NewCLI(channel.CLIConfig{Logger: log})
		p.disp.Register(cli)
		go func() {
			if err := cli.Start(ctx, p.bus); err != nil {
				log.Error("cli channel error", "err", err)
			}
		}()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Collector.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			log.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", "err", err)
			}
		}()
	}

	log.Info("gateway started. Press Ctrl+C to stop.", "version", version)

	<-ctx.Done()
	log.Info("shutting down gateway...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	// Close the bus so the coordinator drains in-flight conversations.
	p.bus.Close()
	select {
	case <-coordDone:
		log.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		log.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config and backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			for name, bc := range cfg.Backends {
				if !bc.Enabled {
					continue
				}
				var err error
				switch bc.Kind {
				case "openai":
					err = backend.NewOpenAI(backend.OpenAIConfig{
						Name: name, APIKey: bc.APIKey, APIBase: bc.APIBase, Model: bc.Model, Logger: logger,
					}).Healthy(ctx)
				case "anthropic":
					err = backend.NewAnthropic(backend.AnthropicConfig{
						Name: name, APIKey: bc.APIKey, APIBase: bc.APIBase, Model: bc.Model, Logger: logger,
					}).Healthy(ctx)
				}
				logger.Info("backend", "name", name, "healthy", err == nil, "err", err)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. router.max_attempts)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := yaml.Marshal(val)
			fmt.Print(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. router.default anthropic)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := yaml.Marshal(config.Sanitize(cfg))
			fmt.Print(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
