package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mstolyar/doppel/pkg/doppel/agent"
	"github.com/mstolyar/doppel/pkg/doppel/channels"
	"github.com/mstolyar/doppel/pkg/doppel/channels/telegram"
	"github.com/mstolyar/doppel/pkg/doppel/channels/whatsapp"
)

// newServeCmd creates the `doppel serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the auto-reply daemon",
		Long: `Start Doppel as a daemon, connecting to the configured messaging
gateway and answering incoming private messages.

Examples:
  doppel serve
  doppel serve --gateway telegram
  doppel serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().String("gateway", "", "gateway to run (whatsapp, telegram); overrides config")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	// ── Resolve secrets: keyring → env → config ──
	agent.ResolveAPIKey(cfg, logger)

	// ── Build the gateway ──
	gatewayName, _ := cmd.Flags().GetString("gateway")
	if gatewayName == "" {
		gatewayName = cfg.Channels.Active
	}

	var gateway channels.Gateway
	switch gatewayName {
	case "", "whatsapp":
		gateway = whatsapp.New(cfg.Channels.WhatsApp, logger)
	case "telegram":
		if cfg.Channels.Telegram.Token == "" {
			return fmt.Errorf("telegram gateway requires a bot token; run 'doppel setup'")
		}
		gateway = telegram.New(cfg.Channels.Telegram, logger)
	default:
		return fmt.Errorf("unknown gateway %q (want whatsapp or telegram)", gatewayName)
	}

	// ── Create and start the assistant ──
	assistant, err := agent.New(cfg, gateway, logger)
	if err != nil {
		return fmt.Errorf("creating assistant: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := assistant.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	logger.Info("doppel running. Press Ctrl+C to stop.",
		"gateway", gateway.Name(),
		"wake_word", cfg.WakeWord,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		assistant.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads config from the flag path, a discovered file, or
// falls back to defaults.
func resolveConfig(cmd *cobra.Command) (*agent.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := agent.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := agent.FindConfigFile(); found != "" {
		cfg, err := agent.LoadConfigFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	fmt.Println()
	fmt.Println("No configuration file found. Run 'doppel setup' to create one.")
	return nil, fmt.Errorf("configuration required before starting")
}
