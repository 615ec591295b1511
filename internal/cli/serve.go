package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stepwire/stepwire/internal/config"
	"github.com/stepwire/stepwire/internal/daemon"
	"github.com/stepwire/stepwire/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stepwire server",
	Long: `Run the stepwire server in the foreground. The server exposes the
duplex WebSocket endpoint at /chat/{chat_id} and the stateless REST
endpoint at /agent/run, and shuts down cleanly on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: true,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build daemon: %w", err)
	}

	// Live log-level reload on config file changes
	watcher, err := config.NewWatcher(loader, func(next *config.Config) {
		if logLevel != "" {
			return // the flag pins the level
		}
		if err := logger.SetLevel(next.Logging.Level); err != nil {
			log.Warn().Err(err).Str("level", next.Logging.Level).Msg("Ignoring invalid log level from config reload")
		} else {
			log.Info().Str("level", next.Logging.Level).Msg("Log level updated from config")
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, continuing without live reload")
	} else {
		defer watcher.Close()
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	return d.Stop()
}
