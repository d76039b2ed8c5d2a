package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aurcache/aurcache/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "aurcache",
	Short: "aurcache - AUR build orchestration and pacman repository hosting",
	Long: `Builds AUR and git packages in ephemeral containers and publishes the
artifacts into per-platform pacman repositories.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return setupLogger(cfg.LogLevel, cfg.LogFormat)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/aurcache.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm", "FSM state directory")
	rootCmd.PersistentFlags().String("repo-dir", "./repo", "Repository root served to pacman")
	rootCmd.PersistentFlags().String("build-dir", ".artifacts/builds", "Per-build scratch directory")
	rootCmd.PersistentFlags().String("docker-host", "", "Container engine address (defaults to DOCKER_HOST)")
	rootCmd.PersistentFlags().String("nats-url", "", "NATS server URL; empty disables message intake")
	rootCmd.PersistentFlags().String("nats-subject", "aurcache.builds", "Subject carrying build and cancel messages")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text or json")

	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("repo-dir", rootCmd.PersistentFlags().Lookup("repo-dir"))
	viper.BindPFlag("build-dir", rootCmd.PersistentFlags().Lookup("build-dir"))
	viper.BindPFlag("docker-host", rootCmd.PersistentFlags().Lookup("docker-host"))
	viper.BindPFlag("nats-url", rootCmd.PersistentFlags().Lookup("nats-url"))
	viper.BindPFlag("nats-subject", rootCmd.PersistentFlags().Lookup("nats-subject"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func setupLogger(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return fmt.Errorf("invalid log-format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
