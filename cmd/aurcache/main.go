package main

import (
	"log/slog"
	"os"

	"github.com/aurcache/aurcache/cmd/aurcache/commands"
)

func main() {
	// Initialize structured logger with text format for readability;
	// the root command replaces it once flags are parsed
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
