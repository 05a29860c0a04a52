package main

import (
	"fmt"
	"log/slog"
	"os"

	"durably/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	initLogger(os.Getenv("DURABLY_LOG_LEVEL"))

	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "durably:", err)
		return 1
	}
	return 0
}

func initLogger(level string) {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}
