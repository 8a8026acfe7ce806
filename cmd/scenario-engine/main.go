package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tpmjs/scenario-engine/internal/server"
)

const version = "0.4.0"

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "version":
		fmt.Printf("scenario-engine %s\n", version)
	case "serve":
		if err := serve(); err != nil {
			fmt.Fprintf(os.Stderr, "scenario-engine: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Usage: scenario-engine <command>\n")
		fmt.Fprintf(os.Stderr, "Commands: serve, version\n")
		os.Exit(1)
	}
}

// serve runs the JSON-RPC engine on stdin/stdout until the client closes
// the stream or the process receives a termination signal. All logging
// goes to stderr; stdout carries only protocol frames.
func serve() error {
	level := slog.LevelInfo
	if os.Getenv("TPMJS_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts, err := server.NewOptionsFromEnv(logger)
	if err != nil {
		return err
	}
	if opts.Store != nil {
		defer opts.Store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(os.Stdin, os.Stdout, logger)
	server.RegisterBuiltinHandlers(srv, opts)

	logger.Info("scenario engine started", "version", version)
	return srv.Run(ctx)
}
