package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/agent"
	"github.com/MegaGrindStone/go-mcp-agent/pkg/config"
	"github.com/MegaGrindStone/go-mcp-agent/pkg/host"
	"github.com/MegaGrindStone/go-mcp-agent/pkg/store"
)

func main() {
	configPath := flag.String("config", "settings.json", "Path to the settings file")
	flag.StringVar(configPath, "c", "settings.json", "Path to the settings file (shorthand)")
	dbPath := flag.String("db", "chat.db", "Path to the conversation database")
	verbose := flag.Bool("v", false, "Log debug output to stderr")

	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configPath, *dbPath, logger); err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}

func run(configPath, dbPath string, logger *slog.Logger) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	h, err := host.NewHost(settings.EnabledServers(nil), host.WithHostLogger(logger))
	if err != nil {
		return err
	}
	defer h.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Connect(ctx); err != nil {
		return err
	}

	a := agent.New(h,
		agent.WithModel(settings.Agent.Model),
		agent.WithBaseURL(settings.Agent.BaseURL),
		agent.WithAPIKey(settings.Agent.APIKey),
		agent.WithMaxTurns(settings.Agent.MaxTurns),
		agent.WithPreviewLines(settings.Agent.MaxToolPreviewLines),
		agent.WithReasoningFilter(settings.Agent.FilterReasoningAfterFirstTurn),
		agent.WithAgentLogger(logger),
	)

	c := newChat(h, a, st)

	// The first interrupt cancels the streaming turn, if any; an interrupt
	// at the prompt exits.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		for range sigChan {
			if c.interrupt() {
				continue
			}
			fmt.Println("\nExiting...")
			cancel()
		}
	}()

	return c.run(ctx)
}
