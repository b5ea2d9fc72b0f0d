package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

var version = "dev"

func main() {
	configFlag := flag.String("config", "", "path to config file")
	debugFlag := flag.Bool("debug", false, "enable debug logging to nitrous-inbox-debug.log")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println("nitrous-inbox", version)
		return
	}

	if *debugFlag {
		f, err := tea.LogToFile("nitrous-inbox-debug.log", "nitrous-inbox")
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not open debug log: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})))
		slog.Info("debug logging enabled")
	} else {
		// the TUI owns the terminal
		slog.SetDefault(slog.New(slog.DiscardHandler))
	}
	logger := slog.Default()

	cfg, err := LoadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "relays", len(cfg.Relays), "store", cfg.Store)

	keys, err := loadKeys(cfg.PrivateKeyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "key error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("keys loaded", "npub", keys.NPub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, keys, nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		os.Exit(1)
	}
	defer a.close()

	// Create the markdown renderer before the TUI starts so the terminal
	// background-color query (OSC 11) completes while stdio is still normal.
	mdStyle := detectGlamourStyle()
	mdRender := newMarkdownRenderer(mdStyle)

	a.start(ctx)

	m := newModel(cfg, keys, a.orch, a.transcripts, mdRender, mdStyle)
	logger.Info("starting TUI")
	p := tea.NewProgram(&m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
