package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/labstack/echo/v4"

	"concord/server/internal/core"
	"concord/server/internal/irc"
	"concord/server/internal/store"
	"concord/server/internal/ws"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", ":8080", "HTTP/websocket listen address")
	ircAddr := flag.String("irc-addr", ":6667", "IRC listen address")
	dbPath := flag.String("db", "concord.db", "SQLite database path")
	serverName := flag.String("name", "concord", "Server display name")
	motdPath := flag.String("motd", "", "Path to a MOTD text file (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "addr", *addr, "irc_addr", *ircAddr, "db", *dbPath)

	st, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	engine := core.NewEngine(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.LoadState(ctx); err != nil {
		slog.Error("load state", "err", err)
		os.Exit(1)
	}
	serverID, err := engine.EnsureDefaultServer(ctx, *serverName)
	if err != nil {
		slog.Error("ensure default server", "err", err)
		os.Exit(1)
	}

	var motd []string
	if *motdPath != "" {
		raw, err := os.ReadFile(*motdPath)
		if err != nil {
			slog.Error("read motd", "path", *motdPath, "err", err)
			os.Exit(1)
		}
		for _, line := range strings.Split(strings.TrimRight(string(raw), "\n"), "\n") {
			motd = append(motd, strings.TrimRight(line, "\r"))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	ircServer := irc.NewServer(engine, serverID, *serverName, motd)
	go func() {
		if err := ircServer.ListenAndServe(ctx, *ircAddr); err != nil {
			slog.Error("irc server error", "err", err)
			cancel()
		}
	}()

	e := echo.New()
	e.HideBanner = true
	ws.NewHandler(engine, serverID).Register(e)
	e.GET("/metrics", echo.WrapHandler(engine.Metrics().Handler()))

	go func() {
		<-ctx.Done()
		if err := e.Shutdown(context.Background()); err != nil {
			slog.Error("http shutdown", "err", err)
		}
	}()

	slog.Info("listening", "addr", *addr)
	if err := e.Start(*addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
