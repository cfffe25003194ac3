package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"guildwatch/internal/app"
	"guildwatch/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		cfgPath  string
		token    string
		dbPath   string
		logLevel string
	)
	pflag.StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (.json, .yaml, .toml)")
	pflag.StringVar(&token, "token", "", "bot token (overrides discord.token; falls back to $DISCORD_TOKEN)")
	pflag.StringVar(&dbPath, "db-path", "", "database file (overrides storage.path)")
	pflag.StringVar(&logLevel, "log-level", "", "log level (overrides logging.level)")
	pflag.Parse()

	override := func(c *config.Config) {
		switch {
		case strings.TrimSpace(token) != "":
			c.Discord.Token = token
		case strings.TrimSpace(c.Discord.Token) == "":
			c.Discord.Token = os.Getenv("DISCORD_TOKEN")
		}
		if dbPath != "" {
			c.Storage.Path = dbPath
		}
		if logLevel != "" {
			c.Logging.Level = logLevel
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	a, err := app.NewApp(app.Options{ConfigPath: cfgPath, Override: override, Version: version})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
		os.Exit(1)
	}
}
