package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindbot/internal/admin"
	"remindbot/internal/app"
	"remindbot/internal/config"
)

func main() {
	var (
		cfgPath   string
		envPath   string
		mintToken string
		tokenTTL  time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.StringVar(&envPath, "env", "", "dotenv file to load (default: ./.env if present)")
	flag.StringVar(&mintToken, "mint-token", "", "print an admin API token for this subject and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of a minted token")
	flag.Parse()

	if err := config.LoadEnv(envPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal: env:", err)
		os.Exit(1)
	}

	if mintToken != "" {
		if err := mint(cfgPath, mintToken, tokenTTL); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stop(a, app.StopFatalError)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stop(a, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		os.Exit(1)
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
}

// mint reads the admin secret from the environment, falling back to the
// config file.
func mint(cfgPath, subject string, ttl time.Duration) error {
	secret := strings.TrimSpace(os.Getenv(config.EnvAdminSecret))
	if secret == "" {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		secret = cfg.Admin.JWTSecret
	}
	tok, err := admin.Token(secret, subject, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
