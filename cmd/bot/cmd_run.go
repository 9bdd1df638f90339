package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"misskeybot/internal/app"
	"misskeybot/pkg/systemd"
	"misskeybot/plugins/echo"
	"misskeybot/plugins/example"
	"misskeybot/plugins/status"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the bot (default)",
		RunE:  runBot,
	})
}

func runBot(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Plugins().Register(
		example.New(),
		echo.New(),
		status.New(),
	); err != nil {
		return err
	}

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	log := a.Logger()
	systemd.Ready(log)
	systemd.Status(log, "transport "+a.Snapshot().Bot.Transport)
	go systemd.Watchdog(ctx, log, func() bool {
		select {
		case <-a.Done():
			return false
		default:
			return true
		}
	})

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	systemd.Stopping(log)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
