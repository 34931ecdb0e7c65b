package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cronhost/internal/app"
	"cronhost/pkg/systemd"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./cronhost.yaml", "path to config (json or yaml)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	_ = systemd.Ready()
	_ = systemd.Status(fmt.Sprintf("scheduling %d tasks", len(a.Scheduler().Tasks())))
	wdCtx, wdCancel := context.WithCancel(ctx)
	go systemd.Watchdog(wdCtx, a.Logger(), a.Scheduler().IsStarted)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	wdCancel()
	_ = systemd.Stopping()
	// The scheduler step carries its own shutdown_timeout; this bounds the rest.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer stopCancel()
	err = a.Stop(stopCtx, reason)
	if fatal := a.Err(); fatal != nil {
		fmt.Fprintln(os.Stderr, "fatal:", fatal)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
		os.Exit(1)
	}
}
