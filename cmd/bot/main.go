package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ttbot/internal/app"
	"ttbot/internal/config"
)

func main() {
	var (
		cfgPath string
		once    bool
		check   bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.BoolVar(&once, "once", false, "run one cycle of every source and exit")
	flag.BoolVar(&check, "check", false, "validate the config and exit")
	flag.Parse()

	if check {
		if _, err := config.NewManager(cfgPath).Load(); err != nil {
			fmt.Println("invalid config:", err)
			os.Exit(1)
		}
		fmt.Println("config ok")
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if once {
		err := a.RunOnce(ctx)
		_ = a.Stop(context.Background(), app.StopOnce)
		if err != nil {
			fmt.Println("fatal:", err)
			os.Exit(1)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.StopTimeout())
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
