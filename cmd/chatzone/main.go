package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatzone/internal/client"
)

func main() {
	cfg, err := client.LoadConfig(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	app, err := client.NewApp(ctx, cfg, client.Options{})
	cancel()
	if err != nil {
		log.Fatalf("start: %v", err)
	}
	app.Start()

	if err := waitForShutdown(app); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

// waitForShutdown blocks until a signal arrives or the app finishes, then
// stops it.
func waitForShutdown(app *client.App) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case <-sig:
		log.Println("shutting down...")
	case <-app.Done():
	}
	stopped := make(chan struct{})
	go func() {
		app.Shutdown()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-sig:
	case <-time.After(10 * time.Second):
		log.Println("shutdown timed out")
	}
	return app.Err()
}
