// Command streamvaultd wires the download engine's components together and
// serves the loopback control surface. Grounded on the teacher's root
// main.go wiring order (logger -> storage -> engine -> control server ->
// signal handling), with the Wails/systray/MCP/GUI branches removed since
// this repository has no desktop shell.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/kmkr/streamvault/internal/config"
	"github.com/kmkr/streamvault/internal/decrypt"
	"github.com/kmkr/streamvault/internal/fetch"
	"github.com/kmkr/streamvault/internal/httpapi"
	"github.com/kmkr/streamvault/internal/logging"
	"github.com/kmkr/streamvault/internal/manifest"
	"github.com/kmkr/streamvault/internal/runner"
	"github.com/kmkr/streamvault/internal/scheduler"
	"github.com/kmkr/streamvault/internal/storage"
)

const decryptPoolConcurrency = 4

func main() {
	cfg := config.Load()

	log, err := logging.New(cfg.DownloadRoot+"/logs", os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error initializing logger:", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		log.Error("error creating database directory", "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Error("error opening storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Initialize(); err != nil {
		log.Error("error initializing storage schema", "error", err)
		os.Exit(1)
	}

	fetcher := fetch.New(nil)
	fetcher.UserAgent = cfg.UserAgent
	resolver := manifest.New(fetcher.Client)
	resolver.UserAgent = cfg.UserAgent
	decryptPool := decrypt.NewPool(decryptPoolConcurrency)

	var limiter *rate.Limiter
	if cfg.BandwidthCapBytesPerSec > 0 {
		// Burst must exceed the fetcher's largest single read (32KiB) or
		// WaitN rejects every call outright; 64KiB gives headroom.
		const burst = 64 * 1024
		limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthCapBytesPerSec), burst)
	}

	rnr := runner.New(runner.Deps{
		Fetcher:      fetcher,
		Resolver:     resolver,
		DecryptPool:  decryptPool,
		Limiter:      limiter,
		DownloadRoot: cfg.DownloadRoot,
		Logger:       log,
	})

	sched := scheduler.New(store, rnr, log, scheduler.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		DownloadRoot:  cfg.DownloadRoot,
	})
	if err := sched.Initialize(); err != nil {
		log.Error("error initializing scheduler", "error", err)
		os.Exit(1)
	}

	control := httpapi.New(sched, log, 32)
	srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", cfg.ControlPort), Handler: control}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control surface stopped", "error", err)
		}
	}()
	log.Info("streamvaultd started", "download_root", cfg.DownloadRoot, "control_port", cfg.ControlPort)

	waitForSignal(func() {
		log.Info("shutdown signal received, stopping control surface")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
}

// waitForSignal blocks until os.Interrupt or SIGTERM arrives, then invokes
// onSignal. Grounded on the teacher's core.WaitForSignals.
func waitForSignal(onSignal func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	if onSignal != nil {
		onSignal()
	}
}
