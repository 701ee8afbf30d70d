package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pvavrin/facelens/internal/backend"
	"github.com/pvavrin/facelens/internal/blob"
	"github.com/pvavrin/facelens/internal/chat"
	"github.com/pvavrin/facelens/internal/config"
	"github.com/pvavrin/facelens/internal/extract"
	"github.com/pvavrin/facelens/internal/logging"
	"github.com/pvavrin/facelens/internal/match"
	"github.com/pvavrin/facelens/internal/notify"
	"github.com/pvavrin/facelens/internal/scheduler"
	"github.com/pvavrin/facelens/internal/search"
	"github.com/pvavrin/facelens/internal/store"
	"github.com/pvavrin/facelens/internal/web"
	"github.com/pvavrin/facelens/internal/web/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the facelens API server",
	Long: `Start the HTTP server that accepts photo archive uploads, tracks
ingest jobs, and answers face search requests with progress streaming.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
}

func resolveServeHostPort(cmd *cobra.Command) (string, int) {
	port := mustGetInt(cmd, "port")
	host := mustGetString(cmd, "host")

	if envPort := os.Getenv("WEB_PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", &port)
	}
	if envHost := os.Getenv("WEB_HOST"); envHost != "" {
		host = envHost
	}
	return host, port
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	log, closeLog := logging.Setup(cfg.Log.File, logging.ParseLevel(cfg.Log.Level))
	defer func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
		}
	}()

	if cfg.Extractor.URL == "" {
		return errors.New("EXTRACTOR_URL environment variable is required")
	}
	if cfg.Blob.Endpoint == "" || cfg.Blob.Bucket == "" {
		return errors.New("BLOB_ENDPOINT and BLOB_BUCKET environment variables are required")
	}
	if cfg.Surreal.URL == "" {
		return errors.New("SURREAL_URL environment variable is required")
	}

	blobs, err := blob.NewMinioStore(cfg.Blob)
	if err != nil {
		return fmt.Errorf("failed to connect to blob storage: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := backend.NewSurreal(ctx, cfg.Surreal, log)
	if err != nil {
		return fmt.Errorf("failed to connect to backend database: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := db.Close(closeCtx); err != nil {
			log.Error("failed to close backend connection", "error", err)
		}
	}()

	extractor := extract.NewClient(cfg.Extractor.URL, cfg.Extractor.Timeout)
	stores := store.NewManager(blobs, log)

	sched := scheduler.New(db, blobs, extractor, stores, scheduler.Options{
		Concurrency:    cfg.Defaults.Scheduler.Concurrency,
		MaxAttempts:    cfg.Defaults.Scheduler.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Defaults.Scheduler.InitialBackoffSeconds * float64(time.Second)),
		MaxBackoff:     time.Duration(cfg.Defaults.Scheduler.MaxBackoffSeconds * float64(time.Second)),
	}, log)

	var notifier search.Notifier = search.NopNotifier{}
	if cfg.Telegram.Token != "" {
		sender := chat.NewTelegram(cfg.Telegram.Token, cfg.Telegram.APIURL)
		interval := time.Duration(cfg.Defaults.Delivery.BatchIntervalSeconds * float64(time.Second))
		notifier = notify.New(sender, blobs, interval, log)
		log.Info("chat delivery enabled")
	} else {
		log.Info("chat delivery disabled, TELEGRAM_BOT_TOKEN not set")
	}

	matchDefaults := match.Options{
		Threshold:   cfg.Defaults.Matching.Threshold,
		GenderMatch: cfg.Defaults.Matching.GenderMatch,
		TopN:        cfg.Defaults.Matching.TopN,
	}
	runner := search.NewRunner(db, extractor, stores, notifier, matchDefaults, log)
	waiter := search.NewWaiter(db, time.Duration(cfg.Defaults.Waits.PollIntervalSeconds*float64(time.Second)), log)

	host, port := resolveServeHostPort(cmd)
	server := web.NewServer(host, port, handlers.Deps{
		Backend:       db,
		Blobs:         blobs,
		Scheduler:     sched,
		Runner:        runner,
		Waiter:        waiter,
		Stores:        stores,
		MatchDefaults: matchDefaults,
		Log:           log,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("error during shutdown", "error", err)
		}
		// Let in-flight ingest jobs reach a terminal state before exit.
		sched.Wait()
	}()

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
