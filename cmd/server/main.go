package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/filebeam/filebeam/internal/bandwidth"
	"github.com/filebeam/filebeam/internal/config"
	"github.com/filebeam/filebeam/internal/dispatch"
	"github.com/filebeam/filebeam/internal/fetcher"
	"github.com/filebeam/filebeam/internal/linkgen"
	"github.com/filebeam/filebeam/internal/locator"
	"github.com/filebeam/filebeam/internal/logger"
	"github.com/filebeam/filebeam/internal/metrics"
	"github.com/filebeam/filebeam/internal/platform"
	"github.com/filebeam/filebeam/internal/platform/local"
	"github.com/filebeam/filebeam/internal/registry"
	"github.com/filebeam/filebeam/internal/shortener"
	"github.com/filebeam/filebeam/internal/upstream"
	"github.com/filebeam/filebeam/internal/users"
	"github.com/filebeam/filebeam/internal/webserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("starting filebeam", "instance_id", logger.GetInstanceID(), "base_url", cfg.BaseURL)

	gin.SetMode(cfg.GinMode)

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Firestore backs the bandwidth ledger and the user count; without a
	// project id both fall back to in-memory state.
	var (
		fsClient *firestore.Client
		store    bandwidth.Store = newMemoryStore()
		counter  webserver.UserCounter
	)
	if cfg.FirestoreProjectID != "" {
		var err error
		fsClient, err = firestore.NewClient(rootCtx, cfg.FirestoreProjectID)
		if err != nil {
			return fmt.Errorf("firestore: %w", err)
		}
		defer fsClient.Close()
		store = bandwidth.NewFirestoreStore(fsClient)
		counter = users.NewFirestoreCounter(fsClient)
		log.Info("firestore connected", "project", cfg.FirestoreProjectID)
	} else {
		log.Warn("FIRESTORE_PROJECT_ID not set, bandwidth ledger is in-memory only")
	}

	ledger, err := bandwidth.NewLedger(rootCtx, store, cfg.BandwidthLimitBytes, log)
	if err != nil {
		return err
	}

	identities, err := connectIdentities(rootCtx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, ident := range identities {
			if cerr := ident.Client.Close(); cerr != nil {
				log.Warn("closing identity", "client_id", ident.ID, "error", cerr)
			}
		}
	}()
	log.Info("identities connected", "count", len(identities),
		"primary", identities[0].Client.Me().Username)

	pool := upstream.NewPool(log, upstream.DefaultSessionReadCap)
	defer pool.Close()

	m := metrics.New()

	streams := registry.New(
		time.Duration(cfg.StaleStreamMaxAgeSeconds)*time.Second,
		time.Duration(cfg.StreamCleanupIntervalSeconds)*time.Second,
		log,
	)
	streams.OnReap(func(n int) { m.ReapedStreams.Add(float64(n)) })

	fetch := fetcher.New(pool, cfg.ChunkSize, log)
	fetch.OnRetry(m.ChunkRetries.Inc)

	svc := webserver.New(webserver.Deps{
		Config:     cfg,
		Logger:     log,
		Dispatcher: dispatch.New(identities, int64(cfg.MaxStreamsPerIdentity)),
		Fetcher:    fetch,
		Registry:   streams,
		Ledger:     ledger,
		Metrics:    m,
		Users:      counter,
	})

	// Monthly cleanup of old ledger records, shortly after the rollover.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("0 3 1 * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := ledger.CleanupOld(ctx); err != nil {
			log.Error("ledger cleanup", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling ledger cleanup: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.Platform == "local" {
		announceLocalLinks(rootCtx, cfg, log)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: svc.Router(),
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		streams.RunReaper(gctx)
		return nil
	})
	g.Go(func() error {
		ledger.RunFlusher(gctx, time.Duration(cfg.BandwidthFlushIntervalSeconds)*time.Second)
		return nil
	})
	g.Go(func() error {
		svc.RunLimiterPrune(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("server exited")
	return err
}

// announceLocalLinks logs the public URLs for every file in the local data
// directory, the local-mode stand-in for the links the chat surface hands
// back when a file is shared. Large files go through the shortener when one
// is configured.
func announceLocalLinks(ctx context.Context, cfg *config.Config, log *logger.Logger) {
	entries, err := local.List(cfg.LocalFilesDir)
	if err != nil {
		log.Warn("listing local files", "dir", cfg.LocalFilesDir, "error", err)
		return
	}

	builder := linkgen.NewBuilder(cfg.BaseURL, cfg.VideoFrontendURL, cfg.ShortenThresholdBytes)
	short := shortener.New(cfg.ShortenerAPIURL, log)

	for _, e := range entries {
		urls := builder.Build(e.MessageID, e.MimeType, e.Filename)
		download := urls.DownloadURL
		if short != nil && builder.ShouldShorten(e.Size) {
			if shortened, err := short.Shorten(ctx, download); err == nil {
				download = shortened
			}
		}
		attrs := []any{"file", e.Filename, "size", e.Size, "download", download}
		if urls.StreamURL != "" {
			attrs = append(attrs, "stream", urls.StreamURL)
		}
		if urls.PlayerURL != "" {
			attrs = append(attrs, "player", urls.PlayerURL)
		}
		log.Info("local file available", attrs...)
	}
}

// connectIdentities dials the primary identity and every additional worker.
// The primary is always first: the dispatcher breaks ties by this order and
// the info endpoint reports its bot account.
func connectIdentities(ctx context.Context, cfg *config.Config, log *logger.Logger) ([]*dispatch.Identity, error) {
	dialer, err := platform.NewDialer(cfg, log)
	if err != nil {
		return nil, err
	}

	tokens := append([]string{cfg.PrimaryBotToken}, cfg.AdditionalBotTokens...)
	identities := make([]*dispatch.Identity, len(tokens))

	for i, token := range tokens {
		id := "primary"
		if i > 0 {
			id = fmt.Sprintf("worker-%d", i)
		}
		client, err := dialer.Connect(ctx, id, token)
		if err != nil {
			return nil, fmt.Errorf("connecting identity %s: %w", id, err)
		}
		identities[i] = &dispatch.Identity{
			ID:       id,
			Client:   client,
			Locators: locator.NewCache(cfg.LocatorCacheMaxEntries),
		}
	}
	return identities, nil
}
