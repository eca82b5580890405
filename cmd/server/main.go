package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gwi.com/chat-insights/internal/analyzer"
	"gwi.com/chat-insights/internal/api"
	"gwi.com/chat-insights/internal/auth"
	"gwi.com/chat-insights/internal/clock"
	"gwi.com/chat-insights/internal/config"
	"gwi.com/chat-insights/internal/core"
	"gwi.com/chat-insights/internal/cryptobox"
	"gwi.com/chat-insights/internal/logger"
	"gwi.com/chat-insights/internal/merger"
	"gwi.com/chat-insights/internal/orchestrator"
	"gwi.com/chat-insights/internal/parser"
	"gwi.com/chat-insights/internal/queue"
	"gwi.com/chat-insights/internal/stats"
	"gwi.com/chat-insights/internal/storage"
	"gwi.com/chat-insights/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	appLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	runWorker := flag.Bool("worker", true, "Run the analysis worker in this process")
	keysFor := flag.String("keys", "", "Generate an RSA key pair for the given user, print the public key and a token, and exit")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		appLogger.Fatal("Failed to initialize database", "error", err)
	}
	defer dbStore.Close()

	blobs, closeBlobs, err := newBlobStore(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize storage", "error", err)
	}
	defer closeBlobs()

	decryptor := cryptobox.NewDecryptor(dbStore, blobs, appLogger)

	if *keysFor != "" {
		if err := printKeys(ctx, decryptor, *keysFor); err != nil {
			appLogger.Fatal("Key generation failed", "userId", *keysFor, "error", err)
		}
		return
	}

	tasks, err := newQueue(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize queue", "error", err)
	}
	defer tasks.Close()

	llmService, err := core.NewLLMService(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize model backend", "error", err)
	}
	defer llmService.Close()

	strategy, err := merger.StrategyByName(cfg.MergeStrategy)
	if err != nil {
		appLogger.Fatal("Invalid merge strategy", "error", err)
	}

	clk := clock.Real()
	limiter := analyzer.NewWindowLimiter(cfg.AIRateLimit, cfg.AIRateWindow, clk)
	retrier := analyzer.NewRetrier(analyzer.RetryPolicy{
		Budget:    cfg.AIRetries,
		BaseDelay: cfg.AIRetryBaseDelay,
		MaxDelay:  cfg.AIRetryMaxDelay,
		Jitter:    cfg.AIRetryJitter,
	}, limiter, clk, appLogger)
	segmentAnalyzer := analyzer.New(llmService, blobs, retrier, appLogger)

	orch := orchestrator.New(dbStore, segmentAnalyzer, clk, orchestrator.Config{
		MinSegmentsPerBatch: cfg.MinSegmentsPerBatch,
		MaxProcessingTime:   cfg.MaxProcessingTime,
		Strategy:            strategy,
	}, appLogger)

	statsOpts := stats.DefaultOptions()
	statsOpts.LinesPerSegment = cfg.LinesPerSegment
	aggregator := stats.NewAggregator(dbStore, blobs, parser.New(cfg.Location()), statsOpts, appLogger)

	analysisService := core.NewAnalysisService(dbStore, decryptor, aggregator, orch, blobs, tasks, clk, core.AnalysisOptions{
		TriggerRateLimit:    cfg.TriggerRateLimit,
		TriggerRateWindow:   cfg.TriggerRateWindow,
		TriggerTTL:          cfg.TriggerTTL,
		MinSegmentsPerBatch: cfg.MinSegmentsPerBatch,
	}, appLogger)
	chatService := core.NewChatService(dbStore, cfg.Location(), appLogger)

	workerDone := make(chan struct{})
	if *runWorker {
		if r, ok := tasks.(*queue.Redis); ok {
			n, err := r.Recover(ctx)
			if err != nil {
				appLogger.Warn("Failed to recover in-flight tasks", "error", err)
			} else if n > 0 {
				appLogger.Info("Recovered in-flight tasks", "count", n)
			}
		}
		worker := core.NewWorker(tasks, analysisService, 0, 0, appLogger)
		go func() {
			defer close(workerDone)
			if err := worker.Run(ctx); err != nil {
				appLogger.Error("Worker stopped with error", "error", err)
			}
		}()
	} else {
		close(workerDone)
	}

	apiHandler := api.NewAPIHandler(analysisService, decryptor, chatService, cfg.AdminToken, cfg.Location(), appLogger)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		appLogger.Info("Starting server", "addr", serverAddr, "worker", *runWorker)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("Could not listen", "addr", serverAddr, "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}

	// Interrupted runs stay unacknowledged and resume on redelivery.
	cancel()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker did not stop in time")
	}
	appLogger.Info("Server exiting gracefully")
}

func newBlobStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.BlobStore, func(), error) {
	switch cfg.StorageBackend {
	case "gcs":
		g, err := storage.NewGCS(ctx, log, cfg.GCSBucket)
		if err != nil {
			return nil, nil, err
		}
		return g, func() {
			if err := g.Close(); err != nil {
				log.Warn("Error closing storage client", "error", err)
			}
		}, nil
	case "local", "":
		l, err := storage.NewLocal(cfg.LocalStorageDir)
		if err != nil {
			return nil, nil, err
		}
		return l, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
}

func newQueue(ctx context.Context, cfg *config.Config, log *logger.Logger) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case "redis":
		r, err := queue.NewRedis(ctx, cfg.RedisAddr, cfg.RedisQueueKey, log)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "memory", "":
		log.Warn("Using in-memory queue: queued tasks do not survive a restart")
		return queue.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
}

func printKeys(ctx context.Context, d *cryptobox.Decryptor, userID string) error {
	pub, err := d.GenerateKeys(ctx, userID)
	if err != nil {
		return err
	}
	token, err := auth.GenerateJWT(userID)
	if err != nil {
		return err
	}
	fmt.Println(pub)
	fmt.Printf("token: %s\n", token)
	return nil
}
