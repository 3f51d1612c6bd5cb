package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rewired-gh/perfwatch/internal/aggregator"
	"github.com/rewired-gh/perfwatch/internal/config"
	"github.com/rewired-gh/perfwatch/internal/detector"
	"github.com/rewired-gh/perfwatch/internal/export"
	"github.com/rewired-gh/perfwatch/internal/ingest"
	"github.com/rewired-gh/perfwatch/internal/logger"
	"github.com/rewired-gh/perfwatch/internal/metrics"
	"github.com/rewired-gh/perfwatch/internal/models"
	"github.com/rewired-gh/perfwatch/internal/monitor"
	"github.com/rewired-gh/perfwatch/internal/server"
	"github.com/rewired-gh/perfwatch/internal/storage"
	"github.com/rewired-gh/perfwatch/internal/telegram"
	"github.com/rewired-gh/perfwatch/internal/tracing"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	batchPath  = flag.String("batch", "", "Process one batch file (YAML or JSON) and exit")
)

func main() {
	flag.Parse()

	// Runs after every other deferred cleanup.
	exitCode := 0
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	closeTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := closeTracing(context.Background()); err != nil {
			logger.Warn("Failed to flush traces: %v", err)
		}
	}()
	metrics.MustRegister()

	store, err := storage.New(cfg.Storage.MaxBatches, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	rankerConfig, err := cfg.RankerConfig()
	if err != nil {
		logger.Fatal("Invalid detector configuration: %v", err)
	}
	ranker, err := detector.New(rankerConfig)
	if err != nil {
		logger.Fatal("Failed to initialize ranker: %v", err)
	}

	exporter, err := export.New(cfg.Export)
	if err != nil {
		logger.Fatal("Failed to initialize %s exporter: %v", cfg.Export.Method, err)
	}
	defer func() {
		if err := exporter.Close(); err != nil {
			logger.Error("Failed to close exporter: %v", err)
		}
	}()

	agg := aggregator.New()
	mon := monitor.New(store, ranker, exporter, agg, monitor.Config{
		MinSamples:         cfg.Detector.MinSamples,
		Workers:            cfg.Detector.Workers,
		CheckpointInterval: cfg.Detector.CheckpointInterval,
	})

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		mon.SetNotifier(telegramClient)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	logger.Info("Detector ready (strategy: %s, %s, min_samples: %d, export: %s)",
		ranker.Strategy(), ranker.Policy().Describe(), cfg.Detector.MinSamples, cfg.Export.Method)

	if *batchPath != "" {
		if err := runOnce(ctx, mon, *batchPath); err != nil {
			logger.Error("%v", err)
			exitCode = 1
		}
		return
	}

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx, func() string {
			funcs, streams := agg.Size()
			return fmt.Sprintf("batches: %d, functions: %d, ranks reporting: %d",
				mon.BatchCount(), funcs, streams)
		})
	}

	srv := server.New(server.Deps{
		Pipeline:   &alertingPipeline{Monitor: mon, telegram: telegramClient},
		Aggregator: agg,
		Ledger:     store,
		AuthToken:  cfg.Server.AuthToken,
	}, server.Config{Addr: cfg.Server.Addr})

	if err := srv.Run(ctx); err != nil {
		logger.Error("HTTP server failed: %v", err)
	}
	logger.Info("Shutdown signal received, cleaning up...")
	mon.Shutdown()
	logger.Info("Service stopped")
}

// runOnce processes the batch file at path and checkpoints the result.
func runOnce(ctx context.Context, mon *monitor.Monitor, path string) error {
	batch, err := ingest.LoadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}
	results, err := mon.ProcessBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to process batch: %w", err)
	}
	for _, r := range results {
		logger.Info("Function %d (%s): %d/%d anomalous, %s",
			r.FuncID, r.FuncName, r.Result.AnomalousCount, r.N, r.Result.Summary.ThresholdDescription)
	}
	mon.Shutdown()
	return nil
}

// alertingPipeline reports the first failure of a consecutive run and the
// recovery that ends it.
type alertingPipeline struct {
	*monitor.Monitor
	telegram *telegram.Client

	mu                  sync.Mutex
	consecutiveFailures int
}

func (p *alertingPipeline) ProcessBatch(ctx context.Context, batch *models.Batch) ([]models.FuncResult, error) {
	results, err := p.Monitor.ProcessBatch(ctx, batch)
	p.handleResult(err)
	return results, err
}

func (p *alertingPipeline) handleResult(err error) {
	var ve *detector.ValidationError
	if errors.As(err, &ve) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.consecutiveFailures++
		if p.consecutiveFailures == 1 && p.telegram != nil {
			if sendErr := p.telegram.SendError(err); sendErr != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
			}
		}
		return
	}
	if p.consecutiveFailures > 0 && p.telegram != nil {
		if sendErr := p.telegram.SendRecovery(p.consecutiveFailures); sendErr != nil {
			logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
		}
	}
	p.consecutiveFailures = 0
}
