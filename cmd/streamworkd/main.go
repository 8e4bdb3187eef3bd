package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hashicorp-forge/streamwork/internal/config"
	"github.com/hashicorp-forge/streamwork/pkg/blobgc"
	"github.com/hashicorp-forge/streamwork/pkg/bulk"
	"github.com/hashicorp-forge/streamwork/pkg/bulk/index"
	"github.com/hashicorp-forge/streamwork/pkg/computation"
	"github.com/hashicorp-forge/streamwork/pkg/repository"
	"github.com/hashicorp-forge/streamwork/pkg/repository/memory"
	"github.com/hashicorp-forge/streamwork/pkg/search"
	meilisearchadapter "github.com/hashicorp-forge/streamwork/pkg/search/meilisearch"
	"github.com/hashicorp-forge/streamwork/pkg/stream"
	"github.com/hashicorp-forge/streamwork/pkg/stream/checkpoint"
	"github.com/hashicorp-forge/streamwork/pkg/stream/inmem"
	"github.com/hashicorp-forge/streamwork/pkg/stream/kafka"
)

const drainTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.hcl", "Path to configuration file")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "streamworkd",
		Level: hclog.Info,
	})

	logger.Info("starting streamworkd", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("streamworkd failed", "error", err)
		cancel()
		os.Exit(1)
	}

	logger.Info("streamworkd stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger hclog.Logger) error {
	db, err := gorm.Open(sqlite.Open(config.GetCheckpointPath(cfg)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	if err := db.AutoMigrate(&checkpoint.Checkpoint{}, &bulk.Command{}, &bulk.Status{}); err != nil {
		return fmt.Errorf("failed to migrate checkpoint database: %w", err)
	}

	checkpoints, err := checkpoint.NewGormStore(db)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	store, err := bulk.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to create bulk store: %w", err)
	}

	log, err := openLog(cfg, logger)
	if err != nil {
		return err
	}
	defer log.Close()

	client, err := initializeSearchClient(cfg, logger)
	if err != nil {
		return err
	}

	registry := repository.NewRegistry()
	if cfg.Log.Kind == "inmem" {
		// Local/dev mode runs against an in-memory repository.
		registry.Register(memory.New("default"))
	}

	indexTopo, err := index.NewPipeline(index.PipelineConfig{
		Registry:   registry,
		Store:      store,
		Client:     client,
		WriteIndex: cfg.Index.WriteIndex,
		Thresholds: index.BatchThresholds{
			MaxBytes:      cfg.Index.BulkSizeBytes,
			MaxActions:    cfg.Index.BulkActions,
			FlushInterval: cfg.Index.FlushInterval(),
		},
		SearchAlias: cfg.Index.SearchAlias,
		Concurrency: cfg.Log.Partitions,
	})
	if err != nil {
		return fmt.Errorf("failed to build index pipeline: %w", err)
	}
	gcTopo, err := blobgc.Topology(registry, cfg.Log.Partitions)
	if err != nil {
		return fmt.Errorf("failed to build blob gc topology: %w", err)
	}

	policy := computation.Policy{
		MaxRetries:        cfg.Policy.Retries(),
		BackoffDelay:      cfg.Policy.BackoffDelay(),
		BackoffMaxDelay:   cfg.Policy.BackoffMaxDelay(),
		ContinueOnFailure: cfg.Policy.ContinueOnFailure,
	}
	opts := computation.Options{
		Log:              log,
		Checkpoints:      checkpoints,
		Policy:           policy,
		StreamPartitions: cfg.Log.Partitions,
		Logger:           logger,
	}

	indexDep, err := indexTopo.Deploy(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to deploy index pipeline: %w", err)
	}
	gcDep, err := gcTopo.Deploy(ctx, opts)
	if err != nil {
		stopDeployment(indexDep, logger)
		return fmt.Errorf("failed to deploy blob gc pipeline: %w", err)
	}

	logger.Info("pipelines deployed",
		"log", cfg.Log.Kind,
		"partitions", cfg.Log.Partitions,
		"write_index", cfg.Index.WriteIndex)

	<-ctx.Done()

	stopDeployment(indexDep, logger)
	stopDeployment(gcDep, logger)

	if err := indexDep.Err(); err != nil {
		return err
	}
	return gcDep.Err()
}

func stopDeployment(d *computation.Deployment, logger hclog.Logger) {
	stopCtx, stopCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		logger.Error("deployment stop failed", "error", err)
	}
}

// openLog creates the configured stream log backend.
func openLog(cfg *config.Config, logger hclog.Logger) (stream.Log, error) {
	switch cfg.Log.Kind {
	case "kafka":
		log, err := kafka.New(kafka.Config{
			Brokers: config.GetBrokers(cfg),
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka log: %w", err)
		}
		logger.Info("initialized stream log", "kind", "kafka", "brokers", config.GetBrokers(cfg))
		return log, nil
	case "inmem":
		logger.Info("initialized stream log", "kind", "inmem")
		return inmem.New(), nil
	default:
		return nil, fmt.Errorf("unknown log kind %q", cfg.Log.Kind)
	}
}

// initializeSearchClient creates the search sink based on config.
func initializeSearchClient(cfg *config.Config, logger hclog.Logger) (search.Client, error) {
	if cfg.Meilisearch == nil {
		return nil, fmt.Errorf("meilisearch configuration is missing")
	}
	client, err := meilisearchadapter.NewAdapter(&meilisearchadapter.Config{
		Host:   cfg.Meilisearch.Host,
		APIKey: cfg.Meilisearch.APIKey,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize meilisearch adapter: %w", err)
	}
	logger.Info("initialized search client", "host", cfg.Meilisearch.Host)
	return client, nil
}
