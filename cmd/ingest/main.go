// Command ingest processes a batch of downloaded price lists, optionally
// fetching the day's files first.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"price-ingest/config"
	"price-ingest/internal/broker"
	"price-ingest/internal/decoder"
	"price-ingest/internal/fetch"
	"price-ingest/internal/models"
	"price-ingest/internal/profile"
	"price-ingest/internal/service"
	"price-ingest/internal/store"
	"price-ingest/internal/util"
)

func main() {
	var (
		dir       = flag.String("dir", "", "directory of downloaded files (<dir>/<RETAILER>/<YYYY-MM-DD>/...)")
		retailer  = flag.String("retailer", "", "treat -dir as the files of one retailer")
		date      = flag.String("date", "", "publication date YYYY-MM-DD (default today)")
		doFetch   = flag.Bool("fetch", false, "download the day's files from retailer listings first")
		retailers = flag.String("retailers", "", "comma separated retailers to fetch (default all with a listing)")
		publish   = flag.Bool("publish", false, "announce files on Kafka instead of processing them here")
	)
	flag.Parse()

	cfg := config.Load()
	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()
	logger := util.GetLogger()

	published := time.Now().UTC().Truncate(24 * time.Hour)
	if *date != "" {
		t, err := time.Parse(dirDateLayout, *date)
		if err != nil {
			logger.Fatal("Invalid -date", zap.Error(err))
		}
		published = t
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profiles, err := loadProfiles(cfg.Pipeline.ProfilesPath)
	if err != nil {
		logger.Fatal("Failed to load retailer profiles", zap.Error(err))
	}

	var files []*models.SourceFile
	if *doFetch {
		fetched, err := fetchAll(ctx, cfg.Fetch, cfg.Pipeline, profiles, *retailers, published)
		if err != nil {
			logger.Fatal("Fetch failed", zap.Error(err))
		}
		files = append(files, fetched...)
	}
	if *dir != "" {
		found, err := collectFiles(*dir, *retailer, published)
		if err != nil {
			logger.Fatal("Failed to list files", zap.String("dir", *dir), zap.Error(err))
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		logger.Info("Nothing to ingest")
		return
	}

	if *publish {
		if err := announce(ctx, cfg.Kafka, files); err != nil {
			logger.Fatal("Failed to publish files", zap.Error(err))
		}
		return
	}

	db, err := store.NewStore(store.Options{
		Driver:       cfg.Database.Driver,
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		QueryTimeout: cfg.Database.QueryTimeout,
		TxTimeout:    cfg.Database.TxTimeout,
		Retry:        retryPolicy(cfg.Pipeline),
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}

	orchestrator, err := service.NewOrchestrator(profiles, db, nil, nil, service.Options{
		Parallelism: cfg.Pipeline.Parallelism,
		RowWorkers:  cfg.Pipeline.RowWorkers,
		Limits:      decoder.Limits{MaxMemberBytes: cfg.Pipeline.MaxMemberBytes},
		Retry:       retryPolicy(cfg.Pipeline),
	})
	if err != nil {
		logger.Fatal("Failed to build orchestrator", zap.Error(err))
	}

	outcomes, err := orchestrator.RunBatch(ctx, files)
	summarize(outcomes)
	if err != nil {
		logger.Error("Batch aborted", zap.Error(err))
		util.SyncLogger()
		os.Exit(1)
	}
}

func loadProfiles(path string) (*profile.Registry, error) {
	if path == "" {
		return profile.Default()
	}
	return profile.LoadFile(path)
}

func retryPolicy(p config.PipelineConfig) util.RetryPolicy {
	return util.RetryPolicy{Attempts: p.MaxRetries, BaseDelay: p.RetryBaseDelay}
}

func fetchAll(ctx context.Context, fc config.FetchConfig, pc config.PipelineConfig, profiles *profile.Registry, only string, date time.Time) ([]*models.SourceFile, error) {
	selected := profiles.All()
	if only != "" {
		selected = selected[:0:0]
		for _, code := range strings.Split(only, ",") {
			p, err := profiles.Get(code)
			if err != nil {
				return nil, err
			}
			selected = append(selected, p)
		}
	}

	fetcher := fetch.NewFetcher(fetch.Options{
		UserAgent:         fc.UserAgent,
		RequestsPerSecond: fc.RequestsPerSecond,
		Timeout:           fc.Timeout,
		DownloadDir:       fc.DownloadDir,
		Retry:             retryPolicy(pc),
	})

	logger := util.GetLogger()
	var files []*models.SourceFile
	for _, p := range selected {
		if p.Listing.URL == "" {
			continue
		}
		fetched, err := fetcher.FetchDay(ctx, p, date)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Fetch failed for retailer", zap.String("retailer", p.Code), zap.Error(err))
			continue
		}
		files = append(files, fetched...)
	}
	return files, nil
}

func announce(ctx context.Context, kc config.KafkaConfig, files []*models.SourceFile) error {
	producer := broker.NewProducer(kc.Brokers, kc.TopicFiles)
	defer producer.Close()
	publisher := broker.NewEventPublisher(producer)

	for _, f := range files {
		if f.Path == "" {
			return fmt.Errorf("%s has no local path to announce", f.FileName)
		}
		if err := publisher.PublishFileDownloaded(ctx, &models.FileDownloadedEvent{
			Retailer:        f.Retailer,
			FileName:        f.FileName,
			Path:            f.Path,
			Format:          f.Format,
			PublicationDate: f.PublicationDate,
		}); err != nil {
			return err
		}
	}
	util.GetLogger().Info("Files announced", zap.Int("files", len(files)), zap.String("topic", kc.TopicFiles))
	return nil
}

func summarize(outcomes []*models.Outcome) {
	counts := map[models.FileStatus]int{}
	inserted, superseded, rejected := 0, 0, 0
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		counts[o.Status]++
		inserted += o.Inserted
		superseded += o.Superseded
		rejected += o.RowsRejected
	}

	util.GetLogger().Info("Batch finished",
		zap.Int("files", len(outcomes)),
		zap.Int("reconciled", counts[models.FileStatusReconciled]),
		zap.Int("with_warnings", counts[models.FileStatusReconciledWithWarnings]),
		zap.Int("failed", counts[models.FileStatusFailed]),
		zap.Int("inserted", inserted),
		zap.Int("superseded", superseded),
		zap.Int("rows_rejected", rejected))
}
