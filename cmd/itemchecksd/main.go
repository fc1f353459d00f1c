// Command itemchecksd runs the item-checks processing worker: it consumes
// work items from the fetch queue, applies the institution-specific checks,
// and routes outcomes to the staging/report stores, blob storage, and the
// outbound queues.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	intnats "github.com/shelfwise/itemchecks/internal/nats"
	"github.com/shelfwise/itemchecks/internal/tracing"
	"github.com/shelfwise/itemchecks/pkg/almafetch"
	"github.com/shelfwise/itemchecks/pkg/concurrency"
	"github.com/shelfwise/itemchecks/pkg/config"
	"github.com/shelfwise/itemchecks/pkg/directory"
	"github.com/shelfwise/itemchecks/pkg/orchestrator"
	"github.com/shelfwise/itemchecks/pkg/processor"
	"github.com/shelfwise/itemchecks/pkg/report"
	"github.com/shelfwise/itemchecks/pkg/runner"
	"github.com/shelfwise/itemchecks/pkg/sink"
)

func main() {
	configPath := flag.String("config", "", "optional path to a YAML config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	undoMaxProcs := concurrency.InitMaxProcs(logger)
	defer undoMaxProcs()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if cfg.App.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.App.SentryDSN,
			Environment: cfg.App.Env,
		}); err != nil {
			logger.Warn("Failed to initialize sentry, continuing without it", zap.Error(err))
		}
		defer sentry.Flush(5 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(ctx, tracing.Config{
			ServiceName:  cfg.App.Name,
			Environment:  cfg.App.Env,
			OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
			SampleRatio:  cfg.Tracing.SampleRatio,
		}, logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without it", zap.Error(err))
		} else {
			defer tracing.Shutdown(shutdown, logger)
		}
	}

	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{})
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	if cfg.MySQL.AutoMigrate {
		if err := db.AutoMigrate(&directory.InstitutionRow{}); err != nil {
			logger.Fatal("Failed to migrate institutions table", zap.Error(err))
		}
		if err := sink.MigrateStagingTables(db, cfg.Storage.SCFStageTable, cfg.Storage.IZStageTable); err != nil {
			logger.Fatal("Failed to migrate staging tables", zap.Error(err))
		}
		if err := sink.MigrateReportTables(db, cfg.Storage.SCFReportTable); err != nil {
			logger.Fatal("Failed to migrate report tables", zap.Error(err))
		}
	}

	conn, err := intnats.Connect(ctx, intnats.DefaultConnectionConfig(cfg.NATS.URL), logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer func() {
		if err := intnats.Close(conn); err != nil {
			logger.Error("Error closing NATS connection", zap.Error(err))
		}
	}()

	js, err := conn.JetStream()
	if err != nil {
		logger.Fatal("JetStream is not enabled on the NATS server", zap.Error(err))
	}

	svc, reportSvc, err := buildServices(cfg, db, js, logger)
	if err != nil {
		logger.Fatal("Failed to build services", zap.Error(err))
	}

	run, err := runner.NewRunner(js, svc, runner.Config{
		Stream:         cfg.NATS.Stream,
		Consumer:       cfg.NATS.Consumer,
		FetchSubject:   cfg.NATS.FetchSubject,
		BatchSize:      cfg.Worker.BatchSize,
		NumWorkers:     cfg.Worker.NumWorkers,
		ProcessTimeout: cfg.Worker.ProcessTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create runner", zap.Error(err))
	}

	subscribeReportTriggers(js, cfg, reportSvc, logger)

	logger.Info("Starting item-checks worker",
		zap.String("stream", cfg.NATS.Stream),
		zap.String("consumer", cfg.NATS.Consumer),
		zap.Int("workers", cfg.Worker.NumWorkers))

	if err := run.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("Runner failed", zap.Error(err))
	}
	logger.Info("Worker shut down")
}

func buildServices(cfg *config.Config, db *gorm.DB, js natsclient.JetStreamContext, logger *zap.Logger) (*orchestrator.Service, *report.Service, error) {
	dir, err := directory.NewService(db, logger.Named("directory"))
	if err != nil {
		return nil, nil, err
	}

	fetcher, err := almafetch.NewClient(almafetch.Config{
		BaseURL:       cfg.API.BaseURL,
		Timeout:       cfg.API.Timeout,
		MaxAttempts:   cfg.API.RetryMaxAttempts,
		BackoffBase:   cfg.API.RetryBackoffBase,
		MaxConcurrent: cfg.API.MaxConcurrent,
	}, logger.Named("almafetch"))
	if err != nil {
		return nil, nil, err
	}

	scfStaging, err := sink.NewGormStagingStore(db, cfg.Storage.SCFStageTable)
	if err != nil {
		return nil, nil, err
	}
	izStaging, err := sink.NewGormStagingStore(db, cfg.Storage.IZStageTable)
	if err != nil {
		return nil, nil, err
	}
	reports, err := sink.NewGormReportStore(db, cfg.Storage.SCFReportTable)
	if err != nil {
		return nil, nil, err
	}

	updatedBlobs, err := sink.NewAzureBlobStore(cfg.Storage.ConnectionString, cfg.Storage.UpdatedItemsContainer, logger.Named("blob"))
	if err != nil {
		return nil, nil, err
	}
	reportBlobs, err := sink.NewAzureBlobStore(cfg.Storage.ConnectionString, cfg.Storage.ReportsContainer, logger.Named("blob"))
	if err != nil {
		return nil, nil, err
	}

	publisher, err := sink.NewJetStreamPublisher(js, logger.Named("publisher"))
	if err != nil {
		return nil, nil, err
	}

	rules := &processor.Rules{
		ProvenanceExclusions: cfg.Rules.ProvenanceExclusions,
		SkipLocations:        cfg.Rules.SkipLocations,
		CheckedIZLocations:   cfg.Rules.CheckedIZLocations,
	}

	scf, err := processor.NewSCFProcessor(rules, scfStaging, logger.Named("scf"))
	if err != nil {
		return nil, nil, err
	}
	iz, err := processor.NewIZProcessor(rules, izStaging, logger.Named("iz"))
	if err != nil {
		return nil, nil, err
	}

	router, err := sink.NewRouter(scfStaging, izStaging, reports, updatedBlobs, publisher, sink.RouterConfig{
		UpdateSubject:       cfg.NATS.UpdateSubject,
		NotificationSubject: cfg.NATS.NotificationSubject,
	}, logger.Named("sink"))
	if err != nil {
		return nil, nil, err
	}

	svc, err := orchestrator.NewService(dir, fetcher, scf, iz, router, logger.Named("orchestrator"))
	if err != nil {
		return nil, nil, err
	}

	reportSvc, err := report.NewService(dir, fetcher, fetcher, scfStaging, izStaging, reports, reportBlobs, publisher, report.Config{
		SCFInstitutionCode:  cfg.Rules.SCFInstitutionCode,
		NotificationSubject: cfg.NATS.NotificationSubject,
	}, logger.Named("report"))
	if err != nil {
		return nil, nil, err
	}

	return svc, reportSvc, nil
}

// reportTrigger binds one report run to its trigger subject. The durable
// name keeps the consumer's delivery state across worker restarts, so a
// trigger delivered but not yet acknowledged is redelivered instead of lost.
type reportTrigger struct {
	subject string
	durable string
	run     func(context.Context) error
}

func reportTriggers(cfg *config.Config, reportSvc *report.Service) []reportTrigger {
	return []reportTrigger{
		{cfg.NATS.SCFReportSubject, "itemchecks-report-scf", reportSvc.RunSCFNoRowTray},
		{cfg.NATS.IZReportSubject, "itemchecks-report-iz", reportSvc.RunIZNoRowTray},
		{cfg.NATS.SCFDuplicatesSubject, "itemchecks-report-scf-duplicates", reportSvc.RunSCFDuplicates},
	}
}

// subscribeReportTriggers wires the report runs to their trigger subjects.
// Runs are serialized per subject by the queue itself.
func subscribeReportTriggers(js natsclient.JetStreamContext, cfg *config.Config, reportSvc *report.Service, logger *zap.Logger) {
	for _, trigger := range reportTriggers(cfg, reportSvc) {
		run := trigger.run
		subject := trigger.subject
		_, err := js.Subscribe(subject, func(msg *natsclient.Msg) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if err := run(ctx); err != nil {
				logger.Error("Report run failed",
					zap.String("subject", subject),
					zap.Error(err))
				if nakErr := msg.Nak(); nakErr != nil {
					logger.Error("Error naking report trigger", zap.Error(nakErr))
				}
				return
			}
			if ackErr := msg.Ack(); ackErr != nil {
				logger.Error("Error acking report trigger", zap.Error(ackErr))
			}
		}, natsclient.Durable(trigger.durable), natsclient.ManualAck(), natsclient.BindStream(cfg.NATS.Stream))
		if err != nil {
			logger.Fatal("Failed to subscribe report trigger",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}
}
