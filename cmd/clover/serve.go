package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/clover/pkg/ingest"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/routes/batch"
	businessroutes "github.com/Ramsey-B/clover/pkg/routes/business"
	"github.com/Ramsey-B/clover/pkg/routes/health"
	reviewroutes "github.com/Ramsey-B/clover/pkg/routes/review"
	"github.com/Ramsey-B/clover/pkg/server"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when enabled, the enriched-businesses consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), newApp(cfg, logger))
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := a.logger
	checker := health.NewChecker(cfg.AppVersion)
	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts, cfg.StartupRetryDelay)

	var traceShutdown func(context.Context) error
	boot.AddDependency(&startup.Func{
		Name: "tracing",
		OnStart: func(ctx context.Context) error {
			shutdown, err := tracing.Setup(ctx, cfg.AppName, cfg.Tracing())
			if err != nil {
				return err
			}
			traceShutdown = shutdown
			return nil
		},
		OnStop: func(ctx context.Context) error { return traceShutdown(ctx) },
	})

	boot.AddDependency(&startup.Func{
		Name: "database",
		OnStart: func(ctx context.Context) error {
			if err := a.openDatabase(ctx); err != nil {
				return err
			}
			checker.AddCheck("database", a.sqlDB.PingContext)
			return nil
		},
		OnStop: func(context.Context) error { return a.sqlDB.Close() },
	})
	boot.AddDependency(&startup.Func{
		Name:  "migrations",
		Needs: []string{"database"},
		OnStart: func(ctx context.Context) error {
			return a.migrate(ctx, cfg.DatabaseMigrationVersion, cfg.DatabaseMigrationForce)
		},
	})

	services := []string{"database", "migrations"}
	if cfg.RedisHost != "" {
		services = append(services, "redis")
		boot.AddDependency(&startup.Func{
			Name: "redis",
			OnStart: func(ctx context.Context) error {
				if err := a.openRedis(ctx); err != nil {
					return err
				}
				checker.AddCheck("redis", a.redis.Ping)
				return nil
			},
			OnStop: func(context.Context) error { return a.redis.Close() },
		})
	}
	if cfg.GraphDBEnabled {
		services = append(services, "graph")
		boot.AddDependency(&startup.Func{
			Name: "graph",
			OnStart: func(ctx context.Context) error {
				if err := a.openGraph(ctx); err != nil {
					return err
				}
				checker.AddCheck("graph", a.graph.VerifyConnectivity)
				return nil
			},
			OnStop: func(ctx context.Context) error { return a.graph.Close(ctx) },
		})
	}
	if cfg.KafkaProducerEnabled {
		services = append(services, "producers")
		boot.AddDependency(&startup.Func{
			Name: "producers",
			OnStart: func(context.Context) error {
				a.openProducers()
				return nil
			},
			OnStop: func(context.Context) error {
				return errors.Join(a.leads.Close(), a.merges.Close())
			},
		})
	}

	boot.AddDependency(&startup.Func{
		Name:  "services",
		Needs: services,
		OnStart: func(ctx context.Context) error {
			if err := a.wire(); err != nil {
				return err
			}
			if err := a.reviews.SyncPendingGauge(ctx); err != nil {
				logger.WithContext(ctx).WithError(err).Warn("Failed to sync review pending gauge")
			}
			return nil
		},
	})

	var srv *server.Server
	boot.AddDependency(&startup.Func{
		Name:  "http",
		Needs: []string{"services"},
		OnStart: func(context.Context) error {
			var lineage businessroutes.LineageReader
			if a.lineage != nil {
				lineage = a.lineage
			}
			srv = server.New(logger, cfg.Server(), checker,
				batch.NewHandler(a.runner, a.stages),
				businessroutes.NewHandler(a.businesses, a.scores, a.stages, a.dedupeLog, lineage),
				reviewroutes.NewHandler(a.reviews),
			)
			go func() {
				if err := srv.Start(); err != nil {
					logger.WithError(err).Error("HTTP server stopped")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error { return srv.Shutdown(ctx) },
	})

	if cfg.KafkaConsumerEnabled {
		var consumer *kafka.Consumer
		var ingester *ingest.Ingester
		// Outlives the startup attempt ctx; cancelled on stop.
		runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
		boot.AddDependency(&startup.Func{
			Name:  "ingest",
			Needs: []string{"services"},
			OnStart: func(context.Context) error {
				ingester = ingest.NewIngester(logger, a.businesses, a.runner, cfg.Ingest())
				consumer = kafka.NewConsumer(cfg.Consumer(), logger, ingester.Handle)
				if err := consumer.Start(runCtx); err != nil {
					return err
				}
				go ingester.Run(runCtx)
				return nil
			},
			OnStop: func(ctx context.Context) error {
				cancelRun()
				err := consumer.Stop()
				ingester.Flush(ctx)
				return err
			},
		})
	}

	stop := func() error {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HttpServerShutdownGrace)
		defer cancel()
		return boot.Stop(stopCtx)
	}

	if err := boot.Start(ctx); err != nil {
		return errors.Join(err, stop())
	}
	checker.SetReady(true)
	logger.WithContext(ctx).Infof("%s started", cfg.AppName)

	<-ctx.Done()
	checker.SetReady(false)
	logger.Info("Shutting down")

	if err := stop(); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
