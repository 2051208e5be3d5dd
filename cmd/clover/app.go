package main

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/repositories/business"
	"github.com/Ramsey-B/clover/internal/repositories/dedupelog"
	"github.com/Ramsey-B/clover/internal/repositories/reviewqueue"
	"github.com/Ramsey-B/clover/internal/repositories/scorerecord"
	"github.com/Ramsey-B/clover/internal/repositories/stagestatus"
	"github.com/Ramsey-B/clover/pkg/blocking"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/graph"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/pipeline"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/review"
	"github.com/Ramsey-B/clover/pkg/scoring"
	"github.com/Ramsey-B/clover/pkg/semantic"
)

// app holds the process's connections and the services wired on top of them.
type app struct {
	cfg    *config.Config
	logger ectologger.Logger

	sqlDB  *sqlx.DB
	db     database.DB
	redis  *redis.Client
	graph  *graph.Client
	leads  *kafka.Producer
	merges *kafka.Producer

	businesses *business.Repository
	dedupeLog  *dedupelog.Repository
	scores     *scorerecord.Repository
	stages     *stagestatus.Repository
	lineage    *graph.LineageService
	reviews    *review.Manager
	runner     *pipeline.Runner
}

func newApp(cfg *config.Config, logger ectologger.Logger) *app {
	return &app{cfg: cfg, logger: logger}
}

func (a *app) openDatabase(ctx context.Context) error {
	db, err := sqlx.ConnectContext(ctx, "postgres", a.cfg.DatabaseDSN())
	if err != nil {
		return fmt.Errorf("failed to connect to database %s: %w", a.cfg.DatabaseName, err)
	}
	db.SetMaxOpenConns(a.cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(a.cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(a.cfg.DatabaseConnMaxLifetime)

	a.sqlDB = db
	a.db = database.NewDatabaseInstance(db, a.logger)
	a.logger.WithContext(ctx).Infof("Connected to database %s at %s:%d", a.cfg.DatabaseName, a.cfg.DatabaseHost, a.cfg.DatabasePort)
	return nil
}

func (a *app) migrate(_ context.Context, version uint, force int) error {
	svc := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             version,
		Force:               force,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})
	return svc.Migrate(a.sqlDB.DB, a.cfg.DatabaseName)
}

func (a *app) openRedis(ctx context.Context) error {
	client, err := redis.NewClient(ctx, a.cfg.Redis(), a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	return nil
}

func (a *app) openGraph(ctx context.Context) error {
	client, err := graph.NewClient(a.cfg.Graph(), a.logger)
	if err != nil {
		return err
	}
	if err := client.VerifyConnectivity(ctx); err != nil {
		_ = client.Close(ctx)
		return fmt.Errorf("graph database unreachable: %w", err)
	}
	a.graph = client
	return nil
}

func (a *app) openProducers() {
	a.leads = kafka.NewProducer(a.cfg.Producer(a.cfg.KafkaLeadTopic), a.logger)
	a.merges = kafka.NewProducer(a.cfg.Producer(a.cfg.KafkaMergeTopic), a.logger)
}

// connect opens every configured backing service. Used by the one-shot
// commands; serve opens them through startup instead.
func (a *app) connect(ctx context.Context) error {
	if err := a.openDatabase(ctx); err != nil {
		return err
	}
	if a.cfg.RedisHost != "" {
		if err := a.openRedis(ctx); err != nil {
			return err
		}
	}
	if a.cfg.GraphDBEnabled {
		if err := a.openGraph(ctx); err != nil {
			return err
		}
	}
	if a.cfg.KafkaProducerEnabled {
		a.openProducers()
	}
	return nil
}

func (a *app) locker() lock.Locker {
	if a.redis != nil {
		return lock.NewRedisLocker(a.redis.Redis(), a.cfg.LockKeyPrefix, a.logger)
	}
	a.logger.Warn("REDIS_HOST is not set, business locks are process local")
	return lock.NewMemoryLocker()
}

// wire builds the dedupe, review and scoring services over the open
// connections. Optional collaborators are only attached when their backing
// service is configured.
func (a *app) wire() error {
	cfg := a.cfg
	logger := a.logger
	locker := a.locker()
	lockOpts := cfg.LockOptions()

	a.businesses = business.NewRepository(a.db, logger)
	a.scores = scorerecord.NewRepository(a.db, logger)
	a.stages = stagestatus.NewRepository(a.db, logger)
	a.dedupeLog = dedupelog.NewRepository(a.db, logger)
	reviewQueue := reviewqueue.NewRepository(a.db, logger)

	var engineOpts []merging.Option
	var coordinatorOpts []pipeline.Option
	if a.graph != nil {
		a.lineage = graph.NewLineageService(a.graph, logger)
		engineOpts = append(engineOpts, merging.WithLineage(a.lineage))
	}
	if a.leads != nil && a.merges != nil {
		emitter := events.NewEmitter(a.leads, a.merges, logger)
		engineOpts = append(engineOpts, merging.WithPublisher(emitter))
		coordinatorOpts = append(coordinatorOpts, pipeline.WithEmitter(emitter))
	}

	engine := merging.NewEngine(logger, a.db, locker, lockOpts, a.businesses, a.dedupeLog, engineOpts...)
	a.reviews = review.NewManager(logger, reviewQueue, a.db, locker, lockOpts, engine)

	router, err := merging.NewRouter(logger, engine, a.reviews, cfg.Thresholds())
	if err != nil {
		return err
	}

	var scorer matching.SemanticScorer
	if cfg.SemanticEnabled {
		scorer = semantic.NewClient(cfg.Semantic(), logger)
	}
	evaluator, err := matching.NewEvaluator(logger, scorer, cfg.Matching())
	if err != nil {
		return err
	}

	generator := blocking.NewGenerator(logger, a.dedupeLog, cfg.Blocking(),
		blocking.WithReviewLog(reviewQueue),
		blocking.WithPeers(a.businesses),
	)
	scorers := func(rules *scoring.Engine) pipeline.Scorer {
		return scoring.NewService(logger, locker, lockOpts, a.businesses, a.scores, rules)
	}

	coordinator := pipeline.NewCoordinator(logger, cfg.Pipeline(), a.businesses, a.stages, generator, evaluator, router, scorers, coordinatorOpts...)
	a.runner = pipeline.NewRunner(coordinator, pipeline.FileRules(cfg.ScoringRulesPath))
	return nil
}

// close releases every open connection, logging failures.
func (a *app) close(ctx context.Context) {
	for _, p := range []*kafka.Producer{a.leads, a.merges} {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			a.logger.WithContext(ctx).WithError(err).Errorf("Failed to close producer for %s", p.Topic())
		}
	}
	if a.graph != nil {
		if err := a.graph.Close(ctx); err != nil {
			a.logger.WithContext(ctx).WithError(err).Error("Failed to close graph client")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithContext(ctx).WithError(err).Error("Failed to close redis client")
		}
	}
	if a.sqlDB != nil {
		if err := a.sqlDB.Close(); err != nil {
			a.logger.WithContext(ctx).WithError(err).Error("Failed to close database")
		}
	}
}
