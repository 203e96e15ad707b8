package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/lead-routing/internal/api/handlers"
	"github.com/acme/lead-routing/internal/config"
	"github.com/acme/lead-routing/internal/infra/db"
	"github.com/acme/lead-routing/internal/infra/redis"
	"github.com/acme/lead-routing/internal/queue"
	"github.com/acme/lead-routing/internal/repository"
	pgrepo "github.com/acme/lead-routing/internal/repository/postgres"
	scyllarepo "github.com/acme/lead-routing/internal/repository/scylla"
	agentsvc "github.com/acme/lead-routing/internal/service/agent"
	"github.com/acme/lead-routing/internal/service/idempotency"
	leadsvc "github.com/acme/lead-routing/internal/service/lead"
	queuesvc "github.com/acme/lead-routing/internal/service/queue"
	"github.com/acme/lead-routing/internal/service/repique"
	"github.com/acme/lead-routing/internal/service/selection"
	watchdogsvc "github.com/acme/lead-routing/internal/service/watchdog"
	"github.com/acme/lead-routing/internal/telemetry"
	"github.com/acme/lead-routing/migrations"
	"github.com/acme/lead-routing/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *telemetry.Metrics

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publishers   *publishers
	}
}

type repositories struct {
	Queues      repository.QueueRepository
	Memberships repository.MembershipRepository
	Agents      repository.AgentRepository
	Routing     *pgrepo.RoutingStore
	Timeline    repository.TimelineStore
}

type services struct {
	Queues        *queuesvc.Service
	Agents        *agentsvc.Service
	Leads         *leadsvc.Service
	Redistributor *repique.Redistributor
	Sweeper       *watchdogsvc.Sweeper
}

type publishers struct {
	Assignments *queue.AssignmentPublisher
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	var scylla *db.Scylla
	if len(cfg.Scylla.Hosts) > 0 {
		if scylla, err = db.NewScylla(cfg.Scylla); err != nil {
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
	}

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Metrics:  telemetry.NewMetrics(),
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		sqlDB := c.Postgres.DB()
		repos := &repositories{
			Queues:      pgrepo.NewQueueRepository(sqlDB),
			Memberships: pgrepo.NewMembershipRepository(sqlDB),
			Agents:      pgrepo.NewAgentRepository(sqlDB),
			Routing:     pgrepo.NewRoutingStore(sqlDB),
		}
		if c.Scylla != nil {
			repos.Timeline = scyllarepo.NewTimelineStore(c.Scylla.Session())
		}

		pubs := &publishers{
			Assignments: queue.NewAssignmentPublisher(c.Kafka, c.Config.Kafka.AssignmentTopic),
		}

		selector := selection.NewSelector()
		queues := queuesvc.NewService(repos.Queues, repos.Memberships, c.Config.Intake.FallbackOrigin)
		redistributor := repique.NewRedistributor(
			repos.Routing,
			repos.Routing,
			selector,
			pubs.Assignments,
			c.Metrics,
			c.Logger,
			c.Config.Redistribution,
		)

		svcs := &services{
			Queues: queues,
			Agents: agentsvc.NewService(repos.Agents),
			Leads: leadsvc.NewService(repos.Routing, repos.Routing, queues, selector, leadsvc.Options{
				Deduper:   idempotency.NewGuard(c.Redis.Inner(), "leadrouting:intake", c.Config.Intake.DedupeTTL),
				Publisher: pubs.Assignments,
				Timeline:  repos.Timeline,
				Metrics:   c.Metrics,
				Logger:    c.Logger,
				Region:    c.Config.Intake.DefaultRegion,
			}),
			Redistributor: redistributor,
			Sweeper:       watchdogsvc.NewSweeper(repos.Routing, redistributor, c.Metrics, c.Logger, c.Config.Watchdog),
		}

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.services = svcs
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() *handlers.HandlerSet {
	svcs := c.Services()
	checks := map[string]handlers.HealthCheck{
		"postgres": func(ctx context.Context) error { return c.Postgres.DB().PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return c.Redis.Inner().Ping(ctx).Err() },
	}
	if c.Scylla != nil {
		checks["scylla"] = func(ctx context.Context) error {
			return c.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
		}
	}
	return handlers.NewHandlerSet(handlers.Dependencies{
		Queues: svcs.Queues,
		Agents: svcs.Agents,
		Leads:  svcs.Leads,
		Checks: checks,
		Logger: c.Logger,
	})
}

// Migrate applies the Postgres schema and, when configured, the Scylla tables.
func (c *Container) Migrate(ctx context.Context) error {
	if err := c.Postgres.Migrate(ctx); err != nil {
		return err
	}
	if c.Scylla == nil {
		return nil
	}
	statements, err := migrations.Scylla()
	if err != nil {
		return fmt.Errorf("scylla: load migrations: %w", err)
	}
	return c.Scylla.Migrate(statements...)
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	partitions := c.Config.Kafka.Partitions
	if partitions <= 0 {
		partitions = 12
	}
	topics := []string{c.Config.Kafka.IntakeTopic, c.Config.Kafka.AssignmentTopic}
	return c.Kafka.EnsureTopics(ctx, topics, partitions, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil && p.Assignments != nil {
		if err := p.Assignments.Close(); err != nil {
			errs = append(errs, fmt.Errorf("assignment publisher close: %w", err))
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
