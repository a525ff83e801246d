package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/acme/ai-call-dispatch/internal/cache"
	"github.com/acme/ai-call-dispatch/internal/config"
	"github.com/acme/ai-call-dispatch/internal/dispatcher"
	"github.com/acme/ai-call-dispatch/internal/events"
	"github.com/acme/ai-call-dispatch/internal/infra/db"
	"github.com/acme/ai-call-dispatch/internal/infra/redis"
	"github.com/acme/ai-call-dispatch/internal/provider"
	providermock "github.com/acme/ai-call-dispatch/internal/provider/mock"
	"github.com/acme/ai-call-dispatch/internal/repository"
	pgrepo "github.com/acme/ai-call-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/ai-call-dispatch/internal/repository/scylla"
	callsvc "github.com/acme/ai-call-dispatch/internal/service/call"
	"github.com/acme/ai-call-dispatch/internal/webhook"
	"github.com/acme/ai-call-dispatch/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *events.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		publishers   *publishers
		caches       *caches
		services     *services
		dispatch     *dispatch
		webhooks     *webhooks
	}
}

type repositories struct {
	Registry    repository.ActiveCallRepository
	Queue       repository.QueueRepository
	Users       repository.UserRepository
	Campaigns   repository.CampaignRepository
	Numbers     repository.PhoneNumberRepository
	Stats       repository.StatisticsRepository
	Calls       repository.CallRepository
	Transcripts repository.TranscriptStore
}

type publishers struct {
	CallEvents  *events.CallEventPublisher
	DeadLetters *events.DeadLetterPublisher
}

type caches struct {
	Manager     *cache.Manager
	Invalidator *cache.Invalidator
	Refresher   *cache.Refresher
}

type services struct {
	Call *callsvc.Service
}

type dispatch struct {
	Dispatcher *dispatcher.Dispatcher
	Sweeper    *dispatcher.OrphanSweeper
	Resolver   *dispatcher.SourceNumberResolver
	Voice      provider.VoiceProvider
}

type webhooks struct {
	Processor *webhook.CallProcessor
	Pipeline  *webhook.Pipeline
	Snapshots *webhook.RedisSnapshotStore
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

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := events.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		sqlDB := c.Postgres.DB()
		dcfg := c.Config.Dispatcher

		repos := &repositories{
			Registry:    pgrepo.NewActiveCallRepository(sqlDB, dcfg.SystemLimit, dcfg.DefaultUserLimit),
			Queue:       pgrepo.NewQueueRepository(sqlDB, dcfg.DefaultUserLimit),
			Users:       pgrepo.NewUserRepository(sqlDB, dcfg.DefaultUserLimit),
			Campaigns:   pgrepo.NewCampaignRepository(sqlDB),
			Numbers:     pgrepo.NewPhoneNumberRepository(sqlDB),
			Stats:       pgrepo.NewStatisticsRepository(sqlDB),
			Calls:       pgrepo.NewCallRepository(sqlDB),
			Transcripts: scyllarepo.NewTranscriptStore(c.Scylla.Session()),
		}

		pubs := &publishers{
			CallEvents:  events.NewCallEventPublisher(c.Kafka, c.Config.Kafka.CallEventTopic),
			DeadLetters: events.NewDeadLetterPublisher(c.Kafka, c.Config.Kafka.DeadLetterTopic),
		}

		manager := cache.NewManager(c.Config.Cache)
		cacheSet := &caches{
			Manager:     manager,
			Invalidator: cache.NewInvalidator(c.Logger, manager, repos.Stats),
			Refresher:   cache.NewRefresher(c.Config.Cache, c.Logger, manager),
		}

		var voice provider.VoiceProvider
		if c.Config.Provider.UseMock {
			voice = providermock.NewProvider()
		} else {
			voice = provider.NewHTTPProvider(c.Config.Provider)
		}

		resolver := dispatcher.NewSourceNumberResolver(repos.Numbers)
		disp := &dispatch{
			Resolver: resolver,
			Voice:    voice,
			Dispatcher: dispatcher.New(
				dcfg,
				c.Logger,
				repos.Registry,
				repos.Queue,
				repos.Users,
				repos.Campaigns,
				repos.Calls,
				resolver,
				voice,
				pubs.CallEvents,
				cacheSet.Invalidator,
			),
			Sweeper: dispatcher.NewOrphanSweeper(dcfg, c.Logger, repos.Registry, repos.Calls),
		}

		snapshots := webhook.NewRedisSnapshotStore(c.Redis.Inner())
		processor := webhook.NewCallProcessor(
			c.Logger,
			repos.Registry,
			repos.Queue,
			repos.Calls,
			repos.Transcripts,
			pubs.CallEvents,
			cacheSet.Invalidator,
		)
		hooks := &webhooks{
			Processor: processor,
			Snapshots: snapshots,
			Pipeline:  webhook.NewPipeline(c.Config.Webhook, c.Logger, processor, snapshots, pubs.DeadLetters),
		}

		svcs := &services{
			Call: callsvc.NewService(
				c.Logger,
				repos.Registry,
				repos.Queue,
				repos.Calls,
				resolver,
				voice,
				pubs.CallEvents,
				cacheSet.Invalidator,
			),
		}

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.caches = cacheSet
		c.components.services = svcs
		c.components.dispatch = disp
		c.components.webhooks = hooks

		c.registerCacheLoaders()
	})
}

// registerCacheLoaders binds the proactive refresh loaders. Dashboard
// summaries are critical; agent views refresh on a best effort basis.
func (c *Container) registerCacheLoaders() {
	repos := c.components.repositories
	refresher := c.components.caches.Refresher

	_ = refresher.RegisterLoader(cache.InstanceDashboard, `^dashboard:user:`, true,
		func(ctx context.Context, key string) (any, time.Duration, error) {
			summary, err := repos.Stats.DashboardSummary(ctx, strings.TrimPrefix(key, "dashboard:user:"))
			if err != nil {
				return nil, 0, err
			}
			return summary, 0, nil
		})

	_ = refresher.RegisterLoader(cache.InstanceAgent, `^agent:config:`, false,
		func(ctx context.Context, key string) (any, time.Duration, error) {
			summary, err := repos.Stats.AgentSummary(ctx, strings.TrimPrefix(key, "agent:config:"))
			if err != nil {
				return nil, 0, err
			}
			return summary, 0, nil
		})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Publishers exposes Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Caches exposes the cache engine components.
func (c *Container) Caches() *caches {
	c.initComponents()
	return c.components.caches
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Dispatch exposes the dispatcher components.
func (c *Container) Dispatch() *dispatch {
	c.initComponents()
	return c.components.dispatch
}

// Webhooks exposes the webhook pipeline components.
func (c *Container) Webhooks() *webhooks {
	c.initComponents()
	return c.components.webhooks
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.CallEventTopic}
	if err := c.Kafka.EnsureTopics(ctx, topics, 12, 1); err != nil {
		return err
	}
	if c.Config.Kafka.DeadLetterTopic != "" {
		if err := c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.DeadLetterTopic}, 3, 1); err != nil {
			return err
		}
	}
	return nil
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if err := p.CallEvents.Close(); err != nil {
			errs = append(errs, fmt.Errorf("call events close: %w", err))
		}
		if err := p.DeadLetters.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dead letters close: %w", err))
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
