package gateway

import (
	"context"
	"fmt"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/app/gateway/resolver"
	"github.com/canopy-network/chaingate/app/gateway/types"
	"github.com/canopy-network/chaingate/pkg/cache"
	"github.com/canopy-network/chaingate/pkg/config"
	"github.com/canopy-network/chaingate/pkg/hub"
	"github.com/canopy-network/chaingate/pkg/indexer"
	"github.com/canopy-network/chaingate/pkg/logging"
	"github.com/canopy-network/chaingate/pkg/redis"
)

const (
	loaderWorkers   = 64
	loaderQueueSize = 4096
)

// Initialize builds the gateway from cfg. The returned app is not serving yet; see NewServer and Start.
func Initialize(ctx context.Context, cfg config.Config) (*types.App, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	app := &types.App{
		Config: cfg,
		Logger: logger,
	}

	// Redis is shared by the Pub/Sub event source and the metadata cache
	if cfg.StreamSource == config.SourceRedis || cfg.CacheRedis {
		app.RedisClient, err = redis.NewClient(ctx, redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			return nil, err
		}
	}

	var lookup indexer.Lookup
	switch cfg.IndexerMode {
	case config.ModeMock:
		app.Mock = indexer.NewMemory(logger)
		md := app.Mock.Seed()
		logger.Info("Using mock indexer", zap.String("chain_id", md.ChainID), zap.String("block_hash", md.BlockHash))
		lookup = app.Mock
	default:
		lookup = indexer.NewHTTPWithOpts(indexer.Opts{
			Endpoints: cfg.IndexerEndpoints,
			Timeout:   cfg.IndexerTimeout,
			RPS:       cfg.IndexerRPS,
			Burst:     cfg.IndexerBurst,
			Retry:     cfg.Retry(),
			Logger:    logger,
		})
		logger.Info("Using HTTP indexer", zap.Strings("endpoints", cfg.IndexerEndpoints))
	}

	var source indexer.EventSource
	switch cfg.StreamSource {
	case config.SourceNATS:
		source = indexer.NewNATSSource(indexer.NATSConfig{URL: cfg.NATSURL, Subject: cfg.NATSSubject}, logger)
	case config.SourceMock:
		if app.Mock == nil {
			app.Mock = indexer.NewMemory(logger)
		}
		source = app.Mock
	default:
		source = indexer.NewRedisSource(app.RedisClient, cfg.RedisChannel, logger)
	}
	logger.Info("Using event stream source", zap.String("source", cfg.StreamSource))

	app.Indexer = indexer.Compose(lookup, source)

	cacheOpts := cache.Options{Logger: logger}
	if cfg.CacheRedis {
		cacheOpts.Remote = cache.NewRedisStore(app.RedisClient, cfg.CacheTTL, logger)
	}
	app.Cache = cache.NewMetadata(app.Indexer, cacheOpts)

	app.Hub = hub.New(app.Indexer, hub.Config{
		QueueCapacity: cfg.QueueCapacity,
		IdleTimeout:   cfg.IdleTimeout,
		Retry:         cfg.Retry(),
		Logger:        logger,
	})

	app.Pool = pond.NewPool(loaderWorkers, pond.WithQueueSize(loaderQueueSize))

	app.Resolver = resolver.New(app.Indexer, app.Cache, app.Hub, resolver.Options{
		MaxBatch: cfg.BatchMaxKeys,
		Wait:     cfg.BatchWait,
		Timeout:  cfg.IndexerTimeout,
		Pool:     app.Pool,
		Logger:   logger,
	})

	if cfg.StatsCron != "" {
		if err := app.SetupScheduler(cfg.StatsCron); err != nil {
			app.Pool.StopAndWait()
			if app.RedisClient != nil {
				_ = app.RedisClient.Close()
			}
			return nil, fmt.Errorf("schedule stats %q: %w", cfg.StatsCron, err)
		}
	}

	return app, nil
}
