package types

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/app/gateway/resolver"
	"github.com/canopy-network/chaingate/pkg/cache"
	"github.com/canopy-network/chaingate/pkg/config"
	"github.com/canopy-network/chaingate/pkg/hub"
	"github.com/canopy-network/chaingate/pkg/indexer"
	"github.com/canopy-network/chaingate/pkg/redis"
)

type App struct {
	Config config.Config

	// Indexer serves point lookups and the live event stream.
	Indexer indexer.Client
	// Mock is set when the gateway runs against the in-memory indexer.
	Mock *indexer.Memory

	Cache    *cache.Metadata
	Hub      *hub.Hub
	Resolver *resolver.Resolver

	// Pool runs the bulk calls of every request's loader.
	Pool pond.Pool
	// RedisClient is nil unless the Redis stream source or the shared cache is enabled.
	RedisClient *redis.Client

	// Cron logs periodic stats, according to Config.StatsCron.
	Cron *cron.Cron

	// Zap Logger
	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server
}

// SetupScheduler schedules the periodic stats report.
func (a *App) SetupScheduler(spec string) error {
	logger := NewCronLogger(a.Logger)
	a.Cron = cron.New(cron.WithSeconds(), cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))

	_, err := a.Cron.AddFunc(spec, a.ReportStats)
	return err
}

// ReportStats logs the hub and cache counters.
func (a *App) ReportStats() {
	stats := a.Hub.Stats()
	fields := []zap.Field{
		zap.String("hub_state", stats.State.String()),
		zap.Int("subscriptions", stats.Subscriptions),
		zap.Uint64("delivered", stats.Delivered),
		zap.Uint64("overflowed", stats.Overflowed),
		zap.Uint64("discarded", stats.Discarded),
		zap.Uint64("reconnects", stats.Reconnects),
	}
	if a.Cache != nil {
		fields = append(fields, zap.Int("cached_metadata", a.Cache.Len()))
	}
	if a.Pool != nil {
		fields = append(fields,
			zap.Uint64("pool_completed", a.Pool.CompletedTasks()),
			zap.Int64("pool_running", a.Pool.RunningWorkers()))
	}
	a.Logger.Info("Gateway stats", fields...)
}

// Start runs the hub, the scheduler and the HTTP server until ctx ends, then shuts them down.
func (a *App) Start(ctx context.Context) {
	hubCtx, stopHub := context.WithCancel(context.Background())
	go func() { _ = a.Hub.Run(hubCtx) }()

	simCtx, stopSim := context.WithCancel(ctx)
	defer stopSim()
	if a.Mock != nil {
		go a.Mock.Simulate(simCtx, a.Config.MockMinDelay, a.Config.MockMaxDelay)
	}

	if a.Cron != nil {
		a.Cron.Start()
		a.Logger.Info("Cron started", zap.String("cronSpec", a.Config.StatsCron))
	}

	go func() {
		a.Logger.Info("Starting server", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Server stopped unexpectedly", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// stop accepting requests before the hub closes the remaining subscriptions
	_ = a.Server.Shutdown(shutdownCtx)

	stopHub()
	<-a.Hub.Done()

	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	if a.Pool != nil {
		a.Pool.StopAndWait()
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Error("Failed to close Redis connection", zap.Error(err))
		}
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

// CronLogger is a cron logger adapter for Zap.
type CronLogger struct{ *zap.SugaredLogger }

// NewCronLogger creates a new cron logger adapter from a Zap logger.
func NewCronLogger(logger *zap.Logger) *CronLogger {
	return &CronLogger{logger.Sugar()}
}

// Info is demoted to debug, cron reports every job start and finish through it.
func (z *CronLogger) Info(msg string, keysAndValues ...interface{}) { z.Debugw(msg, keysAndValues...) }
func (z *CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	z.Errorw(msg, append(keysAndValues, "error", err)...)
}
