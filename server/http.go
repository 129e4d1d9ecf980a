package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"worker-tracker/config"
	"worker-tracker/constant"
	trackHandler "worker-tracker/handler"
	"worker-tracker/pkg/livefeed"
	"worker-tracker/pkg/metrics"
	"worker-tracker/pkg/rabbitmq"
	"worker-tracker/pkg/workerclient"
	"worker-tracker/repository"
	"worker-tracker/service"
)

const shutdownTimeout = 30 * time.Second

func RunHttp(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	repo, err := repository.NewRepo(cfg.DB)
	if err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("NewRepo")
	}
	if cfg.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			zerolog.Ctx(ctx).Fatal().Err(err).Msg("Migrate")
		}
	}

	collector := metrics.NewCollector()
	tracking := NewTrackingService(ctx, cfg, repo, collector)
	if err := tracking.RecoverOrphans(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("RecoverOrphans")
	}

	tracker := newTracker(cfg, tracking, collector)

	if cfg.Queue != nil {
		conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("NewRabbitMQConn")
		} else {
			binding := rabbitmq.TrackingCommands
			if cfg.Queue.ExchangeName != "" {
				binding.Exchange = cfg.Queue.ExchangeName
			}
			serviceDeps := trackHandler.ServiceDependencies{Tracker: tracker}
			commandConsumer := rabbitmq.NewConsumer(conn, cfg.Queue, binding, cfg.Server.Workers, trackHandler.TrackCommandHandler)
			go func() {
				err := commandConsumer.Consume(ctx, serviceDeps)
				if err != nil && !errors.Is(err, context.Canceled) {
					zerolog.Ctx(ctx).Error().Err(err).Msg("Track command consumer error")
				}
			}()
		}
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(ctx))
	trackHandler.NewHttpHandler(cfg.Tracker.ServiceName, tracker, tracking, tracking, collector.Handler()).
		Register(r, cfg.Tracker.Token)

	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Str("port", cfg.Server.HttpPort).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}
	if err := tracking.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("tracking shutdown")
	}

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
}

// NewTrackingService builds the local lifecycle manager with whatever
// optional infrastructure is configured.
func NewTrackingService(ctx context.Context, cfg *config.Config, repo repository.SessionRepository, collector *metrics.Collector) *service.TrackingService {
	deps := service.Dependencies{
		Repo:     repo,
		Launcher: service.NewBridgeLauncher(cfg.Tracker),
		Metrics:  collector,
		Config:   cfg.Tracker,
	}

	if cfg.Redis != nil {
		client, err := livefeed.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("redis live feed disabled")
		} else {
			deps.Feed = livefeed.NewRedisFeed(client)
		}
	}
	if cfg.Storage != nil && cfg.MinIOBucket != "" {
		deps.Archiver = service.NewMinioArchiver(cfg.Storage, cfg.MinIOBucket)
	}

	return service.NewTrackingService(deps)
}

func newTracker(cfg *config.Config, local *service.TrackingService, collector *metrics.Collector) service.Tracker {
	if cfg.Remote == nil {
		return local
	}
	client := workerclient.New(workerclient.Config{
		BaseURL:     cfg.Remote.URL,
		Token:       cfg.Remote.Token,
		MaxAttempts: cfg.Remote.MaxAttempts,
		BackoffStep: cfg.Remote.Backoff,
		Timeout:     cfg.Remote.Timeout,
	})
	client.OnRetry(func(uint, error) { collector.RemoteRetried() })
	return service.NewDispatcher(service.NewRemoteTracker(client), local)
}

func requestLogger(ctx context.Context) gin.HandlerFunc {
	logger := zerolog.Ctx(ctx)
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
