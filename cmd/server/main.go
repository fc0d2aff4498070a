package main

import (
    "context"
    "errors"
    "net/http"
    "os"
    "os/signal"
    "sync"
    "syscall"
    "time"

    "github.com/joho/godotenv"
    "github.com/labstack/echo/v4"
    echomw "github.com/labstack/echo/v4/middleware"
    "github.com/labstack/gommon/log"

    "github.com/iliyamo/funnel-ingest/internal/config"
    "github.com/iliyamo/funnel-ingest/internal/database"
    "github.com/iliyamo/funnel-ingest/internal/handler"
    "github.com/iliyamo/funnel-ingest/internal/middleware"
    "github.com/iliyamo/funnel-ingest/internal/platform"
    "github.com/iliyamo/funnel-ingest/internal/queue"
    "github.com/iliyamo/funnel-ingest/internal/repository"
    "github.com/iliyamo/funnel-ingest/internal/router"
    "github.com/iliyamo/funnel-ingest/internal/service"
)

func main() {
    // .env is optional; real deployments set the environment directly.
    _ = godotenv.Load()

    cfg := config.Load()
    ingestCfg := config.LoadIngestConfig()
    queueCfg := config.LoadQueueConfig()

    logger := log.New("funnel-ingest")
    logger.SetHeader("${time_rfc3339} ${level} ${prefix}")
    if cfg.Env == "dev" {
        logger.SetLevel(log.DEBUG)
    } else {
        logger.SetLevel(log.INFO)
    }

    db, err := database.Open(context.Background(), cfg.DB, logger)
    if err != nil {
        logger.Fatalf("database: %v", err)
    }
    defer db.Close()

    tenants := repository.NewTenantRepo(db)
    contacts := repository.NewContactRepo(db)
    events := repository.NewFunnelEventRepo(db)
    payments := repository.NewPaymentRepo(db)
    conversions := repository.NewConversionRepo(db)
    webhookLogs := repository.NewWebhookLogRepo(db)

    rdb, err := config.NewRedisClient(context.Background())
    if err != nil {
        logger.Warnf("redis: %v; purchase-total lock, rate limit and cache are disabled", err)
    } else {
        defer rdb.Close()
    }

    capi := platform.NewCAPIClient(ingestCfg.CAPIEndpoint, ingestCfg.CAPITimeout)
    manychat := platform.NewManyChatClient(ingestCfg.ManyChatAPIURL, ingestCfg.ManyChatTimeout)
    sender := service.NewConversionSender(conversions, tenants, capi, ingestCfg.CAPIMaxAttempts, logger)

    // Without a broker the sender delivers directly from the enqueue
    // goroutine and the sweeper.
    var dispatcher service.Dispatcher = sender
    if queueCfg.Enabled {
        dispatcher = queue.NewPublisher(queueCfg.URL, queueCfg.ConversionQueue, logger)
    }
    convQueue := service.NewConversionQueue(conversions, dispatcher, logger)

    resolver := service.NewIdentityResolver(contacts, logger)
    funnel := service.NewFunnelStateMachine(contacts, events, logger)
    locker := service.NewLocker(rdb, ingestCfg.LockTTL, ingestCfg.LockTTL)
    ingestor := service.NewPaymentIngestor(payments, contacts, resolver, funnel, convQueue, locker, ingestCfg.RetryDelays, logger)
    processor := service.NewProcessor(webhookLogs, resolver, funnel, ingestor, convQueue, manychat, logger)
    processor.SetTimeout(ingestCfg.ProcessTimeout)

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    var wg sync.WaitGroup
    if queueCfg.Enabled {
        consumer := queue.NewConversionConsumer(queueCfg.URL, queueCfg.ConversionQueue, sender, ingestCfg.CAPITimeout+5*time.Second, logger)
        wg.Add(1)
        go func() {
            defer wg.Done()
            if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
                logger.Errorf("conversion-consumer: %v", err)
            }
        }()
    }
    wg.Add(1)
    go func() {
        defer wg.Done()
        sender.RunSweeper(ctx, ingestCfg.CAPISweepInterval, dispatcher)
    }()

    e := echo.New()
    e.HideBanner = true
    e.Logger = logger
    e.Use(echomw.RequestID())
    e.Use(echomw.Recover())
    e.Use(echomw.LoggerWithConfig(echomw.LoggerConfig{
        Format: "${time_rfc3339} ${id} ${method} ${uri} ${status} ${latency_human}\n",
    }))

    router.RegisterRoutes(e, &handler.ReadyHandler{DB: db})
    router.RegisterWebhooks(e, handler.NewWebhookHandler(processor), tenants,
        middleware.NewRedisCache(config.LoadCacheConfig(), rdb))
    router.RegisterOperator(e, handler.NewOperatorHandler(ingestor, processor, sender), tenants, cfg.JWTSecret,
        middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))

    addr := ":" + cfg.Port
    go func() {
        logger.Infof("listening on %s (env=%s)", addr, cfg.Env)
        if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
            logger.Fatalf("http: %v", err)
        }
    }()

    <-ctx.Done()
    logger.Info("shutting down")
    shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    if err := e.Shutdown(shutdownCtx); err != nil {
        logger.Errorf("http shutdown: %v", err)
    }
    wg.Wait()
}
