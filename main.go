package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"livestock_backend/config"
	"livestock_backend/controllers"
	"livestock_backend/middleware"
	"livestock_backend/models"
	"livestock_backend/routes"
	"livestock_backend/scheduler"
	"livestock_backend/services/broadcast"
	"livestock_backend/services/clock"
	"livestock_backend/services/events"
	"livestock_backend/services/liverefresh"
	"livestock_backend/services/metrics"
	"livestock_backend/services/ohlcv"
	"livestock_backend/services/quotes"
	"livestock_backend/services/snapshot"
	"livestock_backend/services/store"
	"livestock_backend/services/universe"
)

const busBufferSize = 1024

// quoteCache is the relational warm-start cache, sqlite or postgres.
type quoteCache interface {
	EnsureSchema(ctx context.Context) error
	SaveQuote(ctx context.Context, inst models.Instrument, q models.Quote) error
	LoadAll(ctx context.Context) (map[string]models.Quote, error)
}

// historyStore is written by the recorder and read by the API.
type historyStore interface {
	ohlcv.HistoryStore
	Bars(ctx context.Context, symbol, from, to string) ([]models.HistoricalBar, error)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	log := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}

	log.Info("==============================================")
	log.Info("  Live Stock Backend - Starting...")
	log.Info("==============================================")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	m := metrics.New()
	bus := events.NewBus(clk)

	uni := universe.NewLoader(cfg.UniverseFile, log)
	if list, err := uni.Instruments(ctx); err != nil {
		log.WithError(err).Warn("Instrument universe not loaded, will retry on first cycle")
	} else {
		log.WithField("count", len(list)).Info("Instrument universe loaded")
	}

	cache, closeCache, pingCache, err := openQuoteCache(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Relational store unavailable")
	}
	defer closeCache()

	snap := snapshot.NewStore(uni, clk)
	if cached, err := cache.LoadAll(ctx); err != nil {
		log.WithError(err).Warn("Warm start skipped")
	} else {
		log.WithField("count", snap.Seed(cached)).Info("Snapshot seeded from quote cache")
	}

	history, mongoClient, err := openHistoryStore(ctx, cfg, clk, log)
	if err != nil {
		log.WithError(err).Fatal("Document store unavailable")
	}
	if mongoClient != nil {
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mongoClient.Disconnect(dctx); err != nil {
				log.WithError(err).Warn("MongoDB disconnect failed")
			}
		}()
	}

	yahoo := quotes.NewYahooClient(log,
		quotes.WithBaseURL(cfg.ProviderBaseURL),
		quotes.WithTimeout(cfg.ProviderTimeout),
		quotes.WithRateLimit(cfg.ProviderRatePerSec),
		quotes.WithObserver(m.ProviderCall),
	)

	live := liverefresh.New(liverefresh.Config{
		BatchSize:      cfg.Live.BatchSize,
		Concurrency:    cfg.Live.Concurrency,
		BatchDelay:     cfg.Live.BatchDelay,
		RetryDelay:     cfg.Live.RetryDelay,
		TopMoversLimit: cfg.TopMoversLimit,
	}, liverefresh.Deps{
		Universe: uni,
		Fetcher:  yahoo,
		Store:    snap,
		Cache:    cache,
		Bus:      bus,
		Clock:    clk,
		Log:      log,
		Metrics:  m,
	})

	recorder := ohlcv.New(ohlcv.Config{
		Hour:         cfg.OHLCV.Hour,
		Minute:       cfg.OHLCV.Minute,
		Location:     cfg.OHLCV.Location,
		LookbackDays: cfg.OHLCV.LookbackDays,
		SeedDays:     cfg.OHLCV.SeedDays,
		BatchSize:    cfg.OHLCV.BatchSize,
		Concurrency:  cfg.OHLCV.Concurrency,
		BatchDelay:   cfg.OHLCV.BatchDelay,
		SymbolLimit:  cfg.OHLCV.SymbolLimit,
	}, ohlcv.Deps{
		Universe: uni,
		Fetcher:  yahoo,
		Store:    history,
		Pauser:   bus,
		Clock:    clk,
		Log:      log,
		Metrics:  m,
	})

	hub := broadcast.NewHub(broadcast.Config{
		MaxClients:   cfg.WSMaxClients,
		MaxConnPerIP: cfg.WSMaxConnPerIP,
	}, broadcast.Deps{Pause: bus, Movers: live, Log: log, Metrics: m})
	hub.Start()

	recent := snapshot.NewRecent(cfg.RecentUpdatesLimit)
	recentSub, recentCh := bus.Subscribe(busBufferSize)
	go recent.Follow(ctx, recentCh)
	hubSub, hubCh := bus.Subscribe(busBufferSize)
	go hub.Follow(ctx, hubCh)

	limiter := middleware.NewRateLimiter(cfg.APIRatePerSec, cfg.APIRateBurst)
	limiter.StartCleanup(ctx, time.Minute)

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.WithError(err).Fatal("Invalid TRUSTED_PROXIES")
	}
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger(log, time.Second))
	router.Use(m.GinMiddleware())

	routes.SetupRoutes(router, routes.Deps{
		LiveStock: controllers.NewLiveStockController(controllers.LiveStockDeps{
			Universe: uni,
			Snapshot: snap,
			Recent:   recent,
			Live:     live,
			History:  history,
			Ingest:   recorder,
			Insights: yahoo,
			Pause:    bus,
			Feed:     bus,
			Notifier: hub,
			Log:      log,
		}),
		Hub:         hub,
		RateLimiter: limiter,
		Metrics:     m,
		JWTSecret:   cfg.JWTSecret,
		Ready: func(ctx context.Context) error {
			if err := pingCache(ctx); err != nil {
				return fmt.Errorf("relational store: %w", err)
			}
			if mongoClient != nil {
				if err := mongoClient.Ping(ctx, nil); err != nil {
					return fmt.Errorf("document store: %w", err)
				}
			}
			return nil
		},
	})

	// WriteTimeout stays unset: the progress stream is long-lived.
	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.Infof("Server listening on 0.0.0.0:%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server error")
		}
	}()

	jobScheduler := scheduler.NewScheduler(cfg.Live.Interval, live, recorder, log)
	if err := jobScheduler.Start(); err != nil {
		log.WithError(err).Fatal("Scheduler failed to start")
	}

	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	// Stop schedulers first so nothing publishes into a closing hub
	jobScheduler.Stop()
	live.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server forced to shutdown")
	}

	bus.Unsubscribe(recentSub)
	bus.Unsubscribe(hubSub)
	hub.Shutdown()
	log.Info("Server shutdown completed")
}

// openQuoteCache opens the relational warm-start cache selected by
// DB_DRIVER and migrates it.
func openQuoteCache(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (quoteCache, func(), func(context.Context) error, error) {
	var (
		cache quoteCache
		sqlDB *sql.DB
	)
	switch cfg.DBDriver {
	case "postgres":
		db, err := config.InitDB(cfg, log)
		if err != nil {
			return nil, nil, nil, err
		}
		if sqlDB, err = db.DB(); err != nil {
			return nil, nil, nil, err
		}
		cache = store.NewGormQuoteStore(db)
	default:
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		sqlDB = db
		cache = store.NewSQLiteQuoteStore(db)
		log.WithField("path", cfg.SQLitePath).Info("SQLite quote cache opened")
	}

	if err := cache.EnsureSchema(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, nil, fmt.Errorf("quote cache migration failed: %w", err)
	}
	closeFn := func() {
		if err := sqlDB.Close(); err != nil {
			log.WithError(err).Warn("Database close failed")
		}
	}
	return cache, closeFn, sqlDB.PingContext, nil
}

// openHistoryStore connects to MongoDB when MONGODB_URI is set and falls
// back to an in-process store otherwise.
func openHistoryStore(ctx context.Context, cfg *config.Config, clk clock.Clock, log logrus.FieldLogger) (historyStore, *mongo.Client, error) {
	if cfg.MongoURI == "" {
		log.Warn("MONGODB_URI not set, historical bars are kept in memory only")
		return store.NewMemoryHistoryStore(clk), nil, nil
	}

	client, db, err := store.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDB, log)
	if err != nil {
		return nil, nil, err
	}
	hs := store.NewMongoHistoryStore(db, clk, log)
	if err := hs.EnsureIndexes(ctx); err != nil {
		log.WithError(err).Warn("Failed to create MongoDB indexes")
	}
	return hs, client, nil
}
