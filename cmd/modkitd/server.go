package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modkit-dev/modkit/cache"
	"github.com/modkit-dev/modkit/ratelimit"
	"github.com/modkit-dev/modkit/storage"

	"github.com/RussellLuo/slidingwindow"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache domains. "settings" holds decoded guild settings blobs, "routes"
// holds channel/route bindings derived from settings, "lookups" holds
// resolved per-user lookups (case lists, blacklist membership).
const (
	domainSettings = "settings"
	domainRoutes   = "routes"
	domainLookups  = "lookups"
)

type Config struct {
	SettingsCacheSize int
	SettingsCacheTTL  time.Duration
	SweepInterval     time.Duration
	AIRateLimit       int
	AIRateWindow      time.Duration
	AIDailyBudget     int64
	Logger            *slog.Logger
}

type Server struct {
	logger *slog.Logger
	store  *storage.Store
	caches *cache.Manager

	// per-actor admission for AI-feature invocations
	aiLimiter *ratelimit.Limiter
	// process-wide daily budget, shared across all actors
	aiBudget *slidingwindow.Limiter

	echo *echo.Echo
}

func NewServer(store *storage.Store, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mgrConfig := cache.DefaultManagerConfig()
	mgrConfig.SweepInterval = config.SweepInterval
	mgrConfig.Logger = logger
	caches := cache.NewManager(mgrConfig)

	if err := caches.RegisterDomain(domainSettings, config.SettingsCacheSize, config.SettingsCacheTTL); err != nil {
		return nil, err
	}
	if err := caches.RegisterDomain(domainRoutes, 5_000, 5*time.Minute); err != nil {
		return nil, err
	}
	if err := caches.RegisterDomain(domainLookups, 1_000, 5*time.Minute); err != nil {
		return nil, err
	}

	aiLimiter, err := ratelimit.NewLimiter("ai", config.AIRateLimit, config.AIRateWindow)
	if err != nil {
		return nil, err
	}
	caches.RegisterPruner(aiLimiter)

	// NOTE: discarded second argument is not an `error` type
	aiBudget, _ := slidingwindow.NewLimiter(24*time.Hour, config.AIDailyBudget, func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})

	// seed blacklist membership so interaction checks start warm
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	entries, err := store.ListBlacklist(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading blacklist: %w", err)
	}
	for _, e := range entries {
		caches.Put(domainLookups, blacklistKey(e.UserID), true)
	}
	logger.Info("seeded blacklist cache", "count", len(entries))

	caches.Start()

	return &Server{
		logger:    logger,
		store:     store,
		caches:    caches,
		aiLimiter: aiLimiter,
		aiBudget:  aiBudget,
	}, nil
}

func (s *Server) RunAPI(listen string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		code := 500
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}
		s.logger.Warn("HTTP request error", "statusCode", code, "path", ctx.Path(), "err", err)
		if !ctx.Response().Committed {
			ctx.JSON(code, map[string]any{"error": http.StatusText(code)})
		}
	}

	e.GET("/_health", s.handleHealthCheck)
	e.GET("/admin/stats", s.handleStats)
	e.POST("/admin/snapshot", s.handleSnapshot)

	e.GET("/guilds/:guild/settings", s.handleGetSettings)
	e.PUT("/guilds/:guild/settings", s.handlePutSettings)
	e.GET("/guilds/:guild/routes/:type", s.handleGetRoute)

	e.POST("/guilds/:guild/cases", s.handleCreateCase)
	e.GET("/guilds/:guild/cases/:number", s.handleGetCase)
	e.DELETE("/guilds/:guild/cases/:number", s.handleCloseCase)
	e.GET("/guilds/:guild/users/:user/cases", s.handleListUserCases)

	e.POST("/guilds/:guild/users/:user/warnings", s.handleAddWarning)
	e.GET("/guilds/:guild/users/:user/warnings", s.handleListWarnings)
	e.DELETE("/guilds/:guild/users/:user/warnings", s.handleClearWarnings)

	e.POST("/guilds/:guild/users/:user/notes", s.handleAddModNote)
	e.GET("/guilds/:guild/users/:user/notes", s.handleListModNotes)

	e.GET("/blacklist", s.handleListBlacklist)
	e.POST("/blacklist", s.handleAddBlacklist)
	e.DELETE("/blacklist/:user", s.handleRemoveBlacklist)

	e.POST("/guilds/:guild/ai/admission", s.handleAIAdmission)

	s.echo = e
	s.logger.Info("starting API daemon", "listen", listen)
	return e.Start(listen)
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

// Shutdown stops the API listener, the cache sweep loop, and finally the
// database handle, in that order.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.echo != nil {
		if err := s.echo.Shutdown(ctx); err != nil {
			s.logger.Error("failed to stop API", "err", err)
		}
	}
	if err := s.caches.Shutdown(ctx); err != nil {
		s.logger.Error("failed to stop cache sweep loop", "err", err)
	}
	return s.store.Close()
}
