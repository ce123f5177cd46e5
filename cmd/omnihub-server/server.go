package main

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinicops/omnihub/internal/config"
	"github.com/clinicops/omnihub/internal/domain/conversation"
	"github.com/clinicops/omnihub/internal/domain/lead"
	"github.com/clinicops/omnihub/internal/domain/omnichannel"
	"github.com/clinicops/omnihub/internal/platform/auth"
	"github.com/clinicops/omnihub/internal/platform/graph"
	"github.com/clinicops/omnihub/internal/platform/middleware"
	"github.com/clinicops/omnihub/internal/platform/notification"
	"github.com/clinicops/omnihub/internal/platform/tasks"
	"github.com/clinicops/omnihub/internal/platform/websocket"
)

const apiTimeout = 30 * time.Second

type server struct {
	echo   *echo.Echo
	runner *tasks.Runner
	hub    *websocket.Hub
	close  func()
}

// newServer wires every component onto one echo instance.
func newServer(cfg *config.Config, store *storage, logger zerolog.Logger) (*server, error) {
	runner := tasks.NewRunner(tasks.Config{
		Concurrency: cfg.TaskConcurrency,
		Timeout:     cfg.TaskTimeout,
	}, logger)

	// Realtime
	hub := websocket.NewHub(logger)
	publisher := conversation.NewRealtimePublisher(websocket.NewDistributor(hub), logger)

	// Provider API
	graphClient := graph.NewClient(graph.Config{
		BaseURL:            cfg.GraphAPIURL,
		Timeout:            cfg.GraphTimeout,
		MessengerPageToken: cfg.MessengerPageToken,
		InstagramPageToken: cfg.InstagramPageToken,
	})

	// Staff notifications
	sinks := notification.FanoutSink{notification.NewLogSink(logger)}
	closers := []func(){}
	if cfg.AMQPURL != "" {
		amqpSink, err := notification.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Error().Err(err).Msg("notification broker unavailable, staff notifications are logged only")
		} else {
			sinks = append(sinks, amqpSink)
			closers = append(closers, func() { amqpSink.Close() })
		}
	}

	// Domain services
	convSvc := conversation.NewService(store.conversations, publisher, graphClient, runner, logger)
	enricher := conversation.NewEnricher(convSvc, store.directory, graphClient, runner, logger)
	leadSvc := lead.NewService(store.leads, store.directory, store.directory, sinks, lead.Config{
		DefaultMotive: cfg.LeadDefaultMotive,
		NotifyRoles:   cfg.LeadNotifyRoles,
	}, logger)
	pipeline := omnichannel.NewPipeline(omnichannel.NewNormalizer(logger), store.directory, convSvc, leadSvc, enricher, runner, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", store.health)
	e.GET("/health/tasks", runner.HealthHandler())
	e.GET("/health/realtime", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"clients": hub.ClientCount(),
			"dropped": hub.Dropped(),
		})
	})

	// Provider webhooks
	omnichannel.NewGateway(map[conversation.Channel]omnichannel.ProviderConfig{
		conversation.ChannelWhatsApp:  {AppSecret: cfg.WhatsAppAppSecret, VerifyToken: cfg.WhatsAppVerifyToken},
		conversation.ChannelMessenger: {AppSecret: cfg.MessengerAppSecret, VerifyToken: cfg.MessengerVerifyToken},
		conversation.ChannelInstagram: {AppSecret: cfg.InstagramAppSecret, VerifyToken: cfg.InstagramVerifyToken},
	}, pipeline, runner, cfg.WebhookMaxBody, logger).RegisterRoutes(e)

	jwtCfg := auth.JWTConfig{Issuer: cfg.JWTIssuer, SigningKey: []byte(cfg.JWTSigningKey)}

	// Realtime
	guard := websocket.RoomGuardFunc(func(ctx context.Context, id uuid.UUID, v websocket.Viewer) (bool, error) {
		return convSvc.CanView(ctx, id, conversation.Scope{Privileged: v.Privileged, BranchIDs: v.BranchIDs})
	})
	websocket.NewHandler(hub, jwtCfg, store.directory, guard, logger,
		websocket.WithAllowedOrigins(cfg.CORSOrigins),
		websocket.WithPrivilegedRoles(cfg.PrivilegedRoles),
	).RegisterRoutes(e)

	// Staff API
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(rateLimitCfg),
		middleware.RequestTimeout(apiTimeout),
		auth.JWTMiddleware(jwtCfg),
	)
	conversation.NewHandler(convSvc, store.directory, cfg.PrivilegedRoles).RegisterRoutes(apiV1, cfg.StaffRoles...)

	return &server{
		echo:   e,
		runner: runner,
		hub:    hub,
		close: func() {
			for _, c := range closers {
				c()
			}
		},
	}, nil
}
