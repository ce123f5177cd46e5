package omnichannel

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicops/omnihub/internal/domain/conversation"
	"github.com/clinicops/omnihub/internal/platform/middleware"
	"github.com/clinicops/omnihub/internal/platform/webhook"
)

// ProviderConfig holds the credentials a provider signs and verifies with.
// A provider without an app secret rejects every delivery.
type ProviderConfig struct {
	AppSecret   string
	VerifyToken string
}

type Dispatcher interface {
	Dispatch(ctx context.Context, provider conversation.Channel, raw []byte) int
}

// Gateway is the public webhook endpoint for every provider.
type Gateway struct {
	providers  map[conversation.Channel]ProviderConfig
	dispatcher Dispatcher
	tasks      Scheduler
	maxBody    string
	logger     zerolog.Logger
}

func NewGateway(providers map[conversation.Channel]ProviderConfig, dispatcher Dispatcher, tasks Scheduler, maxBody string, logger zerolog.Logger) *Gateway {
	return &Gateway{
		providers:  providers,
		dispatcher: dispatcher,
		tasks:      tasks,
		maxBody:    maxBody,
		logger:     logger.With().Str("component", "webhook").Logger(),
	}
}

func (g *Gateway) RegisterRoutes(e *echo.Echo) {
	wh := e.Group("/webhooks")
	wh.GET("/:provider", g.Verify)
	wh.POST("/:provider", g.Receive, middleware.BodyLimit(g.maxBody))
}

func (g *Gateway) provider(c echo.Context) (conversation.Channel, error) {
	ch := conversation.Channel(c.Param("provider"))
	if !ch.Valid() {
		return "", echo.NewHTTPError(http.StatusNotFound, "unknown provider")
	}
	return ch, nil
}

func firstQuery(c echo.Context, names ...string) string {
	for _, n := range names {
		if v := c.QueryParam(n); v != "" {
			return v
		}
	}
	return ""
}

// Verify answers the provider's subscription handshake by echoing the
// challenge when the verify token matches.
func (g *Gateway) Verify(c echo.Context) error {
	ch, err := g.provider(c)
	if err != nil {
		return err
	}
	mode := firstQuery(c, "hub.mode", "mode")
	token := firstQuery(c, "hub.verify_token", "verify_token")
	challenge := firstQuery(c, "hub.challenge", "challenge")

	want := g.providers[ch].VerifyToken
	if mode != "subscribe" || want == "" || subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		g.logger.Warn().
			Str("event", "webhook_verification_rejected").
			Str("provider", string(ch)).
			Str("remote_ip", c.RealIP()).
			Msg("webhook handshake rejected")
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}

// Receive authenticates a delivery against the raw body and hands it to the
// pipeline in the background. Verified deliveries are always acknowledged
// with 200 so the provider does not retry them.
func (g *Gateway) Receive(c echo.Context) error {
	ch, err := g.provider(c)
	if err != nil {
		return err
	}

	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}

	secret := []byte(g.providers[ch].AppSecret)
	if !webhook.VerifySignature(raw, c.Request().Header.Get(webhook.SignatureHeader), secret) {
		g.logger.Warn().
			Str("event", "webhook_signature_rejected").
			Str("provider", string(ch)).
			Str("remote_ip", c.RealIP()).
			Int("bytes", len(raw)).
			Msg("webhook signature rejected")
		return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
	}

	g.tasks.Go("webhook:"+string(ch), func(ctx context.Context) error {
		g.dispatcher.Dispatch(ctx, ch, raw)
		return nil
	})
	return c.String(http.StatusOK, "EVENT_RECEIVED")
}
