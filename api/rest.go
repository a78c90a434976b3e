package api

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"

	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy"
	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy/lfu"
)

// StatsResponse is the body of GET /v1/cache/stats.
type StatsResponse struct {
	Cache   lfu.Stats           `json:"cache"`
	HitRate float64             `json:"hit_rate"`
	Backend proxy.ResolverStats `json:"backend"`
}

// Gateway serves the scoring API as JSON over HTTP.
type Gateway struct {
	app     *fiber.App
	handler *proxy.Handler
}

// NewGateway builds the HTTP routes for handler.
func NewGateway(handler *proxy.Handler) *Gateway {
	app := fiber.New(fiber.Config{
		AppName:               "recsys-proxy-cache",
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	app.Use(fiberrecover.New())
	app.Use(requestid.New(requestid.Config{Header: RequestIDHeader}))

	g := &Gateway{app: app, handler: handler}
	app.Post("/v1/scores", g.scores)
	app.Get("/v1/cache/stats", g.stats)
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	return g
}

// App returns the fiber application, e.g. for app.Test.
func (g *Gateway) App() *fiber.App { return g.app }

// Listen serves HTTP on addr until Shutdown.
func (g *Gateway) Listen(addr string) error {
	logrus.Infof("HTTP gateway listening on %s", addr)
	return g.app.Listen(addr)
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown() error { return g.app.Shutdown() }

func (g *Gateway) scores(c *fiber.Ctx) error {
	var req proxy.ScoreRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}
	resp, err := g.handler.Handle(c.UserContext(), &req)
	if err != nil {
		return c.Status(httpStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(resp)
}

func (g *Gateway) stats(c *fiber.Ctx) error {
	resolver := g.handler.Resolver()
	cs := resolver.Cache().Stats()
	return c.JSON(StatsResponse{Cache: cs, HitRate: cs.HitRate(), Backend: resolver.Stats()})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, proxy.ErrInvalidArgument):
		return fiber.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return fiber.StatusRequestTimeout
	default:
		return fiber.StatusInternalServerError
	}
}
