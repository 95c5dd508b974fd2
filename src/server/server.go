package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/hendrywilliam/chime/src/tracker"
)

// Server is the local control surface. The host media application (or
// anything speaking HTTP) reports playback events here instead of
// linking against this process.
type Server struct {
	router  *fiber.App
	tracker *tracker.Tracker
	ctx     context.Context
	log     *slog.Logger
}

func NewServer(t *tracker.Tracker, log *slog.Logger) *Server {
	return &Server{
		router:  fiber.New(),
		tracker: t,
		log:     log,
	}
}

func (server *Server) setupRouter() {
	router := fiber.New()
	router.Post("/v1/playing", server.playbackHandler(true))
	router.Post("/v1/paused", server.playbackHandler(false))
	router.Post("/v1/stopped", server.stopHandler)
	router.Delete("/v1/presence", server.stopHandler)
	router.Get("/v1/user", server.userHandler)
	server.router = router
}

func (server *Server) playbackHandler(playing bool) fiber.Handler {
	return func(c fiber.Ctx) error {
		req := new(tracker.Track)
		if err := c.Bind().JSON(req); err != nil {
			server.log.Error("malformed playback event", "error", err)
			return c.Status(http.StatusBadRequest).SendString("malformed playback event")
		}
		if err := server.tracker.OnPlaybackChanged(server.ctx, req, playing); err != nil {
			server.log.Error("failed to update presence", "error", err)
			return c.Status(http.StatusBadGateway).SendString(err.Error())
		}
		return c.SendStatus(http.StatusNoContent)
	}
}

func (server *Server) stopHandler(c fiber.Ctx) error {
	if err := server.tracker.OnPlaybackChanged(server.ctx, nil, false); err != nil {
		server.log.Error("failed to clear presence", "error", err)
		return c.Status(http.StatusBadGateway).SendString(err.Error())
	}
	return c.SendStatus(http.StatusNoContent)
}

func (server *Server) userHandler(c fiber.Ctx) error {
	user, err := server.tracker.UserDetails(server.ctx)
	if err != nil {
		server.log.Error("failed to resolve user", "error", err)
		return c.Status(http.StatusBadGateway).SendString(err.Error())
	}
	return c.JSON(user)
}

func (server *Server) StartServer(ctx context.Context, addr string) {
	server.ctx = ctx
	server.log.Info("server start", "address", addr)
	server.setupRouter()
	server.router.Listen(addr, fiber.ListenConfig{
		GracefulContext: ctx,
		OnShutdownSuccess: func() {
			server.log.Info("server stopped.")
		},
	})
}
