package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hendrywilliam/chime/src"
	"github.com/hendrywilliam/chime/src/assets"
	"github.com/hendrywilliam/chime/src/gateway"
	"github.com/hendrywilliam/chime/src/presence"
	"github.com/hendrywilliam/chime/src/rest"
	"github.com/hendrywilliam/chime/src/server"
	"github.com/hendrywilliam/chime/src/session"
	"github.com/hendrywilliam/chime/src/token"
	"github.com/hendrywilliam/chime/src/tracker"
	"github.com/hendrywilliam/chime/src/utils"
	"github.com/joho/godotenv"
)

var signals = []os.Signal{
	os.Interrupt,
	syscall.SIGINT,
	syscall.SIGTERM,
}

func main() {
	err := godotenv.Load()
	if err != nil {
		panic("failed to load config file")
	}
	ctx, stop := signal.NotifyContext(context.Background(), signals...)
	defer stop()

	cfg := utils.LoadConfiguration()
	logger := src.NewLogger(os.Stdout, slog.LevelInfo)

	resolver := assets.NewResolver(assets.ResolverArguments{Logger: logger})
	composer := presence.NewComposer(presence.ComposerArguments{
		ApplicationID:   cfg.DiscordAppsID,
		Platform:        "desktop",
		ShowElapsedTime: cfg.ShowElapsedTime,
		Resolver:        resolver,
	})

	var transport tracker.Transport
	switch cfg.Transport {
	case utils.TransportGateway:
		gw := gateway.NewGateway(gateway.GatewayArguments{
			Token:     cfg.DiscordUserToken,
			Composer:  composer,
			Invisible: cfg.Invisible,
			Logger:    logger,
		})
		if err := gw.Open(ctx); err != nil {
			logger.Error("failed to open gateway", "error", err)
			os.Exit(1)
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case err := <-gw.Errors():
					logger.Warn("gateway reported failure", "error", err)
				}
			}
		}()
		transport = tracker.NewGatewayTransport(gw)
	case utils.TransportSession:
		restc := rest.NewClient(nil)
		tokens := token.NewManager(token.ManagerArguments{
			AuthToken: cfg.DiscordUserToken,
			Dir:       cfg.DataDir,
			Probe:     session.LivenessProbe(restc, ""),
			Logger:    logger,
		})
		client := session.NewClient(session.ClientArguments{
			AuthToken: cfg.DiscordUserToken,
			Tokens:    tokens,
			REST:      restc,
			Logger:    logger,
		})
		transport = tracker.NewSessionTransport(client, composer)
	}

	trk := tracker.NewTracker(tracker.TrackerArguments{
		Transport: transport,
		Settings: tracker.Settings{
			Invisible:       cfg.Invisible,
			ShowContext:     cfg.ShowContext,
			TypePlaying:     cfg.TypePlaying,
			ShowElapsedTime: cfg.ShowElapsedTime,
			ShowAppIcon:     cfg.ShowAppIcon,
			Buttons:         cfg.Buttons,
		},
		AppName:    cfg.AppName,
		AppURL:     cfg.AppURL,
		AppIconTag: cfg.AppIcon,
		Logger:     logger,
	})

	srv := server.NewServer(trk, logger)
	go srv.StartServer(ctx, cfg.APIAddress)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := trk.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop tracker", "error", err)
	}
}
