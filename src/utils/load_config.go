package utils

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

const (
	TransportGateway = "gateway"
	TransportSession = "session"
)

type AppConfig struct {
	DiscordUserToken string
	DiscordAppsID    string
	APIAddress       string

	Transport string
	DataDir   string
	AppName   string
	AppURL    string
	AppIcon   string

	Invisible       bool
	ShowContext     bool
	TypePlaying     bool
	ShowElapsedTime bool
	ShowAppIcon     bool
	Buttons         string
}

func LoadConfiguration() AppConfig {
	cfg := AppConfig{}
	requiredEnv := map[string]*string{
		"DC_USER_TOKEN":     &cfg.DiscordUserToken,
		"DC_APPLICATION_ID": &cfg.DiscordAppsID,
		"API_ADDRESS":       &cfg.APIAddress,
	}
	for k, v := range requiredEnv {
		if val, ok := os.LookupEnv(k); !ok {
			slog.Error(fmt.Sprintf("Provide: %s", k))
			os.Exit(1)
		} else {
			*v = val
		}
	}
	cfg.Transport = stringEnv("CHIME_TRANSPORT", TransportSession)
	if cfg.Transport != TransportGateway && cfg.Transport != TransportSession {
		slog.Error(fmt.Sprintf("CHIME_TRANSPORT must be %q or %q", TransportGateway, TransportSession))
		os.Exit(1)
	}
	cfg.DataDir = stringEnv("CHIME_DATA_DIR", "data")
	cfg.AppName = stringEnv("CHIME_APP_NAME", "Chime")
	cfg.AppURL = stringEnv("CHIME_APP_URL", "https://github.com/hendrywilliam/chime")
	// A platform-native asset tag (mp:...) skips the upload pipeline.
	cfg.AppIcon = stringEnv("CHIME_APP_ICON", "")
	cfg.Invisible = boolEnv("CHIME_INVISIBLE", false)
	cfg.ShowContext = boolEnv("CHIME_SHOW_CONTEXT", true)
	cfg.TypePlaying = boolEnv("CHIME_TYPE_PLAYING", false)
	cfg.ShowElapsedTime = boolEnv("CHIME_SHOW_ELAPSED_TIME", true)
	cfg.ShowAppIcon = boolEnv("CHIME_SHOW_APP_ICON", true)
	cfg.Buttons = stringEnv("CHIME_BUTTONS", "play_app")
	return cfg
}

func stringEnv(key string, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s is not a boolean, using default", key))
		return fallback
	}
	return parsed
}
