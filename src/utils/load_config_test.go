package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("DC_USER_TOKEN", "user-token")
	t.Setenv("DC_APPLICATION_ID", "app-1")
	t.Setenv("API_ADDRESS", ":7766")
}

func TestLoadConfigurationDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg := LoadConfiguration()
	assert.Equal(t, "user-token", cfg.DiscordUserToken)
	assert.Equal(t, "app-1", cfg.DiscordAppsID)
	assert.Equal(t, ":7766", cfg.APIAddress)
	assert.Equal(t, TransportSession, cfg.Transport)
	assert.Equal(t, "Chime", cfg.AppName)
	assert.True(t, cfg.ShowContext)
	assert.True(t, cfg.ShowElapsedTime)
	assert.True(t, cfg.ShowAppIcon)
	assert.False(t, cfg.Invisible)
	assert.False(t, cfg.TypePlaying)
	assert.Equal(t, "play_app", cfg.Buttons)
}

func TestLoadConfigurationOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHIME_TRANSPORT", "gateway")
	t.Setenv("CHIME_APP_NAME", "Echo")
	t.Setenv("CHIME_INVISIBLE", "true")
	t.Setenv("CHIME_SHOW_CONTEXT", "false")
	t.Setenv("CHIME_BUTTONS", "none")

	cfg := LoadConfiguration()
	assert.Equal(t, TransportGateway, cfg.Transport)
	assert.Equal(t, "Echo", cfg.AppName)
	assert.True(t, cfg.Invisible)
	assert.False(t, cfg.ShowContext)
	assert.Equal(t, "none", cfg.Buttons)
}

func TestBoolEnvRejectsGarbage(t *testing.T) {
	t.Setenv("CHIME_TEST_FLAG", "maybe")
	assert.True(t, boolEnv("CHIME_TEST_FLAG", true))
	assert.False(t, boolEnv("CHIME_TEST_FLAG", false))
}

func TestStringEnvEmptyFallsBack(t *testing.T) {
	t.Setenv("CHIME_TEST_STR", "")
	assert.Equal(t, "fallback", stringEnv("CHIME_TEST_STR", "fallback"))
}
