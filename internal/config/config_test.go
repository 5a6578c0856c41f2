package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reel/internal/session"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Audio)
	assert.Equal(t, 0, cfg.AudioSkip)
	assert.Equal(t, uint32(30), cfg.FPS)
	assert.Equal(t, 1.0, cfg.Scale)
	assert.Equal(t, 1024, cfg.CompressMin)
	assert.Equal(t, "localhost:4545", cfg.RelayAddr)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("REEL_AUDIO", "0")
	t.Setenv("REEL_AUDIO_SKIP", "1")
	t.Setenv("REEL_AUDIO_RECORD", "hw:0;hw:1,48000,2")
	t.Setenv("REEL_FPS", "60")
	t.Setenv("REEL_SCALE", "0.5")
	t.Setenv("REEL_LOG", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Audio)
	assert.Equal(t, 1, cfg.AudioSkip)
	assert.Equal(t, "hw:0;hw:1,48000,2", cfg.AudioRecord)
	assert.Equal(t, uint32(60), cfg.FPS)
	assert.Equal(t, 0.5, cfg.Scale)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"zero fps", func(c *Config) { c.FPS = 0 }},
		{"negative scale", func(c *Config) { c.Scale = -1 }},
		{"negative compress threshold", func(c *Config) { c.CompressMin = -1 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mod(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSessionFlags(t *testing.T) {
	cfg := Config{AudioSkip: 1, BGRA: 1, Scale: 1.0}
	flags := cfg.SessionFlags()

	assert.True(t, flags&session.FlagAudioAllowSkip != 0)
	assert.True(t, flags&session.FlagCaptureBGRA != 0)
	assert.True(t, flags&session.FlagScaling == 0)

	cfg.Scale = 0.5
	assert.True(t, cfg.SessionFlags()&session.FlagScaling != 0)
}
