// Package config reads the process configuration from the environment.
// Every key is published as REEL_<KEY>; boolean toggles are integers so a
// launcher script can export them without quoting games.
package config

import (
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/zsiec/reel/internal/session"
)

// Config is the validated environment configuration.
type Config struct {
	// Audio enables audio capture emission.
	Audio int `mapstructure:"audio"`
	// AudioSkip drops capture messages instead of blocking the host when
	// the stream buffer is full.
	AudioSkip int `mapstructure:"audio_skip"`
	// AudioRecord lists extra capture endpoints, "device[,rate,channels];...".
	AudioRecord string `mapstructure:"audio_record"`

	FPS   uint32  `mapstructure:"fps"`
	Scale float64 `mapstructure:"scale"`

	BGRA       int `mapstructure:"bgra"`
	Convert420 int `mapstructure:"convert_420"`
	TryPBO     int `mapstructure:"try_pbo"`
	Indicator  int `mapstructure:"indicator"`

	// CompressMin is the smallest payload worth compressing, in bytes.
	// Zero disables compression.
	CompressMin int `mapstructure:"compress_min"`

	// RelayAddr is the QUIC relay listen/dial address.
	RelayAddr string `mapstructure:"relay_addr"`

	LogLevel string `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("audio", 1)
	v.SetDefault("audio_skip", 0)
	v.SetDefault("audio_record", "")
	v.SetDefault("fps", 30)
	v.SetDefault("scale", 1.0)
	v.SetDefault("bgra", 0)
	v.SetDefault("convert_420", 0)
	v.SetDefault("try_pbo", 0)
	v.SetDefault("indicator", 0)
	v.SetDefault("compress_min", 1024)
	v.SetDefault("relay_addr", "localhost:4545")
	v.SetDefault("log", "info")
}

// Load reads and validates the configuration from the environment.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REEL")
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.FPS == 0 {
		return fmt.Errorf("config: fps must be positive")
	}
	if c.Scale <= 0 {
		return fmt.Errorf("config: scale must be positive, got %g", c.Scale)
	}
	if c.CompressMin < 0 {
		return fmt.Errorf("config: compress_min must not be negative, got %d", c.CompressMin)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// SessionFlags translates the toggles into session flag bits.
func (c Config) SessionFlags() session.Flags {
	var f session.Flags
	if c.AudioSkip != 0 {
		f |= session.FlagAudioAllowSkip
	}
	if c.BGRA != 0 {
		f |= session.FlagCaptureBGRA
	}
	if c.Convert420 != 0 {
		f |= session.FlagConvert420
	}
	if c.TryPBO != 0 {
		f |= session.FlagTryPBO
	}
	if c.Indicator != 0 {
		f |= session.FlagDrawIndicator
	}
	if c.Scale != 1.0 {
		f |= session.FlagScaling
	}
	return f
}

// Level parses the configured log level.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: bad log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
