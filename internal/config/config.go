// Package config loads sidecar settings from an optional YAML file plus
// environment overrides, the same viper-based pattern the parent agent uses
// for its own configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/rzhang57/capture-sidecar/internal/logging"
)

var log = logging.L("config")

// Config holds the sidecar's ambient settings. The capture request itself
// (session id, source, video, cursor, output path) arrives per-call over the
// control channel and is never part of this struct.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// EncoderBinary is the PATH candidate name probed when a request does not
	// supply an explicit ffmpegPath override.
	EncoderBinary string `mapstructure:"encoder_binary"`

	// CaptureSetupTimeoutSeconds bounds how long the supervisor waits on the
	// GPU Capture Source's one-shot setup channel. See SPEC_FULL.md section 9
	// ("Open question"): kept configurable, default unchanged at 8s.
	CaptureSetupTimeoutSeconds int `mapstructure:"capture_setup_timeout_seconds"`

	// EncoderStartupGraceMillis is the delay between spawning the encoder and
	// probing it for an unexpected early exit.
	EncoderStartupGraceMillis int `mapstructure:"encoder_startup_grace_millis"`

	// StderrRingLines is the number of trailing non-empty stderr lines
	// retained from the encoder process for error surfaces.
	StderrRingLines int `mapstructure:"stderr_ring_lines"`

	// EncoderStopTimeoutSeconds bounds how long stop_capture waits for the
	// encoder to exit after stdin EOF before it is killed.
	EncoderStopTimeoutSeconds int `mapstructure:"encoder_stop_timeout_seconds"`
}

// Default returns the config used when no file or environment override is
// present.
func Default() *Config {
	return &Config{
		LogLevel:                   "info",
		LogFormat:                  "text",
		EncoderBinary:              defaultEncoderBinary(),
		CaptureSetupTimeoutSeconds: 8,
		EncoderStartupGraceMillis:  325,
		StderrRingLines:            30,
		EncoderStopTimeoutSeconds:  8,
	}
}

func defaultEncoderBinary() string {
	if runtime.GOOS == "windows" {
		return "ffmpeg.exe"
	}
	return "ffmpeg"
}

// Load reads the config from cfgFile (if non-empty) or the default search
// path, then layers environment overrides under the SIDECAR_ prefix.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("capture-sidecar")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SIDECAR")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "CaptureSidecar")
	case "darwin":
		return "/Library/Application Support/CaptureSidecar"
	default:
		return "/etc/capture-sidecar"
	}
}
