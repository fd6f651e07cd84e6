package config

import "testing"

func TestDefaultIsInternallyValid(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default config should never be fatal, got: %v", result.Fatals)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("default config should never warn, got: %v", result.Warnings)
	}
}

func TestValidateTieredClampsBadValues(t *testing.T) {
	cfg := &Config{
		LogLevel:                   "verbose",
		LogFormat:                  "xml",
		EncoderBinary:              "",
		CaptureSetupTimeoutSeconds: -1,
		EncoderStartupGraceMillis:  50,
		StderrRingLines:            0,
		EncoderStopTimeoutSeconds:  0,
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("bad values should be clamped with warnings, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) != 7 {
		t.Fatalf("expected 7 warnings, got %d: %v", len(result.Warnings), result.Warnings)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("log level not clamped: %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("log format not clamped: %q", cfg.LogFormat)
	}
	if cfg.EncoderBinary == "" {
		t.Errorf("encoder binary not defaulted")
	}
	if cfg.CaptureSetupTimeoutSeconds != 8 {
		t.Errorf("capture setup timeout not clamped: %d", cfg.CaptureSetupTimeoutSeconds)
	}
	if cfg.EncoderStartupGraceMillis != 325 {
		t.Errorf("encoder startup grace not clamped: %d", cfg.EncoderStartupGraceMillis)
	}
	if cfg.StderrRingLines != 30 {
		t.Errorf("stderr ring lines not clamped: %d", cfg.StderrRingLines)
	}
	if cfg.EncoderStopTimeoutSeconds != 8 {
		t.Errorf("encoder stop timeout not clamped: %d", cfg.EncoderStopTimeoutSeconds)
	}
}

func TestLoadWithMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.EncoderBinary == "" {
		t.Fatalf("expected a default encoder binary name")
	}
}
