package config

import "fmt"

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// ValidationResult splits validation errors into warnings (logged, startup
// continues with a clamped/defaulted value) and fatals (startup aborts).
type ValidationResult struct {
	Warnings []error
	Fatals   []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config and clamps dangerous zero/negative values
// to safe defaults in place, mirroring the parent agent's tiered validation:
// most problems are warnings because a clamp keeps the process running.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if c.LogLevel != "" && !validLogLevels[c.LogLevel] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not recognised, defaulting to info", c.LogLevel))
		c.LogLevel = "info"
	}

	if c.LogFormat != "" && !validLogFormats[c.LogFormat] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not recognised, defaulting to text", c.LogFormat))
		c.LogFormat = "text"
	}

	if c.EncoderBinary == "" {
		result.Warnings = append(result.Warnings, fmt.Errorf("encoder_binary is empty, defaulting to %q", defaultEncoderBinary()))
		c.EncoderBinary = defaultEncoderBinary()
	}

	if c.CaptureSetupTimeoutSeconds <= 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("capture_setup_timeout_seconds %d is non-positive, defaulting to 8", c.CaptureSetupTimeoutSeconds))
		c.CaptureSetupTimeoutSeconds = 8
	}

	if c.EncoderStartupGraceMillis < 300 || c.EncoderStartupGraceMillis > 350 {
		result.Warnings = append(result.Warnings, fmt.Errorf("encoder_startup_grace_millis %d outside the supported 300-350ms window, clamping to 325", c.EncoderStartupGraceMillis))
		c.EncoderStartupGraceMillis = 325
	}

	if c.StderrRingLines <= 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("stderr_ring_lines %d is non-positive, defaulting to 30", c.StderrRingLines))
		c.StderrRingLines = 30
	}

	if c.EncoderStopTimeoutSeconds <= 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("encoder_stop_timeout_seconds %d is non-positive, defaulting to 8", c.EncoderStopTimeoutSeconds))
		c.EncoderStopTimeoutSeconds = 8
	}

	return result
}
