package encoder

import (
	"context"
	"strings"
	"time"
)

func isWindowsPlatform(platform string) bool {
	switch platform {
	case "windows", "win32":
		return true
	default:
		return false
	}
}

// hardwareLabels maps a codec tag to its parent-facing label and the
// substring probed for in `ffmpeg -encoders` output.
var hardwareLabels = map[string]string{
	"h264_nvenc": "Hardware (NVENC H.264)",
	"hevc_nvenc": "Hardware (NVENC HEVC)",
	"h264_amf":   "Hardware (AMF H.264)",
}

// Option mirrors protocol.EncoderOption without importing the protocol
// package, keeping this package dependency-free of the wire format.
type Option struct {
	Codec    string
	Label    string
	Hardware bool
}

// AdapterVendors is the result of GPU-adapter enumeration (C8 step 3).
// Unknown is set when enumeration itself failed - that degrades the gate to
// pass-through rather than exclusion (SPEC_FULL.md 4.8 step 4).
type AdapterVendors struct {
	NVIDIA  bool
	AMD     bool
	Unknown bool
}

// probeAdapterVendors is overridden per-platform (capability_windows.go,
// capability_other.go) to supply C8 step 3's GPU enumeration.
var probeAdapterVendors = func() AdapterVendors {
	return AdapterVendors{Unknown: true}
}

// HasEncoderCapability runs `<ffmpegPath> -hide_banner -encoders` and
// reports whether the combined stdout+stderr text advertises encoderName.
func HasEncoderCapability(ffmpegPath, encoderName string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, _ := runCaptured(ctx, ffmpegPath, "-hide_banner", "-encoders")
	return strings.Contains(strings.ToLower(out), strings.ToLower(encoderName))
}

// GetOptions implements SPEC_FULL.md 4.8 in full: always libx264; on
// Windows, gate h264_nvenc/hevc_nvenc/h264_amf on both ffmpeg's advertised
// support and the probed adapter vendor, with enumeration failure degrading
// to pass-through.
func GetOptions(platform, ffmpegPath string) []Option {
	options := []Option{{Codec: "libx264", Label: "Software (libx264)", Hardware: false}}

	if !isWindowsPlatform(platform) {
		return options
	}
	if ffmpegPath == "" {
		return options
	}

	vendors := probeAdapterVendors()

	for _, tag := range []string{"h264_nvenc", "hevc_nvenc", "h264_amf"} {
		if !HasEncoderCapability(ffmpegPath, tag) {
			continue
		}
		if !gateAllows(tag, vendors) {
			continue
		}
		options = append(options, Option{Codec: tag, Label: hardwareLabels[tag], Hardware: true})
	}

	return options
}

func gateAllows(tag string, vendors AdapterVendors) bool {
	if vendors.Unknown {
		return true
	}
	switch tag {
	case "h264_nvenc", "hevc_nvenc":
		return vendors.NVIDIA
	case "h264_amf":
		return vendors.AMD
	default:
		return true
	}
}
