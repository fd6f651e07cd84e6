package encoder

import (
	"fmt"
	"strconv"
)

// MacCaptureConfig describes a macOS avfoundation capture+encode invocation
// (C9 "macOS Screen Path"): unlike the Windows rawvideo-over-stdin pipeline,
// ffmpeg reads frames directly from the OS capture device, so there is no
// pacing loop or bounded frame queue on this path.
type MacCaptureConfig struct {
	FFmpegPath  string
	DeviceIndex string // avfoundation input index, e.g. "1:none" for screen 0, no audio
	FPS         int
	Bitrate     int
	CodecTag    string
	// Crop, when non-nil, adds an ffmpeg crop filter in avfoundation's own
	// (uncropped) coordinate space.
	Crop       *Rect
	OutputPath string
}

// Rect is a plain crop rectangle, kept separate from capture.Rect so this
// package never imports capture (capture is Windows-only surface area).
type Rect struct {
	X, Y, Width, Height int
}

// BuildMacArgs renders the ffmpeg argument list for an avfoundation capture.
func BuildMacArgs(cfg MacCaptureConfig) ([]string, error) {
	codec, ok := codecTable[cfg.CodecTag]
	if !ok {
		return nil, fmt.Errorf("unsupported encoder tag: %s", cfg.CodecTag)
	}

	bitrate := cfg.Bitrate
	if bitrate < 1_000_000 {
		bitrate = 1_000_000
	}
	gop := cfg.FPS * 2
	bufsize := bitrate * 3

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "avfoundation",
		"-capture_cursor", "1",
		"-framerate", strconv.Itoa(cfg.FPS),
		"-i", cfg.DeviceIndex,
	}

	if cfg.Crop != nil {
		args = append(args, "-vf", fmt.Sprintf("crop=%d:%d:%d:%d", cfg.Crop.Width, cfg.Crop.Height, cfg.Crop.X, cfg.Crop.Y))
	}

	args = append(args,
		"-c:v", codec.Codec,
		"-b:v", strconv.Itoa(bitrate),
		"-maxrate", strconv.Itoa(bitrate),
		"-bufsize", strconv.Itoa(bufsize),
		"-g", strconv.Itoa(gop),
	)
	args = append(args, codec.Args...)
	args = append(args, "-movflags", "+faststart", "-y", cfg.OutputPath)
	return args, nil
}
