package encoder

import "testing"

func TestBuildArgsLibx264Defaults(t *testing.T) {
	args, err := BuildArgs(SpawnConfig{
		FFmpegPath:  "ffmpeg",
		InputWidth:  1280,
		InputHeight: 720,
		InputFPS:    30,
		Bitrate:     500_000,
		CodecTag:    "libx264",
		OutputPath:  "/tmp/out.mp4",
	})
	if err != nil {
		t.Fatalf("BuildArgs returned error: %v", err)
	}

	joined := join(args)
	if !contains(args, "1280x720") {
		t.Fatalf("expected video_size 1280x720, got %v", args)
	}
	if !contains(args, "libx264") {
		t.Fatalf("expected libx264 codec arg, got %v", args)
	}
	if !contains(args, "1000000") {
		t.Fatalf("expected bitrate clamped to 1000000, got %v", joined)
	}
	if !contains(args, "60") { // gop = fps*2
		t.Fatalf("expected gop 60, got %v", joined)
	}
	if !contains(args, "zerolatency") {
		t.Fatalf("expected zerolatency tune default, got %v", joined)
	}
}

func TestBuildArgsCallerArgsOverrideDefaults(t *testing.T) {
	args, err := BuildArgs(SpawnConfig{
		FFmpegPath:  "ffmpeg",
		InputWidth:  1280,
		InputHeight: 720,
		InputFPS:    30,
		Bitrate:     4_000_000,
		CodecTag:    "h264_nvenc",
		ExtraArgs:   []string{"-preset", "fast"},
		OutputPath:  "/tmp/out.mp4",
	})
	if err != nil {
		t.Fatalf("BuildArgs returned error: %v", err)
	}
	if contains(args, "ll") {
		t.Fatalf("expected default nvenc args to be fully overridden, got %v", args)
	}
	if !contains(args, "fast") {
		t.Fatalf("expected caller-supplied preset fast, got %v", args)
	}
}

func TestBuildArgsUnsupportedTag(t *testing.T) {
	_, err := BuildArgs(SpawnConfig{CodecTag: "av1_nvenc"})
	if err == nil {
		t.Fatal("expected error for unsupported codec tag")
	}
}

func TestBuildArgsScaleFilter(t *testing.T) {
	args, err := BuildArgs(SpawnConfig{
		FFmpegPath:  "ffmpeg",
		InputWidth:  1920,
		InputHeight: 1080,
		InputFPS:    60,
		Bitrate:     6_000_000,
		CodecTag:    "libx264",
		ScaleTo:     &Dimensions{Width: 1280, Height: 720},
		OutputPath:  "/tmp/out.mp4",
	})
	if err != nil {
		t.Fatalf("BuildArgs returned error: %v", err)
	}
	if !contains(args, "scale=1280:720") {
		t.Fatalf("expected scale filter, got %v", args)
	}
}

func TestStderrRingTruncatesToCapacity(t *testing.T) {
	ring := newStderrRing(3)
	for i := 0; i < 5; i++ {
		ring.add(string(rune('a' + i)))
	}
	got := ring.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected ring capped at 3 lines, got %d: %v", len(got), got)
	}
	if got[0] != "c" || got[2] != "e" {
		t.Fatalf("expected oldest lines evicted, got %v", got)
	}
}

func TestStderrRingIgnoresEmptyLines(t *testing.T) {
	ring := newStderrRing(5)
	ring.add("")
	ring.add("real line")
	if got := ring.snapshot(); len(got) != 1 || got[0] != "real line" {
		t.Fatalf("expected empty lines to be skipped, got %v", got)
	}
}

func TestIsSupportedTag(t *testing.T) {
	for _, tag := range SupportedTags() {
		if !IsSupportedTag(tag) {
			t.Errorf("expected %q to be supported", tag)
		}
	}
	if IsSupportedTag("vp9") {
		t.Error("expected vp9 to be unsupported")
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
