package encoder

import "testing"

// No ffmpeg binary is run in these tests: GetOptions is exercised only on the
// paths that return before probing (a non-Windows platform, or an empty
// ffmpegPath), both of which yield libx264 only; the vendor gate itself is
// tested directly through gateAllows.

func TestGetOptionsNonWindowsAlwaysSoftwareOnly(t *testing.T) {
	opts := GetOptions("darwin", "/usr/bin/ffmpeg")
	if len(opts) != 1 || opts[0].Codec != "libx264" {
		t.Fatalf("expected libx264-only on non-windows, got %+v", opts)
	}
}

func TestGetOptionsEmptyFfmpegPathIsSoftwareOnly(t *testing.T) {
	opts := GetOptions("windows", "")
	if len(opts) != 1 || opts[0].Codec != "libx264" {
		t.Fatalf("expected libx264-only with no ffmpeg path, got %+v", opts)
	}
}

func TestGateAllowsNvencWhenNvidiaPresent(t *testing.T) {
	vendors := AdapterVendors{NVIDIA: true}
	if !gateAllows("h264_nvenc", vendors) {
		t.Fatal("expected h264_nvenc allowed when NVIDIA adapter present")
	}
	if gateAllows("h264_amf", vendors) {
		t.Fatal("expected h264_amf denied when only NVIDIA present")
	}
}

func TestGateAllowsPassThroughOnUnknownEnumeration(t *testing.T) {
	vendors := AdapterVendors{Unknown: true}
	for _, tag := range []string{"h264_nvenc", "hevc_nvenc", "h264_amf"} {
		if !gateAllows(tag, vendors) {
			t.Errorf("expected %s to pass through when enumeration failed", tag)
		}
	}
}

func TestGateDeniesAmdWithoutAmdAdapter(t *testing.T) {
	vendors := AdapterVendors{NVIDIA: true, AMD: false}
	if gateAllows("h264_amf", vendors) {
		t.Fatal("expected h264_amf denied without an AMD/Radeon adapter")
	}
}
