package colorconv

import "testing"

func TestFrameSizeMatchesInvariant(t *testing.T) {
	got := FrameSize(1280, 720)
	want := 1280*720 + 2*(640*360)
	if got != want {
		t.Fatalf("FrameSize(1280,720) = %d, want %d", got, want)
	}
}

func TestConvertWhitePixelProducesNeutralChroma(t *testing.T) {
	const w, h = 4, 2
	pitch := w * 4
	bgra := make([]byte, pitch*h)
	for i := 0; i < len(bgra); i += 4 {
		bgra[i+0] = 255 // B
		bgra[i+1] = 255 // G
		bgra[i+2] = 255 // R
		bgra[i+3] = 255 // A
	}

	dst := GetBuffer(w, h)
	defer PutBuffer(dst)
	Convert(bgra, pitch, 0, 0, w, h, dst)

	if len(dst) != FrameSize(w, h) {
		t.Fatalf("dst length %d != FrameSize %d", len(dst), FrameSize(w, h))
	}

	yPlane := dst[:w*h]
	for _, y := range yPlane {
		if y != 235 {
			t.Fatalf("expected clamped luma 235 for white pixel, got %d", y)
		}
	}

	chromaW, chromaH := w/2, h/2
	uPlane := dst[w*h : w*h+chromaW*chromaH]
	vPlane := dst[w*h+chromaW*chromaH : w*h+2*chromaW*chromaH]
	for _, u := range uPlane {
		if u != 128 {
			t.Fatalf("expected neutral chroma U 128 for white pixel, got %d", u)
		}
	}
	for _, v := range vPlane {
		if v != 128 {
			t.Fatalf("expected neutral chroma V 128 for white pixel, got %d", v)
		}
	}
}

func TestConvertBlackPixelProducesFloorLuma(t *testing.T) {
	const w, h = 2, 2
	pitch := w * 4
	bgra := make([]byte, pitch*h) // all zero = black, alpha 0 too but alpha is ignored

	dst := GetBuffer(w, h)
	defer PutBuffer(dst)
	Convert(bgra, pitch, 0, 0, w, h, dst)

	for _, y := range dst[:w*h] {
		if y != 16 {
			t.Fatalf("expected luma floor 16 for black pixel, got %d", y)
		}
	}
}

func TestConvertHonoursRowPitchAndCropOrigin(t *testing.T) {
	// Source is 4x4 but only a 2x2 pitch-aligned region with padding beyond
	// 4*width, cropped starting at (1,1). If the pitch or crop were ignored,
	// the converter would read the padding or the wrong pixels.
	const srcW, srcH = 4, 4
	pitch := srcW*4 + 16 // extra alignment padding per row
	bgra := make([]byte, pitch*srcH)

	// Fill (1,1)..(2,2) with a distinct color (pure red) and everything else
	// with pure blue so a wrong crop/pitch produces the wrong luma.
	for row := 0; row < srcH; row++ {
		for col := 0; col < srcW; col++ {
			off := row*pitch + col*4
			if row >= 1 && row <= 2 && col >= 1 && col <= 2 {
				bgra[off+2] = 255 // R
			} else {
				bgra[off+0] = 255 // B
			}
		}
	}

	const outW, outH = 2, 2
	dst := GetBuffer(outW, outH)
	defer PutBuffer(dst)
	Convert(bgra, pitch, 1, 1, outW, outH, dst)

	wantRedY := clamp((66*255+128)>>8+16, 16, 235)
	for _, y := range dst[:outW*outH] {
		if y != wantRedY {
			t.Fatalf("expected red-derived luma %d from cropped region, got %d", wantRedY, y)
		}
	}
}

func TestEvenRound(t *testing.T) {
	cases := map[int]int{
		0:    2,
		1:    2,
		2:    2,
		3:    2,
		4:    4,
		1281: 1280,
		721:  720,
	}
	for in, want := range cases {
		if got := EvenRound(in); got != want {
			t.Errorf("EvenRound(%d) = %d, want %d", in, got, want)
		}
	}
}
