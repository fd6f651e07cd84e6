// Package colorconv implements the colour converter (C3): BGRA staging-
// texture bytes, with an arbitrary row pitch and crop origin, down to
// tightly-packed planar YUV420p. Adapted from the BT.601 fixed-point
// conversion the desktop-capture package uses for its NV12 path, split into
// separate U/V planes and given a crop origin since the encoder expects
// ffmpeg-style planar rawvideo, not an interleaved MFT surface.
package colorconv

import "sync"

// yuvPool pools output buffers for a fixed output resolution, the same
// single-resolution sync.Pool idiom the desktop package uses for its NV12
// buffers: recording sessions run at one resolution for their entire
// lifetime, so there is never a need to pool more than one size at a time.
var yuvPool = struct {
	pool sync.Pool
	w, h int
	mu   sync.Mutex
}{}

// FrameSize returns the byte length of a tightly-packed YUV420p frame at the
// given (even) output dimensions: out_w*out_h*3/2, per invariant I3.
func FrameSize(outW, outH int) int {
	return outW*outH + 2*((outW/2)*(outH/2))
}

// GetBuffer returns a YUV420p buffer of the correct size for outW x outH,
// reusing a pooled allocation when the resolution hasn't changed.
func GetBuffer(outW, outH int) []byte {
	size := FrameSize(outW, outH)

	yuvPool.mu.Lock()
	if yuvPool.w == outW && yuvPool.h == outH {
		yuvPool.mu.Unlock()
		if v := yuvPool.pool.Get(); v != nil {
			buf := v.([]byte)
			if len(buf) == size {
				return buf
			}
		}
		return make([]byte, size)
	}
	yuvPool.w = outW
	yuvPool.h = outH
	yuvPool.pool = sync.Pool{}
	yuvPool.mu.Unlock()
	return make([]byte, size)
}

// PutBuffer returns a buffer obtained from GetBuffer to the pool.
func PutBuffer(buf []byte) {
	yuvPool.pool.Put(buf)
}

// Convert reads a BGRA8 source with the given row pitch (bytes per row,
// which may exceed 4*captureW due to GPU row alignment) starting at crop
// origin (srcX, srcY), and writes tightly-packed YUV420p of outW x outH
// (both assumed even - the caller is responsible for the even-rounding
// invariant) into dst. dst must be at least FrameSize(outW, outH) bytes.
//
// BT.601 integer coefficients, matching the desktop package's bgraToNV12:
//
//	Y = ((66*R + 129*G + 25*B + 128) >> 8) + 16
//	U = ((-38*R - 74*G + 112*B + 128) >> 8) + 128  (sampled top-left of each 2x2 block)
//	V = ((112*R - 94*G - 18*B + 128) >> 8) + 128   (same sampling)
func Convert(bgra []byte, rowPitch, srcX, srcY, outW, outH int, dst []byte) {
	yPlane := dst[:outW*outH]
	chromaW := outW / 2
	chromaH := outH / 2
	uPlane := dst[outW*outH : outW*outH+chromaW*chromaH]
	vPlane := dst[outW*outH+chromaW*chromaH : outW*outH+2*chromaW*chromaH]

	for y := 0; y < outH; y++ {
		rowOff := (srcY+y)*rowPitch + srcX*4
		yOff := y * outW

		for x := 0; x < outW; x++ {
			pi := rowOff + x*4
			b := int(bgra[pi+0])
			g := int(bgra[pi+1])
			r := int(bgra[pi+2])

			yVal := (66*r + 129*g + 25*b + 128) >> 8
			yVal += 16
			yPlane[yOff+x] = clamp(yVal, 16, 235)

			if y%2 == 0 && x%2 == 0 {
				uVal := (-38*r - 74*g + 112*b + 128) >> 8
				uVal += 128
				vVal := (112*r - 94*g - 18*b + 128) >> 8
				vVal += 128

				chromaIdx := (y/2)*chromaW + x/2
				uPlane[chromaIdx] = clamp(uVal, 16, 240)
				vPlane[chromaIdx] = clamp(vVal, 16, 240)
			}
		}
	}
}

func clamp(v, lo, hi int) byte {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return byte(v)
}

// EvenRound rounds a dimension down to the nearest even value, with a floor
// of 2, per SPEC_FULL.md 4.6 step 4 ("AND 0xFFFE, min 2").
func EvenRound(v int) int {
	v &^= 1
	if v < 2 {
		return 2
	}
	return v
}
