//go:build windows

package capture

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"
)

// GDI BitBlt fallback Source, used when DXGI Desktop Duplication setup fails
// (SPEC_FULL.md 4.2's implementation note) - e.g. no adapter supports Output
// Duplication, or the session is running on a secure/Winlogon desktop where
// duplication is unavailable but a GDI device context still works. Grounded
// on the teacher's gdiCapturer (capture_windows_nocgo.go): CreateDC("DISPLAY")
// in preference to GetDC(0) so it keeps working across a secure-desktop
// transition, persistent memory-DC/bitmap handles reused across frames, and
// BITMAPINFOHEADER with a negative height for top-down rows.
//
// Unlike DXGI, GDI has no async frame-arrival signal and no GPU-resident
// staging ring, so this still satisfies the Source/ring contract by doing
// the BitBlt+GetDIBits copy synchronously inside DrainLatest and rotating
// through RingDepth plain byte buffers instead of GPU textures. It only
// ever captures the primary display (GetSystemMetrics SM_CXSCREEN/
// SM_CYSCREEN); a window or secondary-monitor request is cropped out of
// that primary-display capture, matching what GetSystemMetrics can see.
var (
	gdi32 = syscall.NewLazyDLL("gdi32.dll")

	procGetDC              = user32.NewProc("GetDC")
	procReleaseDC          = user32.NewProc("ReleaseDC")
	procGetSystemMetrics   = user32.NewProc("GetSystemMetrics")
	procCreateDCW          = gdi32.NewProc("CreateDCW")
	procCreateCompatibleDC = gdi32.NewProc("CreateCompatibleDC")
	procCreateCompatBitmap = gdi32.NewProc("CreateCompatibleBitmap")
	procSelectObject       = gdi32.NewProc("SelectObject")
	procBitBlt             = gdi32.NewProc("BitBlt")
	procDeleteDC           = gdi32.NewProc("DeleteDC")
	procDeleteObject       = gdi32.NewProc("DeleteObject")
	procGetDIBits          = gdi32.NewProc("GetDIBits")
)

const (
	smCxScreen   = 0
	smCyScreen   = 1
	gdiSrcCopy   = 0x00CC0020
	gdiCaptureBlt = 0x40000000
	biRGB        = 0
	dibRGBColors = 0
)

var displayDeviceName = syscall.StringToUTF16Ptr("DISPLAY")

type bitmapInfoHeader struct {
	BiSize          uint32
	BiWidth         int32
	BiHeight        int32
	BiPlanes        uint16
	BiBitCount      uint16
	BiCompression   uint32
	BiSizeImage     uint32
	BiXPelsPerMeter int32
	BiYPelsPerMeter int32
	BiClrUsed       uint32
	BiClrImportant  uint32
}

type bitmapInfo struct {
	BmiHeader bitmapInfoHeader
	BmiColors [1]uint32
}

type gdiRingSlot struct {
	buf []byte
}

// gdiSource implements Source via GDI BitBlt; see file doc comment.
type gdiSource struct {
	mu sync.Mutex

	req Request

	screenDC      uintptr
	screenDCOwned bool
	memDC         uintptr
	hBitmap       uintptr
	oldBitmap     uintptr
	bi            bitmapInfo

	screenW, screenH int
	cropX, cropY     int
	cropW, cropH     int

	ring             [RingDepth]gdiRingSlot
	writeIdx, readIdx, count int
	frameReady       bool
}

// newGDISource constructs the GDI fallback source for req.
func newGDISource(req Request) *gdiSource {
	return &gdiSource{req: req}
}

func (s *gdiSource) Setup(ctx context.Context) SetupResult {
	w, _, _ := procGetSystemMetrics.Call(smCxScreen)
	h, _, _ := procGetSystemMetrics.Call(smCyScreen)
	if w == 0 || h == 0 {
		return SetupResult{Err: fmt.Errorf("GetSystemMetrics returned zero dimensions")}
	}
	s.screenW, s.screenH = int(w), int(h)

	if err := s.ensureHandlesLocked(); err != nil {
		return SetupResult{Err: err}
	}

	cropX, cropY, cropW, cropH, bounds, err := s.resolveCropLocked()
	if err != nil {
		s.releaseHandlesLocked()
		return SetupResult{Err: err}
	}
	s.cropX, s.cropY, s.cropW, s.cropH = cropX, cropY, cropW, cropH

	for i := range s.ring {
		s.ring[i].buf = make([]byte, cropW*cropH*4)
	}

	if s.req.HideCursor {
		log.Debug("cursor hide requested; GDI BitBlt does not composite the cursor by default")
	}

	return SetupResult{RawWidth: cropW, RawHeight: cropH, Bounds: bounds}
}

func (s *gdiSource) resolveCropLocked() (cropX, cropY, cropW, cropH int, bounds Rect, err error) {
	switch s.req.Kind {
	case SourceWindow:
		var r winRect
		ret, _, _ := procGetWindowRect.Call(s.req.WindowHandle, uintptr(unsafe.Pointer(&r)))
		if ret == 0 {
			return 0, 0, 0, 0, Rect{}, fmt.Errorf("GetWindowRect failed for the requested window")
		}
		cropX, cropY = int(r.Left), int(r.Top)
		cropW, cropH = int(r.Right-r.Left), int(r.Bottom-r.Top)
		bounds = Rect{X: cropX, Y: cropY, Width: cropW, Height: cropH}
	case SourceMonitor:
		if s.req.Crop != nil {
			cropX, cropY, cropW, cropH = s.req.Crop.X, s.req.Crop.Y, s.req.Crop.Width, s.req.Crop.Height
		} else {
			cropX, cropY, cropW, cropH = 0, 0, s.screenW, s.screenH
		}
		bounds = Rect{X: cropX, Y: cropY, Width: cropW, Height: cropH}
	}

	if cropX < 0 || cropY < 0 || cropW <= 0 || cropH <= 0 || cropX+cropW > s.screenW || cropY+cropH > s.screenH {
		return 0, 0, 0, 0, Rect{}, fmt.Errorf("capture region %+v is outside the primary display bounds %dx%d", Rect{cropX, cropY, cropW, cropH}, s.screenW, s.screenH)
	}
	return cropX, cropY, cropW, cropH, bounds, nil
}

func (s *gdiSource) ensureHandlesLocked() error {
	hdc, _, _ := procCreateDCW.Call(uintptr(unsafe.Pointer(displayDeviceName)), 0, 0, 0)
	if hdc == 0 {
		hdc, _, _ = procGetDC.Call(0)
		if hdc == 0 {
			return fmt.Errorf("both CreateDC and GetDC failed")
		}
		s.screenDCOwned = false
	} else {
		s.screenDCOwned = true
	}

	memDC, _, _ := procCreateCompatibleDC.Call(hdc)
	if memDC == 0 {
		s.releaseDC(hdc)
		return fmt.Errorf("CreateCompatibleDC failed")
	}

	hBitmap, _, _ := procCreateCompatBitmap.Call(hdc, uintptr(s.screenW), uintptr(s.screenH))
	if hBitmap == 0 {
		procDeleteDC.Call(memDC)
		s.releaseDC(hdc)
		return fmt.Errorf("CreateCompatibleBitmap failed")
	}

	oldBitmap, _, _ := procSelectObject.Call(memDC, hBitmap)
	if oldBitmap == 0 {
		procDeleteObject.Call(hBitmap)
		procDeleteDC.Call(memDC)
		s.releaseDC(hdc)
		return fmt.Errorf("SelectObject failed")
	}

	s.screenDC, s.memDC, s.hBitmap, s.oldBitmap = hdc, memDC, hBitmap, oldBitmap
	s.bi = bitmapInfo{
		BmiHeader: bitmapInfoHeader{
			BiSize:        uint32(unsafe.Sizeof(bitmapInfoHeader{})),
			BiWidth:       int32(s.screenW),
			BiHeight:      -int32(s.screenH),
			BiPlanes:      1,
			BiBitCount:    32,
			BiCompression: biRGB,
		},
	}
	return nil
}

func (s *gdiSource) releaseDC(hdc uintptr) {
	if s.screenDCOwned {
		procDeleteDC.Call(hdc)
	} else {
		procReleaseDC.Call(0, hdc)
	}
}

func (s *gdiSource) releaseHandlesLocked() {
	if s.oldBitmap != 0 && s.memDC != 0 {
		procSelectObject.Call(s.memDC, s.oldBitmap)
	}
	if s.hBitmap != 0 {
		procDeleteObject.Call(s.hBitmap)
	}
	if s.memDC != 0 {
		procDeleteDC.Call(s.memDC)
	}
	if s.screenDC != 0 {
		s.releaseDC(s.screenDC)
	}
	s.screenDC, s.memDC, s.hBitmap, s.oldBitmap = 0, 0, 0, 0
}

// WaitFrame does not block: GDI has no frame-arrival signal to wait on, so
// it only marks a frame as due, and the next DrainLatest captures one
// synchronously.
func (s *gdiSource) WaitFrame(timeout time.Duration) {
	s.mu.Lock()
	s.frameReady = true
	s.mu.Unlock()
}

func (s *gdiSource) DrainLatest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.frameReady {
		return false
	}
	s.frameReady = false

	ret, _, _ := procBitBlt.Call(s.memDC, 0, 0, uintptr(s.screenW), uintptr(s.screenH),
		s.screenDC, 0, 0, gdiSrcCopy|gdiCaptureBlt)
	if ret == 0 {
		ret, _, _ = procBitBlt.Call(s.memDC, 0, 0, uintptr(s.screenW), uintptr(s.screenH),
			s.screenDC, 0, 0, gdiSrcCopy)
		if ret == 0 {
			log.Warn("GDI BitBlt failed")
			return false
		}
	}

	full := make([]byte, s.screenW*s.screenH*4)
	ret, _, _ = procGetDIBits.Call(
		s.memDC, s.hBitmap, 0, uintptr(s.screenH),
		uintptr(unsafe.Pointer(&full[0])), uintptr(unsafe.Pointer(&s.bi)), dibRGBColors,
	)
	if ret == 0 {
		log.Warn("GDI GetDIBits failed")
		return false
	}

	slot := &s.ring[s.writeIdx]
	rowPitch := s.cropW * 4
	for row := 0; row < s.cropH; row++ {
		srcOff := (s.cropY+row)*s.screenW*4 + s.cropX*4
		dstOff := row * rowPitch
		copy(slot.buf[dstOff:dstOff+rowPitch], full[srcOff:srcOff+rowPitch])
	}

	s.writeIdx = (s.writeIdx + 1) % RingDepth
	if s.count < RingDepth {
		s.count++
	}
	return true
}

func (s *gdiSource) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count >= 1
}

func (s *gdiSource) MapOldest() ([]byte, int, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return nil, 0, 0, 0, fmt.Errorf("no queued frame to map")
	}
	slot := &s.ring[s.readIdx]
	return slot.buf, s.cropW * 4, 0, 0, nil
}

func (s *gdiSource) UnmapOldest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return
	}
	s.readIdx = (s.readIdx + 1) % RingDepth
	s.count--
}

func (s *gdiSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseHandlesLocked()
	return nil
}

var _ Source = (*gdiSource)(nil)
