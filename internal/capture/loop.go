package capture

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rzhang57/capture-sidecar/internal/colorconv"
	"github.com/rzhang57/capture-sidecar/internal/logging"
)

var log = logging.L("capture")

// LatestFrame is the single-slot "most recent converted frame" cell shared
// between the capture loop (writer) and the pacing loop (reader). The mutex
// is held only for the pointer swap, never for the conversion itself
// (SPEC_FULL.md 5 "Shared-resource policy").
type LatestFrame struct {
	mu   sync.Mutex
	buf  []byte
	set  bool
}

func (f *LatestFrame) publish(buf []byte) {
	f.mu.Lock()
	f.buf = buf
	f.set = true
	f.mu.Unlock()
}

// Load returns the most recently published frame and whether one has ever
// been published. The returned slice is owned by the caller for the
// duration of one pacing iteration; the capture loop always publishes a
// freshly converted buffer rather than mutating one in place.
func (f *LatestFrame) Load() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf, f.set
}

// Loop runs the capture loop (C4) on its own goroutine. It is constructed
// once per session and driven by Run until Stop is signalled.
type Loop struct {
	source Source
	outW   int
	outH   int
	stop   atomic.Bool
	latest *LatestFrame
}

// NewLoop constructs the capture loop against an already-Setup source,
// publishing converted frames of outW x outH (both even, per the
// supervisor's even-rounding step) into latest.
func NewLoop(source Source, outW, outH int, latest *LatestFrame) *Loop {
	return &Loop{source: source, outW: outW, outH: outH, latest: latest}
}

// Stop signals the loop to exit at the top of its next iteration
// (SPEC_FULL.md 5 "Cancellation": cooperative, polled).
func (l *Loop) Stop() {
	l.stop.Store(true)
}

// Run executes the capture loop until Stop is called, with its goroutine
// locked to one OS thread for the whole run. It does not drain
// remaining GPU work beyond what has already been copied (SPEC_FULL.md 4.4
// "Termination").
func (l *Loop) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for !l.stop.Load() {
		l.source.WaitFrame(FrameWaitTimeout)
		if l.stop.Load() {
			return
		}

		if !l.source.DrainLatest() {
			continue
		}

		if !l.source.Ready() {
			continue
		}

		data, rowPitch, cropX, cropY, err := l.source.MapOldest()
		if err != nil {
			log.Warn("staging map failed", "error", err)
			continue
		}

		out := colorconv.GetBuffer(l.outW, l.outH)
		colorconv.Convert(data, rowPitch, cropX, cropY, l.outW, l.outH, out)
		l.source.UnmapOldest()

		l.latest.publish(out)
	}
}
