// Package pacing implements the pacing loop (C5) and the bounded frame
// queue that connects it to the encoder writer task.
package pacing

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzhang57/capture-sidecar/internal/logging"
)

var log = logging.L("pacing")

// QueueDepth is BoundedFrameQueue's depth (SPEC_FULL.md 3).
const QueueDepth = 256

// BurstCap bounds how many frames a single pacing iteration emits to avoid
// runaway catch-up bursts (SPEC_FULL.md 4.5 step 4-5).
const BurstCap = 8

// FrameSource is whatever the pacing loop reads its current frame from -
// capture.LatestFrame satisfies this without pacing depending on capture.
type FrameSource interface {
	Load() ([]byte, bool)
}

// Queue is the bounded, single-producer/single-consumer FIFO between the
// pacing loop and the encoder writer task (SPEC_FULL.md 3 "BoundedFrameQueue").
// Back-pressure on Send blocks the pacing loop only, never the capture loop.
type Queue struct {
	ch        chan []byte
	brokenCh  chan struct{}
	brokenErr error
	once      sync.Once
}

// NewQueue constructs a Queue with the given depth (use QueueDepth in
// production; tests may use a smaller depth to exercise back-pressure).
func NewQueue(depth int) *Queue {
	return &Queue{ch: make(chan []byte, depth), brokenCh: make(chan struct{})}
}

// Send enqueues frame, blocking while the queue is full, and returns an
// error if the queue was previously marked broken by the writer task
// (SPEC_FULL.md 4.5 "Encoder-pipe closure").
func (q *Queue) Send(frame []byte) error {
	select {
	case <-q.brokenCh:
		return q.brokenErr
	default:
	}
	select {
	case q.ch <- frame:
		return nil
	case <-q.brokenCh:
		return q.brokenErr
	}
}

// MarkBroken records a fatal writer error and unblocks any pending Send.
// Only the first call has effect.
func (q *Queue) MarkBroken(err error) {
	q.once.Do(func() {
		q.brokenErr = err
		close(q.brokenCh)
	})
}

// Close signals the writer task that no more frames will be sent; the
// writer drains whatever remains in the channel, then closes the encoder
// pipe (SPEC_FULL.md 4.6 stop sequence step 3).
func (q *Queue) Close() {
	close(q.ch)
}

// RunWriter drains queue, calling write for each frame, until the queue is
// closed. It returns the first write error encountered; frames after a
// failure are still drained (without being written) so the pacing loop's
// Send calls are never stuck once MarkBroken fires.
func RunWriter(queue *Queue, write func([]byte) error) error {
	var firstErr error
	for frame := range queue.ch {
		if firstErr != nil {
			continue
		}
		if err := write(frame); err != nil {
			firstErr = err
			queue.MarkBroken(err)
		}
	}
	return firstErr
}

// Loop runs the pacing loop (C5).
type Loop struct {
	fps           int
	frameInterval time.Duration
	latest        FrameSource
	queue         *Queue
	start         time.Time

	stop             atomic.Bool
	framesSent       atomic.Int64
	framesDuplicated atomic.Int64
}

// NewLoop constructs the pacing loop. start is the session's recorded start
// instant, used both to seed next_send and to compute duration parity at
// shutdown.
func NewLoop(fps int, latest FrameSource, queue *Queue, start time.Time) *Loop {
	return &Loop{
		fps:           fps,
		frameInterval: time.Second / time.Duration(fps),
		latest:        latest,
		queue:         queue,
		start:         start,
	}
}

// Stop signals the loop to exit its steady-state phase and begin shutdown
// padding on its next check.
func (l *Loop) Stop() {
	l.stop.Store(true)
}

// FramesSent returns the total frames emitted, including duplicates.
func (l *Loop) FramesSent() int64 { return l.framesSent.Load() }

// FramesDuplicated returns how many of FramesSent were duplicates of a
// previously emitted frame (no new capture data).
func (l *Loop) FramesDuplicated() int64 { return l.framesDuplicated.Load() }

// Run executes the pacing loop until Stop is called, then performs shutdown
// padding, and returns the stop instant (for duration_ms) and the first
// fatal send error, if any (SPEC_FULL.md 4.5).
func (l *Loop) Run() (stopInstant time.Time, err error) {
	nextSend := l.start.Add(l.frameInterval)
	var held []byte

	for !l.stop.Load() {
		now := time.Now()
		if now.Before(nextSend) {
			sleep := nextSend.Sub(now)
			if sleep > 5*time.Millisecond {
				sleep = 5 * time.Millisecond
			}
			time.Sleep(sleep)
			continue
		}

		frame, ok := l.latest.Load()
		if !ok {
			nextSend = now.Add(l.frameInterval)
			continue
		}
		held = frame

		emits := 0
		for (now.After(nextSend) || now.Equal(nextSend)) && emits < BurstCap {
			if sendErr := l.queue.Send(held); sendErr != nil {
				return time.Now(), fmt.Errorf("pipe-broken: %w", sendErr)
			}
			l.framesSent.Add(1)
			if emits > 0 {
				l.framesDuplicated.Add(1)
			}
			nextSend = nextSend.Add(l.frameInterval)
			emits++
			now = time.Now()
		}
		if emits >= BurstCap {
			nextSend = now.Add(l.frameInterval)
		}
	}

	stopInstant = time.Now()

	if held != nil {
		expected := int64(math.Round(float64(l.fps) * stopInstant.Sub(l.start).Seconds()))
		for l.framesSent.Load() < expected {
			if sendErr := l.queue.Send(held); sendErr != nil {
				return stopInstant, fmt.Errorf("pipe-broken during shutdown padding: %w", sendErr)
			}
			l.framesSent.Add(1)
			l.framesDuplicated.Add(1)
		}
	}

	log.Debug("pacing loop finished", "framesSent", l.framesSent.Load(), "framesDuplicated", l.framesDuplicated.Load())
	return stopInstant, nil
}
