package audio

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ultradaoto/hybrid-coach/internal/logging"
	"github.com/ultradaoto/hybrid-coach/internal/metrics"
)

const defaultBackpressureThresholdBytes = 64 * 1024
const dropWarningInterval = 5 * time.Second

// backpressureTracker holds the per-upstream counters named in §3:
// buffered bytes, frames dropped since last report, and the timestamp of
// the last drop-warning emission.
type backpressureTracker struct {
	mu               sync.Mutex
	upstream         string
	roomID           string
	thresholdBytes   int
	bufferedBytes    int
	droppedSinceLast int
	lastWarningAt    time.Time
}

// newBackpressureTracker builds a tracker for one upstream connection.
// thresholdBytes of zero or less falls back to defaultBackpressureThresholdBytes.
func newBackpressureTracker(upstream, roomID string, thresholdBytes int) *backpressureTracker {
	if thresholdBytes <= 0 {
		thresholdBytes = defaultBackpressureThresholdBytes
	}
	return &backpressureTracker{upstream: upstream, roomID: roomID, thresholdBytes: thresholdBytes}
}

// setBufferedBytes records the upstream connection's self-reported output
// buffer size, the signal the router uses to decide whether to drop.
func (b *backpressureTracker) setBufferedBytes(n int) {
	b.mu.Lock()
	b.bufferedBytes = n
	b.mu.Unlock()
	metrics.UpstreamBufferedBytes.WithLabelValues(b.upstream, b.roomID).Set(float64(n))
}

// overThreshold reports whether further frames for this upstream should be
// dropped rather than queued (§4.3 backpressure rule).
func (b *backpressureTracker) overThreshold() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferedBytes > b.thresholdBytes
}

// recordDrop increments the drop counter and, if dropWarningInterval has
// elapsed since the last report, logs a summary and resets the counter.
func (b *backpressureTracker) recordDrop(ctx context.Context, reason string) {
	metrics.AudioFramesDropped.WithLabelValues(b.upstream, b.roomID, reason).Inc()

	b.mu.Lock()
	b.droppedSinceLast++
	now := time.Now()
	shouldWarn := now.Sub(b.lastWarningAt) >= dropWarningInterval
	count := b.droppedSinceLast
	if shouldWarn {
		b.lastWarningAt = now
		b.droppedSinceLast = 0
	}
	b.mu.Unlock()

	if shouldWarn {
		logging.Warn(ctx, "audio frames dropped due to backpressure",
			zap.String("upstream", b.upstream), zap.String("room_id", b.roomID),
			zap.Int("dropped_count", count), zap.String("reason", reason))
	}
}
