package vision

import (
	"context"
	"log/slog"
	"time"

	"github.com/phonesys/voicepipe/internal/pipeline"
)

// Bridge is the pipeline stage that captures camera frames into the Store.
// Admitted frames are re-encoded off the pipeline goroutine; the raw
// ImageFrame is consumed here and never forwarded downstream.
type Bridge struct {
	store    *Store
	throttle *Throttle
	logger   *slog.Logger

	// encoding keeps at most one re-encode in flight; a frame arriving while
	// one is running is dropped like a throttled frame.
	encoding chan struct{}
}

// NewBridge creates the capture stage writing into store.
func NewBridge(store *Store, interval time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		store:    store,
		throttle: NewThrottle(interval),
		logger:   logger,
		encoding: make(chan struct{}, 1),
	}
}

// Name implements pipeline.Stage.
func (b *Bridge) Name() string { return "vision" }

// Process implements pipeline.Stage. Non-image frames pass through.
func (b *Bridge) Process(_ context.Context, f pipeline.Frame, out pipeline.Emit) error {
	img, ok := f.(pipeline.ImageFrame)
	if !ok {
		if !pipeline.IsControl(f) {
			out(f)
		}
		return nil
	}

	now := time.Now()
	if !b.throttle.Admit(now) {
		return nil
	}
	select {
	case b.encoding <- struct{}{}:
	default:
		return nil
	}

	data := make([]byte, len(img.Data))
	copy(data, img.Data)
	go func() {
		defer func() { <-b.encoding }()
		jpegBytes, err := Reencode(data)
		if err != nil {
			b.logger.Warn("camera frame discarded", "error", err)
			return
		}
		b.store.Put(&Snapshot{JPEG: jpegBytes, CapturedAt: now})
	}()
	return nil
}

var _ pipeline.Stage = (*Bridge)(nil)
