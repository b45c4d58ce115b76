// Package stage implements the concrete pipeline stages of a voice session:
// transport capture and output, speech recognition, response generation,
// speech synthesis, and background audio mixing.
package stage

import (
	"context"
	"log/slog"

	"github.com/phonesys/voicepipe/internal/pipeline"
	"github.com/phonesys/voicepipe/pkg/transport"
)

// Capture is the first pipeline stage. It pumps inbound caller media from the
// transport connection into the pipeline: audio as AudioFrames, camera frames
// as ImageFrames. When the caller hangs up it emits EndFrame so the session
// drains cleanly.
type Capture struct {
	conn       transport.Connection
	logger     *slog.Logger
	onActivity func()
}

// NewCapture wraps an established call leg. onActivity, if non-nil, is
// invoked for every inbound audio frame and feeds the idle timeout.
func NewCapture(conn transport.Connection, logger *slog.Logger, onActivity func()) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{conn: conn, logger: logger, onActivity: onActivity}
}

// Name implements pipeline.Stage.
func (c *Capture) Name() string { return "capture" }

// Process implements pipeline.Stage. Capture originates frames in Start; the
// only inbound traffic is control frames, which the pipeline forwards itself.
func (c *Capture) Process(_ context.Context, f pipeline.Frame, out pipeline.Emit) error {
	if !pipeline.IsControl(f) {
		out(f)
	}
	return nil
}

// Start implements pipeline.Starter. The transport leg is already
// established, so the ready signal fires immediately and the media pump runs
// until hangup or cancellation.
func (c *Capture) Start(ctx context.Context, out pipeline.Emit) error {
	out(pipeline.TransportReadyFrame{})

	audioIn := c.conn.AudioIn()
	videoIn := c.conn.VideoIn()
	events := c.conn.Events()

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-audioIn:
			if !ok {
				c.logger.Info("inbound audio stream closed")
				out(pipeline.EndFrame{})
				return nil
			}
			if c.onActivity != nil {
				c.onActivity()
			}
			out(pipeline.AudioFrame{Audio: frame})

		case vf, ok := <-videoIn:
			if !ok {
				videoIn = nil
				continue
			}
			out(pipeline.ImageFrame{
				Data:      vf.Data,
				MimeType:  vf.MimeType,
				Width:     vf.Width,
				Height:    vf.Height,
				Timestamp: vf.Timestamp,
			})

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Type == transport.EventLeave {
				c.logger.Info("participant left", "participant_id", ev.ParticipantID)
				out(pipeline.EndFrame{})
				return nil
			}
		}
	}
}

// Close implements pipeline.Closer.
func (c *Capture) Close() error {
	return c.conn.Close()
}

var (
	_ pipeline.Stage   = (*Capture)(nil)
	_ pipeline.Starter = (*Capture)(nil)
	_ pipeline.Closer  = (*Capture)(nil)
)
