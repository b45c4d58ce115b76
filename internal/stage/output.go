package stage

import (
	"context"
	"log/slog"

	"github.com/phonesys/voicepipe/internal/pipeline"
	"github.com/phonesys/voicepipe/pkg/transport"
)

// Output is the last pipeline stage. It writes synthesized speech, and any
// rendered avatar video, back to the caller. Audio write failures are fatal
// for the session: the pipeline treats edge stage errors as cancellation.
// Video write failures are logged and dropped so a broken video track cannot
// silence the audio path.
type Output struct {
	conn   transport.Connection
	logger *slog.Logger
}

// NewOutput wraps the call leg for playback.
func NewOutput(conn transport.Connection, logger *slog.Logger) *Output {
	if logger == nil {
		logger = slog.Default()
	}
	return &Output{conn: conn, logger: logger}
}

// Name implements pipeline.Stage.
func (o *Output) Name() string { return "output" }

// Process implements pipeline.Stage.
func (o *Output) Process(ctx context.Context, f pipeline.Frame, _ pipeline.Emit) error {
	switch fr := f.(type) {
	case pipeline.AudioFrame:
		return o.conn.WriteAudio(ctx, fr.Audio)
	case pipeline.ImageFrame:
		err := o.conn.WriteVideo(ctx, transport.VideoFrame{
			Data:      fr.Data,
			MimeType:  fr.MimeType,
			Width:     fr.Width,
			Height:    fr.Height,
			Timestamp: fr.Timestamp,
		})
		if err != nil {
			o.logger.Warn("video write failed, dropping frame", "error", err)
		}
		return nil
	default:
		return nil
	}
}

var _ pipeline.Stage = (*Output)(nil)
