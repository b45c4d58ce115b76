package avatar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phonesys/voicepipe/internal/observe"
	"github.com/phonesys/voicepipe/internal/pipeline"
)

const interruptTimeout = 2 * time.Second

// Controller is the pipeline stage that routes synthesized speech to the
// avatar service while it is healthy and passes it through once degraded.
//
// Active: AudioFrames and assistant TextFrames are consumed by the service
// and not forwarded; the rendered, lip-synced audio and video come back on
// the service's media-receive streams and Start forwards them downstream.
// Degraded: every frame passes through untouched so the plain voice output
// takes over, and video stops. The frame whose send failed is itself
// forwarded, so no speech is lost at the transition.
type Controller struct {
	svc     Service
	logger  *slog.Logger
	metrics *observe.Metrics

	mu    sync.Mutex
	state State
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewController wraps svc in a fallback controller.
func NewController(svc Service, opts ...Option) *Controller {
	c := &Controller{
		svc:     svc,
		logger:  slog.Default(),
		metrics: observe.DefaultMetrics(),
		state:   StateActive,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name implements pipeline.Stage.
func (c *Controller) Name() string { return "avatar" }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start implements pipeline.Starter. It establishes the renderer session and
// then bridges its media-receive streams: one task per stream reads the
// rendered audio and video and forwards them downstream toward the call leg.
// Either stream ending, or Done closing, degrades the controller. A failed
// Start degrades rather than erroring so the session continues as plain
// voice.
func (c *Controller) Start(ctx context.Context, out pipeline.Emit) error {
	if err := c.svc.Start(ctx); err != nil {
		c.degrade(ctx, "start", fmt.Errorf("%w: start: %v", ErrServiceFailed, err))
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pumpAudio(ctx, out)
	}()
	go func() {
		defer wg.Done()
		c.pumpVideo(ctx, out)
	}()

	select {
	case <-c.svc.Done():
		c.degrade(ctx, "media_stream_ended", fmt.Errorf("%w: media stream ended", ErrServiceFailed))
	case <-ctx.Done():
	}
	wg.Wait()
	return nil
}

// pumpAudio forwards the avatar's rendered speech downstream. After
// degradation any residual frames are discarded so they cannot interleave
// with the plain voice path.
func (c *Controller) pumpAudio(ctx context.Context, out pipeline.Emit) {
	for {
		select {
		case <-ctx.Done():
			return
		case fr, ok := <-c.svc.AudioOut():
			if !ok {
				c.degrade(ctx, "media_stream_ended", fmt.Errorf("%w: audio stream ended", ErrServiceFailed))
				return
			}
			if c.State() == StateActive {
				out(pipeline.AudioFrame{Audio: fr})
			}
		}
	}
}

// pumpVideo forwards the avatar's rendered video frames downstream.
func (c *Controller) pumpVideo(ctx context.Context, out pipeline.Emit) {
	for {
		select {
		case <-ctx.Done():
			return
		case fr, ok := <-c.svc.VideoOut():
			if !ok {
				c.degrade(ctx, "media_stream_ended", fmt.Errorf("%w: video stream ended", ErrServiceFailed))
				return
			}
			if c.State() == StateActive {
				out(pipeline.ImageFrame{
					Data:      fr.Data,
					MimeType:  fr.MimeType,
					Width:     fr.Width,
					Height:    fr.Height,
					Timestamp: fr.Timestamp,
				})
			}
		}
	}
}

// Process implements pipeline.Stage. Control frames are forwarded by the
// pipeline itself and are not re-emitted here.
func (c *Controller) Process(ctx context.Context, f pipeline.Frame, out pipeline.Emit) error {
	if pipeline.IsControl(f) {
		return nil
	}
	if c.State() != StateActive {
		out(f)
		return nil
	}

	switch fr := f.(type) {
	case pipeline.AudioFrame:
		if err := c.svc.SendAudio(ctx, fr.Audio.Data); err != nil {
			c.degrade(ctx, "send_audio", fmt.Errorf("%w: send audio: %v", ErrServiceFailed, err))
			out(f)
		}
	case pipeline.TextFrame:
		if fr.Role != pipeline.RoleAssistant {
			out(f)
			return nil
		}
		if err := c.svc.SendText(ctx, fr.Text); err != nil {
			c.degrade(ctx, "send_text", fmt.Errorf("%w: send text: %v", ErrServiceFailed, err))
			out(f)
		}
	default:
		out(f)
	}
	return nil
}

// Interrupt implements pipeline.Interrupter. While Active the interrupt is
// forwarded so the service flushes queued avatar speech.
func (c *Controller) Interrupt() {
	if c.State() != StateActive {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()
	if err := c.svc.Interrupt(ctx); err != nil {
		c.degrade(ctx, "interrupt", fmt.Errorf("%w: interrupt: %v", ErrServiceFailed, err))
	}
}

// Close implements pipeline.Closer.
func (c *Controller) Close() error {
	c.mu.Lock()
	prev := c.state
	c.state = StateTerminal
	c.mu.Unlock()
	if prev == StateActive {
		return c.svc.Close()
	}
	return nil
}

// degrade moves the controller to Degraded exactly once. The service is torn
// down asynchronously; its outcome no longer matters to the session.
func (c *Controller) degrade(ctx context.Context, reason string, cause error) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateDegraded
	c.mu.Unlock()

	c.logger.Warn("avatar degraded to voice-only", "error", cause)
	c.metrics.AvatarDegrade(ctx, reason)

	go func() {
		if err := c.svc.Close(); err != nil {
			c.logger.Debug("avatar service close after degrade", "error", err)
		}
	}()
}

var (
	_ pipeline.Stage       = (*Controller)(nil)
	_ pipeline.Starter     = (*Controller)(nil)
	_ pipeline.Interrupter = (*Controller)(nil)
	_ pipeline.Closer      = (*Controller)(nil)
)
