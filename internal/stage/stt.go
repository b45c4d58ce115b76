package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/phonesys/voicepipe/internal/observe"
	"github.com/phonesys/voicepipe/internal/pipeline"
	"github.com/phonesys/voicepipe/internal/resilience"
	"github.com/phonesys/voicepipe/pkg/audio"
	"github.com/phonesys/voicepipe/pkg/provider/stt"
)

// Transcriber feeds caller audio into an STT streaming session and emits the
// resulting final transcripts as user TextFrames.
//
// Partial transcripts never enter the conversation; they only signal barge-in.
// The first non-empty partial of each utterance fires onBargeIn once, which
// the session wires to the pipeline's interrupt broadcast so queued assistant
// speech is dropped the moment the user starts talking.
//
// The recognition stream is guarded by a resilient connector: when the
// provider's result channels close mid-call the stream is re-dialed with
// backoff. A session is never left listening on a dead stream; if the budget
// is exhausted the stage emits EndFrame so the call ends instead of running
// deaf.
type Transcriber struct {
	provider  stt.Provider
	cfg       stt.StreamConfig
	logger    *slog.Logger
	onBargeIn func()
	connector *resilience.Connector

	alive atomic.Bool

	mu     sync.Mutex
	handle stt.SessionHandle
}

// NewTranscriber creates the recognition stage. cfg.SampleRate and
// cfg.Channels describe what the provider session will receive; inbound
// frames in other formats are converted.
func NewTranscriber(provider stt.Provider, cfg stt.StreamConfig, logger *slog.Logger, onBargeIn func()) *Transcriber {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transcriber{provider: provider, cfg: cfg, logger: logger, onBargeIn: onBargeIn}
	t.connector = resilience.NewConnector(resilience.ConnectorConfig{
		Service: "stt",
		Dial:    t.redial,
		Alive:   t.alive.Load,
		Logger:  logger,
		Metrics: observe.DefaultMetrics(),
	})
	return t
}

// redial opens a fresh streaming session, replacing any dead handle.
func (t *Transcriber) redial(ctx context.Context) error {
	handle, err := t.provider.StartStream(ctx, t.cfg)
	if err != nil {
		return fmt.Errorf("start stt stream: %w", err)
	}
	t.mu.Lock()
	old := t.handle
	t.handle = handle
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
	t.alive.Store(true)
	return nil
}

// Name implements pipeline.Stage.
func (t *Transcriber) Name() string { return "stt" }

// Process implements pipeline.Stage. Audio frames are consumed here; the
// transcripts they produce surface through Start. Frames arriving while the
// stream is being re-dialed are dropped.
func (t *Transcriber) Process(_ context.Context, f pipeline.Frame, out pipeline.Emit) error {
	af, ok := f.(pipeline.AudioFrame)
	if !ok {
		if !pipeline.IsControl(f) {
			out(f)
		}
		return nil
	}

	t.mu.Lock()
	handle := t.handle
	t.mu.Unlock()
	if handle == nil || !t.alive.Load() {
		return nil
	}

	pcm := af.Audio.Data
	if af.Audio.SampleRate != t.cfg.SampleRate || af.Audio.Channels != t.cfg.Channels {
		var err error
		pcm, err = audio.ToPCM16Mono(pcm, 16, af.Audio.Channels, af.Audio.SampleRate, t.cfg.SampleRate)
		if err != nil {
			return fmt.Errorf("convert inbound audio: %w", err)
		}
	}
	return handle.SendAudio(pcm)
}

// Start implements pipeline.Starter. It opens the streaming session and pumps
// transcripts; when the provider ends the stream mid-call it reconnects and
// resumes. Exhausting the reconnect budget ends the session.
func (t *Transcriber) Start(ctx context.Context, out pipeline.Emit) error {
	for {
		if err := t.connector.Ensure(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Error("recognition unavailable, ending session", "error", err)
			out(pipeline.EndFrame{})
			return fmt.Errorf("stt stream: %w", err)
		}

		t.pump(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		t.alive.Store(false)
		t.logger.Warn("recognition stream ended mid-call, reconnecting")
	}
}

// pump drains one stream's result channels until both close or ctx is done.
func (t *Transcriber) pump(ctx context.Context, out pipeline.Emit) {
	t.mu.Lock()
	handle := t.handle
	t.mu.Unlock()
	if handle == nil {
		return
	}

	partials := handle.Partials()
	finals := handle.Finals()
	bargeSignaled := false

	for partials != nil || finals != nil {
		select {
		case <-ctx.Done():
			return

		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if strings.TrimSpace(tr.Text) == "" {
				continue
			}
			if !bargeSignaled && t.onBargeIn != nil {
				bargeSignaled = true
				t.onBargeIn()
			}

		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			bargeSignaled = false
			text := strings.TrimSpace(tr.Text)
			if text == "" {
				continue
			}
			t.logger.Debug("final transcript", "text", text, "confidence", tr.Confidence)
			out(pipeline.TextFrame{Text: text, Role: pipeline.RoleUser, Final: true})
		}
	}
}

// Close implements pipeline.Closer.
func (t *Transcriber) Close() error {
	t.alive.Store(false)
	t.mu.Lock()
	handle := t.handle
	t.handle = nil
	t.mu.Unlock()
	if handle == nil {
		return nil
	}
	return handle.Close()
}

var (
	_ pipeline.Stage   = (*Transcriber)(nil)
	_ pipeline.Starter = (*Transcriber)(nil)
	_ pipeline.Closer  = (*Transcriber)(nil)
)
