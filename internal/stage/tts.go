package stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/phonesys/voicepipe/internal/pipeline"
	"github.com/phonesys/voicepipe/internal/resilience"
	"github.com/phonesys/voicepipe/pkg/audio"
	"github.com/phonesys/voicepipe/pkg/provider/tts"
	"github.com/phonesys/voicepipe/pkg/textbuf"
	"github.com/phonesys/voicepipe/pkg/types"
)

// cancelTimeout bounds the server-side synthesis abort on barge-in.
const cancelTimeout = time.Second

// Synthesizer buffers streamed assistant text into speakable segments and
// synthesizes them into AudioFrames.
//
// Text accumulates in a flush buffer and is released at sentence boundaries
// so synthesis starts before the model finishes its reply. EndOfTurnFrame
// flushes the remainder; an interrupt discards it. Markdown formatting is
// stripped before synthesis.
//
// The greeting, if configured, is spoken directly when the transport becomes
// ready, without a round trip through the model.
type Synthesizer struct {
	provider   tts.Provider
	connector  *resilience.Connector
	voice      types.VoiceProfile
	sampleRate int
	greeting   string
	buf        *textbuf.Buffer
	logger     *slog.Logger

	interrupted atomic.Bool
}

// SynthesizerConfig configures the synthesis stage.
type SynthesizerConfig struct {
	// Voice selects the TTS voice profile.
	Voice types.VoiceProfile

	// SampleRate is the PCM rate of the provider's output in Hz.
	SampleRate int

	// Greeting is spoken on transport ready. Empty disables it.
	Greeting string

	// Connector, if non-nil, is consulted before every synthesis so a dead
	// provider connection is re-established with backoff.
	Connector *resilience.Connector
}

// NewSynthesizer creates the synthesis stage.
func NewSynthesizer(provider tts.Provider, cfg SynthesizerConfig, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		provider:   provider,
		connector:  cfg.Connector,
		voice:      cfg.Voice,
		sampleRate: cfg.SampleRate,
		greeting:   cfg.Greeting,
		buf:        textbuf.New(textbuf.DefaultMaxBuffered),
		logger:     logger,
	}
}

// Name implements pipeline.Stage.
func (s *Synthesizer) Name() string { return "tts" }

// Process implements pipeline.Stage.
func (s *Synthesizer) Process(ctx context.Context, f pipeline.Frame, out pipeline.Emit) error {
	switch fr := f.(type) {
	case pipeline.TextFrame:
		if fr.Role != pipeline.RoleAssistant {
			return nil
		}
		if segment := s.buf.Push(fr.Text); segment != "" {
			return s.speak(ctx, segment, out)
		}
		return nil

	case pipeline.EndOfTurnFrame:
		if segment := s.buf.Flush(); segment != "" {
			return s.speak(ctx, segment, out)
		}
		return nil

	case pipeline.TransportReadyFrame:
		if s.greeting != "" {
			return s.speak(ctx, s.greeting, out)
		}
		return nil

	default:
		if !pipeline.IsControl(f) {
			out(f)
		}
		return nil
	}
}

// synthesisCanceler is implemented by providers that can abort the active
// synthesis server-side, so a barge-in does not wait for the cancelled
// utterance to finish rendering.
type synthesisCanceler interface {
	CancelSynthesis(ctx context.Context) error
}

// Interrupt implements pipeline.Interrupter. Buffered text belongs to the
// utterance being cancelled and is discarded; in-flight synthesis audio is
// drained instead of emitted. Providers that support it are told to stop
// rendering the cancelled utterance.
func (s *Synthesizer) Interrupt() {
	s.buf.Reset()
	s.interrupted.Store(true)
	if c, ok := s.provider.(synthesisCanceler); ok {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
			defer cancel()
			if err := c.CancelSynthesis(ctx); err != nil {
				s.logger.Debug("synthesis cancel failed", "error", err)
			}
		}()
	}
}

// Close implements pipeline.Closer. The stage owns its provider for the life
// of the session; persistent-connection providers are torn down with it.
func (s *Synthesizer) Close() error {
	if c, ok := s.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// speak synthesizes one text segment and emits the resulting audio.
func (s *Synthesizer) speak(ctx context.Context, text string, out pipeline.Emit) error {
	text = StripMarkdown(text)
	if text == "" {
		return nil
	}
	s.interrupted.Store(false)

	if s.connector != nil {
		if err := s.connector.Ensure(ctx); err != nil {
			return fmt.Errorf("tts connection: %w", err)
		}
	}

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	audioCh, err := s.provider.SynthesizeStream(ctx, textCh, s.voice)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	for pcm := range audioCh {
		if s.interrupted.Load() || ctx.Err() != nil {
			audio.Drain(audioCh)
			return nil
		}
		out(pipeline.AudioFrame{Audio: types.AudioFrame{
			Data:       pcm,
			SampleRate: s.sampleRate,
			Channels:   1,
		}})
	}
	return nil
}

var (
	_ pipeline.Stage       = (*Synthesizer)(nil)
	_ pipeline.Interrupter = (*Synthesizer)(nil)
	_ pipeline.Closer      = (*Synthesizer)(nil)
)
