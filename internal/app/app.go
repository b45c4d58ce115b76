// Package app assembles the pipeline for one call session and owns its
// lifecycle: transport connect, stage wiring, idle timeout, and the
// end-of-call summary report.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phonesys/voicepipe/internal/avatar"
	"github.com/phonesys/voicepipe/internal/config"
	"github.com/phonesys/voicepipe/internal/observe"
	"github.com/phonesys/voicepipe/internal/pipeline"
	"github.com/phonesys/voicepipe/internal/resilience"
	"github.com/phonesys/voicepipe/internal/session"
	"github.com/phonesys/voicepipe/internal/stage"
	"github.com/phonesys/voicepipe/internal/vision"
	"github.com/phonesys/voicepipe/pkg/audio"
	"github.com/phonesys/voicepipe/pkg/provider/llm"
	"github.com/phonesys/voicepipe/pkg/provider/stt"
	"github.com/phonesys/voicepipe/pkg/provider/tts"
	"github.com/phonesys/voicepipe/pkg/transport"
	"github.com/phonesys/voicepipe/pkg/types"
)

// Idle timeouts by session kind. Avatar meetings idle out slower because
// participants routinely mute for long stretches.
const (
	idleTimeoutAvatar = 30 * time.Minute
	idleTimeoutVoice  = 5 * time.Minute
)

// sttSampleRate is what the recognition stream receives; inbound transport
// audio is converted to it.
const sttSampleRate = 16000

// defaultTTSSampleRate is used when the config does not pin one.
const defaultTTSSampleRate = 24000

// Providers holds one value per provider slot. STT and LLM providers are
// stateless dialers and are shared; TTS and Avatar hold per-call connections
// and are given as factories so every session constructs its own. Avatar is
// nil on audio-only deployments.
type Providers struct {
	STT       stt.Provider
	LLM       llm.Provider
	TTS       tts.Factory
	Avatar    avatar.Factory
	Transport transport.Transport
}

// Summary describes a completed call for reporting.
type Summary struct {
	SessionID  string
	Result     string
	Duration   time.Duration
	Transcript []session.TranscriptEntry
}

// Reporter receives the end-of-call summary. Implementations deliver it
// wherever the deployment wants (CRM, queue, log).
type Reporter interface {
	Report(ctx context.Context, s Summary) error
}

// LogReporter writes summaries to the structured log. The development
// default.
type LogReporter struct {
	Logger *slog.Logger
}

// Report implements Reporter.
func (r LogReporter) Report(_ context.Context, s Summary) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("call summary",
		"session_id", s.SessionID,
		"result", s.Result,
		"duration", s.Duration,
		"turns", len(s.Transcript),
	)
	return nil
}

// TTSConnectable is implemented by TTS providers that hold a persistent
// connection; the app guards them with a resilient connector.
type TTSConnectable interface {
	Connect(ctx context.Context) error
	Connected() bool
}

// MemoryRecall fetches conversation history from previous calls with the
// same caller, for seeding into the session context.
type MemoryRecall func(ctx context.Context, callID string) ([]types.Message, error)

// App builds and runs call sessions from one configuration.
type App struct {
	cfg       *config.Config
	providers Providers
	reporter  Reporter
	gateway   stage.ToolGateway
	tools     []types.ToolDefinition
	recall    MemoryRecall
	logger    *slog.Logger
	metrics   *observe.Metrics
	tracks    *audio.Cache
}

// Option is a functional option for New.
type Option func(*App)

// WithReporter injects the call summary sink.
func WithReporter(r Reporter) Option {
	return func(a *App) {
		if r != nil {
			a.reporter = r
		}
	}
}

// WithToolGateway injects the tool executor offered to the model, with its
// tool definitions.
func WithToolGateway(g stage.ToolGateway, tools []types.ToolDefinition) Option {
	return func(a *App) {
		a.gateway = g
		a.tools = tools
	}
}

// WithMemory injects a recall hook. When set, RunSession seeds the session
// context with the returned history before the first turn.
func WithMemory(r MemoryRecall) Option {
	return func(a *App) {
		a.recall = r
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// New creates an App. cfg must already be validated; providers must carry
// STT, LLM, TTS, and Transport.
func New(cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	if providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: STT, LLM, and TTS providers are required")
	}
	if providers.Transport == nil {
		return nil, errors.New("app: transport is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		reporter:  LogReporter{},
		logger:    slog.Default(),
		metrics:   observe.DefaultMetrics(),
		tracks:    audio.NewCache(nil),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// RunSession joins the call, runs the pipeline until hangup, idle timeout,
// or error, and reports the summary. The returned error reflects the
// pipeline outcome; a reported summary is best-effort.
func (a *App) RunSession(ctx context.Context, callID string) error {
	start := time.Now()

	conn, err := a.providers.Transport.Connect(ctx, callID)
	if err != nil {
		return fmt.Errorf("app: connect transport: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	activity := make(chan struct{}, 1)
	touch := func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}
	go a.idleWatch(runCtx, cancel, activity)

	pl, sessCtx, err := a.buildPipeline(runCtx, conn, touch)
	if err != nil {
		conn.Close()
		return err
	}

	if a.recall != nil {
		history, err := a.recall(runCtx, callID)
		if err != nil {
			a.logger.Warn("memory recall failed, starting cold", "call_id", callID, "error", err)
		} else if len(history) > 0 {
			sessCtx.SeedMemory(history)
		}
	}

	a.metrics.ActiveSessions.Add(runCtx, 1)
	a.logger.Info("session starting", "session_id", pl.SessionID(), "call_id", callID)

	runErr := pl.Run(runCtx)

	a.metrics.ActiveSessions.Add(context.Background(), -1)

	summary := Summary{
		SessionID:  pl.SessionID(),
		Result:     resultOf(runErr, runCtx),
		Duration:   time.Since(start),
		Transcript: sessCtx.Transcript(),
	}
	reportCtx, reportCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer reportCancel()
	if err := a.reporter.Report(reportCtx, summary); err != nil {
		a.logger.Warn("summary report failed", "session_id", summary.SessionID, "error", err)
	}
	return runErr
}

// buildPipeline wires the stage chain for one session:
//
//	capture → vision → stt → llm → tts → [avatar] → mixer → output
func (a *App) buildPipeline(ctx context.Context, conn transport.Connection, touch func()) (*pipeline.Pipeline, *session.Context, error) {
	cfg := a.cfg
	sessCtx := session.NewContext(cfg.Session.SystemPrompt)

	store := &vision.Store{}
	frameInterval := cfg.Vision.FrameInterval.Std()
	if frameInterval <= 0 {
		frameInterval = vision.DefaultInterval
	}
	attachMode := vision.AttachMode(cfg.Vision.AttachMode)
	if attachMode == "" {
		attachMode = vision.AttachAuto
	}

	ttsRate := cfg.Providers.TTS.SampleRate
	if ttsRate <= 0 {
		ttsRate = defaultTTSSampleRate
	}

	// Barge-in is late-bound: the transcriber needs the pipeline's broadcast
	// and the pipeline needs the stage list.
	var pl *pipeline.Pipeline
	onBargeIn := func() {
		if pl != nil {
			pl.Interrupt()
		}
	}

	ttsProv, err := a.providers.TTS()
	if err != nil {
		return nil, nil, fmt.Errorf("app: create tts provider: %w", err)
	}

	stages := []pipeline.Stage{
		stage.NewCapture(conn, a.logger, touch),
		vision.NewBridge(store, frameInterval, a.logger),
		stage.NewTranscriber(a.providers.STT, stt.StreamConfig{
			SampleRate: sttSampleRate,
			Channels:   1,
			Language:   cfg.Session.Language,
		}, a.logger, onBargeIn),
		stage.NewAgent(a.providers.LLM, sessCtx, store, vision.ModeDecider{Mode: attachMode}, a.gateway, stage.AgentConfig{
			Temperature:    cfg.Providers.LLM.Temperature,
			MaxTokens:      cfg.Providers.LLM.MaxTokens,
			Tools:          a.tools,
			SnapshotMaxAge: cfg.Vision.SnapshotMaxAge.Std(),
		}, a.logger),
	}

	// Queues from the synthesizer onward carry agent speech; a barge-in
	// flushes only those so queued caller audio survives the interruption.
	speechStart := len(stages)

	stages = append(stages, stage.NewSynthesizer(ttsProv, stage.SynthesizerConfig{
		Voice: types.VoiceProfile{
			ID:          cfg.Providers.TTS.VoiceID,
			Provider:    cfg.Providers.TTS.Name,
			SpeedFactor: cfg.Providers.TTS.SpeedFactor,
		},
		SampleRate: ttsRate,
		Greeting:   cfg.Session.Greeting,
		Connector:  a.ttsConnector(ttsProv),
	}, a.logger))

	if a.providers.Avatar != nil {
		svc, err := a.providers.Avatar()
		if err != nil {
			return nil, nil, fmt.Errorf("app: create avatar session: %w", err)
		}
		stages = append(stages, avatar.NewController(svc,
			avatar.WithLogger(a.logger), avatar.WithMetrics(a.metrics)))
	}

	stages = append(stages,
		stage.NewBackgroundMixer(a.backgroundMixer(ctx, ttsRate)),
		stage.NewOutput(conn, a.logger),
	)

	built, err := pipeline.New(stages,
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithInterruptFlushFrom(speechStart),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("app: build pipeline: %w", err)
	}
	pl = built
	return built, sessCtx, nil
}

// ttsConnector guards persistent-connection TTS providers with retry and
// backoff. Request-scoped providers need no guard.
func (a *App) ttsConnector(p tts.Provider) *resilience.Connector {
	c, ok := p.(TTSConnectable)
	if !ok {
		return nil
	}
	return resilience.NewConnector(resilience.ConnectorConfig{
		Service: "tts",
		Dial:    c.Connect,
		Alive:   c.Connected,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
}

// backgroundMixer loads the configured background track. A bad or
// unavailable track disables mixing for the session rather than failing it.
func (a *App) backgroundMixer(ctx context.Context, sampleRate int) *audio.Mixer {
	source := a.cfg.Audio.BackgroundTrack
	gain := a.cfg.Audio.BackgroundGain
	if source == "" || gain <= 0 {
		return nil
	}
	track, err := a.tracks.Track(ctx, source, sampleRate)
	if err != nil {
		var ferr *audio.FormatError
		if errors.As(err, &ferr) {
			a.logger.Warn("background track unusable, continuing without it", "source", source, "error", err)
		} else {
			a.logger.Warn("background track unavailable, continuing without it", "source", source, "error", err)
		}
		return nil
	}
	return audio.NewMixer(track, gain, a.logger)
}

// idleWatch cancels the session when no caller audio arrives for the idle
// window.
func (a *App) idleWatch(ctx context.Context, cancel context.CancelFunc, activity <-chan struct{}) {
	d := a.cfg.Session.IdleTimeout.Std()
	if d <= 0 {
		if a.providers.Avatar != nil {
			d = idleTimeoutAvatar
		} else {
			d = idleTimeoutVoice
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-activity:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(d)
		case <-timer.C:
			a.logger.Info("session idle timeout", "after", d)
			cancel()
			return
		}
	}
}

// resultOf classifies how the session ended.
func resultOf(runErr error, ctx context.Context) string {
	switch {
	case runErr != nil:
		return "error"
	case ctx.Err() != nil:
		return "cancelled"
	default:
		return "completed"
	}
}
