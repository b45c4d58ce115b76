package stage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phonesys/voicepipe/internal/pipeline"
	"github.com/phonesys/voicepipe/internal/resilience"
	"github.com/phonesys/voicepipe/internal/session"
	"github.com/phonesys/voicepipe/internal/vision"
	"github.com/phonesys/voicepipe/pkg/provider/llm"
	"github.com/phonesys/voicepipe/pkg/provider/stt"
	"github.com/phonesys/voicepipe/pkg/types"
)

// ---- mocks ----

type mockSTTHandle struct {
	mu       sync.Mutex
	audio    [][]byte
	partials chan types.Transcript
	finals   chan types.Transcript
	closed   bool
}

func newMockSTTHandle() *mockSTTHandle {
	return &mockSTTHandle{
		partials: make(chan types.Transcript, 8),
		finals:   make(chan types.Transcript, 8),
	}
}

func (h *mockSTTHandle) SendAudio(chunk []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audio = append(h.audio, chunk)
	return nil
}
func (h *mockSTTHandle) Partials() <-chan types.Transcript { return h.partials }
func (h *mockSTTHandle) Finals() <-chan types.Transcript   { return h.finals }
func (h *mockSTTHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.partials)
		close(h.finals)
	}
	return nil
}

// mockSTTProvider hands out streams in order; once exhausted, StartStream
// fails.
type mockSTTProvider struct {
	mu      sync.Mutex
	handles []*mockSTTHandle
	dials   int
}

func (p *mockSTTProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	if len(p.handles) == 0 {
		return nil, errors.New("stream unavailable")
	}
	h := p.handles[0]
	p.handles = p.handles[1:]
	return h, nil
}

func (p *mockSTTProvider) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

type mockLLM struct {
	chunks    []llm.Chunk
	completes []*llm.CompletionResponse

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

func (m *mockLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	ch := make(chan llm.Chunk, len(m.chunks))
	for _, c := range m.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (m *mockLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if len(m.completes) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	resp := m.completes[0]
	m.completes = m.completes[1:]
	return resp, nil
}

type mockTTS struct {
	mu      sync.Mutex
	spoken  []string
	cancels int
}

func (m *mockTTS) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		for s := range text {
			m.mu.Lock()
			m.spoken = append(m.spoken, s)
			m.mu.Unlock()
			out <- []byte(s)
		}
	}()
	return out, nil
}

func (m *mockTTS) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return nil, nil
}

func (m *mockTTS) CancelSynthesis(ctx context.Context) error {
	m.mu.Lock()
	m.cancels++
	m.mu.Unlock()
	return nil
}

func (m *mockTTS) spokenSegments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}

func (m *mockTTS) cancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels
}

type mockGateway struct {
	results map[string]string
	calls   []types.ToolCall
}

func (g *mockGateway) Execute(ctx context.Context, call types.ToolCall) (string, error) {
	g.calls = append(g.calls, call)
	return g.results[call.Name], nil
}

func collect(frames *[]pipeline.Frame) pipeline.Emit {
	return func(f pipeline.Frame) {
		*frames = append(*frames, f)
	}
}

// ---- StripMarkdown ----

func TestStripMarkdown(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"**bold** and *italic*", "bold and italic"},
		{"`code` span", "code span"},
		{"## Heading\nbody", "Heading\nbody"},
		{"with_underscores_here", "withunderscoreshere"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := StripMarkdown(tt.in); got != tt.want {
			t.Errorf("StripMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ---- Transcriber ----

// fastConnector rewires tr to retry with negligible backoff.
func fastConnector(tr *Transcriber, attempts int) {
	tr.connector = resilience.NewConnector(resilience.ConnectorConfig{
		Service:      "stt",
		Dial:         tr.redial,
		Alive:        tr.alive.Load,
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	})
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func TestTranscriberEmitsFinals(t *testing.T) {
	handle := newMockSTTHandle()
	provider := &mockSTTProvider{handles: []*mockSTTHandle{handle}}
	tr := NewTranscriber(provider, stt.StreamConfig{SampleRate: 16000, Channels: 1}, nil, nil)

	var mu sync.Mutex
	var frames []pipeline.Frame
	emit := func(f pipeline.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Start(ctx, emit) }()

	handle.finals <- types.Transcript{Text: "hello there", IsFinal: true}
	handle.finals <- types.Transcript{Text: "   ", IsFinal: true}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, "final transcript never emitted")
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	tf := frames[0].(pipeline.TextFrame)
	if tf.Text != "hello there" || tf.Role != pipeline.RoleUser || !tf.Final {
		t.Errorf("frame = %+v", tf)
	}
}

func TestTranscriberBargeInOncePerUtterance(t *testing.T) {
	handle := newMockSTTHandle()
	provider := &mockSTTProvider{handles: []*mockSTTHandle{handle}}

	var mu sync.Mutex
	bargeIns := 0
	tr := NewTranscriber(provider, stt.StreamConfig{SampleRate: 16000, Channels: 1}, nil, func() {
		mu.Lock()
		bargeIns++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Start(ctx, func(pipeline.Frame) {}) }()

	handle.partials <- types.Transcript{Text: "hel"}
	handle.partials <- types.Transcript{Text: "hello"}
	handle.finals <- types.Transcript{Text: "hello", IsFinal: true}
	// Second utterance signals again.
	handle.partials <- types.Transcript{Text: "and"}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bargeIns == 2
	}, "second utterance never signalled barge-in")
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestTranscriberReconnectsAfterStreamDeath(t *testing.T) {
	first := newMockSTTHandle()
	second := newMockSTTHandle()
	provider := &mockSTTProvider{handles: []*mockSTTHandle{first, second}}
	tr := NewTranscriber(provider, stt.StreamConfig{SampleRate: 16000, Channels: 1}, nil, nil)
	fastConnector(tr, 3)

	var mu sync.Mutex
	var frames []pipeline.Frame
	emit := func(f pipeline.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Start(ctx, emit) }()

	first.finals <- types.Transcript{Text: "before the drop", IsFinal: true}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, "first stream transcript never emitted")

	// Provider kills the stream mid-call; the stage must re-dial and keep
	// transcribing instead of going deaf.
	first.Close()
	second.finals <- types.Transcript{Text: "after the drop", IsFinal: true}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 2
	}, "no transcript after stream death; stage never reconnected")
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := provider.dialCount(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if tf := frames[1].(pipeline.TextFrame); tf.Text != "after the drop" {
		t.Errorf("second frame = %+v", tf)
	}
}

func TestTranscriberEndsSessionWhenReconnectExhausted(t *testing.T) {
	only := newMockSTTHandle()
	provider := &mockSTTProvider{handles: []*mockSTTHandle{only}}
	tr := NewTranscriber(provider, stt.StreamConfig{SampleRate: 16000, Channels: 1}, nil, nil)
	fastConnector(tr, 2)

	var mu sync.Mutex
	var frames []pipeline.Frame
	emit := func(f pipeline.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}

	done := make(chan error, 1)
	go func() { done <- tr.Start(context.Background(), emit) }()

	only.Close()

	err := <-done
	if err == nil {
		t.Fatal("Start returned nil after the reconnect budget was exhausted")
	}
	var cerr *resilience.ConnectionError
	if !errors.As(err, &cerr) {
		t.Errorf("err = %v, want *resilience.ConnectionError", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var ended bool
	for _, f := range frames {
		if _, ok := f.(pipeline.EndFrame); ok {
			ended = true
		}
	}
	if !ended {
		t.Error("no EndFrame emitted; session would keep running deaf")
	}
}

func TestTranscriberConvertsAudio(t *testing.T) {
	handle := newMockSTTHandle()
	provider := &mockSTTProvider{handles: []*mockSTTHandle{handle}}
	tr := NewTranscriber(provider, stt.StreamConfig{SampleRate: 16000, Channels: 1}, nil, nil)
	tr.handle = handle
	tr.alive.Store(true)

	// 8 stereo samples at 48kHz must shrink on the way to 16kHz mono.
	in := make([]byte, 8*2*2)
	frame := pipeline.AudioFrame{Audio: types.AudioFrame{Data: in, SampleRate: 48000, Channels: 2}}
	if err := tr.Process(context.Background(), frame, func(pipeline.Frame) {}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(handle.audio) != 1 {
		t.Fatalf("handle received %d chunks, want 1", len(handle.audio))
	}
	// 8 samples at 48k -> 2 samples (4 bytes) at 16k.
	if got := len(handle.audio[0]); got != 4 {
		t.Errorf("converted chunk = %d bytes, want 4", got)
	}
}

// ---- Agent ----

func TestAgentStreamsResponse(t *testing.T) {
	provider := &mockLLM{chunks: []llm.Chunk{
		{Text: "Hi "},
		{Text: "there!", FinishReason: "stop"},
	}}
	sess := session.NewContext("be brief")
	agent := NewAgent(provider, sess, nil, nil, nil, AgentConfig{}, nil)

	var frames []pipeline.Frame
	err := agent.Process(context.Background(), pipeline.TextFrame{Text: "hello", Role: pipeline.RoleUser, Final: true}, collect(&frames))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(frames) != 3 {
		t.Fatalf("emitted %d frames, want 3 (2 text + end of turn)", len(frames))
	}
	if tf := frames[0].(pipeline.TextFrame); tf.Text != "Hi " || tf.Role != pipeline.RoleAssistant {
		t.Errorf("frame 0 = %+v", tf)
	}
	if _, ok := frames[2].(pipeline.EndOfTurnFrame); !ok {
		t.Errorf("last frame = %#v, want EndOfTurnFrame", frames[2])
	}

	msgs := sess.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" || last.Content != "Hi there!" {
		t.Errorf("context last message = %+v", last)
	}
}

func TestAgentIgnoresInterimTranscripts(t *testing.T) {
	provider := &mockLLM{}
	agent := NewAgent(provider, session.NewContext(""), nil, nil, nil, AgentConfig{}, nil)

	var frames []pipeline.Frame
	agent.Process(context.Background(), pipeline.TextFrame{Text: "hel", Role: pipeline.RoleUser, Final: false}, collect(&frames))
	agent.Process(context.Background(), pipeline.TextFrame{Text: "reply", Role: pipeline.RoleAssistant}, collect(&frames))

	if len(frames) != 0 {
		t.Errorf("emitted %d frames, want 0", len(frames))
	}
	if len(provider.requests) != 0 {
		t.Errorf("provider called %d times, want 0", len(provider.requests))
	}
}

func TestAgentAttachesFreshSnapshot(t *testing.T) {
	provider := &mockLLM{chunks: []llm.Chunk{{Text: "a cat", FinishReason: "stop"}}}
	store := &vision.Store{}
	store.Put(&vision.Snapshot{JPEG: []byte{0xFF, 0xD8}, CapturedAt: time.Now()})
	sess := session.NewContext("")
	agent := NewAgent(provider, sess, store, vision.ModeDecider{Mode: vision.AttachAlways}, nil, AgentConfig{}, nil)

	var frames []pipeline.Frame
	agent.Process(context.Background(), pipeline.TextFrame{Text: "what do you see", Role: pipeline.RoleUser, Final: true}, collect(&frames))

	req := provider.requests[0]
	var userMsg *types.Message
	for i := range req.Messages {
		if req.Messages[i].Role == "user" {
			userMsg = &req.Messages[i]
		}
	}
	if userMsg == nil || userMsg.ImageURL == "" {
		t.Fatal("user message missing attached snapshot")
	}
}

func TestAgentSkipsStaleSnapshot(t *testing.T) {
	provider := &mockLLM{chunks: []llm.Chunk{{Text: "ok", FinishReason: "stop"}}}
	store := &vision.Store{}
	store.Put(&vision.Snapshot{JPEG: []byte{0xFF}, CapturedAt: time.Now().Add(-time.Minute)})
	agent := NewAgent(provider, session.NewContext(""), store, vision.ModeDecider{Mode: vision.AttachAlways}, nil, AgentConfig{}, nil)

	var frames []pipeline.Frame
	agent.Process(context.Background(), pipeline.TextFrame{Text: "look at this", Role: pipeline.RoleUser, Final: true}, collect(&frames))

	for _, m := range provider.requests[0].Messages {
		if m.ImageURL != "" {
			t.Fatal("stale snapshot was attached")
		}
	}
}

func TestAgentRunsTools(t *testing.T) {
	provider := &mockLLM{
		chunks: []llm.Chunk{
			{FinishReason: "tool_calls", ToolCalls: []types.ToolCall{{ID: "c1", Name: "lookup", Arguments: `{"q":"x"}`}}},
		},
		completes: []*llm.CompletionResponse{{Content: "The answer is 4."}},
	}
	gateway := &mockGateway{results: map[string]string{"lookup": "4"}}
	sess := session.NewContext("")
	agent := NewAgent(provider, sess, nil, nil, gateway, AgentConfig{}, nil)

	var frames []pipeline.Frame
	agent.Process(context.Background(), pipeline.TextFrame{Text: "what is 2+2", Role: pipeline.RoleUser, Final: true}, collect(&frames))

	if len(gateway.calls) != 1 || gateway.calls[0].Name != "lookup" {
		t.Fatalf("gateway calls = %+v", gateway.calls)
	}
	var sawAnswer bool
	for _, f := range frames {
		if tf, ok := f.(pipeline.TextFrame); ok && tf.Text == "The answer is 4." {
			sawAnswer = true
		}
	}
	if !sawAnswer {
		t.Error("follow-up response was not emitted")
	}
}

// ---- Synthesizer ----

func TestSynthesizerSpeaksAtSentenceBoundary(t *testing.T) {
	provider := &mockTTS{}
	s := NewSynthesizer(provider, SynthesizerConfig{Voice: types.VoiceProfile{ID: "v1"}, SampleRate: 24000}, nil)

	var frames []pipeline.Frame
	emit := collect(&frames)
	ctx := context.Background()

	s.Process(ctx, pipeline.TextFrame{Text: "Hello world", Role: pipeline.RoleAssistant}, emit)
	if got := provider.spokenSegments(); len(got) != 0 {
		t.Fatalf("spoke %v before a sentence boundary", got)
	}

	s.Process(ctx, pipeline.TextFrame{Text: ". How are", Role: pipeline.RoleAssistant}, emit)
	if got := provider.spokenSegments(); len(got) != 1 || got[0] != "Hello world." {
		t.Fatalf("spoken = %v, want [Hello world.]", got)
	}

	s.Process(ctx, pipeline.EndOfTurnFrame{}, emit)
	if got := provider.spokenSegments(); len(got) != 2 || got[1] != " How are" {
		t.Fatalf("spoken after flush = %v", got)
	}

	if len(frames) != 2 {
		t.Errorf("emitted %d audio frames, want 2", len(frames))
	}
	for _, f := range frames {
		af := f.(pipeline.AudioFrame)
		if af.Audio.SampleRate != 24000 || af.Audio.Channels != 1 {
			t.Errorf("audio frame format = %d Hz %d ch", af.Audio.SampleRate, af.Audio.Channels)
		}
	}
}

func TestSynthesizerGreeting(t *testing.T) {
	provider := &mockTTS{}
	s := NewSynthesizer(provider, SynthesizerConfig{Voice: types.VoiceProfile{ID: "v1"}, Greeting: "Hi! How can I help?"}, nil)

	var frames []pipeline.Frame
	s.Process(context.Background(), pipeline.TransportReadyFrame{}, collect(&frames))

	if got := provider.spokenSegments(); len(got) != 1 || got[0] != "Hi! How can I help?" {
		t.Fatalf("spoken = %v", got)
	}
}

func TestSynthesizerInterruptDiscardsBuffer(t *testing.T) {
	provider := &mockTTS{}
	s := NewSynthesizer(provider, SynthesizerConfig{Voice: types.VoiceProfile{ID: "v1"}}, nil)

	var frames []pipeline.Frame
	emit := collect(&frames)
	s.Process(context.Background(), pipeline.TextFrame{Text: "partial sentence without end", Role: pipeline.RoleAssistant}, emit)
	s.Interrupt()
	s.Process(context.Background(), pipeline.EndOfTurnFrame{}, emit)

	if got := provider.spokenSegments(); len(got) != 0 {
		t.Errorf("spoke %v after interrupt", got)
	}
}

func TestSynthesizerInterruptCancelsProvider(t *testing.T) {
	provider := &mockTTS{}
	s := NewSynthesizer(provider, SynthesizerConfig{Voice: types.VoiceProfile{ID: "v1"}}, nil)

	s.Interrupt()

	// The cancel runs on its own goroutine so Interrupt never blocks dispatch.
	waitFor(t, func() bool { return provider.cancelCount() == 1 }, "provider was not told to cancel synthesis")
}

func TestSynthesizerIgnoresUserText(t *testing.T) {
	provider := &mockTTS{}
	s := NewSynthesizer(provider, SynthesizerConfig{Voice: types.VoiceProfile{ID: "v1"}}, nil)

	var frames []pipeline.Frame
	s.Process(context.Background(), pipeline.TextFrame{Text: "user said this.", Role: pipeline.RoleUser, Final: true}, collect(&frames))
	s.Process(context.Background(), pipeline.EndOfTurnFrame{}, collect(&frames))

	if got := provider.spokenSegments(); len(got) != 0 {
		t.Errorf("spoke user text: %v", got)
	}
}

// ---- BackgroundMixer ----

func TestBackgroundMixerNilPassThrough(t *testing.T) {
	m := NewBackgroundMixer(nil)
	var frames []pipeline.Frame
	in := pipeline.AudioFrame{Audio: types.AudioFrame{Data: []byte{1, 2, 3, 4}, SampleRate: 24000, Channels: 1}}
	if err := m.Process(context.Background(), in, collect(&frames)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("emitted %d frames, want 1", len(frames))
	}
	out := frames[0].(pipeline.AudioFrame)
	if string(out.Audio.Data) != string(in.Audio.Data) {
		t.Error("audio modified by nil mixer")
	}
}
