package stage

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/phonesys/voicepipe/internal/pipeline"
	"github.com/phonesys/voicepipe/internal/session"
	"github.com/phonesys/voicepipe/internal/vision"
	"github.com/phonesys/voicepipe/pkg/provider/llm"
	"github.com/phonesys/voicepipe/pkg/types"
)

// ToolGateway executes a tool call requested by the model and returns the
// result text that is fed back into the conversation. Implementations are
// deployment-specific; the core only depends on this interface.
type ToolGateway interface {
	Execute(ctx context.Context, call types.ToolCall) (string, error)
}

// AgentConfig carries generation settings for the Agent stage.
type AgentConfig struct {
	Temperature    float64
	MaxTokens      int
	Tools          []types.ToolDefinition
	SnapshotMaxAge time.Duration
}

// Agent turns final user transcripts into streamed assistant responses.
//
// On each final user TextFrame it consults the vision attach policy, appends
// the turn to the conversation context, streams a completion, and emits the
// text as assistant TextFrames followed by EndOfTurnFrame. Tool calls run
// through the gateway and feed a follow-up completion.
//
// A barge-in cancels the in-flight generation via Interrupt.
type Agent struct {
	provider llm.Provider
	sess     *session.Context
	store    *vision.Store
	decider  vision.Decider
	gateway  ToolGateway
	cfg      AgentConfig
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewAgent creates the generation stage. store and decider may be nil on
// audio-only sessions; gateway may be nil when no tools are configured.
func NewAgent(provider llm.Provider, sess *session.Context, store *vision.Store, decider vision.Decider, gateway ToolGateway, cfg AgentConfig, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SnapshotMaxAge <= 0 {
		cfg.SnapshotMaxAge = vision.DefaultMaxAge
	}
	return &Agent{
		provider: provider,
		sess:     sess,
		store:    store,
		decider:  decider,
		gateway:  gateway,
		cfg:      cfg,
		logger:   logger,
	}
}

// Name implements pipeline.Stage.
func (a *Agent) Name() string { return "llm" }

// Process implements pipeline.Stage.
func (a *Agent) Process(ctx context.Context, f pipeline.Frame, out pipeline.Emit) error {
	tf, ok := f.(pipeline.TextFrame)
	if !ok {
		if !pipeline.IsControl(f) {
			out(f)
		}
		return nil
	}
	if tf.Role != pipeline.RoleUser || !tf.Final {
		return nil
	}
	return a.generate(ctx, tf.Text, out)
}

// Interrupt implements pipeline.Interrupter. It aborts the in-flight
// generation so a barge-in stops the response mid-sentence.
func (a *Agent) Interrupt() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Agent) generate(ctx context.Context, userText string, out pipeline.Emit) error {
	gctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
	}()

	a.sess.AddUserTurn(userText, a.snapshotFor(userText))

	req := llm.CompletionRequest{
		Messages:    a.sess.Messages(),
		Tools:       a.cfg.Tools,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	}
	stream, err := a.provider.StreamCompletion(gctx, req)
	if err != nil {
		return err
	}

	var full strings.Builder
	var toolCalls []types.ToolCall
	for chunk := range stream {
		if chunk.FinishReason == "error" {
			a.logger.Warn("completion stream failed mid-response", "error", chunk.Text)
			break
		}
		if chunk.Text != "" {
			full.WriteString(chunk.Text)
			out(pipeline.TextFrame{Text: chunk.Text, Role: pipeline.RoleAssistant})
		}
		toolCalls = append(toolCalls, chunk.ToolCalls...)
	}

	if full.Len() > 0 {
		a.sess.AddAssistantTurn(full.String())
	}

	if len(toolCalls) > 0 && gctx.Err() == nil {
		a.runTools(gctx, toolCalls, out)
	}

	out(pipeline.EndOfTurnFrame{})
	return nil
}

// runTools executes the requested tool calls and streams the follow-up
// response that incorporates their results.
func (a *Agent) runTools(ctx context.Context, calls []types.ToolCall, out pipeline.Emit) {
	if a.gateway == nil {
		a.logger.Warn("model requested tools but no gateway is configured", "count", len(calls))
		return
	}
	for _, call := range calls {
		result, err := a.gateway.Execute(ctx, call)
		if err != nil {
			a.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
			result = "error: " + err.Error()
		}
		a.sess.AddToolExchange(call, result)
	}

	resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    a.sess.Messages(),
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if err != nil {
		a.logger.Warn("follow-up completion failed", "error", err)
		return
	}
	if resp.Content != "" {
		a.sess.AddAssistantTurn(resp.Content)
		out(pipeline.TextFrame{Text: resp.Content, Role: pipeline.RoleAssistant})
	}
}

// snapshotFor returns the camera snapshot data URL to attach to the turn, or
// empty when policy or freshness says no.
func (a *Agent) snapshotFor(userText string) string {
	if a.store == nil || a.decider == nil {
		return ""
	}
	if !a.decider.ShouldAttach(userText) {
		return ""
	}
	snap := a.store.Fresh(time.Now(), a.cfg.SnapshotMaxAge)
	if snap == nil {
		return ""
	}
	return snap.DataURL()
}

var (
	_ pipeline.Stage       = (*Agent)(nil)
	_ pipeline.Interrupter = (*Agent)(nil)
)
