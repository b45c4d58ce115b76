// Package cartesia provides a Cartesia-backed TTS provider using the Cartesia
// streaming WebSocket API. It implements the tts.Provider interface.
//
// Unlike request-scoped HTTP synthesis, the WebSocket connection is held open
// across utterances. Connect and Connected are exposed so callers can guard
// every synthesis with a resilience.Connector. A Provider serves one session
// at a time: the reader discards chunks from other generation contexts, so
// construct one Provider per call rather than sharing a connection.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/phonesys/voicepipe/pkg/provider/tts"
	"github.com/phonesys/voicepipe/pkg/types"
)

const (
	wsEndpoint        = "wss://api.cartesia.ai/tts/websocket"
	voicesEndpoint    = "https://api.cartesia.ai/voices"
	apiVersion        = "2025-04-16"
	defaultModel      = "sonic-2"
	defaultSampleRate = 24000
)

// Option is a functional option for configuring the Cartesia Provider.
type Option func(*Provider)

// WithModel sets the Cartesia model ID (e.g., "sonic-2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithSampleRate sets the PCM output sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the WebSocket endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Provider backed by the Cartesia streaming API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	sampleRate int
	httpClient *http.Client

	mu            sync.Mutex
	conn          *websocket.Conn
	activeContext string
	connected     atomic.Bool
}

// New creates a new Cartesia Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("cartesia: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   wsEndpoint,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SampleRate reports the PCM sample rate of synthesized audio.
func (p *Provider) SampleRate() int { return p.sampleRate }

// Connect dials the streaming WebSocket, replacing any dead connection.
// Safe to call repeatedly; a live connection is left untouched.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected.Load() {
		return nil
	}

	wsURL, err := p.buildWSURL()
	if err != nil {
		return fmt.Errorf("cartesia: build URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("cartesia: dial: %w", err)
	}

	if p.conn != nil {
		p.conn.Close(websocket.StatusNormalClosure, "replaced")
	}
	p.conn = conn
	p.connected.Store(true)
	return nil
}

// Connected reports whether the streaming connection is believed usable.
// Lock-free; used as the fast-path probe by resilience.Connector.
func (p *Provider) Connected() bool {
	return p.connected.Load()
}

// Close tears down the streaming connection.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected.Store(false)
	if p.conn != nil {
		err := p.conn.Close(websocket.StatusNormalClosure, "provider closed")
		p.conn = nil
		return err
	}
	return nil
}

// markDead flags the connection unusable so the next Ensure re-dials.
func (p *Provider) markDead() {
	p.connected.Store(false)
}

func (p *Provider) buildWSURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api_key", p.apiKey)
	q.Set("cartesia_version", apiVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- WebSocket message types ----

// ttsRequest is the JSON payload sent to Cartesia for each text fragment.
// Continue=true keeps the generation context open for the next fragment; the
// closing fragment carries an empty transcript with Continue=false.
type ttsRequest struct {
	ContextID    string       `json:"context_id"`
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceRef     `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
	Continue     bool         `json:"continue"`
}

type voiceRef struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// ttsResponse is a message received from Cartesia over the WebSocket.
type ttsResponse struct {
	Type      string `json:"type"` // "chunk", "done", "error", "timestamps"
	ContextID string `json:"context_id"`
	Data      string `json:"data"` // base64-encoded PCM for "chunk"
	Error     string `json:"error,omitempty"`
}

// SynthesizeStream pipes text fragments into the open Cartesia connection
// under a fresh context ID and returns a channel emitting raw PCM chunks.
//
// The connection must already be established via Connect; callers are
// expected to wrap this with resilience.Connector.Ensure. The returned audio
// channel is closed when the utterance is done, on a mid-stream error (the
// connection is then flagged dead), or when ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("cartesia: voice.ID must not be empty")
	}
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || !p.connected.Load() {
		return nil, errors.New("cartesia: not connected")
	}

	contextID := uuid.NewString()
	p.mu.Lock()
	p.activeContext = contextID
	p.mu.Unlock()

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer p.clearContext(contextID)

		// Reader drains the connection until this context's done marker.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					p.markDead()
					return
				}
				var resp ttsResponse
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				if resp.ContextID != contextID {
					continue
				}
				switch resp.Type {
				case "chunk":
					pcm, err := base64.StdEncoding.DecodeString(resp.Data)
					if err != nil {
						continue
					}
					select {
					case audioCh <- pcm:
					case <-ctx.Done():
						return
					}
				case "done":
					return
				case "error":
					p.markDead()
					return
				}
			}
		}()

		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					// Text channel closed: close out the generation context.
					if err := p.writeRequest(ctx, conn, contextID, "", voice, false); err != nil {
						p.markDead()
						return
					}
					select {
					case <-readDone:
					case <-ctx.Done():
					}
					return
				}
				if fragment == "" {
					continue
				}
				if err := p.writeRequest(ctx, conn, contextID, fragment, voice, true); err != nil {
					p.markDead()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// cancelRequest asks the server to abandon an open generation context.
type cancelRequest struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

// CancelSynthesis tells the server to stop rendering the active generation
// context. No-op when nothing is being synthesized. The reader sees the
// context's done marker shortly after, so callers waiting on the audio
// channel unblock within one read cycle.
func (p *Provider) CancelSynthesis(ctx context.Context) error {
	p.mu.Lock()
	conn, contextID := p.conn, p.activeContext
	p.mu.Unlock()
	if conn == nil || contextID == "" {
		return nil
	}
	payload, err := json.Marshal(cancelRequest{ContextID: contextID, Cancel: true})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// clearContext forgets contextID if it is still the active one.
func (p *Provider) clearContext(contextID string) {
	p.mu.Lock()
	if p.activeContext == contextID {
		p.activeContext = ""
	}
	p.mu.Unlock()
}

// writeRequest marshals and sends one synthesis request.
func (p *Provider) writeRequest(ctx context.Context, conn *websocket.Conn, contextID, transcript string, voice types.VoiceProfile, cont bool) error {
	req := buildTTSRequest(p.model, contextID, transcript, voice.ID, p.sampleRate, cont)
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// buildTTSRequest constructs the synthesis payload. Split out so tests can
// verify the shape without a live connection.
func buildTTSRequest(model, contextID, transcript, voiceID string, sampleRate int, cont bool) ttsRequest {
	return ttsRequest{
		ContextID:  contextID,
		ModelID:    model,
		Transcript: transcript,
		Voice:      voiceRef{Mode: "id", ID: voiceID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		},
		Continue: cont,
	}
}

// ---- ListVoices ----

// cartesiaVoice is a single voice entry from GET /voices.
type cartesiaVoice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

// ListVoices returns all voices available from Cartesia for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("cartesia: list voices: %w", err)
	}
	req.Header.Set("X-API-Key", p.apiKey)
	req.Header.Set("Cartesia-Version", apiVersion)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cartesia: list voices: unexpected status %d", resp.StatusCode)
	}

	var voices []cartesiaVoice
	if err := json.NewDecoder(resp.Body).Decode(&voices); err != nil {
		return nil, fmt.Errorf("cartesia: list voices decode: %w", err)
	}
	return toProfiles(voices), nil
}

func toProfiles(voices []cartesiaVoice) []types.VoiceProfile {
	profiles := make([]types.VoiceProfile, 0, len(voices))
	for _, v := range voices {
		meta := map[string]string{}
		if v.Language != "" {
			meta["language"] = v.Language
		}
		if v.Description != "" {
			meta["description"] = v.Description
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.ID,
			Name:     v.Name,
			Provider: "cartesia",
			Metadata: meta,
		})
	}
	return profiles
}

var _ tts.Provider = (*Provider)(nil)
