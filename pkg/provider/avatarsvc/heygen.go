// Package avatarsvc provides a HeyGen-backed interactive avatar session.
//
// A session is created over REST (streaming.new + streaming.start), then
// speech audio is pushed over the realtime websocket as base64-encoded PCM
// agent.speak messages. The avatar renders lip-synced audio and video and
// streams both back on the same websocket; the session surfaces them through
// AudioOut and VideoOut so the caller can forward the rendered media to the
// call leg. A Session serves exactly one call and is not restartable.
package avatarsvc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/phonesys/voicepipe/pkg/transport"
	"github.com/phonesys/voicepipe/pkg/types"
)

const (
	defaultAPIBase  = "https://api.heygen.com"
	defaultAvatarID = "Shawn_Therapist_public"
	sessionVersion  = "v2"
	stopTimeout     = 5 * time.Second

	// renderSampleRate is the PCM rate of rendered avatar speech when the
	// server omits one.
	renderSampleRate = 24000

	audioOutSize = 32
)

// Option is a functional option for configuring the Session.
type Option func(*Session)

// WithAvatarID selects the avatar character to render.
func WithAvatarID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.avatarID = id
		}
	}
}

// WithAPIBase overrides the REST API base URL. Used in tests.
func WithAPIBase(base string) Option {
	return func(s *Session) {
		s.apiBase = base
	}
}

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// Session is one interactive avatar rendering session. It satisfies the
// avatar fallback controller's Service interface.
type Session struct {
	apiKey     string
	apiBase    string
	avatarID   string
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string
	conn      *websocket.Conn
	eventID   string

	audioOut chan types.AudioFrame
	videoOut chan transport.VideoFrame

	done      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

// NewSession creates an unstarted avatar session.
func NewSession(apiKey string, opts ...Option) (*Session, error) {
	if apiKey == "" {
		return nil, errors.New("avatarsvc: apiKey must not be empty")
	}
	s := &Session{
		apiKey:     apiKey,
		apiBase:    defaultAPIBase,
		avatarID:   defaultAvatarID,
		httpClient: &http.Client{},
		audioOut:   make(chan types.AudioFrame, audioOutSize),
		videoOut:   make(chan transport.VideoFrame, 1),
		done:       make(chan struct{}),
		stop:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ---- REST payloads ----

type newSessionRequest struct {
	AvatarID string `json:"avatar_id"`
	Version  string `json:"version"`
}

type newSessionResponse struct {
	Data struct {
		SessionID   string `json:"session_id"`
		RealtimeURL string `json:"realtime_endpoint"`
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

type sessionIDRequest struct {
	SessionID string `json:"session_id"`
}

type taskRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	TaskType  string `json:"task_type"`
}

// ---- websocket payloads ----

// speakMessage pushes one base64 PCM chunk for the current utterance.
type speakMessage struct {
	Type    string `json:"type"`
	Audio   string `json:"audio"`
	EventID string `json:"event_id"`
}

// controlMessage carries audio-free realtime commands such as
// agent.speak_end and agent.interrupt.
type controlMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

// mediaMessage is a rendered media chunk pushed by the server. avatar.audio
// carries base64 PCM16, avatar.video_frame a base64 encoded image.
type mediaMessage struct {
	Type       string `json:"type"`
	Audio      string `json:"audio,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Frame      string `json:"frame,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
}

// Start creates the rendering session over REST and connects the realtime
// websocket.
func (s *Session) Start(ctx context.Context) error {
	var created newSessionResponse
	err := s.postJSON(ctx, "/v1/streaming.new", newSessionRequest{
		AvatarID: s.avatarID,
		Version:  sessionVersion,
	}, &created)
	if err != nil {
		return fmt.Errorf("avatarsvc: create session: %w", err)
	}
	if created.Data.SessionID == "" || created.Data.RealtimeURL == "" {
		return errors.New("avatarsvc: create session: incomplete response")
	}

	if err := s.postJSON(ctx, "/v1/streaming.start", sessionIDRequest{SessionID: created.Data.SessionID}, nil); err != nil {
		return fmt.Errorf("avatarsvc: start session: %w", err)
	}

	wsURL, err := buildRealtimeURL(created.Data.RealtimeURL, created.Data.SessionID, created.Data.AccessToken)
	if err != nil {
		return fmt.Errorf("avatarsvc: realtime URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("avatarsvc: dial realtime: %w", err)
	}

	s.mu.Lock()
	s.sessionID = created.Data.SessionID
	s.conn = conn
	s.eventID = uuid.NewString()
	s.mu.Unlock()

	// Pump rendered media off the socket until it dies; the fallback
	// controller watches Done and the media channels to detect that.
	go s.readLoop(conn)
	return nil
}

// readLoop delivers rendered media to the receive channels. It owns their
// closure: when the socket dies for any reason it closes audioOut, videoOut
// and done on the way out.
func (s *Session) readLoop(conn *websocket.Conn) {
	defer func() {
		close(s.audioOut)
		close(s.videoOut)
		s.closeOnce.Do(func() { close(s.done) })
	}()
	start := time.Now()
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		var msg mediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "avatar.audio":
			if !s.deliverAudio(msg, time.Since(start)) {
				return
			}
		case "avatar.video_frame":
			if !s.deliverVideo(msg, time.Since(start)) {
				return
			}
		}
	}
}

func (s *Session) deliverAudio(msg mediaMessage, ts time.Duration) bool {
	pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil || len(pcm) == 0 {
		return true
	}
	rate := msg.SampleRate
	if rate == 0 {
		rate = renderSampleRate
	}
	select {
	case s.audioOut <- types.AudioFrame{Data: pcm, SampleRate: rate, Channels: 1, Timestamp: ts}:
		return true
	case <-s.stop:
		return false
	}
}

// deliverVideo keeps only the latest frame when the consumer lags; stale
// video is worse than dropped video.
func (s *Session) deliverVideo(msg mediaMessage, ts time.Duration) bool {
	data, err := base64.StdEncoding.DecodeString(msg.Frame)
	if err != nil || len(data) == 0 {
		return true
	}
	vf := transport.VideoFrame{
		Data:      data,
		MimeType:  msg.MimeType,
		Width:     msg.Width,
		Height:    msg.Height,
		Timestamp: ts,
	}
	for {
		select {
		case s.videoOut <- vf:
			return true
		case <-s.stop:
			return false
		default:
		}
		select {
		case <-s.videoOut:
		default:
		}
	}
}

// SendAudio pushes one chunk of PCM16 speech to the renderer.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	conn, eventID := s.conn, s.eventID
	s.mu.Unlock()
	if conn == nil {
		return errors.New("avatarsvc: session not started")
	}
	payload, err := json.Marshal(buildSpeakMessage(pcm, eventID))
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// SendText asks the renderer to speak text directly (repeat task). Used for
// captions and pre-synthesized lines.
func (s *Session) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID == "" {
		return errors.New("avatarsvc: session not started")
	}
	return s.postJSON(ctx, "/v1/streaming.task", taskRequest{
		SessionID: sessionID,
		Text:      text,
		TaskType:  "repeat",
	}, nil)
}

// Interrupt discards speech the renderer has buffered but not yet played and
// rotates the event ID so stale chunks from the cancelled utterance are
// ignored server-side.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.eventID = uuid.NewString()
	s.mu.Unlock()
	if conn == nil {
		return errors.New("avatarsvc: session not started")
	}
	payload, err := json.Marshal(controlMessage{Type: "agent.interrupt"})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// AudioOut streams the rendered speech audio. Closed when the realtime
// stream ends.
func (s *Session) AudioOut() <-chan types.AudioFrame { return s.audioOut }

// VideoOut streams the rendered video frames. Closed when the realtime
// stream ends.
func (s *Session) VideoOut() <-chan transport.VideoFrame { return s.videoOut }

// Done is closed when the realtime media stream ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears down the websocket and stops the REST session.
func (s *Session) Close() error {
	s.mu.Lock()
	conn, sessionID := s.conn, s.sessionID
	s.conn = nil
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })

	var errs []error
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			errs = append(errs, err)
		}
	}
	if sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := s.postJSON(ctx, "/v1/streaming.stop", sessionIDRequest{SessionID: sessionID}, nil); err != nil {
			errs = append(errs, err)
		}
	}
	s.closeOnce.Do(func() { close(s.done) })
	return errors.Join(errs...)
}

// postJSON issues an authenticated POST with a JSON body and optionally
// decodes the response into out.
func (s *Session) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// buildSpeakMessage constructs one agent.speak chunk.
func buildSpeakMessage(pcm []byte, eventID string) speakMessage {
	return speakMessage{
		Type:    "agent.speak",
		Audio:   base64.StdEncoding.EncodeToString(pcm),
		EventID: eventID,
	}
}

// buildRealtimeURL attaches session credentials to the realtime endpoint.
func buildRealtimeURL(endpoint, sessionID, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	if token != "" {
		q.Set("session_token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
