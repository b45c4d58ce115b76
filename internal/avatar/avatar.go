// Package avatar manages an optional remote avatar renderer and the fallback
// to plain voice when it fails.
//
// While the avatar is healthy, synthesized speech is handed to the avatar
// service, which renders lip-synced video and streams the rendered audio and
// video back. The controller reads both media-receive streams and forwards
// the rendered frames downstream to the call leg. When the service fails in
// any way the controller degrades to voice-only: speech frames flow straight
// through to the audio output stage instead, and video stops. Degradation is
// one-way for the life of the session.
package avatar

import (
	"context"
	"errors"

	"github.com/phonesys/voicepipe/pkg/transport"
	"github.com/phonesys/voicepipe/pkg/types"
)

// ErrServiceFailed classifies avatar service errors. Failures wrapped with
// it trigger degradation but are never fatal to the session.
var ErrServiceFailed = errors.New("avatar service failed")

// State is the controller lifecycle state.
type State int32

const (
	// StateActive means speech is rendered through the avatar service.
	StateActive State = iota
	// StateDegraded means the service failed and speech flows to the plain
	// voice output. There is no recovery path back to Active.
	StateDegraded
	// StateTerminal means the controller was closed.
	StateTerminal
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Service is a remote avatar renderer session.
//
// Implementations own their transport (typically a REST-created session plus
// a media websocket). A Service handles exactly one call: sessions are never
// shared, and Start is called at most once. AudioOut and VideoOut are closed
// when the media stream ends for any reason, as is Done; the controller
// treats either as a failure.
type Service interface {
	// Start establishes the renderer session.
	Start(ctx context.Context) error

	// SendAudio forwards one chunk of PCM16 speech for the avatar to render.
	SendAudio(ctx context.Context, pcm []byte) error

	// SendText forwards a text caption accompanying the current utterance.
	SendText(ctx context.Context, text string) error

	// Interrupt discards any speech the renderer has queued but not played.
	Interrupt(ctx context.Context) error

	// AudioOut streams the avatar's rendered speech audio.
	AudioOut() <-chan types.AudioFrame

	// VideoOut streams the avatar's rendered video frames.
	VideoOut() <-chan transport.VideoFrame

	// Done is closed when the service's media stream terminates.
	Done() <-chan struct{}

	// Close tears down the renderer session.
	Close() error
}

// Factory creates one renderer session. The session layer calls it once per
// call so every call owns its own renderer connection.
type Factory func() (Service, error)
