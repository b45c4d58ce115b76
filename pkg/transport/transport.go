// Package transport defines the interfaces between the pipeline and the
// real-time call leg (WebRTC room, SIP bridge, local devices).
//
// The two primary abstractions are:
//
//   - [Transport] — joins a call and returns a [Connection].
//   - [Connection] — an active call leg, giving the pipeline inbound audio
//     and video frames, an outbound audio sink, and participant lifecycle
//     events.
//
// Implementations live outside this module; the pipeline only consumes these
// interfaces. This package lives under pkg/ because external transport
// adapters are expected to implement them.
package transport

import (
	"context"
	"time"

	"github.com/phonesys/voicepipe/pkg/types"
)

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the call.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the call.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event is a participant lifecycle notification.
type Event struct {
	Type          EventType
	ParticipantID string
	Timestamp     time.Time
}

// VideoFrame is a single video frame, either an inbound camera frame or an
// outbound rendered frame. Payload encoding is transport-specific; JPEG and
// raw I420 are common.
type VideoFrame struct {
	Data      []byte
	MimeType  string
	Width     int
	Height    int
	Timestamp time.Duration
}

// Transport joins call legs and hands back live connections.
type Transport interface {
	// Connect joins the call identified by callID. Blocks until the leg is
	// established or ctx is done.
	Connect(ctx context.Context, callID string) (Connection, error)
}

// Connection is an active call leg.
//
// The frame channels are closed when the remote side hangs up or Close is
// called. WriteAudio errors are fatal for the session.
type Connection interface {
	// AudioIn streams inbound caller audio.
	AudioIn() <-chan types.AudioFrame

	// VideoIn streams inbound camera frames. May be a nil channel on
	// audio-only legs.
	VideoIn() <-chan VideoFrame

	// WriteAudio delivers one frame of agent audio to the caller.
	WriteAudio(ctx context.Context, frame types.AudioFrame) error

	// WriteVideo delivers one frame of agent video to the caller. Legs
	// without a video track may discard frames and return nil.
	WriteVideo(ctx context.Context, frame VideoFrame) error

	// Events streams participant lifecycle notifications.
	Events() <-chan Event

	// Close hangs up the leg. Safe to call multiple times.
	Close() error
}
