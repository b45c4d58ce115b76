package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/phonesys/voicepipe/pkg/types"
)

// Frame is the unit of data flowing through the pipeline. Implementations
// are the closed set of types below; stages switch on the concrete type.
type Frame interface {
	isFrame()
}

// Role identifies which side of the conversation produced a text frame.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AudioFrame carries one chunk of PCM16 audio.
type AudioFrame struct {
	Audio types.AudioFrame
}

// TextFrame carries transcript or generated text. Final marks an
// authoritative user utterance (interim transcripts have Final false);
// assistant text is streamed in non-final chunks followed by EndOfTurnFrame.
type TextFrame struct {
	Text  string
	Role  Role
	Final bool
}

// ImageFrame carries one inbound camera frame.
type ImageFrame struct {
	Data      []byte
	MimeType  string
	Width     int
	Height    int
	Timestamp time.Duration
}

// StartFrame is the first frame every stage sees.
type StartFrame struct {
	SessionID string
}

// EndFrame requests an orderly shutdown: stages finish in-flight work,
// forward the frame, and stop.
type EndFrame struct{}

// CancelFrame requests an immediate shutdown without draining.
type CancelFrame struct{}

// InterruptionFrame tells a stage the user barged in: drop queued output and
// reset generation state. Delivered out-of-band on the control channel.
type InterruptionFrame struct{}

// TransportReadyFrame signals that the call leg is established and audio may
// flow. The greeting is injected in response to this frame.
type TransportReadyFrame struct {
	ParticipantID string
}

// EndOfTurnFrame marks the end of one assistant utterance stream. The
// synthesis stage flushes its text buffer when it sees this.
type EndOfTurnFrame struct{}

func (AudioFrame) isFrame()          {}
func (TextFrame) isFrame()           {}
func (ImageFrame) isFrame()          {}
func (StartFrame) isFrame()          {}
func (EndFrame) isFrame()            {}
func (CancelFrame) isFrame()         {}
func (InterruptionFrame) isFrame()   {}
func (TransportReadyFrame) isFrame() {}
func (EndOfTurnFrame) isFrame()      {}

// IsControl reports whether f is a lifecycle or signalling frame rather than
// session data.
func IsControl(f Frame) bool {
	switch f.(type) {
	case StartFrame, EndFrame, CancelFrame, InterruptionFrame, TransportReadyFrame, EndOfTurnFrame:
		return true
	default:
		return false
	}
}

// NewSessionID returns a fresh identifier for a pipeline run.
func NewSessionID() string {
	return uuid.NewString()
}
