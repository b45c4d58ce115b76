package vision

import "strings"

// AttachMode controls when a snapshot is attached to a user turn.
type AttachMode string

const (
	// AttachAlways attaches any fresh snapshot to every user turn.
	AttachAlways AttachMode = "always"

	// AttachNever disables attachment entirely.
	AttachNever AttachMode = "never"

	// AttachAuto attaches only when the final transcript mentions something
	// visual.
	AttachAuto AttachMode = "auto"
)

// IsValid reports whether the mode is one of the known values.
func (m AttachMode) IsValid() bool {
	switch m {
	case AttachAlways, AttachNever, AttachAuto:
		return true
	}
	return false
}

// visualKeywords trigger auto attachment when present in the lowercased
// final user transcript.
var visualKeywords = []string{
	"see", "look", "look at", "watch", "show", "camera", "image", "photo",
	"picture", "screen", "screenshot", "read", "wearing", "holding",
	"color", "colour", "shirt", "hat", "glasses", "sign", "logo", "text",
	"written", "describe", "see this", "what is this", "what's this",
	"in front",
}

// Decider decides whether an image is attached to the user turn about to be
// sent to the LLM. Implementations must be cheap; this runs on the turn path.
type Decider interface {
	ShouldAttach(transcript string) bool
}

// ModeDecider implements Decider for the three built-in modes.
type ModeDecider struct {
	Mode AttachMode
}

// ShouldAttach implements Decider.
func (d ModeDecider) ShouldAttach(transcript string) bool {
	switch d.Mode {
	case AttachAlways:
		return true
	case AttachNever:
		return false
	default:
		return mentionsVisual(transcript)
	}
}

// mentionsVisual matches whole words (and phrases) from the keyword set
// against the transcript.
func mentionsVisual(transcript string) bool {
	lower := " " + strings.ToLower(transcript) + " "
	// Strip common punctuation so "see?" still matches.
	lower = strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '!', '?', ';', ':':
			return ' '
		}
		return r
	}, lower)
	for _, kw := range visualKeywords {
		if strings.Contains(lower, " "+kw+" ") {
			return true
		}
	}
	return false
}

var _ Decider = ModeDecider{}
