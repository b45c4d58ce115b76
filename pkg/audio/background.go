package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// Track is a decoded background loop with a cyclic read cursor. The decoded
// bytes may be shared between sessions (see Cache); the cursor is per Track.
type Track struct {
	pcm    []byte
	cursor int
}

// NewTrack wraps decoded mono PCM16 bytes in a fresh track starting at the
// beginning of the loop.
func NewTrack(pcm []byte) *Track {
	return &Track{pcm: pcm}
}

// NextChunk returns exactly n bytes of track audio, wrapping to the start of
// the loop when the end is reached. It never blocks and never zero-pads.
// Returns nil if the track is empty.
func (t *Track) NextChunk(n int) []byte {
	if len(t.pcm) == 0 || n <= 0 {
		return nil
	}
	out := make([]byte, n)
	filled := 0
	for filled < n {
		copied := copy(out[filled:], t.pcm[t.cursor:])
		filled += copied
		t.cursor += copied
		if t.cursor >= len(t.pcm) {
			t.cursor = 0
		}
	}
	return out
}

// Mixer blends a looping background track underneath speech audio. The
// output frame is always exactly as long as the speech frame. A gain of 0
// bypasses mixing entirely. Any mix failure passes speech through unmixed;
// the first failure is logged, later ones are silent.
type Mixer struct {
	track  *Track
	gain   float64
	logger *slog.Logger

	mu         sync.Mutex
	warnedOnce sync.Once
}

// NewMixer creates a Mixer over track with the given background gain
// (0.0–1.0). A nil logger falls back to slog.Default().
func NewMixer(track *Track, gain float64, logger *slog.Logger) *Mixer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mixer{track: track, gain: gain, logger: logger}
}

// Mix returns speech with gain-scaled background audio added sample by
// sample, saturating at the int16 range.
func (m *Mixer) Mix(speech []byte) []byte {
	if m.gain == 0 || m.track == nil {
		return speech
	}
	if len(speech)%2 != 0 {
		m.warnedOnce.Do(func() {
			m.logger.Warn("background mixer: odd speech frame length, passing through unmixed",
				"bytes", len(speech))
		})
		return speech
	}

	m.mu.Lock()
	bg := m.track.NextChunk(len(speech))
	m.mu.Unlock()
	if len(bg) != len(speech) {
		m.warnedOnce.Do(func() {
			m.logger.Warn("background mixer: track chunk unavailable, passing through unmixed")
		})
		return speech
	}

	out := make([]byte, len(speech))
	for i := 0; i < len(speech); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(speech[i:])))
		b := int32(int16(binary.LittleEndian.Uint16(bg[i:])))
		mixed := s + int32(float64(b)*m.gain)
		binary.LittleEndian.PutUint16(out[i:], uint16(clampInt16(mixed)))
	}
	return out
}
