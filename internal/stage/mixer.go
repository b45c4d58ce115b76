package stage

import (
	"context"

	"github.com/phonesys/voicepipe/internal/pipeline"
	"github.com/phonesys/voicepipe/pkg/audio"
	"github.com/phonesys/voicepipe/pkg/types"
)

// BackgroundMixer blends a looping background track under synthesized
// speech. A nil mixer (no track configured) passes audio through untouched.
type BackgroundMixer struct {
	mixer *audio.Mixer
}

// NewBackgroundMixer wraps an audio.Mixer as a pipeline stage.
func NewBackgroundMixer(mixer *audio.Mixer) *BackgroundMixer {
	return &BackgroundMixer{mixer: mixer}
}

// Name implements pipeline.Stage.
func (b *BackgroundMixer) Name() string { return "mixer" }

// Process implements pipeline.Stage.
func (b *BackgroundMixer) Process(_ context.Context, f pipeline.Frame, out pipeline.Emit) error {
	af, ok := f.(pipeline.AudioFrame)
	if !ok {
		if !pipeline.IsControl(f) {
			out(f)
		}
		return nil
	}
	if b.mixer == nil {
		out(af)
		return nil
	}
	out(pipeline.AudioFrame{Audio: types.AudioFrame{
		Data:       b.mixer.Mix(af.Audio.Data),
		SampleRate: af.Audio.SampleRate,
		Channels:   af.Audio.Channels,
		Timestamp:  af.Audio.Timestamp,
	}})
	return nil
}

var _ pipeline.Stage = (*BackgroundMixer)(nil)
