// Package audio provides PCM format conversion, WAV decoding, and background
// audio mixing for the voicepipe pipeline.
//
// The pipeline currency is 16-bit little-endian mono PCM. Everything entering
// the pipeline is normalized to that format; transports convert back out at
// the edges.
package audio

import (
	"encoding/binary"
	"fmt"
)

// FormatError reports an audio asset or stream whose format cannot be
// processed. It is fatal for the operation that hit it; the feature using the
// asset disables itself rather than failing the session.
type FormatError struct {
	Source string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("audio format %q: %s", e.Source, e.Reason)
}

// ToPCM16Mono converts raw PCM of the given bit depth, channel count and
// sample rate into 16-bit mono PCM at targetRate. Conversion order: bit
// depth, channel downmix, resample, trailing-partial-sample truncation.
func ToPCM16Mono(data []byte, bits, channels, rate, targetRate int) ([]byte, error) {
	if rate <= 0 || targetRate <= 0 {
		return nil, &FormatError{Source: "pcm", Reason: fmt.Sprintf("invalid sample rate %d -> %d", rate, targetRate)}
	}
	pcm16, err := toBitDepth16(data, bits)
	if err != nil {
		return nil, err
	}
	switch channels {
	case 1:
	case 2:
		pcm16 = StereoToMono(pcm16)
	default:
		return nil, &FormatError{Source: "pcm", Reason: fmt.Sprintf("unsupported channel count %d", channels)}
	}
	if rate != targetRate {
		pcm16 = ResampleMono16(pcm16, rate, targetRate)
	}
	return alignPCM16(pcm16), nil
}

// toBitDepth16 widens or narrows samples to 16 bits. 8-bit WAV PCM is
// unsigned per the container format; all wider depths are signed little-endian.
func toBitDepth16(data []byte, bits int) ([]byte, error) {
	switch bits {
	case 16:
		return data, nil
	case 8:
		out := make([]byte, len(data)*2)
		for i, b := range data {
			s := (int16(b) - 128) << 8
			binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
		}
		return out, nil
	case 24:
		n := len(data) / 3
		out := make([]byte, n*2)
		for i := 0; i < n; i++ {
			// Keep the two most significant bytes.
			copy(out[i*2:], data[i*3+1:i*3+3])
		}
		return out, nil
	case 32:
		n := len(data) / 4
		out := make([]byte, n*2)
		for i := 0; i < n; i++ {
			copy(out[i*2:], data[i*4+2:i*4+4])
		}
		return out, nil
	default:
		return nil, &FormatError{Source: "pcm", Reason: fmt.Sprintf("unsupported bit depth %d", bits)}
	}
}

// StereoToMono downmixes interleaved stereo PCM16 to mono by averaging the
// channel pair in int32 space and clamping back to int16.
func StereoToMono(stereo []byte) []byte {
	frames := len(stereo) / 4
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		l := int32(int16(binary.LittleEndian.Uint16(stereo[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(stereo[i*4+2:])))
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(clampInt16((l+r)/2)))
	}
	return mono
}

// MonoToStereo duplicates each mono PCM16 sample into both channels.
func MonoToStereo(mono []byte) []byte {
	samples := len(mono) / 2
	stereo := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		copy(stereo[i*4:], mono[i*2:i*2+2])
		copy(stereo[i*4+2:], mono[i*2:i*2+2])
	}
	return stereo
}

// ResampleMono16 converts mono PCM16 from srcRate to dstRate using linear
// interpolation. The output sample count is srcSamples*dstRate/srcRate,
// computed in 64-bit space, so duration is preserved.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate {
		return pcm
	}
	srcSamples := len(pcm) / 2
	if srcSamples == 0 {
		return nil
	}
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := 0; i < dstSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= srcSamples-1 {
			copy(out[i*2:], pcm[(srcSamples-1)*2:srcSamples*2])
			continue
		}
		frac := pos - float64(idx)
		s0 := float64(int16(binary.LittleEndian.Uint16(pcm[idx*2:])))
		s1 := float64(int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s0+(s1-s0)*frac)))
	}
	return out
}

// alignPCM16 truncates a trailing partial sample so downstream consumers
// always see whole 16-bit samples.
func alignPCM16(pcm []byte) []byte {
	return pcm[:len(pcm)-len(pcm)%2]
}

func clampInt16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
