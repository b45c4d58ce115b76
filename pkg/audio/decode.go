package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/wav"
)

// DecodeWAVToMono16 decodes a WAV container and normalizes its payload to
// 16-bit mono PCM at targetRate. Only uncompressed PCM containers are
// supported; anything else yields a *FormatError naming source.
func DecodeWAVToMono16(r io.ReadSeeker, source string, targetRate int) ([]byte, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, &FormatError{Source: source, Reason: "not a valid WAV container"}
	}
	if dec.WavAudioFormat != 1 {
		return nil, &FormatError{Source: source, Reason: fmt.Sprintf("unsupported WAV audio format %d (want PCM)", dec.WavAudioFormat)}
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, &FormatError{Source: source, Reason: fmt.Sprintf("read PCM data: %v", err)}
	}

	bits := int(dec.BitDepth)
	channels := int(dec.NumChans)
	rate := int(dec.SampleRate)
	if channels < 1 || channels > 2 {
		return nil, &FormatError{Source: source, Reason: fmt.Sprintf("unsupported channel count %d", channels)}
	}

	pcm16 := intSamplesTo16(buf.Data, bits)
	if channels == 2 {
		pcm16 = StereoToMono(pcm16)
	}
	if rate != targetRate {
		pcm16 = ResampleMono16(pcm16, rate, targetRate)
	}
	return alignPCM16(pcm16), nil
}

// intSamplesTo16 converts decoded integer samples at the source bit depth
// into packed little-endian int16 bytes.
func intSamplesTo16(samples []int, bits int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		var v int16
		switch {
		case bits == 8:
			// 8-bit WAV is unsigned.
			v = (int16(s) - 128) << 8
		case bits > 16:
			v = int16(s >> (bits - 16))
		default:
			v = int16(s)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
