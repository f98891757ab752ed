package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// SampleRate is the rate every decoded buffer is converted to.
const SampleRate = 16000

var (
	ErrEmptyAudio        = errors.New("empty audio")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// Decoder turns encoded file bytes into mono float32 samples at SampleRate.
type Decoder interface {
	Decode(b []byte, mimeType string, sampleRate int) ([]float32, error)
}

type decoder struct{}

func NewDecoder() Decoder { return decoder{} }

// Decode sniffs WAV containers and otherwise requires an explicit raw PCM16 mime type.
func (decoder) Decode(b []byte, mimeType string, sampleRate int) ([]float32, error) {
	if len(b) == 0 {
		return nil, ErrEmptyAudio
	}
	var (
		pcm []float32
		sr  int
		err error
	)
	switch mt := strings.ToLower(strings.TrimSpace(mimeType)); {
	case mt == "audio/pcm" || mt == "audio/l16" || mt == "audio/pcm16":
		pcm, sr, err = DecodePCM16LEToFloat32(b, sampleRate)
	case isWAV(b) || mt == "audio/wav" || mt == "audio/x-wav" || mt == "audio/wave":
		pcm, sr, err = DecodeWAVToFloat32(b)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, mimeType)
	}
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}
	if sr != SampleRate {
		pcm = ResampleLinear(pcm, sr, SampleRate)
	}
	return pcm, nil
}

func isWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// DecodeWAVToFloat32 decodes a WAV blob into mono 32-bit float PCM samples.
// Multi-channel input is averaged down to one channel.
func DecodeWAVToFloat32(b []byte) ([]float32, int, error) {
	r := bytes.NewReader(b)
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		if err == io.EOF {
			err = nil
		} else {
			return nil, 0, err
		}
	}
	if buf == nil {
		return nil, 0, errors.New("empty wav buffer")
	}
	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	sr := int(dec.SampleRate)
	if sr == 0 && buf.Format != nil {
		sr = buf.Format.SampleRate
	}
	if sr == 0 {
		sr = SampleRate
	}
	return downmix(buf, channelCount(buf, int(dec.NumChans)), bitDepth), sr, nil
}

func channelCount(buf *goaudio.IntBuffer, fallback int) int {
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		return buf.Format.NumChannels
	}
	if fallback > 0 {
		return fallback
	}
	return 1
}

// downmix normalizes interleaved integer samples to [-1,1] and averages channels.
func downmix(buf *goaudio.IntBuffer, channels, bitDepth int) []float32 {
	max := float32(int(1) << (bitDepth - 1))
	if max <= 0 {
		max = 32768
	}
	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / max
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// DecodePCM16LEToFloat32 converts little-endian PCM16 bytes into float32 samples and returns the given sample rate.
func DecodePCM16LEToFloat32(b []byte, sampleRate int) ([]float32, int, error) {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	if len(b)%2 != 0 {
		return nil, 0, errors.New("pcm16 length must be even")
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		v := int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
		out[i] = float32(v) / 32768.0
	}
	return out, sampleRate, nil
}

// ResampleLinear resamples PCM32F from inRate to outRate using linear interpolation.
func ResampleLinear(samples []float32, inRate, outRate int) []float32 {
	if inRate <= 0 || outRate <= 0 || inRate == outRate || len(samples) == 0 {
		return append([]float32(nil), samples...)
	}
	ratio := float64(outRate) / float64(inRate)
	outLen := int(float64(len(samples)) * ratio)
	if outLen <= 1 {
		outLen = 1
	}
	out := make([]float32, outLen)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) / ratio
		i0 := int(srcPos)
		if i0 >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(srcPos - float64(i0))
		s0 := samples[i0]
		s1 := samples[i0+1]
		out[i] = s0 + (s1-s0)*frac
	}
	return out
}
