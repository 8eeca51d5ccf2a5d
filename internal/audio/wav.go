package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
	ywav "github.com/youpy/go-wav"
)

const (
	// TargetSampleRate is the sample rate the transcription engines expect.
	TargetSampleRate = 16000
	// TargetBitDepth is the PCM bit depth of normalized audio.
	TargetBitDepth = 16

	wavFormatPCM = 1
)

// WAVInfo describes a WAV payload
type WAVInfo struct {
	SampleRate    uint32        `json:"sample_rate"`
	Channels      uint16        `json:"channels"`
	BitsPerSample uint16        `json:"bits_per_sample"`
	Duration      time.Duration `json:"duration"`
}

// EncodeWAV encodes interleaved 16-bit samples into a RIFF WAV payload.
func EncodeWAV(samples []int, sampleRate, channels int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}

	out := &writerseeker.WriterSeeker{}
	encoder := wav.NewEncoder(out, sampleRate, TargetBitDepth, channels, wavFormatPCM)

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: TargetBitDepth,
	}
	if err := encoder.Write(buf); err != nil {
		return nil, fmt.Errorf("encoder write buffer: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encoder close: %w", err)
	}

	data, err := io.ReadAll(out.Reader())
	if err != nil {
		return nil, fmt.Errorf("reading wav into memory: %w", err)
	}
	return data, nil
}

// EncodePCM wraps raw little-endian signed 16-bit PCM into a WAV payload.
func EncodePCM(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return EncodeWAV(samples, sampleRate, channels)
}

// DecodeWAV decodes a WAV payload into an integer PCM buffer.
func DecodeWAV(data []byte) (*goaudio.IntBuffer, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file")
	}
	if decoder.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", decoder.WavAudioFormat)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to read PCM data: %w", err)
	}
	if buf.SourceBitDepth == 0 {
		buf.SourceBitDepth = int(decoder.BitDepth)
	}
	return buf, nil
}

// Normalize downmixes buf to mono, rescales it to 16-bit and resamples it to
// targetRate with linear interpolation.
func Normalize(buf *goaudio.IntBuffer, targetRate int) ([]int, error) {
	if buf == nil || buf.Format == nil {
		return nil, fmt.Errorf("missing audio format")
	}
	channels := buf.Format.NumChannels
	if channels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid audio format: %d channels at %d Hz", channels, buf.Format.SampleRate)
	}

	frames := len(buf.Data) / channels
	mono := make([]int, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += toPCM16(buf.Data[i*channels+c], buf.SourceBitDepth)
		}
		mono[i] = sum / channels
	}

	return resample(mono, buf.Format.SampleRate, targetRate), nil
}

func toPCM16(v, bitDepth int) int {
	switch bitDepth {
	case 8:
		return (v - 128) << 8
	case 24:
		return v >> 8
	case 32:
		return v >> 16
	default:
		return v
	}
}

func resample(samples []int, from, to int) []int {
	if from == to || len(samples) == 0 {
		return samples
	}

	n := int(int64(len(samples)) * int64(to) / int64(from))
	if n == 0 {
		return nil
	}
	out := make([]int, n)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int(float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac)
	}
	return out
}

// ProbeWAV reads the format and duration of a WAV payload without decoding
// its samples.
func ProbeWAV(r io.ReaderAt, size int64) (*WAVInfo, error) {
	reader := ywav.NewReader(io.NewSectionReader(r, 0, size))

	format, err := reader.Format()
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV format: %w", err)
	}
	duration, err := reader.Duration()
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV duration: %w", err)
	}

	return &WAVInfo{
		SampleRate:    format.SampleRate,
		Channels:      format.NumChannels,
		BitsPerSample: format.BitsPerSample,
		Duration:      duration,
	}, nil
}
