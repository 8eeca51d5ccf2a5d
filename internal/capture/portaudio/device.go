package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/Only-tech/agglo-transcribe/internal/recorder"
)

const defaultFramesPerBuffer = 1024

// InputDevice describes one capture-capable PortAudio device
type InputDevice struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	IsDefault         bool
}

// Device captures from a PortAudio input device
type Device struct {
	index           int // 0 selects the system default input
	framesPerBuffer int
	logger          *slog.Logger
}

// NewDevice creates a PortAudio capture device
func NewDevice(index, framesPerBuffer int, logger *slog.Logger) *Device {
	if framesPerBuffer <= 0 {
		framesPerBuffer = defaultFramesPerBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{index: index, framesPerBuffer: framesPerBuffer, logger: logger}
}

// ListInputDevices returns the devices that can record
func ListInputDevices() ([]InputDevice, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer pa.Terminate()

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}
	def, _ := pa.DefaultInputDevice()

	inputs := make([]InputDevice, 0, len(devices))
	for i, device := range devices {
		if device.MaxInputChannels == 0 {
			continue
		}
		inputs = append(inputs, InputDevice{
			Index:             i,
			Name:              device.Name,
			MaxInputChannels:  device.MaxInputChannels,
			DefaultSampleRate: device.DefaultSampleRate,
			IsDefault:         def != nil && def.Name == device.Name,
		})
	}
	return inputs, nil
}

// Open implements recorder.Device
func (d *Device) Open(ctx context.Context, format recorder.Format) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	info, err := d.resolve()
	if err != nil {
		pa.Terminate()
		return nil, err
	}
	if info.MaxInputChannels < format.Channels {
		pa.Terminate()
		return nil, fmt.Errorf("device %q supports %d input channels, need %d",
			info.Name, info.MaxInputChannels, format.Channels)
	}

	buf := make([]int16, d.framesPerBuffer*format.Channels)
	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   info,
			Channels: format.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: d.framesPerBuffer,
	}

	stream, err := pa.OpenStream(params, buf)
	if err != nil {
		pa.Terminate()
		return nil, fmt.Errorf("failed to open stream on %q: %w", info.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		pa.Terminate()
		return nil, fmt.Errorf("failed to start stream on %q: %w", info.Name, err)
	}

	d.logger.Info("Using audio input device",
		slog.String("device", info.Name),
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels),
	)

	return &captureStream{stream: stream, samples: buf, logger: d.logger}, nil
}

func (d *Device) resolve() (*pa.DeviceInfo, error) {
	if d.index <= 0 {
		info, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default input device: %w", err)
		}
		return info, nil
	}

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}
	if d.index >= len(devices) {
		return nil, fmt.Errorf("invalid device index %d", d.index)
	}
	info := devices[d.index]
	if info.MaxInputChannels == 0 {
		return nil, fmt.Errorf("device %q is not an input device", info.Name)
	}
	return info, nil
}

// captureStream adapts blocking PortAudio reads to io.Reader
type captureStream struct {
	mu      sync.Mutex
	stream  *pa.Stream
	samples []int16
	pending []byte
	closed  bool
	logger  *slog.Logger
}

func (s *captureStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		if s.closed {
			return 0, io.EOF
		}
		if err := s.stream.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				s.logger.Warn("Audio input overflowed")
			} else {
				return 0, fmt.Errorf("failed to read audio: %w", err)
			}
		}
		s.pending = encodeSamples(s.pending[:0], s.samples)
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// encodeSamples appends samples as little-endian 16-bit PCM
func encodeSamples(dst []byte, samples []int16) []byte {
	for _, v := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(v))
	}
	return dst
}

// Close waits for an in-flight read, then releases the device
func (s *captureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop stream: %w", err))
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stream: %w", err))
	}
	if err := pa.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("failed to terminate PortAudio: %w", err))
	}
	return errors.Join(errs...)
}
