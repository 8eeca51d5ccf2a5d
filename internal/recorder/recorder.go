package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Only-tech/agglo-transcribe/internal/meter"
)

var (
	// ErrDeviceUnavailable is returned when the capture device cannot be
	// acquired. The recorder stays Idle.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrInvalidState is returned by Start outside Idle.
	ErrInvalidState = errors.New("invalid recorder state")
)

// DefaultInterval is the default fragment emission interval.
const DefaultInterval = 15 * time.Second

// Format describes the signed 16-bit little-endian PCM the device delivers.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPer returns the number of bytes of audio in d.
func (f Format) BytesPer(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(f.Channels) * 2 * int64(d) / int64(time.Second))
}

// Device opens an exclusive capture stream.
type Device interface {
	Open(ctx context.Context, format Format) (io.ReadCloser, error)
}

// FragmentSink receives fragments in emission order.
type FragmentSink interface {
	Push(fragment []byte) bool
	Close()
}

// Ticker drives fragment emission.
type Ticker interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

// Config contains recorder configuration
type Config struct {
	Format    Format
	BlockSize time.Duration // audio read per device call

	// OnLevel is called with the level of every block read while recording.
	OnLevel func(meter.Level)

	// OnStateChange is called after every transition.
	OnStateChange func(from, to State)
}

// Recorder owns one capture device and emits raw fragments into a sink.
type Recorder struct {
	config Config
	device Device
	meter  *meter.Meter
	logger *slog.Logger

	newTicker func(time.Duration) Ticker

	mu       sync.Mutex
	state    State
	interval time.Duration
	stream   io.ReadCloser
	sink     FragmentSink
	pending  []byte
	ticker   Ticker
	stopLoop chan struct{}
	emitDone chan struct{}
	wg       sync.WaitGroup // read loop

	fragments uint64
}

// New creates an idle recorder for device.
func New(device Device, config Config, logger *slog.Logger) (*Recorder, error) {
	if device == nil {
		return nil, fmt.Errorf("device cannot be nil")
	}
	if config.Format.SampleRate <= 0 {
		config.Format.SampleRate = 16000
	}
	if config.Format.Channels <= 0 {
		config.Format.Channels = 1
	}
	if config.BlockSize <= 0 {
		config.BlockSize = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	m, err := meter.New(0.02, 0.3)
	if err != nil {
		return nil, fmt.Errorf("failed to create level meter: %w", err)
	}

	return &Recorder{
		config:    config,
		device:    device,
		meter:     m,
		logger:    logger,
		newTicker: newTimeTicker,
	}, nil
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start acquires the device and begins emitting a fragment into sink every
// interval. It is only valid from Idle.
func (r *Recorder) Start(ctx context.Context, interval time.Duration, sink FragmentSink) error {
	if sink == nil {
		return fmt.Errorf("sink cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next, ok := Transition(r.state, EventStart)
	if !ok {
		return fmt.Errorf("start from %s: %w", r.state, ErrInvalidState)
	}

	stream, err := r.device.Open(ctx, r.config.Format)
	if err != nil {
		r.logger.Error("Failed to acquire capture device", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	r.stream = stream
	r.sink = sink
	r.interval = interval
	r.pending = nil
	r.fragments = 0
	r.ticker = r.newTicker(interval)
	r.stopLoop = make(chan struct{})
	r.emitDone = make(chan struct{})
	r.meter.Reset()

	r.wg.Add(1)
	go r.readLoop(stream)
	go r.emitLoop(r.ticker, r.stopLoop, r.emitDone)

	r.setState(next)
	r.logger.Info("Recording started",
		slog.Duration("interval", interval),
		slog.Int("sample_rate", r.config.Format.SampleRate),
		slog.Int("channels", r.config.Format.Channels),
	)
	return nil
}

// Pause suspends fragment emission while keeping the device. It reports
// whether the recorder was Recording.
func (r *Recorder) Pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, ok := Transition(r.state, EventPause)
	if !ok {
		return false
	}
	r.setState(next)
	return true
}

// Resume restarts emission at the configured interval. It reports whether
// the recorder was Paused.
func (r *Recorder) Resume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, ok := Transition(r.state, EventResume)
	if !ok {
		return false
	}
	r.ticker.Reset(r.interval)
	r.setState(next)
	return true
}

// Stop flushes the outstanding fragment, releases the device and closes the
// sink. It is a no-op from Idle and Finished. When ctx ends first Stop returns
// its error, and the flush and sink close still happen once emission ends.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	next, ok := Transition(r.state, EventStop)
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.setState(next)
	close(r.stopLoop)
	r.ticker.Stop()
	stream := r.stream
	r.stream = nil
	sink := r.sink
	emitDone := r.emitDone
	r.mu.Unlock()

	closeErr := stream.Close()

	// Nothing is captured once Finished, so the tail is complete as soon as
	// the emit loop exits, even if a device read is still blocked
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		<-emitDone
		r.flush(sink)
	}()

	released := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(released)
	}()

	for _, done := range []chan struct{}{flushed, released} {
		select {
		case <-done:
		case <-ctx.Done():
			r.logger.Warn("Capture device did not stop in time", slog.String("error", ctx.Err().Error()))
			return ctx.Err()
		}
	}

	r.logger.Info("Recording stopped", slog.Uint64("fragments", r.Fragments()))
	if closeErr != nil {
		return fmt.Errorf("failed to release capture device: %w", closeErr)
	}
	return nil
}

func (r *Recorder) flush(sink FragmentSink) {
	r.mu.Lock()
	last := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(last) > 0 {
		r.emit(sink, last)
	}
	sink.Close()
}

// Reset returns a Finished recorder to Idle for a new session.
func (r *Recorder) Reset() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, ok := Transition(r.state, EventReset)
	if !ok {
		return false
	}
	r.sink = nil
	r.ticker = nil
	r.setState(next)
	return true
}

// Fragments returns the number of fragments emitted in the current session.
func (r *Recorder) Fragments() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fragments
}

// MeterStats returns level statistics for the current session.
func (r *Recorder) MeterStats() meter.Stats {
	return r.meter.GetStats()
}

func (r *Recorder) setState(next State) {
	prev := r.state
	r.state = next
	if r.config.OnStateChange != nil && prev != next {
		r.config.OnStateChange(prev, next)
	}
}

func (r *Recorder) readLoop(stream io.Reader) {
	defer r.wg.Done()

	block := make([]byte, r.config.Format.BytesPer(r.config.BlockSize))
	for {
		n, err := stream.Read(block)
		if n > 0 {
			r.mu.Lock()
			recording := r.state == Recording
			if recording {
				r.pending = append(r.pending, block[:n]...)
			}
			r.mu.Unlock()

			if recording {
				r.observeLevel(block[:n])
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && r.State() != Finished {
				r.logger.Error("Capture stream read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (r *Recorder) observeLevel(block []byte) {
	if r.config.OnLevel == nil {
		return
	}
	level, err := r.meter.Process(block)
	if err != nil {
		return
	}
	r.config.OnLevel(level)
}

func (r *Recorder) emitLoop(ticker Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			r.mu.Lock()
			if r.state != Recording || len(r.pending) == 0 {
				r.mu.Unlock()
				continue
			}
			fragment := r.pending
			r.pending = nil
			sink := r.sink
			r.mu.Unlock()

			r.emit(sink, fragment)
		}
	}
}

func (r *Recorder) emit(sink FragmentSink, fragment []byte) {
	r.mu.Lock()
	r.fragments++
	index := r.fragments
	r.mu.Unlock()

	submitted := sink.Push(fragment)
	r.logger.Debug("Fragment emitted",
		slog.Uint64("fragment", index),
		slog.Int("bytes", len(fragment)),
		slog.Bool("submitted", submitted),
	)
}
