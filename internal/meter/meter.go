package meter

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// fullScale is the largest magnitude of a signed 16-bit sample.
const fullScale = 32768.0

// Meter computes input levels for blocks of 16-bit little-endian PCM.
type Meter struct {
	threshold float32 // smoothed level at or above which a block counts as sound
	smoothing float32 // weight of the newest block

	lastLevel float32

	// Statistics
	totalBlocks   uint64
	soundBlocks   uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Level is the measurement of one block
type Level struct {
	RMS       float32   `json:"rms"`      // 0.0 - 1.0 of full scale
	Peak      float32   `json:"peak"`     // 0.0 - 1.0 of full scale
	Smoothed  float32   `json:"smoothed"` // exponentially smoothed RMS
	HasSound  bool      `json:"has_sound"`
	Block     int       `json:"block"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats represents meter statistics
type Stats struct {
	TotalBlocks     uint64    `json:"total_blocks"`
	SoundBlocks     uint64    `json:"sound_blocks"`
	SoundPercentage float64   `json:"sound_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// New creates a meter. threshold and smoothing are fractions in [0, 1];
// a smoothing of 0 disables smoothing.
func New(threshold, smoothing float32) (*Meter, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}
	if smoothing < 0 || smoothing > 1 {
		return nil, fmt.Errorf("smoothing must be between 0 and 1, got %f", smoothing)
	}
	if smoothing == 0 {
		smoothing = 1
	}
	return &Meter{threshold: threshold, smoothing: smoothing}, nil
}

// Process measures one block of PCM. A trailing odd byte is ignored.
func (m *Meter) Process(pcm []byte) (Level, error) {
	n := len(pcm) / 2
	if n == 0 {
		return Level{}, fmt.Errorf("block has no samples")
	}

	var energy float64
	var peak float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		energy += s * s
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	rms := float32(math.Min(math.Sqrt(energy/float64(n))/fullScale, 1))

	m.mu.Lock()
	defer m.mu.Unlock()

	smoothed := rms
	if m.totalBlocks > 0 {
		smoothed = m.smoothing*rms + (1-m.smoothing)*m.lastLevel
	}
	m.lastLevel = smoothed

	hasSound := smoothed >= m.threshold
	m.totalBlocks++
	if hasSound {
		m.soundBlocks++
	}
	m.lastProcessed = time.Now()

	return Level{
		RMS:       rms,
		Peak:      float32(math.Min(peak/fullScale, 1)),
		Smoothed:  smoothed,
		HasSound:  hasSound,
		Block:     int(m.totalBlocks - 1),
		Timestamp: m.lastProcessed,
	}, nil
}

// GetStats returns current meter statistics
func (m *Meter) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	percentage := float64(0)
	if m.totalBlocks > 0 {
		percentage = float64(m.soundBlocks) / float64(m.totalBlocks) * 100
	}

	return Stats{
		TotalBlocks:     m.totalBlocks,
		SoundBlocks:     m.soundBlocks,
		SoundPercentage: percentage,
		LastProcessed:   m.lastProcessed,
		Threshold:       m.threshold,
	}
}

// Reset clears the smoothing state and statistics
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalBlocks = 0
	m.soundBlocks = 0
	m.lastLevel = 0
	m.lastProcessed = time.Time{}
}
