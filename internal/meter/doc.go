// Package meter measures input levels of 16-bit PCM blocks.
// It reports RMS and peak levels with light smoothing and keeps counts of
// blocks above a sound threshold for the recording level display.
package meter
