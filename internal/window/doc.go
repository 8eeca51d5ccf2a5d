// Package window implements the sliding window chunk buffer that overlaps
// consecutive audio fragments before submitting them for transcription, so
// that words straddling a fragment boundary are not lost.
package window
