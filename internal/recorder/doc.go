// Package recorder drives a capture device through the recording lifecycle
// (Idle, Recording, Paused, Finished) and emits raw audio fragments at a
// fixed interval into a fragment sink.
package recorder
