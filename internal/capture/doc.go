// Package capture provides microphone capture devices for the recorder.
// FFmpegDevice streams signed 16-bit PCM from an ffmpeg subprocess.
package capture
