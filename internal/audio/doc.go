// Package audio normalizes uploaded audio for transcription.
// It decodes, downmixes and resamples WAV in process, delegates other
// containers to ffmpeg, and owns the temporary files it creates.
package audio
