// Package portaudio captures microphone audio through PortAudio.
package portaudio
