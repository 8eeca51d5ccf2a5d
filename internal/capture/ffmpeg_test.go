package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/Only-tech/agglo-transcribe/internal/recorder"
)

// TestHelperProcess stands in for ffmpeg when invoked by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("AGGLO_HELPER_MODE") {
	case "exit":
		fmt.Fprint(os.Stderr, "Unknown input format: 'pulse'")
		os.Exit(1)
	default:
		block := make([]byte, 3200)
		for i := range block {
			block[i] = byte(i)
		}
		for {
			if _, err := os.Stdout.Write(block); err != nil {
				os.Exit(0)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func helperDevice(t *testing.T, mode string) *FFmpegDevice {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("AGGLO_HELPER_MODE", mode)

	d := NewFFmpegDevice(FFmpegConfig{Command: os.Args[0]})
	d.prefixArgs = []string{"-test.run=TestHelperProcess", "--"}
	return d
}

func TestFFmpegDeviceStreamsPCM(t *testing.T) {
	d := helperDevice(t, "stream")

	stream, err := d.Open(context.Background(), recorder.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	buf := make([]byte, 6400)
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if buf[1] != 1 || buf[3201] != 1 {
		t.Errorf("Unexpected PCM bytes")
	}

	if err := stream.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	// Close is idempotent
	stream.Close()
}

func TestFFmpegDeviceEarlyExit(t *testing.T) {
	d := helperDevice(t, "exit")

	if _, err := d.Open(context.Background(), recorder.Format{}); err == nil {
		t.Fatal("Expected error when ffmpeg exits during startup")
	}
}

func TestFFmpegDeviceMissingBinary(t *testing.T) {
	d := NewFFmpegDevice(FFmpegConfig{Command: "/nonexistent/ffmpeg"})

	if _, err := d.Open(context.Background(), recorder.Format{SampleRate: 16000, Channels: 1}); err == nil {
		t.Fatal("Expected error for missing ffmpeg")
	}
}

func TestFFmpegDeviceDefaults(t *testing.T) {
	d := NewFFmpegDevice(FFmpegConfig{})
	if d.config.Command != "ffmpeg" || d.config.InputFormat != "pulse" || d.config.InputDevice != "default" {
		t.Errorf("Unexpected defaults: %+v", d.config)
	}
}
