package portaudio

import (
	"testing"
)

func TestEncodeSamples(t *testing.T) {
	got := encodeSamples(nil, []int16{0, 1, -1, 0x1234})
	want := []byte{0x00, 0x00, 0x01, 0x00, 0xff, 0xff, 0x34, 0x12}

	if len(got) != len(want) {
		t.Fatalf("Expected %d bytes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Byte %d: expected %#x, got %#x", i, want[i], got[i])
		}
	}
}

func TestListInputDevices(t *testing.T) {
	devices, err := ListInputDevices()
	if err != nil {
		t.Skipf("PortAudio not available: %v", err)
	}
	for _, d := range devices {
		if d.MaxInputChannels == 0 {
			t.Errorf("Device %q has no input channels", d.Name)
		}
	}
}

func TestNewDeviceDefaults(t *testing.T) {
	d := NewDevice(0, 0, nil)
	if d.framesPerBuffer != defaultFramesPerBuffer {
		t.Errorf("Expected %d frames per buffer, got %d", defaultFramesPerBuffer, d.framesPerBuffer)
	}
}
