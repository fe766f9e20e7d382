package audio

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/youpy/go-wav"
)

func TestNewFrameShape(t *testing.T) {
	f := NewFrame(4, 512)
	if f.NumChannels() != 4 || f.Len() != 512 {
		t.Fatalf("frame = %dx%d, want 4x512", f.NumChannels(), f.Len())
	}
	f.Channels[0] = append(f.Channels[0], 1) // must not spill into channel 1
	if f.Channels[1][0] != 0 {
		t.Fatal("channel slices share capacity")
	}
}

func TestCloneIsDeep(t *testing.T) {
	f := NewFrame(2, 4)
	f.Channels[1][2] = 0.5
	c := f.Clone()
	f.Channels[1][2] = 0
	if c.Channels[1][2] != 0.5 {
		t.Fatalf("clone sample = %v, want 0.5", c.Channels[1][2])
	}
}

func TestApplyGain(t *testing.T) {
	f := NewFrame(2, 2)
	f.Channels[0][0], f.Channels[1][1] = 0.5, -0.25
	f.ApplyGain(2)
	if f.Channels[0][0] != 1 || f.Channels[1][1] != -0.5 {
		t.Fatalf("after gain = %v, want [1 _] [_ -0.5]", f.Channels)
	}
}

func TestToneIsContinuousAcrossFrames(t *testing.T) {
	tone := NewTone(1000, 48000)
	a, b := NewFrame(1, 48), NewFrame(1, 48)
	tone.Read(a)
	tone.Read(b)

	// 48 samples at 1 kHz / 48 kHz is exactly one cycle, so frame b
	// repeats frame a.
	for i := range a.Channels[0] {
		if d := math.Abs(float64(a.Channels[0][i] - b.Channels[0][i])); d > 1e-4 {
			t.Fatalf("sample %d differs by %v across frames", i, d)
		}
	}
}

func writeWAV(t *testing.T, values []int, channels uint16) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	w := wav.NewWriter(f, uint32(len(values)), channels, 48000, 16)
	samples := make([]wav.Sample, len(values))
	for i, v := range values {
		samples[i].Values[0] = v
		samples[i].Values[1] = -v
	}
	if err := w.WriteSamples(samples); err != nil {
		t.Fatalf("WriteSamples: %v", err)
	}
	return path
}

func TestWAVLoopsAndMapsChannels(t *testing.T) {
	path := writeWAV(t, []int{16384, 0, -16384}, 2)

	src, err := Open("wav", path, 0, 48000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	f := NewFrame(4, 4)
	if err := src.Read(f); err != nil {
		t.Fatalf("Read: %v", err)
	}

	ch0 := f.Channels[0]
	if ch0[0] <= 0 || ch0[1] != 0 || ch0[2] != -ch0[0] {
		t.Fatalf("channel 0 = %v, want [+x 0 -x ...]", ch0)
	}
	if ch0[3] != ch0[0] {
		t.Fatalf("channel 0 sample 3 = %v, want loop back to %v", ch0[3], ch0[0])
	}
	for i := range ch0 {
		if f.Channels[1][i] != -ch0[i] {
			t.Fatalf("channel 1 sample %d = %v, want %v", i, f.Channels[1][i], -ch0[i])
		}
		if f.Channels[2][i] != ch0[i] {
			t.Fatalf("channel 2 should repeat channel 0: sample %d = %v", i, f.Channels[2][i])
		}
	}

	// The next frame continues from the loop position.
	if err := src.Read(f); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Channels[0][0] != 0 {
		t.Fatalf("second frame starts at %v, want the file's second sample 0", f.Channels[0][0])
	}
}

func TestOpenRejectsUnknownKind(t *testing.T) {
	if _, err := Open("mic", "", 440, 48000); err == nil {
		t.Fatal("Open should reject unknown source kind")
	}
	if _, err := Open("wav", filepath.Join(t.TempDir(), "missing.wav"), 0, 48000); err == nil {
		t.Fatal("Open should fail for a missing WAV file")
	}
}

func TestPumpDeliversFramesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var frames atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Pump(ctx, Silence{}, 2, 64, 2*time.Millisecond, func(f *Frame) {
		if f.NumChannels() != 2 || f.Len() != 64 {
			t.Errorf("frame = %dx%d, want 2x64", f.NumChannels(), f.Len())
		}
		frames.Add(1)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Pump = %v, want Canceled", err)
	}
	if frames.Load() == 0 {
		t.Fatal("Pump delivered no frames")
	}
}
