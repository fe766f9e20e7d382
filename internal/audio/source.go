package audio

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/youpy/go-wav"

	"github.com/TheChosenO1/pamplejuce/internal/logging"
)

var log = logging.L("audio")

// Source fills frames with captured or synthesised audio.
type Source interface {
	Read(f *Frame) error
	Close() error
}

// Pump reads a frame from src every interval and hands it to fn until ctx
// is done or src fails. fn must not retain the frame.
func Pump(ctx context.Context, src Source, channels, length int, interval time.Duration, fn func(*Frame)) error {
	frame := NewFrame(channels, length)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := src.Read(frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		fn(frame)
	}
}

// Silence produces zeroed frames.
type Silence struct{}

func (Silence) Read(f *Frame) error {
	f.Clear()
	return nil
}

func (Silence) Close() error { return nil }

// Tone produces a sine wave on every channel.
type Tone struct {
	freq       float64
	sampleRate float64
	amplitude  float64
	phase      float64
}

// NewTone creates a sine source at freqHz.
func NewTone(freqHz float64, sampleRate int) *Tone {
	return &Tone{freq: freqHz, sampleRate: float64(sampleRate), amplitude: 0.25}
}

func (t *Tone) Read(f *Frame) error {
	step := 2 * math.Pi * t.freq / t.sampleRate
	for _, ch := range f.Channels {
		p := t.phase
		for i := range ch {
			ch[i] = float32(t.amplitude * math.Sin(p))
			p += step
		}
	}
	t.phase = math.Mod(t.phase+step*float64(f.Len()), 2*math.Pi)
	return nil
}

func (t *Tone) Close() error { return nil }

// WAV loops the decoded contents of a WAV file. Frame channels beyond the
// file's channel count repeat its channels in order.
type WAV struct {
	samples    [][]float32
	pos        int
	SampleRate int
}

// OpenWAV decodes path fully into memory.
func OpenWAV(path string) (*WAV, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	r := wav.NewReader(file)
	format, err := r.Format()
	if err != nil {
		return nil, fmt.Errorf("failed to get WAV format: %w", err)
	}
	channels := int(format.NumChannels)
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("unsupported WAV channel count %d", channels)
	}

	out := make([][]float32, channels)
	for {
		samples, err := r.ReadSamples(4096)
		for _, s := range samples {
			for c := 0; c < channels; c++ {
				out[c] = append(out[c], float32(r.FloatValue(s, uint(c))))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read WAV samples: %w", err)
		}
	}
	if len(out[0]) == 0 {
		return nil, fmt.Errorf("WAV file %s has no samples", path)
	}

	log.Info("loaded WAV source",
		"path", path,
		"sampleRate", format.SampleRate,
		"channels", channels,
		"bits", format.BitsPerSample,
		"samples", len(out[0]),
	)
	return &WAV{samples: out, SampleRate: int(format.SampleRate)}, nil
}

func (w *WAV) Read(f *Frame) error {
	total := len(w.samples[0])
	n := f.Len()
	for c, ch := range f.Channels {
		src := w.samples[c%len(w.samples)]
		pos := w.pos
		for i := 0; i < n; i++ {
			ch[i] = src[pos]
			pos++
			if pos == total {
				pos = 0
			}
		}
	}
	w.pos = (w.pos + n) % total
	return nil
}

func (w *WAV) Close() error { return nil }

// Open builds the source named by kind: "tone", "wav" or "silence".
func Open(kind, path string, toneHz float64, sampleRate int) (Source, error) {
	switch kind {
	case "", "tone":
		return NewTone(toneHz, sampleRate), nil
	case "silence":
		return Silence{}, nil
	case "wav":
		w, err := OpenWAV(path)
		if err != nil {
			return nil, err
		}
		if w.SampleRate != sampleRate {
			log.Warn("WAV sample rate differs from stream rate; playing without resampling",
				"file", w.SampleRate, "stream", sampleRate)
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", kind)
	}
}
