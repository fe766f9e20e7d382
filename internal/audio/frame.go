// Package audio provides fixed-size multi-channel frames and the sources
// that produce them at capture cadence.
package audio

// Frame holds one capture block as one sample slice per channel. All
// channels have the same length.
type Frame struct {
	Channels [][]float32
}

// NewFrame allocates a zeroed frame.
func NewFrame(channels, length int) *Frame {
	f := &Frame{Channels: make([][]float32, channels)}
	backing := make([]float32, channels*length)
	for c := range f.Channels {
		f.Channels[c] = backing[c*length : (c+1)*length : (c+1)*length]
	}
	return f
}

func (f *Frame) NumChannels() int {
	return len(f.Channels)
}

// Len is the number of samples per channel.
func (f *Frame) Len() int {
	if len(f.Channels) == 0 {
		return 0
	}
	return len(f.Channels[0])
}

// CopyFrom resizes f to match src and copies its samples.
func (f *Frame) CopyFrom(src *Frame) {
	n, length := src.NumChannels(), src.Len()
	if f.NumChannels() != n || f.Len() != length {
		*f = *NewFrame(n, length)
	}
	for c := range src.Channels {
		copy(f.Channels[c], src.Channels[c])
	}
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	out := &Frame{}
	out.CopyFrom(f)
	return out
}

// ApplyGain scales every sample in place.
func (f *Frame) ApplyGain(gain float32) {
	if gain == 1 {
		return
	}
	for _, ch := range f.Channels {
		for i := range ch {
			ch[i] *= gain
		}
	}
}

// Clear zeroes every sample.
func (f *Frame) Clear() {
	for _, ch := range f.Channels {
		clear(ch)
	}
}
