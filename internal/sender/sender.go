// Package sender packetizes captured audio frames and transmits them on the
// session's data channel.
package sender

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/TheChosenO1/pamplejuce/internal/audio"
	"github.com/TheChosenO1/pamplejuce/internal/logging"
	"github.com/TheChosenO1/pamplejuce/internal/metrics"
	"github.com/TheChosenO1/pamplejuce/internal/transport"
)

var log = logging.L("sender")

const (
	// CounterWrapFrames is the number of frames after which the sequence
	// counter returns to zero.
	CounterWrapFrames = 150
	// SampleSize is the wire size of one sample.
	SampleSize = 4

	DefaultQueueSize = 64
)

// SendError reports a packet the transport refused. The session continues.
type SendError struct {
	Channel transport.ChannelID
	Counter int
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send audio packet %d on channel %d: %v", e.Counter, e.Channel, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// DataSender is the part of the transport the sender needs.
type DataSender interface {
	SendData(ch transport.ChannelID, payload []byte, meta any) error
}

// Options wire a Sender to its session.
type Options struct {
	Service DataSender
	// Channel returns the current data channel.
	Channel func() transport.ChannelID
	// Loading reports whether the stream is still being set up. Frames are
	// skipped while it returns true.
	Loading func() bool
	// OnFirstSend runs once after the first successful send following New
	// or Reset.
	OnFirstSend func()
	QueueSize   int
	Metrics     *metrics.Collector
}

// Stats counts frames through the sender.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Gated   uint64
	Dropped uint64
	Queued  int
}

// Sender serializes frames channel-major as little-endian float32 and hands
// them to the transport. Enqueue is safe on the capture path; Run drains the
// queue on a single goroutine so sends and the counter are never raced.
type Sender struct {
	svc         DataSender
	channel     func() transport.ChannelID
	loading     func() bool
	onFirstSend func()
	metrics     *metrics.Collector

	sendMu    sync.Mutex
	counter   int
	firstSent bool

	qMu      sync.Mutex
	q        *queue.Queue
	free     []*audio.Frame
	capacity int
	notify   chan struct{}

	bufPool sync.Pool

	sent    atomic.Uint64
	failed  atomic.Uint64
	gated   atomic.Uint64
	dropped atomic.Uint64
}

// New creates a sender with an empty queue.
func New(opts Options) *Sender {
	if opts.QueueSize < 1 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Loading == nil {
		opts.Loading = func() bool { return false }
	}
	return &Sender{
		svc:         opts.Service,
		channel:     opts.Channel,
		loading:     opts.Loading,
		onFirstSend: opts.OnFirstSend,
		metrics:     opts.Metrics,
		q:           queue.New(),
		capacity:    opts.QueueSize,
		notify:      make(chan struct{}, 1),
	}
}

// Send transmits f now. It is a no-op while the stream is loading. On
// success the counter advances by the frame length, wrapping at
// CounterWrapFrames frames.
func (s *Sender) Send(f *audio.Frame) error {
	if s.loading() {
		s.gated.Add(1)
		s.metrics.FrameGated()
		return nil
	}

	n, channels := f.Len(), f.NumChannels()
	if n == 0 || channels == 0 {
		return nil
	}

	bufp := s.getBuffer(SampleSize * n * channels)
	defer s.bufPool.Put(bufp)
	payload := AppendFrame((*bufp)[:0], f)
	*bufp = payload

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ch := s.channel()
	meta := transport.AudioMeta{
		CounterValue: s.counter,
		NumChannel:   channels,
		Timestamp:    time.Now().UnixMicro(),
	}
	if err := s.svc.SendData(ch, payload, meta); err != nil {
		s.failed.Add(1)
		s.metrics.SendError(metrics.StreamAudio)
		sendErr := &SendError{Channel: ch, Counter: s.counter, Err: err}
		log.Warn("audio send failed", logging.KeyChannelID, int64(ch), logging.KeyError, err)
		return sendErr
	}

	s.counter += n
	s.counter %= CounterWrapFrames * n
	s.sent.Add(1)
	s.metrics.PacketSent(metrics.StreamAudio, len(payload))

	if !s.firstSent {
		s.firstSent = true
		if s.onFirstSend != nil {
			s.onFirstSend()
		}
	}
	return nil
}

func (s *Sender) getBuffer(size int) *[]byte {
	if v := s.bufPool.Get(); v != nil {
		bufp := v.(*[]byte)
		if cap(*bufp) >= size {
			return bufp
		}
	}
	b := make([]byte, 0, size)
	return &b
}

// AppendFrame appends f to dst channel by channel, each sample as a
// little-endian IEEE 754 float32.
func AppendFrame(dst []byte, f *audio.Frame) []byte {
	for _, ch := range f.Channels {
		for _, v := range ch {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		}
	}
	return dst
}

// DecodeFrame is the inverse of AppendFrame for a payload of the given
// channel count.
func DecodeFrame(payload []byte, channels int) (*audio.Frame, error) {
	if channels < 1 || len(payload)%(SampleSize*channels) != 0 {
		return nil, fmt.Errorf("payload of %d bytes does not hold %d channels", len(payload), channels)
	}
	n := len(payload) / (SampleSize * channels)
	f := audio.NewFrame(channels, n)
	for c := range f.Channels {
		for i := range f.Channels[c] {
			off := (c*n + i) * SampleSize
			f.Channels[c][i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		}
	}
	return f, nil
}

// Enqueue copies f onto the send queue without blocking. When the queue is
// full the oldest frame is dropped and Enqueue returns false.
func (s *Sender) Enqueue(f *audio.Frame) bool {
	s.qMu.Lock()
	var frame *audio.Frame
	if n := len(s.free); n > 0 {
		frame = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		frame = &audio.Frame{}
	}
	frame.CopyFrom(f)

	kept := true
	if s.q.Length() >= s.capacity {
		old := s.q.Remove().(*audio.Frame)
		s.free = append(s.free, old)
		kept = false
	}
	s.q.Add(frame)
	depth := s.q.Length()
	s.qMu.Unlock()

	if !kept {
		s.dropped.Add(1)
		s.metrics.FrameDropped()
	}
	s.metrics.QueueDepth(depth)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return kept
}

func (s *Sender) dequeue() *audio.Frame {
	s.qMu.Lock()
	defer s.qMu.Unlock()
	if s.q.Length() == 0 {
		return nil
	}
	return s.q.Remove().(*audio.Frame)
}

func (s *Sender) recycle(f *audio.Frame) {
	s.qMu.Lock()
	if len(s.free) < s.capacity {
		s.free = append(s.free, f)
	}
	s.qMu.Unlock()
}

// Run sends queued frames until ctx is done. Send errors are logged by Send
// and do not stop the loop.
func (s *Sender) Run(ctx context.Context) error {
	log.Info("sender drain loop started")
	defer log.Info("sender drain loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
		}

		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f := s.dequeue()
			if f == nil {
				break
			}
			_ = s.Send(f)
			s.recycle(f)
		}
		s.metrics.QueueDepth(s.QueueLen())
	}
}

// QueueLen is the number of frames waiting to be sent.
func (s *Sender) QueueLen() int {
	s.qMu.Lock()
	defer s.qMu.Unlock()
	return s.q.Length()
}

// Counter returns the sequence counter the next packet will carry.
func (s *Sender) Counter() int {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.counter
}

// Reset clears the queue and the counter for a new session.
func (s *Sender) Reset() {
	s.qMu.Lock()
	for s.q.Length() > 0 {
		f := s.q.Remove().(*audio.Frame)
		if len(s.free) < s.capacity {
			s.free = append(s.free, f)
		}
	}
	s.qMu.Unlock()

	s.sendMu.Lock()
	s.counter = 0
	s.firstSent = false
	s.sendMu.Unlock()
	s.metrics.QueueDepth(0)
}

func (s *Sender) Stats() Stats {
	return Stats{
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Gated:   s.gated.Load(),
		Dropped: s.dropped.Load(),
		Queued:  s.QueueLen(),
	}
}
