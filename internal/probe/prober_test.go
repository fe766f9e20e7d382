package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TheChosenO1/pamplejuce/internal/transport"
)

type recordingSender struct {
	mu     sync.Mutex
	sizes  []int
	metas  []transport.ProbeMeta
	failAt map[int]bool
	block  chan struct{}
}

func (r *recordingSender) SendData(_ transport.ChannelID, payload []byte, meta any) error {
	if r.block != nil {
		<-r.block
	}
	m := meta.(transport.ProbeMeta)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes = append(r.sizes, len(payload))
	r.metas = append(r.metas, m)
	if r.failAt[m.PacketIndex] {
		return errors.New("send failed")
	}
	return nil
}

func TestRunSendsFullSequence(t *testing.T) {
	rs := &recordingSender{}
	p := NewProber(rs, Options{Interval: -1})

	res, err := p.Run(context.Background(), 5)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Sent != PacketCount || res.Failed != 0 {
		t.Fatalf("Result = %+v, want %d sent", res, PacketCount)
	}
	if len(rs.metas) != PacketCount {
		t.Fatalf("sent %d probes, want %d", len(rs.metas), PacketCount)
	}
	for i, m := range rs.metas {
		if m.PacketIndex != i {
			t.Fatalf("probe %d has index %d", i, m.PacketIndex)
		}
		if rs.sizes[i] != PacketSize {
			t.Fatalf("probe %d is %d bytes, want %d", i, rs.sizes[i], PacketSize)
		}
		if i > 0 && m.Timestamp < rs.metas[i-1].Timestamp {
			t.Fatalf("probe %d timestamp went backwards", i)
		}
	}
	if got := p.Measurements(); got != PacketCount {
		t.Fatalf("Measurements = %d, want %d", got, PacketCount)
	}
}

func TestRunContinuesAfterSendErrors(t *testing.T) {
	rs := &recordingSender{failAt: map[int]bool{1: true, 3: true}}
	p := NewProber(rs, Options{Count: 5, Interval: -1})

	res, err := p.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Sent != 3 || res.Failed != 2 {
		t.Fatalf("Result = %+v, want 3 sent 2 failed", res)
	}
	if got := p.Failures(); got != 2 {
		t.Fatalf("Failures = %d, want 2", got)
	}
}

func TestRunHonoursInterval(t *testing.T) {
	rs := &recordingSender{}
	p := NewProber(rs, Options{Count: 6, Interval: 5 * time.Millisecond})

	start := time.Now()
	if _, err := p.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("6 probes at 5ms took %v, want at least 25ms of spacing", elapsed)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	rs := &recordingSender{}
	p := NewProber(rs, Options{Interval: 2 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := p.Run(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want Canceled", err)
	}
	if res.Sent == 0 || res.Sent >= PacketCount {
		t.Fatalf("Sent = %d, want a partial run", res.Sent)
	}
	if p.Running() {
		t.Fatal("Running() should be false after Run returns")
	}
}

func TestSecondRunRejected(t *testing.T) {
	rs := &recordingSender{block: make(chan struct{})}
	p := NewProber(rs, Options{Count: 1, Interval: -1})

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), 1)
		close(done)
	}()
	for !p.Running() {
		time.Sleep(time.Millisecond)
	}

	if _, err := p.Run(context.Background(), 1); !errors.Is(err, ErrProbeRunning) {
		t.Fatalf("second Run = %v, want ErrProbeRunning", err)
	}

	close(rs.block)
	<-done
}
