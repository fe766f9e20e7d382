package engine

import (
	"context"
	"testing"
	"time"

	"github.com/TheChosenO1/pamplejuce/internal/audio"
	"github.com/TheChosenO1/pamplejuce/internal/config"
	"github.com/TheChosenO1/pamplejuce/internal/controller"
	"github.com/TheChosenO1/pamplejuce/internal/metrics"
	"github.com/TheChosenO1/pamplejuce/internal/probe"
	"github.com/TheChosenO1/pamplejuce/internal/sender"
	"github.com/TheChosenO1/pamplejuce/internal/transport"
	"github.com/TheChosenO1/pamplejuce/internal/transport/transporttest"
)

func newTestEngine(t *testing.T) (*Engine, *transporttest.Fake) {
	t.Helper()
	cfg := config.Default()
	cfg.Username = "u"
	cfg.Password = "p"
	cfg.WaitTimeoutSeconds = 2

	fake := transporttest.New()
	e := New(Options{
		Config:  cfg,
		Service: fake,
		Metrics: metrics.New(),
		Probe:   probe.Options{Count: 3, Interval: -1},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Close(ctx)
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e, fake
}

func startStream(t *testing.T, e *Engine) transport.ChannelID {
	t.Helper()
	ctx := context.Background()
	if code, err := e.SetupControlChannel(ctx); err != nil || code != 0 {
		t.Fatalf("SetupControlChannel = %d, %v; want 0, nil", code, err)
	}
	if code, err := e.CreateSender(ctx); err != nil || code != 0 {
		t.Fatalf("CreateSender = %d, %v; want 0, nil", code, err)
	}
	return e.Status().Session.DataChannel
}

func filledFrame(channels, length int, v float32) *audio.Frame {
	f := audio.NewFrame(channels, length)
	for c := range f.Channels {
		for i := range f.Channels[c] {
			f.Channels[c][i] = v
		}
	}
	return f
}

func TestInitialStatus(t *testing.T) {
	e, _ := newTestEngine(t)
	st := e.Status()
	if st.AuthStatusCode != controller.StatusUnset || st.CreateSenderStatusCode != controller.StatusUnset {
		t.Fatalf("status codes = %d, %d; want %d", st.AuthStatusCode, st.CreateSenderStatusCode, controller.StatusUnset)
	}
	if !st.Loading || st.State != controller.StateDisconnected {
		t.Fatalf("Loading = %v State = %s; want true and %s", st.Loading, st.State, controller.StateDisconnected)
	}
	if st.Volume != 1 {
		t.Fatalf("Volume = %v, want 1", st.Volume)
	}
}

func TestProcessBlockGatedUntilStreamCreated(t *testing.T) {
	e, fake := newTestEngine(t)

	if e.ProcessBlock(filledFrame(4, 64, 0.25)) {
		t.Fatal("block queued before the stream exists")
	}

	ch := startStream(t, e)
	const n = 64
	if !e.ProcessBlock(filledFrame(4, n, 0.25)) {
		t.Fatal("block not queued on a live stream")
	}

	pkts := fake.WaitPackets(ch, 1, 2*time.Second)
	if len(pkts) != 1 {
		t.Fatalf("audio packets = %d, want 1", len(pkts))
	}
	if len(pkts[0].Payload) != 4*n*4 {
		t.Fatalf("payload = %d bytes, want %d", len(pkts[0].Payload), 4*n*4)
	}
	if meta := pkts[0].Meta.(transport.AudioMeta); meta.CounterValue != 0 {
		t.Fatalf("counter = %d, want 0", meta.CounterValue)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.Status().State != controller.StateStreaming {
		if time.Now().After(deadline) {
			t.Fatalf("State = %s, want %s", e.Status().State, controller.StateStreaming)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProcessBlockRequiresMinChannels(t *testing.T) {
	e, _ := newTestEngine(t)
	startStream(t, e)

	if e.ProcessBlock(filledFrame(1, 64, 0.25)) {
		t.Fatal("mono block should not be queued with min_channels 2")
	}
	if !e.ProcessBlock(filledFrame(2, 64, 0.25)) {
		t.Fatal("stereo block should be queued")
	}
}

func TestVolumeAppliedAfterQueueing(t *testing.T) {
	e, fake := newTestEngine(t)
	ch := startStream(t, e)

	e.SetVolume(0.5)
	f := filledFrame(2, 16, 1)
	e.ProcessBlock(f)
	if f.Channels[0][0] != 0.5 {
		t.Fatalf("monitored sample = %v, want 0.5", f.Channels[0][0])
	}

	pkts := fake.WaitPackets(ch, 1, 2*time.Second)
	if len(pkts) != 1 {
		t.Fatalf("audio packets = %d, want 1", len(pkts))
	}
	sent, err := sender.DecodeFrame(pkts[0].Payload, 2)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if sent.Channels[1][15] != 1 {
		t.Fatalf("sent sample = %v, want unscaled 1", sent.Channels[1][15])
	}

	e.SetVolume(-1)
	if e.Volume() != 0 {
		t.Fatalf("Volume = %v, want negative volume clamped to 0", e.Volume())
	}
}

func TestCloseDisconnectsLiveStream(t *testing.T) {
	e, fake := newTestEngine(t)
	startStream(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(fake.Calls(transport.FuncDisconnect)); n != 1 {
		t.Fatalf("disconnect calls = %d, want 1", n)
	}
	if !e.Status().Loading {
		t.Fatal("loading gate should be re-armed after close")
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCloseWithoutStreamSkipsDisconnect(t *testing.T) {
	e, fake := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(fake.Calls(transport.FuncDisconnect)); n != 0 {
		t.Fatalf("disconnect calls = %d, want 0", n)
	}
}

func TestDisconnectResetsSender(t *testing.T) {
	e, fake := newTestEngine(t)
	ch := startStream(t, e)

	e.ProcessBlock(filledFrame(2, 32, 0.1))
	fake.WaitPackets(ch, 1, 2*time.Second)

	if err := e.DisconnectControlChannel(context.Background()); err != nil {
		t.Fatalf("DisconnectControlChannel: %v", err)
	}
	st := e.Status()
	if st.Session.StreamID != int64(transport.NoChannel) || !st.Loading {
		t.Fatalf("session = %+v loading = %v; want reset", st.Session, st.Loading)
	}
	if e.ProcessBlock(filledFrame(2, 32, 0.1)) {
		t.Fatal("block queued after disconnect")
	}
}
