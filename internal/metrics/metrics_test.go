package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.PacketSent(StreamAudio, 10)
	c.SendError(StreamProbe)
	c.FrameDropped()
	c.FrameGated()
	c.QueueDepth(3)
	c.ProbeFeedback(1, 2)
	c.Response("authenticate", 0)
	c.StateChanged("disconnected", "connecting")
	c.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "x"}))
	if c.Registry() != nil {
		t.Fatal("nil collector should have no registry")
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	c := New()
	c.PacketSent(StreamAudio, 8192)
	c.PacketSent(StreamAudio, 8192)
	c.SendError(StreamProbe)
	c.StateChanged("stream_ready", "streaming")
	c.Response("authenticate", 7)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`audio_sender_packets_sent_total{stream="audio"} 2`,
		`audio_sender_payload_bytes_sent_total{stream="audio"} 16384`,
		`audio_sender_send_errors_total{stream="probe"} 1`,
		`audio_sender_control_connection_state{state="streaming"} 1`,
		`audio_sender_control_connection_state{state="stream_ready"} 0`,
		`audio_sender_control_responses_total{code="7",function="authenticate"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, out)
		}
	}
}

func TestCollectorsArePrivatePerInstance(t *testing.T) {
	a, b := New(), New()
	a.FrameDropped()

	mfs, err := b.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "audio_sender_frames_dropped_total" {
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 0 {
				t.Fatalf("frames_dropped on second collector = %v, want 0", v)
			}
		}
	}
}
