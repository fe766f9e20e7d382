package probe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUpdateEstimatedJitterTrace(t *testing.T) {
	e := NewEstimator()

	steps := []struct {
		transit    int64
		wantJitter int64
		wantTotal  int64
	}{
		{100, 0, 0}, // first sample only seeds the transit time
		{105, 0, 0}, // delta 5: 0 + (5-0)/16 = 0
		{103, 0, 0}, // delta -2: 0 + (2-0)/16 = 0
		{110, 0, 0}, // delta 7: 0 + (7-0)/16 = 0
	}
	for i, s := range steps {
		e.UpdateEstimatedJitter(s.transit, i)
		snap := e.Snapshot()
		if snap.Jitter != s.wantJitter {
			t.Fatalf("step %d: Jitter = %d, want %d", i, snap.Jitter, s.wantJitter)
		}
		if snap.TotalJitter != s.wantTotal {
			t.Fatalf("step %d: TotalJitter = %d, want %d", i, snap.TotalJitter, s.wantTotal)
		}
		if snap.LastTransitTime != s.transit {
			t.Fatalf("step %d: LastTransitTime = %d, want %d", i, snap.LastTransitTime, s.transit)
		}
		if snap.SampleCount != int64(i+1) {
			t.Fatalf("step %d: SampleCount = %d, want %d", i, snap.SampleCount, i+1)
		}
	}
	if got := e.Snapshot().InterArrivalTime; got != 7 {
		t.Fatalf("InterArrivalTime = %d, want 7", got)
	}
}

func TestJitterConvergesToSteadyDelta(t *testing.T) {
	e := NewEstimator()

	// Alternating transit times give |delta| = 400 on every report after
	// the first.
	for i := 0; i < 200; i++ {
		transit := int64(1000)
		if i%2 == 1 {
			transit = 1400
		}
		e.UpdateEstimatedJitter(transit, i)
	}

	j := e.Jitter()
	if j == 0 {
		t.Fatal("jitter should be nonzero after sustained variation")
	}
	// Truncating division stops the estimate 15 short of the delta.
	if j < 380 || j > 400 {
		t.Fatalf("Jitter = %d, want within [380, 400]", j)
	}

	e.UpdateEstimatedJitter(1000, 200)
	snap := e.Snapshot()
	if snap.Jitter < j {
		t.Fatalf("Jitter fell from %d to %d on an equal delta", j, snap.Jitter)
	}
}

func TestFirstJitterSteps(t *testing.T) {
	e := NewEstimator()
	e.UpdateEstimatedJitter(0, 0)
	e.UpdateEstimatedJitter(160, 1) // 0 + 160/16 = 10
	e.UpdateEstimatedJitter(0, 2)   // 10 + (160-10)/16 = 19
	e.UpdateEstimatedJitter(0, 3)   // 19 + (0-19)/16 = 18

	snap := e.Snapshot()
	if snap.Jitter != 18 {
		t.Fatalf("Jitter = %d, want 18", snap.Jitter)
	}
	if snap.TotalJitter != 10+19+18 {
		t.Fatalf("TotalJitter = %d, want %d", snap.TotalJitter, 10+19+18)
	}
	if got := e.AverageJitter(); got != (10+19+18)/4 {
		t.Fatalf("AverageJitter = %d, want %d", got, (10+19+18)/4)
	}
}

func TestReadyOnlyAtLastIndex(t *testing.T) {
	e := NewEstimator()
	for i := 0; i < LastIndex; i++ {
		e.UpdateEstimatedJitter(int64(100+i%7), i)
		if e.Ready() {
			t.Fatalf("Ready() = true after index %d, want false", i)
		}
	}
	e.UpdateEstimatedJitter(100, LastIndex)
	if !e.Ready() {
		t.Fatal("Ready() = false after index 9999, want true")
	}
	if got := e.Snapshot().SampleCount; got != PacketCount {
		t.Fatalf("SampleCount = %d, want %d", got, PacketCount)
	}
}

func TestReadyTracksIndexNotCount(t *testing.T) {
	e := NewEstimator()
	// Final probe reported early, out of order.
	e.UpdateEstimatedJitter(100, LastIndex)
	if !e.Ready() {
		t.Fatal("Ready() should follow index 9999 even as the first report")
	}

	e2 := NewEstimator()
	for i := 0; i < PacketCount+5; i++ {
		e2.UpdateEstimatedJitter(100, i%LastIndex)
	}
	if e2.Ready() {
		t.Fatal("Ready() should stay false when index 9999 never arrives")
	}
}

func TestAverageJitterWithoutSamples(t *testing.T) {
	e := NewEstimator()
	if got := e.AverageJitter(); got != 0 {
		t.Fatalf("AverageJitter = %d, want 0", got)
	}
}

func TestWaitReady(t *testing.T) {
	e := NewEstimator()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitReady = %v, want DeadlineExceeded", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		e.UpdateEstimatedJitter(1, LastIndex)
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := e.WaitReady(ctx2); err != nil {
		t.Fatalf("WaitReady = %v, want nil", err)
	}
}

func TestReset(t *testing.T) {
	e := NewEstimator()
	e.UpdateEstimatedJitter(10, 0)
	e.UpdateEstimatedJitter(400, LastIndex)
	e.Reset()

	snap := e.Snapshot()
	if snap.LastTransitTime != -1 || snap.SampleCount != 0 || snap.Ready {
		t.Fatalf("Snapshot after Reset = %+v, want fresh estimate", snap)
	}
	if e.Ready() {
		t.Fatal("Ready() should be false after Reset")
	}
}
