package metrics

import (
	"sync"
	"testing"
)

func TestCounter(t *testing.T) {
	var c Counter
	c.Inc()
	c.Add(5)
	c.Add(-3) // ignored
	if got := c.Value(); got != 6 {
		t.Errorf("Value = %d, want 6", got)
	}
}

func TestCounterConcurrent(t *testing.T) {
	var c Counter
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	if got := c.Value(); got != 5000 {
		t.Errorf("Value = %d, want 5000", got)
	}
}

func TestGauge(t *testing.T) {
	var g Gauge
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	if got := g.Value(); got != 9 {
		t.Errorf("Value = %d, want 9", got)
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram()
	if h.Mean() != 0 || h.Min() != 0 || h.Max() != 0 {
		t.Error("empty histogram must read zero")
	}

	for _, v := range []float64{0.5, 0.7, 0.9} {
		h.Observe(v)
	}
	if got := h.Count(); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}
	if got := h.Mean(); got < 0.69 || got > 0.71 {
		t.Errorf("Mean = %f, want 0.7", got)
	}
	if h.Min() != 0.5 || h.Max() != 0.9 {
		t.Errorf("Min/Max = %f/%f, want 0.5/0.9", h.Min(), h.Max())
	}
}

func TestEWMATick(t *testing.T) {
	e := StandardEWMA(0.5)
	e.Update(100)
	e.Tick()
	if got := e.Rate(); got != 20.0 {
		t.Errorf("Rate = %f, want 20 (100 samples / 5s)", got)
	}
	e.Tick()
	if got := e.Rate(); got != 10.0 {
		t.Errorf("Rate after empty tick = %f, want 10", got)
	}
}

func TestSyncAggregate(t *testing.T) {
	s := NewSync()

	s.SessionStarted()
	s.SessionStarted()
	s.RecordDelta(4096, 8192, 8192.0/12288.0)
	s.SessionFinished(true)
	s.SessionFinished(false)

	snap := s.Snapshot()
	if snap.SessionsStarted != 2 || snap.SessionsCompleted != 1 || snap.SessionsFailed != 1 {
		t.Errorf("sessions = %+v, want 2 started, 1 completed, 1 failed", snap)
	}
	if snap.SessionsInFlight != 0 {
		t.Errorf("SessionsInFlight = %d, want 0", snap.SessionsInFlight)
	}
	if snap.BytesTransferred != 4096 || snap.BytesSaved != 8192 {
		t.Errorf("bytes = %d/%d, want 4096/8192", snap.BytesTransferred, snap.BytesSaved)
	}
	if snap.AvgCompressionRatio < 0.66 || snap.AvgCompressionRatio > 0.67 {
		t.Errorf("AvgCompressionRatio = %f, want ~0.667", snap.AvgCompressionRatio)
	}
}

func TestRecordDeltaSkipsEmptyRatio(t *testing.T) {
	s := NewSync()
	s.RecordDelta(0, 0, 0)
	if got := s.CompressionRatio.Count(); got != 0 {
		t.Errorf("ratio observations = %d for empty delta, want 0", got)
	}
}
