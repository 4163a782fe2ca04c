package visual

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func silentChannel() *Channel {
	return newChannel("test", InputActiveThreshold, nil)
}

func binTone(bin int, amplitude float64, n int) []float64 {
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amplitude * math.Sin(2*math.Pi*float64(bin)*float64(i)/float64(transformSize))
	}
	return samples
}

func TestAnalyzeSilence(t *testing.T) {
	c := silentChannel()
	copy(c.scratch, make([]float64, transformSize))

	snap := c.analyze()

	if len(snap.Bins) != BinCount {
		t.Fatalf("bin count: got %d, want %d", len(snap.Bins), BinCount)
	}
	for i, b := range snap.Bins {
		if b != 0 {
			t.Fatalf("bin %d nonzero for silence: %d", i, b)
		}
	}
	if snap.Level != 0 {
		t.Errorf("level: got %f, want 0", snap.Level)
	}
	if snap.Active {
		t.Error("silence reported active")
	}
}

func TestAnalyzeToneConcentratesEnergy(t *testing.T) {
	c := silentChannel()
	copy(c.scratch, binTone(32, 0.5, transformSize))

	snap := c.analyze()

	// A 0.5-amplitude bin-exact tone has -6dB magnitude in its bin,
	// which clamps to the top of the display range.
	if snap.Bins[32] != 255 {
		t.Errorf("tone bin: got %d, want 255", snap.Bins[32])
	}
	// Neighbours away from the tone stay at the floor.
	if snap.Bins[100] > 10 {
		t.Errorf("distant bin: got %d, want near 0", snap.Bins[100])
	}
	// One hot bin out of 256 keeps the mean level below the active
	// threshold.
	if snap.Active {
		t.Error("single tone reported active")
	}
}

func TestAnalyzeBroadbandIsActive(t *testing.T) {
	c := silentChannel()

	rng := rand.New(rand.NewSource(1))
	noise := make([]float64, transformSize)
	for i := range noise {
		noise[i] = rng.Float64()*2 - 1
	}
	copy(c.scratch, noise)

	snap := c.analyze()

	if snap.Level <= InputActiveThreshold {
		t.Fatalf("broadband level: got %f, want > %f", snap.Level, InputActiveThreshold)
	}
	if !snap.Active {
		t.Error("broadband noise reported inactive")
	}
}

func TestFeedShiftsWindow(t *testing.T) {
	c := silentChannel()

	first := make([]float64, transformSize)
	for i := range first {
		first[i] = 1.0
	}
	c.feed(first)
	c.feed([]float64{0.25, 0.5})

	if c.window[transformSize-2] != 0.25 || c.window[transformSize-1] != 0.5 {
		t.Errorf("window tail: got %f, %f", c.window[transformSize-2], c.window[transformSize-1])
	}
	if c.window[0] != 1.0 {
		t.Errorf("window head shifted incorrectly: %f", c.window[0])
	}
}

func TestFeedOversizeKeepsTail(t *testing.T) {
	c := silentChannel()

	big := make([]float64, transformSize+10)
	for i := range big {
		big[i] = float64(i)
	}
	c.feed(big)

	if c.window[0] != 10 {
		t.Errorf("window head: got %f, want 10", c.window[0])
	}
	if c.window[transformSize-1] != float64(transformSize+9) {
		t.Errorf("window tail: got %f", c.window[transformSize-1])
	}
}

func TestSampleDebounce(t *testing.T) {
	c := silentChannel()
	t0 := time.Now()

	// First observation always pushes.
	if snap := c.sample(t0); snap == nil {
		t.Fatal("first sample suppressed")
	}

	// Nothing changed and the interval has not elapsed.
	if snap := c.sample(t0.Add(50 * time.Millisecond)); snap != nil {
		t.Error("sample pushed before interval elapsed")
	}

	// Interval elapsed but the signal is unchanged.
	if snap := c.sample(t0.Add(300 * time.Millisecond)); snap != nil {
		t.Error("unchanged sample pushed after interval")
	}

	// Interval elapsed and the level moved.
	rng := rand.New(rand.NewSource(2))
	noise := make([]float64, transformSize)
	for i := range noise {
		noise[i] = rng.Float64()*2 - 1
	}
	c.feed(noise)

	if snap := c.sample(t0.Add(600 * time.Millisecond)); snap == nil {
		t.Error("changed sample suppressed after interval")
	}
}

func TestSnapshotLevelBounds(t *testing.T) {
	c := silentChannel()

	rng := rand.New(rand.NewSource(3))
	noise := make([]float64, transformSize)
	for i := range noise {
		noise[i] = rng.Float64()*2 - 1
	}
	copy(c.scratch, noise)

	snap := c.analyze()
	if snap.Level < 0 || snap.Level > 1 {
		t.Errorf("level out of range: %f", snap.Level)
	}
}

func TestAttachSourceFeedsWindow(t *testing.T) {
	c := silentChannel()

	src := make(chan []float32, 1)
	c.AttachSource(src)

	src <- []float32{0.5, 0.25}
	close(src)

	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		tail := c.window[transformSize-1]
		c.mu.Unlock()
		if tail == 0.25 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("attached source never reached the window")
		case <-time.After(5 * time.Millisecond):
		}
	}

	c.close()
}

func TestEngineSnapshotDelivery(t *testing.T) {
	e := NewEngine(nil)

	snapCh := make(chan Snapshot, 8)
	e.Input.OnSnapshot(func(s Snapshot) {
		select {
		case snapCh <- s:
		default:
		}
	})
	e.Start()
	defer e.Close()

	select {
	case snap := <-snapCh:
		if len(snap.Bins) != BinCount {
			t.Errorf("bin count: got %d, want %d", len(snap.Bins), BinCount)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestEngineCloseIdempotent(t *testing.T) {
	e := NewEngine(nil)
	e.Start()

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
