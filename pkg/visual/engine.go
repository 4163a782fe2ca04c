// Package visual produces throttled spectrum snapshots for the two audio
// directions: the microphone (input) and the synthesized response
// (output). Each channel owns its own analyzer and sampling loop;
// snapshots are pushed to observers only when enough time has passed and
// the change is large enough to matter, so rendering load stays bounded
// while sampling runs at full frame rate.
package visual

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/voiceagent/voice-client-go/pkg/pcm"
)

const (
	// transformSize is the analysis FFT length; snapshots carry
	// transformSize/2 magnitude bins.
	transformSize = 512

	// BinCount is the fixed length of Snapshot.Bins.
	BinCount = transformSize / 2

	// frameInterval approximates a display refresh tick.
	frameInterval = time.Second / 60

	// pushInterval and levelEpsilon form the debounce/deadband filter:
	// a snapshot reaches observers only when pushInterval has elapsed
	// since the last push AND (the level moved more than levelEpsilon
	// or the active flag flipped).
	pushInterval = 200 * time.Millisecond
	levelEpsilon = 0.01

	// InputActiveThreshold and OutputActiveThreshold are the per-channel
	// levels above which a channel counts as active. The output side is
	// lower because synthesized audio sits closer to silence between
	// utterances.
	InputActiveThreshold  = 0.02
	OutputActiveThreshold = 0.01

	// Byte magnitudes map decibels in [minDB, maxDB] onto 0..255.
	minDB = -100.0
	maxDB = -30.0
)

// Snapshot is one throttled spectrum observation.
type Snapshot struct {
	Bins   []byte  `json:"bins"`
	Level  float64 `json:"level"`
	Active bool    `json:"active"`
}

// Channel is one independent analysis/sampling loop.
type Channel struct {
	name            string
	activeThreshold float64
	logger          *slog.Logger

	fft     *fourier.FFT
	scratch []float64
	coeffs  []complex128

	mu     sync.Mutex
	window []float64 // most recent transformSize samples

	onSnapshot func(Snapshot)
	lastPush   time.Time
	last       Snapshot
	pushed     bool

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newChannel(name string, activeThreshold float64, logger *slog.Logger) *Channel {
	return &Channel{
		name:            name,
		activeThreshold: activeThreshold,
		logger:          logger,
		fft:             fourier.NewFFT(transformSize),
		scratch:         make([]float64, transformSize),
		coeffs:          make([]complex128, transformSize/2+1),
		window:          make([]float64, transformSize),
		closeCh:         make(chan struct{}),
	}
}

// OnSnapshot registers the observer. Must be called before Start.
func (c *Channel) OnSnapshot(fn func(Snapshot)) {
	c.onSnapshot = fn
}

// Feed delivers int16 PCM into the channel's analysis window. Multiple
// sources may feed the same channel; each write shifts the shared
// window, so concurrent sources mix into one analyzer.
func (c *Channel) Feed(samples []int16) {
	c.feed(pcm.Int16ToFloat64(samples))
}

// FeedFloats delivers float32 PCM in [-1, 1], the format produced by
// the opus decoder on the playback path.
func (c *Channel) FeedFloats(samples []float32) {
	converted := make([]float64, len(samples))
	for i, s := range samples {
		converted[i] = float64(s)
	}
	c.feed(converted)
}

func (c *Channel) feed(samples []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(samples) >= len(c.window) {
		copy(c.window, samples[len(samples)-len(c.window):])
		return
	}
	keep := len(c.window) - len(samples)
	copy(c.window, c.window[len(samples):])
	copy(c.window[keep:], samples)
}

// AttachSource routes a PCM source channel into this analyzer. Several
// sources may be attached; they all share the analysis window. The
// drain goroutine exits when the source closes or the channel stops.
func (c *Channel) AttachSource(src <-chan []float32) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.closeCh:
				return
			case samples, ok := <-src:
				if !ok {
					return
				}
				c.FeedFloats(samples)
			}
		}
	}()
}

func (c *Channel) start() {
	c.wg.Add(1)
	go c.sampleLoop()
}

func (c *Channel) sampleLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			snap := c.sample(time.Now())
			if snap != nil && c.onSnapshot != nil {
				c.onSnapshot(*snap)
			}
		}
	}
}

// sample computes the current snapshot and applies the debounce filter,
// returning nil when the observation should not be pushed.
func (c *Channel) sample(now time.Time) *Snapshot {
	c.mu.Lock()
	copy(c.scratch, c.window)
	c.mu.Unlock()

	snap := c.analyze()

	if c.pushed {
		if now.Sub(c.lastPush) < pushInterval {
			return nil
		}
		levelMoved := math.Abs(snap.Level-c.last.Level) > levelEpsilon
		if !levelMoved && snap.Active == c.last.Active {
			return nil
		}
	}

	c.lastPush = now
	c.last = snap
	c.pushed = true
	return &snap
}

// analyze converts the scratch window into byte magnitudes and the
// derived level/active pair. Level is always mean(bins)/255, so it is a
// pure function of the bins and stays within [0, 1].
func (c *Channel) analyze() Snapshot {
	coeffs := c.fft.Coefficients(c.coeffs, c.scratch)

	bins := make([]byte, BinCount)
	var sum float64
	for k := 0; k < BinCount; k++ {
		mag := 2 * math.Hypot(real(coeffs[k]), imag(coeffs[k])) / transformSize
		db := minDB
		if mag > 0 {
			db = 20 * math.Log10(mag)
		}
		if db < minDB {
			db = minDB
		}
		if db > maxDB {
			db = maxDB
		}
		v := math.Round(255 * (db - minDB) / (maxDB - minDB))
		bins[k] = byte(v)
		sum += v
	}

	level := sum / 255 / BinCount
	return Snapshot{
		Bins:   bins,
		Level:  level,
		Active: level > c.activeThreshold,
	}
}

// close stops the sampling loop and any attached source drains. Safe to
// call multiple times.
func (c *Channel) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
	c.wg.Wait()
}

// Engine owns the two visualization channels.
type Engine struct {
	Input  *Channel
	Output *Channel

	logger    *slog.Logger
	closeOnce sync.Once
}

// NewEngine creates the input and output channels.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Input:  newChannel("input", InputActiveThreshold, logger),
		Output: newChannel("output", OutputActiveThreshold, logger),
		logger: logger,
	}
}

// Start launches both sampling loops.
func (e *Engine) Start() {
	e.Input.start()
	e.Output.start()
}

// Close tears down both channels. Idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.Input.close()
		e.Output.close()
		e.logger.Debug("visualization engine stopped")
	})
	return nil
}
