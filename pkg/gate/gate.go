// Package gate implements the speech gate that sits between microphone
// capture and the outbound media track. Each fixed-size PCM buffer is
// measured for loudness and voice-band energy; buffers that fail either
// check are replaced by silence of identical length so the outbound
// stream never loses samples or timing.
package gate

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/voiceagent/voice-client-go/pkg/pcm"
)

const (
	// BufferSize is the number of samples evaluated per gating decision.
	BufferSize = 4096

	// transformSize is the FFT length used for the voice-band measurement.
	// No smoothing or windowing is applied; the gate wants raw per-buffer
	// spectra, not an averaged display spectrum.
	transformSize = 2048

	voiceBandLowHz  = 300.0
	voiceBandHighHz = 3400.0

	// DefaultVolumeThresholdPercent is the minimum RMS loudness
	// (rms * 100) for a buffer to pass.
	DefaultVolumeThresholdPercent = 2.0

	// DefaultRatioThreshold is the minimum fraction of spectral energy
	// that must fall inside the voice passband.
	DefaultRatioThreshold = 0.2

	// decisionMinInterval limits how often unchanged decisions are
	// republished to observers.
	decisionMinInterval = 100 * time.Millisecond
)

// Decision is the result of evaluating one buffer. It is recomputed for
// every buffer and never persisted.
type Decision struct {
	Pass           bool
	VolumePercent  float64
	VoiceBandRatio float64
}

// ProcessorInitError reports that the spectral analyzer could not be
// built for the given audio parameters. It is non-fatal: the gate
// degrades to passing buffers through unmodified.
type ProcessorInitError struct {
	Reason string
}

func (e *ProcessorInitError) Error() string {
	return fmt.Sprintf("gate analyzer init failed: %s", e.Reason)
}

// Config holds gate construction parameters.
type Config struct {
	SampleRate             int
	VolumeThresholdPercent float64 // 0 means DefaultVolumeThresholdPercent
	RatioThreshold         float64 // 0 means DefaultRatioThreshold
	Logger                 *slog.Logger
}

// Gate converts a raw capture stream into a gated stream. Feed is safe
// to call from the audio engine's data callback; evaluation happens on
// the gate's own goroutine.
type Gate struct {
	sampleRate      int
	volumeThreshold float64
	ratioThreshold  float64
	analyzer        *bandAnalyzer // nil when running in passthrough mode
	logger          *slog.Logger

	onDecision    func(Decision)
	lastDecision  Decision
	lastPublished time.Time
	published     bool
	decisionMu    sync.Mutex

	chunker   *pcm.Chunker
	inCh      chan []int16
	outCh     chan []int16
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a gate for the given sample rate. If the spectral
// analyzer cannot be constructed the gate still works, passing every
// buffer through unmodified; the degradation is logged, not returned.
func New(cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.VolumeThresholdPercent == 0 {
		cfg.VolumeThresholdPercent = DefaultVolumeThresholdPercent
	}
	if cfg.RatioThreshold == 0 {
		cfg.RatioThreshold = DefaultRatioThreshold
	}

	g := &Gate{
		sampleRate:      cfg.SampleRate,
		volumeThreshold: cfg.VolumeThresholdPercent,
		ratioThreshold:  cfg.RatioThreshold,
		logger:          logger,
		chunker:         pcm.NewChunker(BufferSize),
		inCh:            make(chan []int16, 64),
		outCh:           make(chan []int16, 64),
		closeCh:         make(chan struct{}),
	}

	analyzer, err := newBandAnalyzer(cfg.SampleRate)
	if err != nil {
		g.logger.Warn("speech gate degraded to passthrough",
			"error", &ProcessorInitError{Reason: err.Error()},
			"sample_rate", cfg.SampleRate)
	} else {
		g.analyzer = analyzer
	}

	return g
}

// Passthrough reports whether the gate is running without spectral
// analysis, forwarding every buffer unmodified.
func (g *Gate) Passthrough() bool {
	return g.analyzer == nil
}

// OnDecision registers an observer for gating decisions. Publication is
// rate-limited: unchanged decisions are republished at most every
// decisionMinInterval, while pass/fail flips are published immediately.
// Must be called before Start.
func (g *Gate) OnDecision(fn func(Decision)) {
	g.onDecision = fn
}

// Start begins the evaluation loop.
func (g *Gate) Start() {
	g.wg.Add(1)
	go g.processLoop()
}

// Feed delivers raw capture samples. It never blocks: when the gate is
// backlogged the samples are dropped, keeping the audio callback fast.
func (g *Gate) Feed(samples []int16) {
	select {
	case g.inCh <- samples:
	case <-g.closeCh:
	default:
		g.logger.Warn("gate input backlogged, dropping samples", "count", len(samples))
	}
}

// Out returns the gated output stream of BufferSize-sample buffers.
func (g *Gate) Out() <-chan []int16 {
	return g.outCh
}

// Close stops the evaluation loop. Safe to call multiple times.
func (g *Gate) Close() error {
	g.closeOnce.Do(func() {
		close(g.closeCh)
	})
	g.wg.Wait()
	return nil
}

func (g *Gate) processLoop() {
	defer g.wg.Done()

	for {
		select {
		case <-g.closeCh:
			return
		case samples := <-g.inCh:
			for _, buf := range g.chunker.Add(samples) {
				gated, decision := g.Process(buf)
				g.publish(decision)

				select {
				case g.outCh <- gated:
				case <-g.closeCh:
					return
				default:
					g.logger.Warn("gate output backlogged, dropping buffer")
				}
			}
		}
	}
}

// Process evaluates one buffer and returns the gated result. The output
// always has exactly the same length as the input: a failing decision
// yields all zeros, never a shortened buffer.
func (g *Gate) Process(buf []int16) ([]int16, Decision) {
	out := make([]int16, len(buf))

	if g.analyzer == nil {
		copy(out, buf)
		return out, Decision{Pass: true}
	}

	samples := pcm.Int16ToFloat64(buf)

	var sumSquares float64
	for _, s := range samples {
		sumSquares += s * s
	}
	rms := 0.0
	if len(samples) > 0 {
		rms = math.Sqrt(sumSquares / float64(len(samples)))
	}

	decision := Decision{
		VolumePercent:  rms * 100,
		VoiceBandRatio: g.analyzer.voiceBandRatio(samples),
	}
	decision.Pass = decision.VolumePercent > g.volumeThreshold &&
		decision.VoiceBandRatio > g.ratioThreshold

	if decision.Pass {
		copy(out, buf)
	}
	return out, decision
}

func (g *Gate) publish(d Decision) {
	if g.onDecision == nil {
		return
	}

	g.decisionMu.Lock()
	now := time.Now()
	flipped := !g.published || d.Pass != g.lastDecision.Pass
	if !flipped && now.Sub(g.lastPublished) < decisionMinInterval {
		g.decisionMu.Unlock()
		return
	}
	g.lastDecision = d
	g.lastPublished = now
	g.published = true
	g.decisionMu.Unlock()

	g.onDecision(d)
}

// bandAnalyzer measures the fraction of spectral energy inside the
// human-voice passband.
type bandAnalyzer struct {
	fft     *fourier.FFT
	scratch []float64
	coeffs  []complex128
	lowBin  int
	highBin int
}

func newBandAnalyzer(sampleRate int) (*bandAnalyzer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	binWidth := float64(sampleRate) / float64(transformSize)
	lowBin := int(math.Floor(voiceBandLowHz / binWidth))
	highBin := int(math.Floor(voiceBandHighHz / binWidth))

	if highBin > transformSize/2 {
		return nil, fmt.Errorf("voice passband exceeds Nyquist for sample rate %d", sampleRate)
	}
	if lowBin >= highBin {
		return nil, fmt.Errorf("voice passband collapses to empty bin range for sample rate %d", sampleRate)
	}

	return &bandAnalyzer{
		fft:     fourier.NewFFT(transformSize),
		scratch: make([]float64, transformSize),
		coeffs:  make([]complex128, transformSize/2+1),
		lowBin:  lowBin,
		highBin: highBin,
	}, nil
}

// voiceBandRatio returns passband energy / total energy for the first
// transformSize samples of the buffer (zero-padded if shorter). A
// silent buffer yields 0, which always fails the ratio threshold.
func (a *bandAnalyzer) voiceBandRatio(samples []float64) float64 {
	n := copy(a.scratch, samples)
	for i := n; i < len(a.scratch); i++ {
		a.scratch[i] = 0
	}

	coeffs := a.fft.Coefficients(a.coeffs, a.scratch)

	var total, band float64
	for k, c := range coeffs {
		energy := real(c)*real(c) + imag(c)*imag(c)
		total += energy
		if k >= a.lowBin && k <= a.highBin {
			band += energy
		}
	}

	if total == 0 {
		return 0
	}
	return band / total
}
