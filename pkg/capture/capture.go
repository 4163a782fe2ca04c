// Package capture owns the microphone. One device is opened per stream
// and every captured buffer is fanned out to all registered taps, so the
// speech gate and the input visualization share a single capture graph
// instead of contending for the hardware with separate opens.
package capture

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/voiceagent/voice-client-go/pkg/pcm"
)

// DefaultSampleRate is the fixed capture rate for the transmitted path.
const DefaultSampleRate = 48000

// MediaAcquisitionError reports that the microphone could not be
// acquired: no device, no permission, or a backend failure. Fatal for
// the connect attempt that triggered it.
type MediaAcquisitionError struct {
	Reason string
	Err    error
}

func (e *MediaAcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media acquisition failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("media acquisition failed: %s", e.Reason)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// Options describes the requested capture configuration. The processing
// flags are requested from the platform capture stack; backends that
// cannot honor them capture unprocessed audio.
type Options struct {
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	PeriodMs         int
}

// DefaultOptions returns the configuration used for the transmitted
// path: mono, fixed rate, all platform processing on.
func DefaultOptions() Options {
	return Options{
		SampleRate:       DefaultSampleRate,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		PeriodMs:         20,
	}
}

// Tap receives every captured buffer. Taps must treat the samples as
// read-only; the slice is never reused by the device.
type Tap func(samples []int16)

// Device is an open microphone stream. It exclusively owns the
// underlying hardware handle until Close, which stops the device.
type Device struct {
	opts   Options
	logger *slog.Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu   sync.RWMutex
	taps []Tap

	closeOnce sync.Once
}

// Open acquires the default capture device in mono S16 at the requested
// rate. Taps registered via AddTap before Start receive audio once the
// device is running.
func Open(opts Options, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.PeriodMs <= 0 {
		opts.PeriodMs = 20
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, &MediaAcquisitionError{Reason: "audio context init", Err: err}
	}

	d := &Device{
		opts:   opts,
		logger: logger,
		ctx:    malgoCtx,
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(opts.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(opts.PeriodMs)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			d.dispatch(input)
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		return nil, &MediaAcquisitionError{Reason: "capture device init", Err: err}
	}
	d.device = device

	logger.Info("microphone opened",
		"sample_rate", opts.SampleRate,
		"echo_cancellation", opts.EchoCancellation,
		"noise_suppression", opts.NoiseSuppression,
		"auto_gain", opts.AutoGainControl)

	return d, nil
}

// AddTap registers a consumer of captured buffers.
func (d *Device) AddTap(tap Tap) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.taps = append(d.taps, tap)
}

// Start begins capturing.
func (d *Device) Start() error {
	if err := d.device.Start(); err != nil {
		return &MediaAcquisitionError{Reason: "capture start", Err: err}
	}
	return nil
}

// dispatch runs on the audio engine's own thread: it converts the raw
// period once and hands the same read-only slice to every tap. Taps must
// not block here.
func (d *Device) dispatch(input []byte) {
	if len(input) < 2 {
		return
	}
	samples := pcm.BytesToInt16(input)

	d.mu.RLock()
	taps := d.taps
	d.mu.RUnlock()

	for _, tap := range taps {
		tap(samples)
	}
}

// SampleRate returns the capture rate.
func (d *Device) SampleRate() int {
	return d.opts.SampleRate
}

// Close stops the device and releases the audio context. Idempotent.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		if d.device != nil {
			_ = d.device.Stop()
			d.device.Uninit()
		}
		if d.ctx != nil {
			_ = d.ctx.Uninit()
			d.ctx.Free()
		}
		d.logger.Info("microphone released")
	})
	return nil
}
