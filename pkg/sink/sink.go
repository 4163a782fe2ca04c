// Package sink plays the remote synthesized-audio track through the
// default output device and feeds the same decoded PCM to the output
// visualization. Playback failure is not fatal: the visualization keeps
// receiving audio even when no output device is available.
package sink

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/pion/webrtc/v4"
	"gopkg.in/hraban/opus.v2"

	"github.com/voiceagent/voice-client-go/pkg/pcm"
)

// Consumer receives every decoded inbound buffer, mono float32 in
// [-1, 1]. Used to drive the output spectrum.
type Consumer interface {
	FeedFloats(samples []float32)
}

// Player owns the audio output context. One Player serves the whole
// process lifetime; each remote track decodes into it.
type Player struct {
	logger *slog.Logger

	otoCtx *oto.Context
	writer *speakerWriter

	consumersMu sync.RWMutex
	consumers   []Consumer

	sampleRate int

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPlayer initializes the output device at the given rate, mono S16.
// If the device cannot be opened the Player still works as a decode
// sink for the visualization, with playback disabled.
func NewPlayer(sampleRate int, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	if sampleRate <= 0 {
		sampleRate = 48000
	}

	p := &Player{
		logger:     logger,
		sampleRate: sampleRate,
		closeCh:    make(chan struct{}),
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		// Small buffer keeps response latency low without glitching.
		BufferSize: 100 * time.Millisecond,
	})
	if err != nil {
		logger.Warn("audio output unavailable, playback disabled", "error", err)
		return p
	}
	<-ready

	p.otoCtx = otoCtx
	p.writer = newSpeakerWriter(otoCtx)
	logger.Info("audio output ready", "sample_rate", sampleRate)
	return p
}

// AddConsumer registers a consumer of decoded inbound PCM.
func (p *Player) AddConsumer(c Consumer) {
	p.consumersMu.Lock()
	defer p.consumersMu.Unlock()
	p.consumers = append(p.consumers, c)
}

// HandleTrack decodes the remote Opus track until it ends. Safe to call
// from the peer connection's OnTrack callback; the decode loop runs on
// its own goroutine.
func (p *Player) HandleTrack(track *webrtc.TrackRemote) {
	codec := track.Codec()
	if codec.MimeType != webrtc.MimeTypeOpus {
		p.logger.Warn("ignoring non-opus remote track", "codec", codec.MimeType)
		return
	}

	channels := int(codec.Channels)
	if channels < 1 {
		channels = 2
	}

	p.wg.Add(1)
	go p.decodeLoop(track, channels)
}

func (p *Player) decodeLoop(track *webrtc.TrackRemote, channels int) {
	defer p.wg.Done()

	dec, err := opus.NewDecoder(p.sampleRate, channels)
	if err != nil {
		p.logger.Error("failed to create Opus decoder", "error", err, "channels", channels)
		return
	}

	// Max 120ms frame at 48kHz per channel.
	pcmBuf := make([]float32, 5760*channels)

	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		rtpPacket, _, err := track.ReadRTP()
		if err != nil {
			p.logger.Debug("remote track ended", "error", err)
			return
		}
		if len(rtpPacket.Payload) == 0 {
			continue
		}

		n, err := dec.DecodeFloat32(rtpPacket.Payload, pcmBuf)
		if err != nil {
			p.logger.Debug("opus decode error", "error", err, "payloadLen", len(rtpPacket.Payload))
			continue
		}
		if n == 0 {
			continue
		}

		// Clamp decode transients, then downmix interleaved frames to mono.
		total := n * channels
		for i := 0; i < total; i++ {
			if pcmBuf[i] > 1.0 {
				pcmBuf[i] = 1.0
			} else if pcmBuf[i] < -1.0 {
				pcmBuf[i] = -1.0
			}
		}

		mono := make([]float32, n)
		if channels == 1 {
			copy(mono, pcmBuf[:n])
		} else {
			for i := 0; i < n; i++ {
				var sum float32
				for ch := 0; ch < channels; ch++ {
					sum += pcmBuf[i*channels+ch]
				}
				mono[i] = sum / float32(channels)
			}
		}

		p.consumersMu.RLock()
		for _, c := range p.consumers {
			c.FeedFloats(mono)
		}
		p.consumersMu.RUnlock()

		if p.writer != nil {
			p.writer.Write(pcm.Int16ToBytes(pcm.Float32ToInt16(mono)))
		}
	}
}

// Flush drops any buffered audio, cutting playback immediately.
func (p *Player) Flush() {
	if p.writer != nil {
		p.writer.Flush()
	}
}

// Close stops decoding and releases the output device. Idempotent.
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		if p.writer != nil {
			p.writer.Close()
		}
	})
	p.wg.Wait()
	return nil
}

// speakerWriter buffers PCM and serves it to oto's pull-based player.
type speakerWriter struct {
	otoCtx  *oto.Context
	player  *oto.Player
	buf     []byte
	mu      sync.Mutex
	cond    *sync.Cond
	playing bool
	closed  bool
}

func newSpeakerWriter(ctx *oto.Context) *speakerWriter {
	s := &speakerWriter{
		otoCtx: ctx,
		buf:    make([]byte, 0, 1<<17),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *speakerWriter) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.buf = append(s.buf, data...)

	// The player is created lazily on first audio so an idle session
	// never holds the device open.
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
}

// Read implements io.Reader for oto.Player.
func (s *speakerWriter) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}

	if s.closed && len(s.buf) == 0 {
		// Serve silence so oto drains gracefully.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush drops buffered audio and resets the player so the next write
// starts clean.
func (s *speakerWriter) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	if s.player != nil && s.playing {
		s.playing = false
		player := s.player
		s.player = nil
		s.mu.Unlock()

		player.Pause()
		player.Reset()
		player.Close()
		return
	}
	s.mu.Unlock()
}

func (s *speakerWriter) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.player != nil {
		s.player.Close()
	}
}
