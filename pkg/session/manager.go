// Package session drives the voice connection lifecycle: signaling with
// the voice server, WebRTC negotiation, outbound microphone audio, the
// server event data channel, and inbound synthesized audio handoff.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/voiceagent/voice-client-go/pkg/pcm"
)

// State is the externally visible connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultDataChannelName = "text"
	defaultHandshakeToken  = "handshake"
	opusFrameMs            = 20
)

// Stream is an open microphone stream owned by the session for its
// lifetime. Buffers delivers gated PCM chunks until Close.
type Stream interface {
	Buffers() <-chan []int16
	SampleRate() int
	Close() error
}

// StreamSource acquires a microphone stream at connect time. Acquisition
// failures should be returned as *capture.MediaAcquisitionError so the
// manager can report them distinctly from signaling failures.
type StreamSource interface {
	OpenStream(ctx context.Context) (Stream, error)
}

// TrackSink consumes the remote synthesized-audio track.
type TrackSink interface {
	HandleTrack(track *webrtc.TrackRemote)
}

// Config configures a session Manager.
type Config struct {
	ServerURL       string
	ICEServers      []string
	DataChannelName string
	HandshakeToken  string
	SampleRate      int
	Logger          *slog.Logger
}

// Manager owns at most one voice session at a time. Connect is
// single-flight: a call while a connect attempt or session is in
// progress is a no-op.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	signaling *SignalingClient
	source    StreamSource
	sink      TrackSink

	busy atomic.Bool

	mu      sync.Mutex
	state   State
	handle  *sessionHandle
	onState func(State)

	events chan Event
}

// sessionHandle bundles everything torn down together when a session
// ends.
type sessionHandle struct {
	sessionID string
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	stream    Stream
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a session manager. The source is required; the
// sink may be nil if inbound audio is to be discarded.
func NewManager(cfg Config, source StreamSource, sink TrackSink) (*Manager, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if source == nil {
		return nil, fmt.Errorf("stream source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DataChannelName == "" {
		cfg.DataChannelName = defaultDataChannelName
	}
	if cfg.HandshakeToken == "" {
		cfg.HandshakeToken = defaultHandshakeToken
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}

	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger,
		signaling: NewSignalingClient(cfg.ServerURL, cfg.Logger),
		source:    source,
		sink:      sink,
		state:     StateDisconnected,
		events:    make(chan Event, 32),
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a callback invoked on every state transition.
// Must be called before Connect.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// Events returns the stream of decoded server events. Error events for
// failed connect attempts are delivered here as well.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	fn := m.onState
	m.mu.Unlock()

	m.logger.Info("session state changed", "state", s.String())
	if fn != nil {
		fn(s)
	}
}

func (m *Manager) publishEvent(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event channel full, dropping event", "type", ev.Type)
	}
}

// Connect establishes a session. Returns nil immediately when a
// connect attempt or live session already exists. On failure the state
// is set to error, an error event is published, and all partially
// acquired resources are released.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.busy.CompareAndSwap(false, true) {
		m.logger.Debug("connect ignored, session already in progress")
		return nil
	}

	m.setState(StateConnecting)

	h, err := m.connect(ctx)
	if err != nil {
		m.setState(StateError)
		m.publishEvent(Event{Type: EventError, Message: err.Error()})
		m.busy.Store(false)
		m.logger.Error("connect failed", "error", err)
		return err
	}

	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()
	return nil
}

func (m *Manager) connect(ctx context.Context) (h *sessionHandle, err error) {
	if err := m.signaling.Probe(ctx); err != nil {
		return nil, err
	}

	stream, err := m.source.OpenStream(ctx)
	if err != nil {
		return nil, err
	}

	h = &sessionHandle{
		sessionID: uuid.NewString(),
		stream:    stream,
		closeCh:   make(chan struct{}),
	}
	defer func() {
		if err != nil {
			m.teardown(h)
		}
	}()

	se := webrtc.SettingEngine{}
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	rtcConfig := webrtc.Configuration{}
	for _, u := range m.cfg.ICEServers {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, &NegotiationError{Op: "peer connection", Err: err}
	}
	h.pc = pc

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", "voice-client")
	if err != nil {
		return nil, &NegotiationError{Op: "local track", Err: err}
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, &NegotiationError{Op: "add track", Err: err}
	}
	if params := sender.GetParameters(); len(params.Codecs) > 0 {
		m.logger.Debug("outbound codec negotiated",
			"sessionID", h.sessionID,
			"mimeType", params.Codecs[0].MimeType,
			"clockRate", params.Codecs[0].ClockRate)
	}
	m.drainRTCP(h, sender)

	dc, err := pc.CreateDataChannel(m.cfg.DataChannelName, nil)
	if err != nil {
		return nil, &NegotiationError{Op: "data channel", Err: err}
	}
	h.dc = dc
	m.wireDataChannel(h, dc)

	pc.OnTrack(func(remoteTrack *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remoteTrack.Kind() != webrtc.RTPCodecTypeAudio {
			m.logger.Debug("ignoring non-audio track", "sessionID", h.sessionID, "codec", remoteTrack.Codec().MimeType)
			return
		}
		m.logger.Info("remote audio track received",
			"sessionID", h.sessionID,
			"codec", remoteTrack.Codec().MimeType,
			"clockRate", remoteTrack.Codec().ClockRate)
		if m.sink != nil {
			m.sink.HandleTrack(remoteTrack)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.onTransportState(h, state)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, &NegotiationError{Op: "create offer", Err: err}
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, &NegotiationError{Op: "set local description", Err: err}
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, &NegotiationError{Op: "candidate gathering", Err: ctx.Err()}
	}

	local := pc.LocalDescription()
	answerType, answerSDP, err := m.signaling.ExchangeOffer(ctx, h.sessionID, local.Type.String(), local.SDP)
	if err != nil {
		return nil, err
	}

	if answerType != "answer" {
		return nil, &NegotiationError{Op: "answer decode", Err: fmt.Errorf("unexpected description type %q", answerType)}
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return nil, &NegotiationError{Op: "set remote description", Err: err}
	}

	h.wg.Add(1)
	go m.writeOutbound(h, track)

	m.logger.Info("session negotiated", "sessionID", h.sessionID)
	return h, nil
}

func (h *sessionHandle) isClosed() bool {
	select {
	case <-h.closeCh:
		return true
	default:
		return false
	}
}

// onTransportState maps transport states onto the session state.
// Connected means audio can flow; failed is terminal and surfaces as an
// error; disconnected and closed return the manager to idle so the
// caller can connect again. Callbacks arriving after teardown are
// ignored so the Closed event from our own Close cannot overwrite a
// final error state.
func (m *Manager) onTransportState(h *sessionHandle, state webrtc.PeerConnectionState) {
	if h.isClosed() {
		return
	}
	m.logger.Info("transport state changed", "sessionID", h.sessionID, "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.setState(StateConnected)
	case webrtc.PeerConnectionStateFailed:
		m.publishEvent(Event{Type: EventError, Message: "transport failed"})
		m.setState(StateError)
		m.finish(h)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		m.setState(StateDisconnected)
		m.finish(h)
	}
}

// finish tears the session down in response to a transport-initiated
// end and releases the single-flight guard.
func (m *Manager) finish(h *sessionHandle) {
	m.mu.Lock()
	if m.handle == h {
		m.handle = nil
	}
	m.mu.Unlock()

	go func() {
		m.teardown(h)
		m.busy.Store(false)
	}()
}

func (m *Manager) wireDataChannel(h *sessionHandle, dc *webrtc.DataChannel) {
	token := m.cfg.HandshakeToken

	dc.OnOpen(func() {
		m.logger.Info("data channel open", "sessionID", h.sessionID, "label", dc.Label())
		if err := dc.SendText(token); err != nil {
			m.logger.Error("failed to send handshake", "sessionID", h.sessionID, "error", err)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			m.logger.Warn("undecodable server message", "sessionID", h.sessionID, "error", err)
			return
		}
		switch ev.Type {
		case EventError:
			m.logger.Error("server error", "sessionID", h.sessionID, "message", ev.Message)
		case EventWarning:
			m.logger.Warn("server warning", "sessionID", h.sessionID, "message", ev.Message)
		default:
			m.logger.Debug("server event", "sessionID", h.sessionID, "type", ev.Type, "data", ev.Data)
		}
		m.publishEvent(ev)
	})
}

// drainRTCP keeps the sender's RTCP path flowing. Reports are read and
// discarded; interceptors need the reads to happen.
func (m *Manager) drainRTCP(h *sessionHandle, sender *webrtc.RTPSender) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		buf := make([]byte, 1500)
		for {
			select {
			case <-h.closeCh:
				return
			default:
			}
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
}

// writeOutbound encodes gated microphone PCM to Opus in fixed 20ms
// frames and writes them to the local track. Partial chunks at stream
// end are dropped; the encoder needs whole frames.
func (m *Manager) writeOutbound(h *sessionHandle, track *webrtc.TrackLocalStaticSample) {
	defer h.wg.Done()

	rate := h.stream.SampleRate()
	frameSamples := rate * opusFrameMs / 1000

	enc, err := opus.NewEncoder(rate, 1, opus.AppVoIP)
	if err != nil {
		m.logger.Error("failed to create Opus encoder", "sessionID", h.sessionID, "error", err)
		return
	}

	chunker := pcm.NewChunker(frameSamples)
	encoded := make([]byte, 4000)
	frameDuration := opusFrameMs * time.Millisecond

	for {
		select {
		case <-h.closeCh:
			return
		case buf, ok := <-h.stream.Buffers():
			if !ok {
				return
			}
			for _, frame := range chunker.Add(buf) {
				n, err := enc.Encode(frame, encoded)
				if err != nil {
					m.logger.Warn("opus encode error", "sessionID", h.sessionID, "error", err)
					continue
				}
				sample := media.Sample{
					Data:     append([]byte(nil), encoded[:n]...),
					Duration: frameDuration,
				}
				if err := track.WriteSample(sample); err != nil {
					m.logger.Warn("failed to write sample", "sessionID", h.sessionID, "error", err)
				}
			}
		}
	}
}

func (m *Manager) teardown(h *sessionHandle) {
	h.closeOnce.Do(func() {
		close(h.closeCh)
		if h.dc != nil {
			_ = h.dc.Close()
		}
		if h.pc != nil {
			_ = h.pc.Close()
		}
		if h.stream != nil {
			_ = h.stream.Close()
		}
		h.wg.Wait()
		m.logger.Info("session resources released", "sessionID", h.sessionID)
	})
}

// Close ends the current session, if any, and returns the manager to
// the disconnected state. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.mu.Unlock()

	if h != nil {
		m.teardown(h)
	}
	m.setState(StateDisconnected)
	m.busy.Store(false)
	return nil
}
