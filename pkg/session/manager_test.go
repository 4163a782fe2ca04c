package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// fakeStream satisfies Stream without touching any audio hardware.
type fakeStream struct {
	buffers chan []int16
	closed  atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{buffers: make(chan []int16, 4)}
}

func (f *fakeStream) Buffers() <-chan []int16 { return f.buffers }
func (f *fakeStream) SampleRate() int         { return 48000 }
func (f *fakeStream) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeSource counts opens and can block or fail on demand.
type fakeSource struct {
	opens   atomic.Int32
	openErr error
	block   chan struct{} // when non-nil, OpenStream waits on it
	stream  *fakeStream
}

func (f *fakeSource) OpenStream(ctx context.Context) (Stream, error) {
	f.opens.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.stream == nil {
		f.stream = newFakeStream()
	}
	return f.stream, nil
}

func okProbeServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(Config{}, &fakeSource{}, nil); err == nil {
		t.Error("expected error for missing server URL")
	}
	if _, err := NewManager(Config{ServerURL: "http://localhost"}, nil, nil); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestNewManagerDefaults(t *testing.T) {
	m, err := NewManager(Config{ServerURL: "http://localhost"}, &fakeSource{}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if m.cfg.DataChannelName != "text" {
		t.Errorf("data channel: got %s, want text", m.cfg.DataChannelName)
	}
	if m.cfg.HandshakeToken != "handshake" {
		t.Errorf("handshake token: got %s", m.cfg.HandshakeToken)
	}
	if m.cfg.SampleRate != 48000 {
		t.Errorf("sample rate: got %d", m.cfg.SampleRate)
	}
	if len(m.cfg.ICEServers) == 0 {
		t.Error("no default ICE server")
	}
	if m.State() != StateDisconnected {
		t.Errorf("initial state: got %s", m.State())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateError, "error"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String(): got %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestConnectProbeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	source := &fakeSource{}
	m, err := NewManager(Config{ServerURL: srv.URL}, source, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	err = m.Connect(context.Background())
	var sigErr *SignalingError
	if !errors.As(err, &sigErr) {
		t.Fatalf("error type: got %T, want *SignalingError", err)
	}
	if m.State() != StateError {
		t.Errorf("state after failure: got %s, want error", m.State())
	}
	if source.opens.Load() != 0 {
		t.Error("microphone opened before the server was reachable")
	}

	// The failed attempt must publish an error event.
	select {
	case ev := <-m.Events():
		if ev.Type != EventError {
			t.Errorf("event type: got %s, want error", ev.Type)
		}
	default:
		t.Error("no error event published")
	}
}

func TestConnectMediaFailure(t *testing.T) {
	srv := okProbeServer(t)
	defer srv.Close()

	mediaErr := errors.New("no capture device")
	source := &fakeSource{openErr: mediaErr}
	m, err := NewManager(Config{ServerURL: srv.URL}, source, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if err := m.Connect(context.Background()); !errors.Is(err, mediaErr) {
		t.Fatalf("error: got %v, want %v", err, mediaErr)
	}
	if m.State() != StateError {
		t.Errorf("state: got %s, want error", m.State())
	}
}

func TestConnectSingleFlight(t *testing.T) {
	srv := okProbeServer(t)
	defer srv.Close()

	release := make(chan struct{})
	source := &fakeSource{
		block:   release,
		openErr: errors.New("released with failure"),
	}
	m, err := NewManager(Config{ServerURL: srv.URL}, source, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- m.Connect(context.Background())
	}()

	// Wait until the first attempt is inside OpenStream.
	deadline := time.After(2 * time.Second)
	for source.opens.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first connect never reached the source")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// A second connect while the first is in flight is a silent no-op.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("overlapping connect returned error: %v", err)
	}
	if got := source.opens.Load(); got != 1 {
		t.Fatalf("source opened %d times, want 1", got)
	}

	close(release)
	if err := <-firstDone; err == nil {
		t.Fatal("first connect should have failed")
	}

	// After the failure the guard is released and connect can run again.
	if m.Connect(context.Background()) == nil {
		t.Fatal("expected failure from the retried connect")
	}
	if got := source.opens.Load(); got != 2 {
		t.Errorf("source opened %d times after retry, want 2", got)
	}
}

func TestConnectFailureReleasesStream(t *testing.T) {
	// Probe succeeds but the offer endpoint rejects, so the connect
	// fails after the stream was acquired.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == offerPath {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	source := &fakeSource{}
	m, err := NewManager(Config{ServerURL: srv.URL}, source, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Connect(ctx); err == nil {
		t.Fatal("expected connect to fail at the offer exchange")
	}
	if m.State() != StateError {
		t.Errorf("state: got %s, want error", m.State())
	}
	if source.stream == nil || !source.stream.closed.Load() {
		t.Error("stream not released after failed connect")
	}
}

func TestConnectMalformedAnswer(t *testing.T) {
	// The server accepts the offer but returns an empty object, which
	// contains no session description.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == offerPath {
			w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	source := &fakeSource{}
	m, err := NewManager(Config{ServerURL: srv.URL}, source, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = m.Connect(ctx)
	var negErr *NegotiationError
	if !errors.As(err, &negErr) {
		t.Fatalf("error type: got %T (%v), want *NegotiationError", err, err)
	}
	if m.State() != StateError {
		t.Errorf("state: got %s, want error", m.State())
	}
}

func TestTransportStateMapping(t *testing.T) {
	newHandle := func() *sessionHandle {
		return &sessionHandle{sessionID: "s", closeCh: make(chan struct{})}
	}

	t.Run("connected", func(t *testing.T) {
		m, _ := NewManager(Config{ServerURL: "http://localhost"}, &fakeSource{}, nil)
		m.onTransportState(newHandle(), webrtc.PeerConnectionStateConnected)
		if m.State() != StateConnected {
			t.Errorf("state: got %s, want connected", m.State())
		}
	})

	t.Run("failed is terminal", func(t *testing.T) {
		m, _ := NewManager(Config{ServerURL: "http://localhost"}, &fakeSource{}, nil)
		h := newHandle()
		m.busy.Store(true)
		m.onTransportState(h, webrtc.PeerConnectionStateFailed)
		if m.State() != StateError {
			t.Errorf("state: got %s, want error", m.State())
		}
		select {
		case ev := <-m.Events():
			if ev.Type != EventError {
				t.Errorf("event type: got %s, want error", ev.Type)
			}
		case <-time.After(time.Second):
			t.Error("no error event for transport failure")
		}
		waitForIdle(t, m)
	})

	t.Run("disconnected returns to idle", func(t *testing.T) {
		m, _ := NewManager(Config{ServerURL: "http://localhost"}, &fakeSource{}, nil)
		m.busy.Store(true)
		m.state = StateConnected
		m.onTransportState(newHandle(), webrtc.PeerConnectionStateDisconnected)
		if m.State() != StateDisconnected {
			t.Errorf("state: got %s, want disconnected", m.State())
		}
		waitForIdle(t, m)
	})

	t.Run("late events after teardown ignored", func(t *testing.T) {
		m, _ := NewManager(Config{ServerURL: "http://localhost"}, &fakeSource{}, nil)
		m.state = StateError
		h := newHandle()
		m.teardown(h)
		m.onTransportState(h, webrtc.PeerConnectionStateClosed)
		if m.State() != StateError {
			t.Errorf("closed event overwrote terminal state: %s", m.State())
		}
	})
}

// waitForIdle blocks until the manager's single-flight guard is
// released by the async teardown.
func waitForIdle(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for m.busy.Load() {
		select {
		case <-deadline:
			t.Fatal("single-flight guard never released")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCloseIdempotent(t *testing.T) {
	m, err := NewManager(Config{ServerURL: "http://localhost"}, &fakeSource{}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("state after close: got %s", m.State())
	}
}

func TestOnStateChangeNotified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, err := NewManager(Config{ServerURL: srv.URL}, &fakeSource{}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	var states []State
	m.OnStateChange(func(s State) {
		states = append(states, s)
	})

	_ = m.Connect(context.Background())

	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateError {
		t.Errorf("state sequence: got %v, want [connecting error]", states)
	}
}
