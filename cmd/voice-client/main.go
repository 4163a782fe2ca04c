package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voiceagent/voice-client-go/pkg/capture"
	"github.com/voiceagent/voice-client-go/pkg/config"
	"github.com/voiceagent/voice-client-go/pkg/gate"
	"github.com/voiceagent/voice-client-go/pkg/monitor"
	"github.com/voiceagent/voice-client-go/pkg/session"
	"github.com/voiceagent/voice-client-go/pkg/sink"
	"github.com/voiceagent/voice-client-go/pkg/visual"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		serverURL   = flag.String("server-url", "", "Voice server base URL")
		monitorAddr = flag.String("monitor-addr", "", "Telemetry WebSocket listen address (enables the monitor)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	var cfg config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.FromEnv()
	}

	// Flags win over file and environment.
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *monitorAddr != "" {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Addr = *monitorAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if cfg.Server.URL == "" {
		fmt.Fprintf(os.Stderr, "Error: no server URL; set -server-url, VOICE_SERVER_URL, or server.url in the config file\n")
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting voice client",
		"server_url", cfg.Server.URL,
		"sample_rate", cfg.Audio.SampleRate,
		"monitor", cfg.Monitor.Enabled)

	// Telemetry feed, optional.
	var mon *monitor.Server
	if cfg.Monitor.Enabled {
		srv, err := monitor.NewServer(cfg.Monitor.Addr, logger)
		if err != nil {
			logger.Error("failed to start monitor", "addr", cfg.Monitor.Addr, "error", err)
			os.Exit(1)
		}
		mon = srv
		defer mon.Close()
	}

	// Spectrum engine for both directions.
	engine := visual.NewEngine(logger)
	if mon != nil {
		engine.Input.OnSnapshot(func(s visual.Snapshot) {
			mon.Broadcast(monitor.KindSpectrum, "input", s)
		})
		engine.Output.OnSnapshot(func(s visual.Snapshot) {
			mon.Broadcast(monitor.KindSpectrum, "output", s)
		})
	}
	engine.Start()
	defer engine.Close()

	// Playback sink for synthesized audio.
	player := sink.NewPlayer(cfg.Audio.SampleRate, logger)
	player.AddConsumer(engine.Output)
	defer player.Close()

	source := &micSource{
		audio:  cfg.Audio,
		gate:   cfg.Gate,
		visual: engine.Input,
		mon:    mon,
		logger: logger,
	}

	mgr, err := session.NewManager(session.Config{
		ServerURL:       cfg.Server.URL,
		ICEServers:      cfg.Server.ICEServers,
		DataChannelName: cfg.Server.DataChannel,
		HandshakeToken:  cfg.Server.HandshakeToken,
		SampleRate:      cfg.Audio.SampleRate,
		Logger:          logger,
	}, source, player)
	if err != nil {
		logger.Error("failed to create session manager", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	mgr.OnStateChange(func(s session.State) {
		if mon != nil {
			mon.Broadcast(monitor.KindState, "", map[string]string{"state": s.String()})
		}
	})

	go consumeEvents(mgr, player, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mgr.Connect(ctx); err != nil {
		cancel()
		logger.Error("connection failed", "error", err)
		os.Exit(1)
	}
	cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, gracefully shutting down")
	logger.Info("voice client stopped")
}

// consumeEvents reacts to server events. A started_talking log event
// means the user interrupted the response, so buffered playback is cut.
func consumeEvents(mgr *session.Manager, player *sink.Player, logger *slog.Logger) {
	for ev := range mgr.Events() {
		if ev.Type == session.EventLog && ev.Data == session.LogStartedTalking {
			logger.Debug("user interrupted response, flushing playback")
			player.Flush()
		}
	}
}

// micSource opens the capture graph for a session: one device, with the
// speech gate and the input spectrum as taps on the same stream.
type micSource struct {
	audio  config.AudioConfig
	gate   config.GateConfig
	visual *visual.Channel
	mon    *monitor.Server
	logger *slog.Logger
}

func (s *micSource) OpenStream(ctx context.Context) (session.Stream, error) {
	opts := capture.DefaultOptions()
	opts.SampleRate = s.audio.SampleRate
	opts.EchoCancellation = s.audio.EchoCancellation
	opts.NoiseSuppression = s.audio.NoiseSuppression
	opts.AutoGainControl = s.audio.AutoGainControl

	device, err := capture.Open(opts, s.logger)
	if err != nil {
		return nil, err
	}

	g := gate.New(gate.Config{
		SampleRate:             device.SampleRate(),
		VolumeThresholdPercent: s.gate.VolumeThresholdPercent,
		RatioThreshold:         s.gate.RatioThreshold,
		Logger:                 s.logger,
	})
	if s.mon != nil {
		mon := s.mon
		g.OnDecision(func(d gate.Decision) {
			mon.Broadcast(monitor.KindGate, "", d)
		})
	}
	g.Start()

	vis := s.visual
	device.AddTap(func(samples []int16) {
		g.Feed(samples)
		if vis != nil {
			vis.Feed(samples)
		}
	})

	if err := device.Start(); err != nil {
		g.Close()
		device.Close()
		return nil, err
	}

	return &micStream{device: device, gate: g}, nil
}

// micStream is the open capture graph handed to the session.
type micStream struct {
	device *capture.Device
	gate   *gate.Gate
}

func (m *micStream) Buffers() <-chan []int16 { return m.gate.Out() }
func (m *micStream) SampleRate() int         { return m.device.SampleRate() }

func (m *micStream) Close() error {
	err := m.device.Close()
	_ = m.gate.Close()
	return err
}

// setupLogger creates a structured logger
func setupLogger(cfg config.LogConfig) *slog.Logger {
	var lvl slog.Level
	switch cfg.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
