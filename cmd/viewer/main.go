// Headless pixel-streaming viewer.
//
// Connects to a remote-rendering signalling server, maintains the session
// through disconnects and stalls, and logs lifecycle transitions and
// smoothed stream metrics. Optionally records the received video as IVF.
//
// Usage:
//
//	PIXELVIEW_STREAMING_SIGNALLINGURL=ws://host:80 go run ./cmd/viewer
//
// Send SIGHUP to force a manual reconnect (e.g. after retries are
// exhausted); SIGINT or SIGTERM tears the session down.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/lumenrender/pixelview/internal/config"
	"github.com/lumenrender/pixelview/internal/logger"
	"github.com/lumenrender/pixelview/pkg/session"
	"github.com/lumenrender/pixelview/pkg/session/pionstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("info", true)
		logger.Log.Fatal().Err(err).Msg("load configuration")
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Pretty)
	log := logger.Log

	if !cfg.Configured() {
		log.Fatal().Msg("no signalling URL configured; set PIXELVIEW_STREAMING_SIGNALLINGURL")
	}

	opts := []pionstream.Option{
		pionstream.WithLogger(log.With().Str("component", "pionstream").Logger()),
		pionstream.WithRTCConfiguration(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: []string{cfg.Streaming.StunServer}}},
		}),
	}
	if cfg.Streaming.RecordPath != "" {
		opts = append(opts, pionstream.WithRecording(cfg.Streaming.RecordPath))
	}

	ctrl, err := session.New(session.Config{
		SignallingURL: cfg.Streaming.SignallingURL,
		Target:        &consoleTarget{log: log},
		NewTransport:  pionstream.Factory(opts...),
		Reconnect: session.ReconnectConfig{
			Interval:    cfg.Streaming.RetryInterval,
			MaxAttempts: cfg.Streaming.MaxRetries,
		},
		Health: session.HealthConfig{
			StaleTimeout: cfg.Streaming.StaleTimeout,
			PollInterval: cfg.Streaming.PollInterval,
		},
	}, session.Callbacks{
		OnStateChange: func(s session.State) {
			log.Info().Stringer("state", s).Msg("session state")
		},
		OnStats: func(m session.MetricsSnapshot) {
			log.Info().
				Str("bitrate_mbps", m.BitrateMbps).
				Str("loss_pct", m.PacketLossPercent).
				Str("fps", m.FPS).
				Str("resolution", m.Resolution).
				Str("latency_ms", m.LatencyMs).
				Msg("stream metrics")
		},
		OnError: func(err error) {
			log.Error().Err(err).Msg("session gave up; send SIGHUP to retry")
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create session")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			log.Info().Msg("manual reconnect requested")
			ctrl.Reconnect()
			continue
		}
		break
	}

	ctrl.Destroy()
	log.Info().Msg("session destroyed")
}

// consoleTarget is the headless render target: pointer lock has no meaning
// without a windowing surface, so requests are only logged.
type consoleTarget struct {
	log zerolog.Logger
}

func (c *consoleTarget) RequestPointerLock() error {
	c.log.Debug().Msg("pointer lock requested (headless, ignored)")
	return nil
}

func (c *consoleTarget) Clear() {
	c.log.Debug().Msg("render target cleared")
}
