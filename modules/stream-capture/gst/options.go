package gststream

import (
	"log/slog"
	"time"

	streamcapture "github.com/e7canasta/orion-vision/modules/stream-capture"
	"github.com/e7canasta/orion-vision/modules/stream-capture/internal/gstpipe"
	"github.com/e7canasta/orion-vision/modules/stream-capture/internal/reconnect"
)

// Acceleration selects the RTSP H.264 decoder.
type Acceleration = gstpipe.Acceleration

const (
	AccelAuto     = gstpipe.AccelAuto
	AccelVAAPI    = gstpipe.AccelVAAPI
	AccelSoftware = gstpipe.AccelSoftware
)

type options struct {
	acceleration Acceleration
	reconnect    reconnect.Config
	readWait     time.Duration
	bufferSize   int
	probeRTMP    bool
	logger       *slog.Logger
	sourceOpts   []streamcapture.Option
}

func defaultOptions() options {
	return options{
		acceleration: AccelAuto,
		reconnect:    reconnect.DefaultConfig(),
		readWait:     defaultReadWait,
		bufferSize:   1,
		probeRTMP:    true,
		logger:       slog.Default(),
	}
}

// Option configures drivers created by NewDriver and Register.
type Option func(*options)

func WithAcceleration(a Acceleration) Option {
	return func(o *options) { o.acceleration = a }
}

// WithReconnect overrides the live stream backoff schedule.
func WithReconnect(cfg reconnect.Config) Option {
	return func(o *options) { o.reconnect = cfg }
}

// WithReadWait bounds how long Read waits before returning ErrNoFrame.
func WithReadWait(d time.Duration) Option {
	return func(o *options) { o.readWait = d }
}

// WithRTMPProbe toggles the RTMP handshake check before the pipeline starts.
func WithRTMPProbe(enabled bool) Option {
	return func(o *options) { o.probeRTMP = enabled }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSourceOptions forwards options to the streamcapture.Source wrapping
// each driver.
func WithSourceOptions(opts ...streamcapture.Option) Option {
	return func(o *options) { o.sourceOpts = append(o.sourceOpts, opts...) }
}
