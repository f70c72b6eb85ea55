// Package core assembles the daemon: driver registration, the shared
// inference pool and result bus, the service manager, result emitters and
// the HTTP and MQTT control planes.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/e7canasta/orion-vision/internal/config"
	"github.com/e7canasta/orion-vision/internal/control"
	"github.com/e7canasta/orion-vision/internal/metrics"
	"github.com/e7canasta/orion-vision/modules/detector/subprocess"
	"github.com/e7canasta/orion-vision/modules/emitter"
	"github.com/e7canasta/orion-vision/modules/inferpool"
	"github.com/e7canasta/orion-vision/modules/registry"
	"github.com/e7canasta/orion-vision/modules/resultbus"
	"github.com/e7canasta/orion-vision/modules/service"
	streamcapture "github.com/e7canasta/orion-vision/modules/stream-capture"
)

// DriverFunc registers additional detector and source constructors, such as
// the cgo backed GStreamer and OpenCV drivers.
type DriverFunc func(reg *registry.Registry, cfg *config.Config, logger *slog.Logger) error

type Option func(*Orion)

// WithDrivers runs fn after the built-in drivers are registered, so it can
// override their tags.
func WithDrivers(fn DriverFunc) Option {
	return func(o *Orion) {
		o.drivers = append(o.drivers, fn)
	}
}

// WithGPUProbe replaces the /proc based accelerator probe.
func WithGPUProbe(p control.GPUProbe) Option {
	return func(o *Orion) {
		o.probe = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orion) {
		if l != nil {
			o.logger = l
		}
	}
}

// Orion is the daemon orchestrator.
type Orion struct {
	cfg     *config.Config
	logger  *slog.Logger
	drivers []DriverFunc
	probe   control.GPUProbe

	// Core components
	reg       *registry.Registry
	bus       *resultbus.Bus
	pool      *inferpool.Pool
	collector *metrics.Collector
	manager   *service.Manager

	// Planes, built by Run
	handler    *control.Handler
	commands   *control.CommandHandler
	mqtt       *emitter.MQTT
	publishers []*instrumented
	server     *http.Server
	addr       net.Addr

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc
}

// New registers every driver and builds the shared components. Nothing is
// connected or started until Run.
func New(cfg *config.Config, opts ...Option) (*Orion, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	o := &Orion{
		cfg:    cfg,
		logger: slog.Default(),
		probe:  ProbeGPUs,
		reg:    registry.New(),
		bus:    resultbus.New(),
		pool:   inferpool.New(cfg.InferencePool),
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := o.registerDrivers(); err != nil {
		return nil, fmt.Errorf("core: register drivers: %w", err)
	}

	svcOpts := []service.Option{
		service.WithPool(o.pool),
		service.WithErrorThreshold(cfg.ErrorThreshold),
		service.WithLogger(o.logger),
	}
	if cfg.Metrics.Enabled {
		o.collector = metrics.New()
		svcOpts = append(svcOpts, service.WithMetrics(o.collector))
	}
	o.manager = service.NewManager(o.reg, o.bus, svcOpts...)

	if o.collector != nil {
		o.collector.TrackGauge("active_services", "Number of managed detection services.", func() float64 {
			return float64(o.manager.Len())
		})
		o.collector.TrackGauge("inference_pool_in_flight", "Inferences currently running in the shared pool.", func() float64 {
			return float64(o.pool.Stats().InFlight)
		})
	}

	o.logger.Info("core: initialized",
		"instance_id", cfg.InstanceID,
		"engine", cfg.Engine,
		"detectors", o.reg.DetectorTags(),
		"sources", o.reg.SourceTags(),
	)
	return o, nil
}

func (o *Orion) registerDrivers() error {
	streamcapture.RegisterSynthetic(o.reg, streamcapture.WithLogger(o.logger))
	subprocess.Register(o.reg, o.logger)
	if o.cfg.Engine == config.EngineWorker {
		subprocess.RegisterYOLO(o.reg, o.logger)
	}
	for _, fn := range o.drivers {
		if err := fn(o.reg, o.cfg, o.logger); err != nil {
			return err
		}
	}
	return nil
}

// Manager exposes the service manager.
func (o *Orion) Manager() *service.Manager {
	return o.manager
}

// Addr is the control API address once Run is listening, nil before.
func (o *Orion) Addr() net.Addr {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.addr
}

// Run connects the emitters, serves the control planes, creates the
// configured services and blocks until ctx is cancelled or the HTTP server
// fails.
func (o *Orion) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.isRunning {
		o.mu.Unlock()
		return fmt.Errorf("core: already running")
	}
	o.isRunning = true
	o.started = time.Now()
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancelCtx = cancel
	o.mu.Unlock()

	o.logger.Info("core: starting", "instance_id", o.cfg.InstanceID, "listen", o.cfg.Listen)

	if err := o.connectEmitters(ctx); err != nil {
		return err
	}

	handlerOpts := []control.Option{
		control.WithGPUProbe(o.probe),
		control.WithLogger(o.logger),
		control.WithBaseContext(ctx),
	}
	if o.collector != nil {
		handlerOpts = append(handlerOpts, control.WithMetrics(o.collector, o.cfg.Metrics.Path))
	}
	handler := control.NewHandler(o.manager, o.reg, o.bus, handlerOpts...)

	var commands *control.CommandHandler
	if o.mqtt != nil {
		commands = control.NewCommandHandler(handler, o.mqtt.Client(), o.cfg.MQTT.TopicPrefix, o.cfg.MQTT.QoS)
		commands.Bind(o.mqtt)
		if err := commands.Start(ctx); err != nil {
			return fmt.Errorf("core: start command handler: %w", err)
		}
	}

	ln, err := net.Listen("tcp", o.cfg.Listen)
	if err != nil {
		return fmt.Errorf("core: listen %s: %w", o.cfg.Listen, err)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	o.mu.Lock()
	o.handler = handler
	o.commands = commands
	o.server = server
	o.addr = ln.Addr()
	o.mu.Unlock()

	serveErr := make(chan error, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := o.createServices(ctx); err != nil {
		return err
	}

	o.logger.Info("core: running",
		"addr", ln.Addr().String(),
		"services", o.manager.Len(),
		"emitters", len(o.publishers),
	)

	select {
	case <-ctx.Done():
		o.logger.Info("core: run loop exiting")
		return nil
	case err := <-serveErr:
		return fmt.Errorf("core: http server: %w", err)
	}
}

// createServices builds every configured service. A construction failure is
// fatal; a start failure leaves the service in the error state where the
// control API can inspect and restart it.
func (o *Orion) createServices(ctx context.Context) error {
	for _, spec := range o.cfg.Services {
		id, err := o.manager.Create(o.cfg.ServiceConfig(spec))
		if err != nil {
			return fmt.Errorf("core: create service %q: %w", spec.ID, err)
		}
		if !spec.Autostart {
			continue
		}
		svc, err := o.manager.Get(id)
		if err != nil {
			return err
		}
		if err := svc.Start(ctx); err != nil {
			o.logger.Error("core: autostart failed", "service_id", id, "error", err)
		}
	}
	return nil
}

// Shutdown stops every component in dependency order.
func (o *Orion) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.isRunning {
		o.mu.Unlock()
		return nil
	}
	server, handler, commands, cancel := o.server, o.handler, o.commands, o.cancelCtx
	o.mu.Unlock()

	o.logger.Info("core: shutting down")
	var errs []error

	// 1. Stop accepting control requests
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			o.logger.Error("core: http shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}
	if commands != nil {
		if err := commands.Stop(); err != nil {
			o.logger.Error("core: command handler stop failed", "error", err)
		}
	}
	if handler != nil {
		handler.Wait()
	}

	// 2. Stop services, then drain the pool they share
	if err := o.manager.Shutdown(ctx); err != nil {
		o.logger.Error("core: service shutdown failed", "error", err)
		errs = append(errs, err)
	}
	o.pool.Close()
	o.pool.Wait()

	// 3. Close the bus; forwarders drain and exit
	if cancel != nil {
		cancel()
	}
	o.bus.Close()
	o.wg.Wait()

	// 4. Disconnect emitters
	for _, p := range o.publishers {
		if err := p.Close(); err != nil {
			o.logger.Error("core: emitter close failed", "sink", p.name, "error", err)
		}
	}

	o.mu.Lock()
	uptime := time.Since(o.started)
	o.isRunning = false
	o.mu.Unlock()

	o.logger.Info("core: shutdown complete", "uptime", uptime)
	return errors.Join(errs...)
}

// ShutdownTimeout is the configured grace period for Shutdown.
func (o *Orion) ShutdownTimeout() time.Duration {
	if o.cfg.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return o.cfg.ShutdownTimeout
}
