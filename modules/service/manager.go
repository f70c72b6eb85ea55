package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/inferpool"
	"github.com/e7canasta/orion-vision/modules/registry"
	"github.com/e7canasta/orion-vision/modules/resultbus"
)

// ErrServiceNotFound is returned for an unknown service id.
var ErrServiceNotFound = errors.New("service: not found")

// Summary is the listing view of a service.
type Summary struct {
	ServiceID      string `json:"service_id"`
	Status         State  `json:"status"`
	DetectorType   string `json:"detector_type"`
	StreamProtocol string `json:"stream_protocol"`
	StreamURL      string `json:"stream_url"`
}

// Manager owns a set of services that share an inference pool, a metrics
// collector and a result bus.
type Manager struct {
	reg    *registry.Registry
	bus    *resultbus.Bus
	opts   []Option
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]*Service
	seq      atomic.Uint64
}

// NewManager returns a manager creating services through reg. opts are
// applied to every service it creates; without WithPool the services share
// a pool of detection.DefaultMaxWorkers slots. The manager logs through the
// WithLogger logger, if any. bus may be nil.
func NewManager(reg *registry.Registry, bus *resultbus.Bus, opts ...Option) *Manager {
	shared := []Option{WithPool(inferpool.New(detection.DefaultMaxWorkers))}
	m := &Manager{
		reg:      reg,
		bus:      bus,
		opts:     append(shared, opts...),
		logger:   loggerFrom(opts),
		services: make(map[string]*Service),
	}
	if bus != nil {
		m.opts = append(m.opts, publishTo(bus))
	}
	return m
}

// loggerFrom resolves the logger opts would give a service.
func loggerFrom(opts []Option) *slog.Logger {
	s := Service{logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}
	return s.logger
}

// publishTo chains a bus publish in front of any OnDetectionComplete hook.
func publishTo(bus *resultbus.Bus) Option {
	return func(s *Service) {
		next := s.hooks.OnDetectionComplete
		s.hooks.OnDetectionComplete = func(id string, r detection.DetectionResult) {
			bus.Publish(resultbus.Envelope{ServiceID: id, Result: r})
			if next != nil {
				next(id, r)
			}
		}
	}
}

// NextID returns a fresh "<prefix>_N" identifier.
func (m *Manager) NextID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, m.seq.Add(1))
}

// Create builds a service for cfg and registers it. An empty cfg.ID gets a
// "service_N" id.
func (m *Manager) Create(cfg Config) (string, error) {
	if cfg.ID == "" {
		cfg.ID = m.NextID("service")
	}

	m.mu.RLock()
	_, exists := m.services[cfg.ID]
	m.mu.RUnlock()
	if exists {
		return "", &detection.ConfigError{Key: "service_id", Message: fmt.Sprintf("%q already exists", cfg.ID)}
	}

	svc, err := New(cfg, m.reg, m.opts...)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.services[cfg.ID]; exists {
		return "", &detection.ConfigError{Key: "service_id", Message: fmt.Sprintf("%q already exists", cfg.ID)}
	}
	m.services[cfg.ID] = svc

	m.logger.Info("service: created", "service_id", cfg.ID, "detector", cfg.DetectorTag, "stream", cfg.Stream.URL)
	return cfg.ID, nil
}

// CreateAndStart creates a service and starts it. A service that fails to
// start is removed again.
func (m *Manager) CreateAndStart(ctx context.Context, cfg Config) (string, error) {
	id, err := m.Create(cfg)
	if err != nil {
		return "", err
	}
	svc, _ := m.Get(id)
	if err := svc.Start(ctx); err != nil {
		if rerr := m.Remove(ctx, id); rerr != nil {
			m.logger.Warn("service: cleanup after failed start", "service_id", id, "error", rerr)
		}
		return "", err
	}
	return id, nil
}

// Get returns the service registered under id.
func (m *Manager) Get(id string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}
	return svc, nil
}

// Remove cleans a service up and forgets it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	svc, ok := m.services[id]
	delete(m.services, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}
	if err := svc.Cleanup(ctx); err != nil {
		return err
	}
	m.logger.Info("service: removed", "service_id", id)
	return nil
}

// List returns summaries sorted by id.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.services))
	for id, svc := range m.services {
		cfg := svc.Config()
		out = append(out, Summary{
			ServiceID:      id,
			Status:         svc.State(),
			DetectorType:   cfg.DetectorTag,
			StreamProtocol: cfg.Stream.Protocol,
			StreamURL:      cfg.Stream.URL,
		})
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Summary) int { return strings.Compare(a.ServiceID, b.ServiceID) })
	return out
}

// Len returns the number of managed services.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.services)
}

// Shutdown cleans up every service concurrently and empties the manager.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	services := m.services
	m.services = make(map[string]*Service)
	m.mu.Unlock()

	var g errgroup.Group
	for id, svc := range services {
		g.Go(func() error {
			if err := svc.Cleanup(ctx); err != nil {
				return fmt.Errorf("service %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()

	m.logger.Info("service: manager shut down", "services", len(services))
	return err
}
