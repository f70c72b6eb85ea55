// Package registry maps detector and protocol tags to constructors.
//
// A Registry is an explicit, process-scoped object: nothing is registered at
// package init. Callers build one with New, register the constructors they
// link in, and pass it to the components that create collaborators.
package registry

import (
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// DetectorConstructor builds a detector backend from a model configuration.
// The returned backend is not loaded yet.
type DetectorConstructor func(tag string, cfg detection.ModelConfig) (detection.DetectorBackend, error)

// SourceConstructor builds a stream source from a descriptor. The returned
// source is not connected yet.
type SourceConstructor func(desc detection.StreamDescriptor) (detection.StreamSource, error)

// Registry holds two independent namespaces of constructors.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]DetectorConstructor
	sources   map[string]SourceConstructor
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		detectors: make(map[string]DetectorConstructor),
		sources:   make(map[string]SourceConstructor),
	}
}

func normalize(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// RegisterDetector binds tag to ctor, replacing any earlier binding.
func (r *Registry) RegisterDetector(tag string, ctor DetectorConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[normalize(tag)] = ctor
}

// RegisterSource binds a protocol tag to ctor, replacing any earlier binding.
func (r *Registry) RegisterSource(tag string, ctor SourceConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[normalize(tag)] = ctor
}

// CreateDetector builds the backend registered under tag.
func (r *Registry) CreateDetector(tag string, cfg detection.ModelConfig) (detection.DetectorBackend, error) {
	key := normalize(tag)

	r.mu.RLock()
	ctor, ok := r.detectors[key]
	r.mu.RUnlock()

	if !ok {
		return nil, &detection.UnknownTypeError{
			Namespace:  "detector",
			Tag:        tag,
			Registered: r.DetectorTags(),
		}
	}
	if cfg.Variant == "" {
		cfg.Variant = key
	}
	return ctor(key, cfg)
}

// CreateSource builds the source registered under desc.Protocol. When the
// protocol is empty it is detected from desc.URL.
func (r *Registry) CreateSource(desc detection.StreamDescriptor) (detection.StreamSource, error) {
	if desc.Protocol == "" {
		protocol, err := DetectProtocol(desc.URL)
		if err != nil {
			return nil, err
		}
		desc.Protocol = protocol
	}
	key := normalize(desc.Protocol)

	r.mu.RLock()
	ctor, ok := r.sources[key]
	r.mu.RUnlock()

	if !ok {
		return nil, &detection.UnknownTypeError{
			Namespace:  "source",
			Tag:        desc.Protocol,
			Registered: r.SourceTags(),
		}
	}
	desc.Protocol = key
	return ctor(desc.WithDefaults())
}

// CreateSourceFromURL detects the protocol of url and builds a source for it.
// Fields of base other than URL and Protocol are kept.
func (r *Registry) CreateSourceFromURL(url string, base detection.StreamDescriptor) (detection.StreamSource, error) {
	protocol, err := DetectProtocol(url)
	if err != nil {
		return nil, err
	}
	base.URL = url
	base.Protocol = protocol
	return r.CreateSource(base)
}

// DetectProtocol infers the protocol tag from a URL.
//
//	rtsp://...             -> rtsp
//	rtmp://...             -> rtmp
//	http://, https://      -> http
//	file://, a/b, C:\a\b   -> file
func DetectProtocol(url string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(url))
	switch {
	case strings.HasPrefix(lower, "rtsp://"):
		return detection.ProtocolRTSP, nil
	case strings.HasPrefix(lower, "rtmp://"):
		return detection.ProtocolRTMP, nil
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return detection.ProtocolHTTP, nil
	case strings.HasPrefix(lower, "synthetic://"):
		return detection.ProtocolSynthetic, nil
	case strings.HasPrefix(lower, "file://"),
		strings.ContainsRune(lower, '/'),
		strings.ContainsRune(lower, '\\'),
		filepath.IsAbs(url):
		return detection.ProtocolFile, nil
	}
	return "", &detection.ProtocolUndetectableError{URL: url}
}

// DetectorTags returns the registered detector tags, sorted.
func (r *Registry) DetectorTags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.detectors)
}

// SourceTags returns the registered protocol tags, sorted.
func (r *Registry) SourceTags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sources)
}

func (r *Registry) HasDetector(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.detectors[normalize(tag)]
	return ok
}

func (r *Registry) HasSource(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[normalize(tag)]
	return ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
