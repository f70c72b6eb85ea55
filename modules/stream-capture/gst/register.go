package gststream

import (
	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/registry"
	streamcapture "github.com/e7canasta/orion-vision/modules/stream-capture"
)

// Protocols lists the protocols Register binds.
func Protocols() []string {
	return []string{
		detection.ProtocolRTSP,
		detection.ProtocolRTMP,
		detection.ProtocolHTTP,
		detection.ProtocolHTTPS,
		detection.ProtocolFile,
	}
}

// NewSource builds a driver for desc and wraps it in a streamcapture.Source.
func NewSource(desc detection.StreamDescriptor, opts ...Option) (*streamcapture.Source, error) {
	drv, err := NewDriver(desc, opts...)
	if err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return streamcapture.NewSource(desc, drv, o.sourceOpts...), nil
}

// Register binds every GStreamer protocol in reg.
func Register(reg *registry.Registry, opts ...Option) {
	for _, protocol := range Protocols() {
		reg.RegisterSource(protocol, func(desc detection.StreamDescriptor) (detection.StreamSource, error) {
			return NewSource(desc, opts...)
		})
	}
}
