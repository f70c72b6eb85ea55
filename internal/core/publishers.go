package core

import (
	"context"
	"fmt"

	"github.com/e7canasta/orion-vision/internal/metrics"
	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/emitter"
)

// instrumented counts publish outcomes per sink.
type instrumented struct {
	name    string
	next    emitter.Publisher
	metrics *metrics.Collector
}

func (p *instrumented) Publish(ctx context.Context, serviceID string, r detection.DetectionResult) error {
	err := p.next.Publish(ctx, serviceID, r)
	if p.metrics != nil {
		p.metrics.Published(p.name, err)
	}
	return err
}

func (p *instrumented) Close() error {
	return p.next.Close()
}

// connectEmitters dials the configured sinks and starts one forwarder per
// sink. Each forwarder holds a keep-newest bus subscription so a slow broker
// never blocks detection.
func (o *Orion) connectEmitters(ctx context.Context) error {
	if c := o.cfg.MQTT; c.Enabled {
		m := emitter.NewMQTT(emitter.MQTTConfig{
			Broker:      c.Broker,
			ClientID:    c.ClientID,
			Username:    c.Username,
			Password:    c.Password,
			TopicPrefix: c.TopicPrefix,
			QoS:         c.QoS,
			Retain:      c.Retain,
		}, o.logger)
		if err := m.Connect(ctx); err != nil {
			return fmt.Errorf("core: connect mqtt: %w", err)
		}
		o.mqtt = m
		if err := o.forward("mqtt", m); err != nil {
			return err
		}
	}

	if c := o.cfg.Redis; c.Enabled {
		r, err := emitter.NewRedis(ctx, emitter.RedisConfig{
			Addr:      c.Addr,
			Password:  c.Password,
			DB:        c.DB,
			Prefix:    c.Prefix,
			LatestTTL: c.LatestTTL,
		}, o.logger)
		if err != nil {
			return fmt.Errorf("core: connect redis: %w", err)
		}
		if err := o.forward("redis", r); err != nil {
			r.Close()
			return err
		}
	}
	return nil
}

func (o *Orion) forward(name string, p emitter.Publisher) error {
	pub := &instrumented{name: name, next: p, metrics: o.collector}
	o.publishers = append(o.publishers, pub)

	recv, err := o.bus.SubscribeDropOld("emitter-" + name)
	if err != nil {
		return fmt.Errorf("core: subscribe %s emitter: %w", name, err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		sent := emitter.Forward(context.Background(), recv, pub, o.logger)
		o.logger.Info("core: emitter stopped", "sink", name, "published", sent)
	}()
	return nil
}
