// Package emitter publishes detection results outside the process.
//
// Every publisher sends the same JSON document built by NewPayload. Delivery
// is lossy: Forward drains a resultbus DropOld
// subscription, so a slow broker only ever sees the newest result.
//
//	recv, _ := bus.SubscribeDropOld("mqtt")
//	go emitter.Forward(ctx, recv, mqttPublisher, logger)
//
// Publishers:
//
//	MQTT   topic <prefix>/<service_id>/detections (paho, auto-reconnect)
//	Redis  PUBLISH <prefix>:<service_id> and SET <prefix>:<service_id>:latest
package emitter
