// Package service runs the pipeline between one stream and one detector.
//
// A Service owns a StreamSource, a DetectorBackend and a bounded result
// buffer. Start loads the model, connects the stream and launches the frame
// loop:
//
//	read frame -> skip cadence -> throttle -> infer -> buffer result
//
// Inference runs on an inferpool.Pool so that many services can share a
// bounded number of concurrent inferences. Results are lossy: when consumers
// fall behind the oldest buffered result is evicted.
//
// Lifecycle:
//
//	Idle -> Starting -> Running -> Stopping -> Idle
//	           |           |
//	           +-> Error <-+      (Error -> Starting restarts)
//
// A running service moves to Error on its own once its inference error
// count reaches the threshold (10 by default); the frame loop stops reading
// and result iterators drain and end.
//
// A Manager holds many services, hands out "service_N" ids and forwards
// every result to a resultbus.Bus.
package service
