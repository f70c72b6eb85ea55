// Package detector implements detection.DetectorBackend on top of pluggable
// inference engines.
//
// An Engine runs one model on one device. NewBackend loads an engine per
// configured device, balances DetectOne calls across them with a
// scheduler.Scheduler and applies a post-processing chain:
//
//	engine output → confidence filter → class filter → class names →
//	processors (vehicle, ...) → max detections
//
// Engines live in subpackages so that the core stays free of cgo:
//
//	detector/dnn         OpenCV DNN (gocv), CPU or CUDA
//	detector/subprocess  external worker process speaking msgpack over stdio
//
// Custom backends can be assembled from callbacks with NewCustom.
package detector
