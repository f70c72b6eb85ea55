// Package detection defines the data model and capability contracts shared by
// every part of orion-vision.
//
// # Overview
//
// Two capability contracts plug collaborators into the orchestration core:
//
//   - StreamSource: connects to a video stream and yields decoded Frames.
//   - DetectorBackend: loads a model and turns Frames into DetectionResults.
//
// Implementations live elsewhere (modules/stream-capture, modules/detector);
// this package holds no logic beyond derived values on the data types.
//
// # Frames and results
//
// A Frame carries packed RGB24 pixels plus a per-connection identifier that
// starts at 0 and increases by one for every frame the source yields. A
// DetectionResult always describes exactly one Frame: it is either complete or
// an error is recorded for that frame id instead.
//
// # Errors
//
// Errors are grouped by sentinel (ErrConfiguration, ErrConnection,
// ErrInference, ...) so callers can use errors.Is regardless of which
// concrete error type carried the detail:
//
//	if errors.Is(err, detection.ErrConfiguration) {
//	    // unknown registry tag, undetectable protocol, invalid option
//	}
package detection
