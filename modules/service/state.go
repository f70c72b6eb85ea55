package service

import "fmt"

// State is the lifecycle state of a Service.
//
//	Idle -> Starting -> Running -> Stopping -> Idle
//	Starting -> Error, Running -> Error, Error -> Starting
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// canTransition reports whether from -> to is a legal edge.
func canTransition(from, to State) bool {
	switch from {
	case Idle:
		return to == Starting
	case Starting:
		return to == Running || to == Error
	case Running:
		return to == Stopping || to == Error
	case Stopping:
		return to == Idle
	case Error:
		return to == Starting
	}
	return false
}
