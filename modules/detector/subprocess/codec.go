package subprocess

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single framed message (an 8K RGB frame is ~100MB).
const maxMessageSize = 128 << 20

// Request is one frame sent to the worker.
type Request struct {
	FrameData []byte `msgpack:"frame_data"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Meta      Meta   `msgpack:"meta"`
}

// Meta is echoed back by the worker as Response.Seq.
type Meta struct {
	Seq       uint64 `msgpack:"seq"`
	FrameID   uint64 `msgpack:"frame_id"`
	StreamID  int    `msgpack:"stream_id"`
	TraceID   string `msgpack:"trace_id,omitempty"`
	Timestamp string `msgpack:"timestamp"`
	Device    string `msgpack:"device"`
}

// Response is the worker's answer to one Request.
type Response struct {
	Seq        uint64             `msgpack:"seq"`
	Detections []WireDetection    `msgpack:"detections"`
	Timing     map[string]float64 `msgpack:"timing,omitempty"`
	Error      string             `msgpack:"error,omitempty"`
}

// WireDetection is a detection as the worker reports it. BBox is x1, y1, x2, y2
// in frame pixels.
type WireDetection struct {
	BBox       [4]float64     `msgpack:"bbox"`
	Confidence float64        `msgpack:"confidence"`
	ClassID    int            `msgpack:"class_id"`
	ClassName  string         `msgpack:"class_name,omitempty"`
	Attributes map[string]any `msgpack:"attributes,omitempty"`
}

// WriteMessage encodes v with msgpack and writes it with a 4-byte big-endian
// length prefix in a single Write.
func WriteMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("subprocess: marshal: %w", err)
	}
	if len(body) > maxMessageSize {
		return fmt.Errorf("subprocess: message of %d bytes exceeds limit", len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads one length-prefixed msgpack message into v. It returns
// io.EOF when r is closed at a message boundary.
func ReadMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("subprocess: message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("subprocess: read body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("subprocess: unmarshal: %w", err)
	}
	return nil
}
