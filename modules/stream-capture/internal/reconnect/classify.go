package reconnect

import "strings"

// Category classifies a pipeline error.
type Category int

const (
	// CategoryNetwork: connection, timeout, DNS. Reconnecting may help.
	CategoryNetwork Category = iota
	// CategoryCodec: decode or negotiation failures. Reconnecting rarely helps.
	CategoryCodec
	// CategoryAuth: credentials required or rejected.
	CategoryAuth
	CategoryUnknown
)

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryCodec:
		return "codec"
	case CategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Retryable reports whether a reconnect attempt is worthwhile.
func (c Category) Retryable() bool {
	return c == CategoryNetwork || c == CategoryUnknown
}

var (
	authKeywords = []string{
		"unauthorized", "401", "403", "forbidden",
		"authentication", "credentials", "password", "username",
	}
	codecKeywords = []string{
		"codec", "decode", "encode", "format", "negotiation", "caps",
		"h264", "h265", "mjpeg", "jpeg", "not negotiated", "no decoder",
		"missing plugin",
	}
	networkKeywords = []string{
		"connection", "timeout", "unreachable", "network", "dns", "resolve",
		"socket", "tcp", "udp", "rtsp", "rtmp", "not found",
		"could not connect", "failed to connect", "refused",
	}
)

// Classify matches an error message and its debug detail against keyword
// lists. Auth is checked first, then codec, then network.
func Classify(message, debug string) Category {
	combined := strings.ToLower(message + " " + debug)
	switch {
	case containsAny(combined, authKeywords):
		return CategoryAuth
	case containsAny(combined, codecKeywords):
		return CategoryCodec
	case containsAny(combined, networkKeywords):
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
