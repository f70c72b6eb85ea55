package gststream

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// resolveURI turns a descriptor into the URI handed to GStreamer.
func resolveURI(protocol string, desc detection.StreamDescriptor) (string, error) {
	switch protocol {
	case detection.ProtocolFile:
		return fileURI(desc.URL)

	case detection.ProtocolRTSP, detection.ProtocolRTMP:
		if desc.Auth == nil || desc.Auth.Username == "" {
			return desc.URL, nil
		}
		u, err := url.Parse(desc.URL)
		if err != nil {
			return "", &detection.ConfigError{Key: "stream.url", Message: err.Error()}
		}
		u.User = url.UserPassword(desc.Auth.Username, desc.Auth.Password)
		return u.String(), nil

	case detection.ProtocolHTTP, detection.ProtocolHTTPS:
		return desc.URL, nil

	default:
		return "", &detection.ConfigError{Key: "stream.protocol", Message: fmt.Sprintf("%q is not handled by the gstreamer driver", protocol)}
	}
}

// fileURI accepts a path or file:// URL and returns an absolute file:// URI
// for an existing regular file.
func fileURI(raw string) (string, error) {
	path := strings.TrimPrefix(raw, "file://")
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &detection.ConfigError{Key: "stream.url", Message: err.Error()}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", &detection.ConfigError{Key: "stream.url", Message: fmt.Sprintf("video file not found: %s", abs)}
	}
	if info.IsDir() {
		return "", &detection.ConfigError{Key: "stream.url", Message: fmt.Sprintf("%s is a directory", abs)}
	}

	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// redact hides credentials in logged URIs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
