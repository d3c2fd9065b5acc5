package transport

import (
	"context"
	"errors"
	"net"

	"github.com/goliatone/go-auth-cache/core"
)

func transportError(message string, metadata map[string]any) error {
	return core.NewError(core.KindNetwork, core.CodeNetworkError, message, withAdapter(metadata))
}

// transportWrapError tags source as a network failure, or as a timeout when
// the request deadline expired.
func transportWrapError(source error, message string, metadata map[string]any) error {
	if source == nil {
		return transportError(message, metadata)
	}
	if isTimeout(source) {
		return core.WrapError(source, core.KindTimeout, core.CodeTimedOut, message, withAdapter(metadata))
	}
	return core.WrapError(source, core.KindNetwork, core.CodeNetworkError, message, withAdapter(metadata))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func withAdapter(metadata map[string]any) map[string]any {
	out := map[string]any{"adapter": KindHTTP}
	for key, value := range metadata {
		out[key] = value
	}
	return out
}
