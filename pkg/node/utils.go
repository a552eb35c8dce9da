package node

import (
	"errors"
	"net"
	"net/http"
	"strings"

	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
)

const DefaultPort = "8080"

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// baseURL turns a directory endpoint into the URL prefix requests are sent to.
func baseURL(endpoint string) string {
	return "http://" + NormalizeHostPort(endpoint, DefaultPort)
}

// statusFor maps an error onto the HTTP status served for it. The transport
// maps the status back on the other side.
func statusFor(err error) int {
	switch {
	case errors.Is(err, zerrors.ErrGroupNotFound):
		return http.StatusNotFound
	case errors.Is(err, zerrors.ErrUnknownOpcode),
		errors.Is(err, zerrors.ErrRootNotMember),
		errors.Is(err, zerrors.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, zerrors.ErrGroupExists):
		return http.StatusConflict
	case errors.Is(err, zerrors.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, zerrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, zerrors.ErrUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, zerrors.ErrCanceled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
