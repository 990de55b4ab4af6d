package httpexec

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"syscall"

	"github.com/fairyhunter13/fleet-dispatch/internal/domain"
)

// classifyStatus implements the authoritative classification table of
// spec §4.2 for a completed HTTP response.
func classifyStatus(status int) (typ domain.ErrorType, code string, ok bool) {
	switch {
	case status == http.StatusOK:
		return "", "", true
	case status == http.StatusBadRequest:
		return domain.ErrTypeBadRequest, "HTTP_400", false
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		return domain.ErrTypePermanent, "HTTP_" + strconv.Itoa(status), false
	case status == http.StatusTooManyRequests:
		return domain.ErrTypeTransientServer, "HTTP_429", false
	case status >= 500 && status < 600:
		return domain.ErrTypeTransientServer, "HTTP_" + strconv.Itoa(status), false
	default:
		return domain.ErrTypePermanent, "HTTP_" + strconv.Itoa(status), false
	}
}

// isConnectionClassError reports whether err is a connect-timeout,
// connection-refused, or proxy-style transport failure — the only class of
// error the retry policy in retry.go is allowed to retry. Read timeouts,
// TLS/SSL errors, and HTTP response statuses are never retried here.
func isConnectionClassError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			if opErr.Op == "dial" || opErr.Op == "proxyconnect" {
				return true
			}
			var sysErr *net.DNSError
			if errors.As(err, &sysErr) {
				return true
			}
		}
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	return false
}
