package refresh

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
)

type statusCoder interface {
	StatusCode() int
}

// IsTransient reports whether a lookup failure is expected to clear up on its own.
//
// Server-side 5xx responses, timeouts, cancellation and network-layer failures
// (DNS, TLS, dial, reset, broken pipe) are transient. Everything else is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode() >= 500
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var (
		dnsErr   *net.DNSError
		opErr    *net.OpError
		alertErr tls.AlertError
		verifErr *tls.CertificateVerificationError
		recErr   tls.RecordHeaderError
	)
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) ||
		errors.As(err, &alertErr) || errors.As(err, &verifErr) || errors.As(err, &recErr) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
