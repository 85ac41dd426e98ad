// Package classifier maps arbitrary transfer errors onto the closed set of
// types.ErrorKind values. It is pure and never panics.
//
// Precedence is fixed and the first match wins:
//
//	rate_limit > network > not_found > server_error > permanent > no_sources > slow_transfer > unknown
//
// Connection-class failures are checked before status codes so that a proxy
// reporting a 5xx for a refused upstream connection still counts as network.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/ChuLiYu/download-queue/pkg/types"
)

// StatusCoder is implemented by errors that carry a transport status code.
type StatusCoder interface {
	StatusCode() int
}

// StatusError is a ready-made StatusCoder for executors.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// StatusCode implements StatusCoder.
func (e *StatusError) StatusCode() int { return e.Code }

// kindError pins a classification chosen by the executor itself.
type kindError struct {
	kind types.ErrorKind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// WithKind wraps err so that Classify returns kind regardless of heuristics.
func WithKind(err error, kind types.ErrorKind) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

var (
	rateLimitTokens = []string{"rate limit", "ratelimit", "too many requests", "429"}
	networkTokens   = []string{
		"econnrefused", "econnreset", "etimedout", "ehostunreach", "enotfound",
		"timeout", "timed out", "connection refused", "connection reset",
		"socket hang up", "network", "broken pipe", "eof",
	}
	notFoundTokens  = []string{"not found", "404"}
	noSourcesTokens = []string{"no results", "no sources", "no matches", "nothing found"}
	slowTokens      = []string{"slow", "speed"}
)

// Classify returns the error kind for err. A nil error is unknown.
func Classify(err error) (kind types.ErrorKind) {
	defer func() {
		if r := recover(); r != nil {
			kind = types.ErrorUnknown
		}
	}()
	if err == nil {
		return types.ErrorUnknown
	}

	var ke *kindError
	if errors.As(err, &ke) && ke.kind != "" {
		return ke.kind
	}

	msg := strings.ToLower(err.Error())
	code := statusCode(err)

	switch {
	case code == 429 || containsAny(msg, rateLimitTokens):
		return types.ErrorRateLimit
	case isNetwork(err) || containsAny(msg, networkTokens):
		return types.ErrorNetwork
	case code == 404 || containsAny(msg, notFoundTokens):
		return types.ErrorNotFound
	case code >= 500 && code <= 599:
		return types.ErrorServer
	case code >= 400 && code <= 499:
		return types.ErrorPermanent
	case containsAny(msg, noSourcesTokens):
		return types.ErrorNoSources
	case containsAny(msg, slowTokens):
		return types.ErrorSlowTransfer
	}
	return types.ErrorUnknown
}

func statusCode(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

func isNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT,
		syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func containsAny(msg string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(msg, t) {
			return true
		}
	}
	return false
}
