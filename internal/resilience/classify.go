package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/ameureka/ai-deepresearch-agent/provider"
)

// Class is the failure category of a model call.
type Class string

const (
	ClassConnection   Class = "connection"
	ClassTimeout      Class = "timeout"
	ClassRateLimit    Class = "rate_limit"
	ClassInvalidParam Class = "invalid_parameter"
	ClassServer       Class = "server"
	ClassOther        Class = "other"
)

// Transient reports whether the class is a transport-level failure.
func (c Class) Transient() bool {
	return c == ClassConnection || c == ClassTimeout
}

// Classify maps an error returned by a provider onto a Class. Typed signals
// win over message inspection.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var ie *InvokeError
	if errors.As(err, &ie) && ie.Class != "" {
		return ie.Class
	}
	var se *provider.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429:
			return ClassRateLimit
		case se.StatusCode == 400 || se.StatusCode == 413 || se.StatusCode == 422:
			return ClassInvalidParam
		case se.StatusCode == 408:
			return ClassTimeout
		case se.StatusCode >= 500:
			return ClassServer
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassConnection
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) Class {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "broken pipe", "connection reset", "connection refused", "connection error"):
		return ClassConnection
	case containsAny(lower, "timeout", "timed out"):
		return ClassTimeout
	case containsAny(lower, "429", "rate_limit", "rate limit"):
		return ClassRateLimit
	case containsAny(lower, "max_tokens", "400"):
		return ClassInvalidParam
	case containsAny(lower, "500", "internal_error"):
		return ClassServer
	}
	return ClassOther
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
