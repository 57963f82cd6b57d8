package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

var ErrNotOpen = errors.New("connection is not open")

type ErrorKind int

const (
	KindIO ErrorKind = iota
	KindTimeout
	KindRefused
	KindUnavailable
	KindAuth
	KindNotFound
	KindUnsupported
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRefused:
		return "refused"
	case KindUnavailable:
		return "unavailable"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not found"
	case KindUnsupported:
		return "unsupported"
	case KindProtocol:
		return "protocol"
	default:
		return "io"
	}
}

// Error is a classified transport failure.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the operation may succeed.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTimeout, KindRefused, KindUnavailable:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is a transient transport error.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient()
}

// KindOf returns the kind of the transport error within err.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindIO, false
}

func classifyDialError(err error, resp *http.Response, timedOut bool) *Error {
	e := &Error{Kind: KindIO, Op: "connect", Err: err}

	if resp != nil {
		e.StatusCode = resp.StatusCode
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			e.Kind = KindAuth
		case resp.StatusCode == http.StatusNotFound:
			e.Kind = KindNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			e.Kind = KindUnavailable
		case resp.StatusCode >= 400:
			e.Kind = KindUnsupported
		}
		if e.Kind != KindIO {
			return e
		}
	}

	var netErr net.Error

	switch {
	case timedOut, errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		e.Kind = KindRefused
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Kind = KindTimeout
	}

	return e
}
