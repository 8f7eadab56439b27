// Package cmn provides common low-level types and utilities shared by every
// package in the IRS cache core: error kinds, configuration, and store-key
// layout.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package cmn

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrorKind enumerates the error taxonomy surfaced by the core.
// DecodeError never crosses a package boundary as itself - callers treat
// it as NotFound - but it's named here so codec and store can agree on it.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindNotFound
	KindContention
	KindUpstreamUnavailable
	KindPartialWrite
	KindLocalStoreError
	KindDecodeError
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindContention:
		return "CONTENTION"
	case KindUpstreamUnavailable:
		return "UPSTREAM_UNAVAILABLE"
	case KindPartialWrite:
		return "PARTIAL_WRITE"
	case KindLocalStoreError:
		return "LOCAL_STORE_ERROR"
	case KindDecodeError:
		return "DECODE_ERROR"
	default:
		return "NONE"
	}
}

// HTTPStatus maps an error kind to the status code the inbound HTTP surface
// should return for it.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindContention:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindPartialWrite:
		return http.StatusOK // success to the caller, logged internally
	case KindLocalStoreError:
		return http.StatusServiceUnavailable
	case KindDecodeError:
		return http.StatusNotFound // never surfaced as itself; treated as not-found
	default:
		return http.StatusInternalServerError
	}
}

// Error is the core's wrapped error type: a kind plus context, with the
// original cause preserved for %+v / errors.Cause.
type Error struct {
	Kind  ErrorKind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error of the same Kind, so callers can
// `errors.Is(err, cmn.NotFound("", nil))`-style check without matching
// message text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

func NotFound(format string, args ...interface{}) *Error {
	return newErr(KindNotFound, nil, format, args...)
}

func Contention(format string, args ...interface{}) *Error {
	return newErr(KindContention, nil, format, args...)
}

func UpstreamUnavailable(cause error, format string, args ...interface{}) *Error {
	return newErr(KindUpstreamUnavailable, cause, format, args...)
}

func PartialWrite(format string, args ...interface{}) *Error {
	return newErr(KindPartialWrite, nil, format, args...)
}

func LocalStoreError(cause error, format string, args ...interface{}) *Error {
	return newErr(KindLocalStoreError, cause, format, args...)
}

func DecodeError(cause error, format string, args ...interface{}) *Error {
	return newErr(KindDecodeError, cause, format, args...)
}

// KindOf extracts the ErrorKind of err, walking wrapped causes; returns
// KindNone if err is nil or isn't one of ours.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindNone
}

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
func IsDecodeError(err error) bool { return KindOf(err) == KindDecodeError }
