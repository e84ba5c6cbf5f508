package llm

import (
	"errors"
	"fmt"
	"net/http"
)

type errorClass int

const (
	classTransient errorClass = iota + 1
	classFatal
)

// CallError is an endpoint failure classified by whether a retry can help.
// StatusCode is zero when the request never got an HTTP response.
type CallError struct {
	StatusCode int

	class errorClass
	err   error
}

func (e *CallError) Error() string { return e.err.Error() }

func (e *CallError) Unwrap() error { return e.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	return &CallError{class: classTransient, err: err}
}

// NewFatalError marks err as permanent: no retry and no fallback.
func NewFatalError(err error) error {
	return &CallError{class: classFatal, err: err}
}

// IsTransient reports whether err is a retryable CallError.
func IsTransient(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.class == classTransient
}

// IsFatal reports whether err is a permanent CallError.
func IsFatal(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.class == classFatal
}

// classifyStatus turns a non-200 reply into a CallError. Rate limits,
// request timeouts and server errors are retried; everything else is a
// configuration problem.
func classifyStatus(status int, body []byte) error {
	excerpt := string(body)
	if len(excerpt) > 200 {
		excerpt = excerpt[:200] + "..."
	}

	ce := &CallError{
		StatusCode: status,
		class:      classFatal,
		err:        fmt.Errorf("LLM API error (status %d): %s", status, excerpt),
	}
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		ce.class = classTransient
	}
	return ce
}
