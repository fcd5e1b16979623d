package backend

import (
	"errors"
	"fmt"
)

// ErrUnknownCapability is returned when no adapter is registered for a tag.
var ErrUnknownCapability = errors.New("unknown capability")

// InvocationError is a fatal failure at invocation time: missing API key,
// malformed request, provider 4xx/5xx. Message is the provider's raw error
// text when available; Detail is a secondary provider message (e.g. a
// content-policy reason) kept apart so callers can tell the two apart.
type InvocationError struct {
	Capability string
	StatusCode int
	Message    string
	Detail     string
	Err        error
}

func (e *InvocationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Capability, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Capability, msg)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// DetailMap renders the error for NodeResult.ErrorDetail.
func (e *InvocationError) DetailMap() map[string]any {
	d := map[string]any{"capability": e.Capability}
	if e.StatusCode > 0 {
		d["statusCode"] = e.StatusCode
	}
	if e.Message != "" {
		d["message"] = e.Message
	}
	if e.Detail != "" {
		d["detail"] = e.Detail
	}
	return d
}

// Invocationf builds an InvocationError without an HTTP status.
func Invocationf(capability, format string, args ...any) *InvocationError {
	return &InvocationError{Capability: capability, Message: fmt.Sprintf(format, args...)}
}
