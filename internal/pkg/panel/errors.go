package panel

import (
	"errors"
	"net/http"
	"strings"
)

// Kind classifies a provisioning failure.
type Kind string

const (
	KindNoPanelBound      Kind = "no_panel_bound"
	KindFamilyMismatch    Kind = "family_mismatch"
	KindAuth              Kind = "auth_error"
	KindTransportTimeout  Kind = "transport_timeout"
	KindTransport         Kind = "transport_error"
	KindPanelRejected     Kind = "panel_rejected"
	KindNotImplemented    Kind = "not_implemented_for_family"
	KindNotFound          Kind = "not_found"
	KindInvalidConfig     Kind = "invalid_panel_config"
	KindMalformedResponse Kind = "malformed_response"
)

// Error is the error type returned by adapters, the token cache and the resolver.
// Error() yields Message unchanged so panel text reaches operators verbatim.
type Error struct {
	Kind       Kind
	Op         string
	PanelID    uint
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind so errors.Is(err, &Error{Kind: KindAuth}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, op string, panelID uint, msg string) *Error {
	return &Error{Kind: kind, Op: op, PanelID: panelID, Message: msg}
}

// NewError builds a classified error outside an adapter call.
func NewError(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsConfigurationFault reports errors that retrying cannot fix.
func IsConfigurationFault(err error) bool {
	switch KindOf(err) {
	case KindNoPanelBound, KindFamilyMismatch, KindNotImplemented, KindInvalidConfig:
		return true
	}
	return false
}

// IsRetryable reports failures that may succeed on a later attempt.
func IsRetryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return err != nil
	}
	switch pe.Kind {
	case KindTransportTimeout, KindTransport, KindAuth:
		return true
	case KindPanelRejected:
		return pe.StatusCode >= http.StatusInternalServerError
	}
	return false
}

// IsAlreadyExists reports a create rejected because the username is taken.
func IsAlreadyExists(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindPanelRejected {
		return false
	}
	if pe.StatusCode == http.StatusConflict {
		return true
	}
	return strings.Contains(strings.ToLower(pe.Message), "already exists")
}
