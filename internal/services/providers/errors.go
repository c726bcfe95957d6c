package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hadrianai/hadrian/internal/schema"
)

var errEmptyInput = errors.New("empty input")

// Kind identifies the failure class of a provider error. It maps to the
// `code` field of the canonical error body and drives retry and fallback
// decisions.
type Kind string

const (
	KindConfig         Kind = "config_error"
	KindTokenFetch     Kind = "token_fetch_failed"
	KindSigning        Kind = "signing_failed"
	KindTransport      Kind = "transport_error"
	KindUpstream       Kind = "upstream_error"
	KindStreamOverflow Kind = "stream_buffer_overflow"
	KindCircuitOpen    Kind = "circuit_open"
	KindNotImplemented Kind = "not_implemented"
	KindRequest        Kind = "provider_request_error"
)

// Error is the one error type that crosses the provider boundary. Status and
// Body are set only for KindUpstream and carry the upstream response
// verbatim.
type Error struct {
	Kind     Kind
	Provider string
	Status   int
	Body     []byte
	Err      error
	Message  string

	// RetryAfter carries the upstream Retry-After header, when present, so
	// the HTTP layer can forward it on throttled responses.
	RetryAfter string
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindUpstream:
		return fmt.Sprintf("%s: upstream status %d", e.Provider, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func NewUpstreamError(provider string, status int, body []byte) *Error {
	return &Error{Kind: KindUpstream, Provider: provider, Status: status, Body: body}
}

func NewTransportError(provider string, err error) *Error {
	return &Error{Kind: KindTransport, Provider: provider, Err: err}
}

func NewTokenError(provider string, err error) *Error {
	return &Error{Kind: KindTokenFetch, Provider: provider, Err: err}
}

func NewSigningError(provider string, err error) *Error {
	return &Error{Kind: KindSigning, Provider: provider, Err: err}
}

func NewConfigError(provider, message string) *Error {
	return &Error{Kind: KindConfig, Provider: provider, Message: message}
}

func NewRequestError(provider string, err error) *Error {
	return &Error{Kind: KindRequest, Provider: provider, Err: err}
}

func NewOverflowError(provider string, limit int) *Error {
	return &Error{
		Kind:     KindStreamOverflow,
		Provider: provider,
		Message:  fmt.Sprintf("stream frame exceeds %d byte buffer limit", limit),
	}
}

func NewCircuitOpenError(provider string) *Error {
	return &Error{Kind: KindCircuitOpen, Provider: provider}
}

func NewNotImplementedError(provider, op string) *Error {
	return &Error{Kind: KindNotImplemented, Provider: provider, Message: op + " is not supported"}
}

// AsError unwraps err to a provider *Error when one is in the chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// UpstreamStatus returns the upstream HTTP status carried by err, or 0.
func UpstreamStatus(err error) int {
	if pe, ok := AsError(err); ok && pe.Kind == KindUpstream {
		return pe.Status
	}
	return 0
}

// HTTPStatus maps a provider error to the status returned to the caller.
// Upstream 4xx passes through, except 408 which surfaces as 429 alongside
// real throttling; upstream 5xx surfaces as 502.
func HTTPStatus(err error) int {
	pe, ok := AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch pe.Kind {
	case KindUpstream:
		switch {
		case pe.Status == http.StatusRequestTimeout || pe.Status == http.StatusTooManyRequests:
			return http.StatusTooManyRequests
		case pe.Status >= 500:
			return http.StatusBadGateway
		}
		return pe.Status
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindTransport, KindStreamOverflow:
		return http.StatusBadGateway
	case KindTokenFetch, KindSigning:
		return http.StatusUnauthorized
	case KindNotImplemented:
		return http.StatusNotImplemented
	case KindConfig, KindRequest:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ErrorBody renders the canonical error envelope for err. Upstream bodies
// that already carry a JSON object ride along in details.
func ErrorBody(err error) schema.ErrorBody {
	pe, ok := AsError(err)
	if !ok {
		return schema.ErrorBody{Error: schema.ErrorDetail{
			Code:    "internal_error",
			Message: err.Error(),
		}}
	}
	detail := schema.ErrorDetail{Code: string(pe.Kind), Message: pe.Error()}
	if pe.Kind == KindUpstream && json.Valid(pe.Body) {
		detail.Details = json.RawMessage(pe.Body)
	}
	return schema.ErrorBody{Error: detail}
}
