package model

import (
	"encoding/json"
	"errors"
	"strings"
)

// Error codes surfaced to clients. These match the failedreason codes
// persisted on queue rows so they survive the worker->client boundary.
const (
	CodeScrapeTimeout       = "SCRAPE_TIMEOUT"
	CodeURLBlocked          = "URL_BLOCKED"
	CodeNoEnginesLeft       = "NO_ENGINES_LEFT"
	CodeEngineError         = "ENGINE_ERROR"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeCostLimitExceeded   = "COST_LIMIT_EXCEEDED"
	CodeBadRequest          = "BAD_REQUEST"
	CodeForbidden           = "FORBIDDEN"
	CodeJobNotFound         = "JOB_NOT_FOUND"
	CodeJobExpired          = "JOB_EXPIRED"
	CodeInternal            = "INTERNAL_ERROR"
)

// TransportableError is the error shape serialized into the
// failedreason column so structured errors survive the queue boundary.
type TransportableError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Stack   string              `json:"stack,omitempty"`
	Cause   *TransportableError `json:"cause,omitempty"`
}

func (e *TransportableError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// NewTransportable wraps an error into the transportable shape. When
// err is already transportable it is returned as-is so codes are not
// double-wrapped.
func NewTransportable(code string, err error) *TransportableError {
	var te *TransportableError
	if errors.As(err, &te) {
		return te
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &TransportableError{Code: code, Message: msg}
}

// Serialize renders the error as the JSON stored in failedreason.
func (e *TransportableError) Serialize() string {
	b, err := json.Marshal(e)
	if err != nil {
		return e.Error()
	}
	return string(b)
}

// ParseTransportable decodes a failedreason value. Plain-text reasons
// (including the legacy "CODE: detail" form) are mapped onto the
// structured shape so old rows remain readable.
func ParseTransportable(raw string) *TransportableError {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &TransportableError{Code: CodeInternal, Message: "unknown failure"}
	}

	if strings.HasPrefix(raw, "{") {
		var te TransportableError
		if err := json.Unmarshal([]byte(raw), &te); err == nil && te.Code != "" {
			return &te
		}
	}

	if idx := strings.Index(raw, ":"); idx > 0 {
		code := strings.TrimSpace(raw[:idx])
		if code != "" && code == strings.ToUpper(code) && !strings.Contains(code, " ") {
			return &TransportableError{Code: code, Message: strings.TrimSpace(raw[idx+1:])}
		}
	}

	return &TransportableError{Code: CodeInternal, Message: raw}
}

// HTTPStatus maps an error code onto the response status used by the
// HTTP layer.
func HTTPStatus(code string) int {
	switch code {
	case CodeBadRequest:
		return 400
	case CodeInsufficientCredits:
		return 402
	case CodeURLBlocked, CodeForbidden:
		return 403
	case CodeJobNotFound, CodeJobExpired:
		return 404
	case CodeScrapeTimeout:
		return 408
	case CodeRateLimited:
		return 429
	default:
		return 500
	}
}
