package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransportableRoundTrip(t *testing.T) {
	orig := &TransportableError{
		Code:    CodeNoEnginesLeft,
		Message: "all engines exhausted",
		Cause:   &TransportableError{Code: CodeEngineError, Message: "connection refused"},
	}

	parsed := ParseTransportable(orig.Serialize())
	if parsed.Code != CodeNoEnginesLeft {
		t.Fatalf("expected code %s, got %s", CodeNoEnginesLeft, parsed.Code)
	}
	if parsed.Message != "all engines exhausted" {
		t.Fatalf("unexpected message: %q", parsed.Message)
	}
	if parsed.Cause == nil || parsed.Cause.Code != CodeEngineError {
		t.Fatalf("cause not preserved: %+v", parsed.Cause)
	}
}

func TestParseTransportableLegacyFormat(t *testing.T) {
	parsed := ParseTransportable("SCRAPE_TIMEOUT: scrape did not finish within 30s")
	if parsed.Code != CodeScrapeTimeout {
		t.Fatalf("expected %s, got %s", CodeScrapeTimeout, parsed.Code)
	}
	if parsed.Message != "scrape did not finish within 30s" {
		t.Fatalf("unexpected message: %q", parsed.Message)
	}
}

func TestParseTransportablePlainText(t *testing.T) {
	parsed := ParseTransportable("something went sideways")
	if parsed.Code != CodeInternal {
		t.Fatalf("expected %s, got %s", CodeInternal, parsed.Code)
	}
	if parsed.Message != "something went sideways" {
		t.Fatalf("unexpected message: %q", parsed.Message)
	}
}

func TestParseTransportableEmpty(t *testing.T) {
	parsed := ParseTransportable("  ")
	if parsed.Code != CodeInternal {
		t.Fatalf("expected %s, got %s", CodeInternal, parsed.Code)
	}
}

func TestNewTransportableNoDoubleWrap(t *testing.T) {
	inner := &TransportableError{Code: CodeRateLimited, Message: "slow down"}
	wrapped := fmt.Errorf("request failed: %w", inner)

	got := NewTransportable(CodeInternal, wrapped)
	if got.Code != CodeRateLimited {
		t.Fatalf("expected inner code to win, got %s", got.Code)
	}
}

func TestNewTransportablePlainError(t *testing.T) {
	got := NewTransportable(CodeEngineError, errors.New("boom"))
	if got.Code != CodeEngineError || got.Message != "boom" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[string]int{
		CodeBadRequest:          400,
		CodeInsufficientCredits: 402,
		CodeURLBlocked:          403,
		CodeForbidden:           403,
		CodeJobNotFound:         404,
		CodeJobExpired:          404,
		CodeScrapeTimeout:       408,
		CodeRateLimited:         429,
		CodeInternal:            500,
		CodeNoEnginesLeft:       500,
		"SOMETHING_ELSE":        500,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}
