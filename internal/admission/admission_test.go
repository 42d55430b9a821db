package admission

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"harvest/internal/config"
	"harvest/internal/model"
)

func testController(share bool) *Controller {
	cfg := &config.Config{}
	cfg.Admission.ShareConcurrencyAcrossModes = share
	return NewController(nil, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMinimumRequested(t *testing.T) {
	ten := 10
	zero := 0

	if got := MinimumRequested(&ten, nil); got != 10 {
		t.Fatalf("limit should win, got %d", got)
	}
	if got := MinimumRequested(&zero, []string{"a", "b"}); got != 2 {
		t.Fatalf("zero limit falls through to url count, got %d", got)
	}
	if got := MinimumRequested(nil, []string{"a", "b", "c"}); got != 3 {
		t.Fatalf("url count, got %d", got)
	}
	if got := MinimumRequested(nil, nil); got != 1 {
		t.Fatalf("floor is 1, got %d", got)
	}
}

func TestCheckCredits(t *testing.T) {
	c := testController(false)
	acuc := &model.ACUC{TeamID: "t1", RemainingCredits: 5}

	if err := c.CheckCredits(acuc, 5); err != nil {
		t.Fatalf("exact balance should pass: %v", err)
	}
	err := c.CheckCredits(acuc, 6)
	if err == nil {
		t.Fatal("expected insufficient credits error")
	}
	var terr *model.TransportableError
	if !errors.As(err, &terr) || terr.Code != model.CodeInsufficientCredits {
		t.Fatalf("wrong error: %v", err)
	}
}

func TestCeiling(t *testing.T) {
	shared := testController(true)
	pinned := testController(false)

	a := &model.ACUC{Concurrency: 4}
	b := &model.ACUC{Concurrency: 9}

	if got := shared.Ceiling(a, b); got != 9 {
		t.Fatalf("shared mode takes the max, got %d", got)
	}
	if got := pinned.Ceiling(a, b); got != 4 {
		t.Fatalf("pinned mode keeps own limit, got %d", got)
	}
	if got := shared.Ceiling(&model.ACUC{}, nil); got != 1 {
		t.Fatalf("ceiling floor is 1, got %d", got)
	}
}
