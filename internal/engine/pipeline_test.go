package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"harvest/internal/model"
)

type stubEngine struct {
	id       string
	features Features
	result   *Result
	err      error
	calls    int
}

func (s *stubEngine) ID() string         { return s.id }
func (s *stubEngine) Features() Features { return s.features }
func (s *stubEngine) Scrape(ctx context.Context, req Request) (*Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func testPipeline(engines ...Engine) *Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPipeline(engines, nil, "harvestbot/1.0", 5*time.Second, logger)
}

func longMarkdown() string {
	return strings.Repeat("content line\n", 20)
}

func TestFallbackListFilters(t *testing.T) {
	fetch := &stubEngine{id: "fetch"}
	browser := &stubEngine{id: "browser", features: Features{Mobile: true, Screenshot: true}}
	stealth := &stubEngine{id: "browser-stealth", features: Features{Mobile: true, Stealth: true, Screenshot: true}}
	p := testPipeline(fetch, browser, stealth)

	list := p.fallbackList(model.ScrapeOptions{})
	if len(list) != 2 || list[0].ID() != "fetch" || list[1].ID() != "browser" {
		t.Fatalf("default list should exclude stealth, got %v", ids(list))
	}

	list = p.fallbackList(model.ScrapeOptions{Proxy: "stealth"})
	if len(list) != 1 || list[0].ID() != "browser-stealth" {
		t.Fatalf("stealth request should keep only stealth engines, got %v", ids(list))
	}

	list = p.fallbackList(model.ScrapeOptions{Mobile: true})
	if len(list) != 1 || list[0].ID() != "browser" {
		t.Fatalf("mobile request should drop fetch, got %v", ids(list))
	}

	list = p.fallbackList(model.ScrapeOptions{Formats: []interface{}{"screenshot"}})
	if len(list) != 1 || list[0].ID() != "browser" {
		t.Fatalf("screenshot request should drop fetch, got %v", ids(list))
	}

	force := true
	list = p.fallbackList(model.ScrapeOptions{UseBrowser: &force})
	if len(list) != 1 || list[0].ID() != "browser" {
		t.Fatalf("useBrowser should drop fetch, got %v", ids(list))
	}
}

func ids(list []Engine) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.ID()
	}
	return out
}

func TestScrapeURLAcceptsSubstantialContent(t *testing.T) {
	eng := &stubEngine{id: "fetch", result: &Result{Markdown: longMarkdown(), StatusCode: 200}}
	out := testPipeline(eng).ScrapeURL(context.Background(), "job-1", "https://example.com", model.ScrapeOptions{}, model.InternalOptions{})

	if !out.Success || out.Document == nil {
		t.Fatalf("expected success, got error %v", out.Error)
	}
	if out.Document.Metadata.StatusCode != 200 {
		t.Fatalf("status = %d", out.Document.Metadata.StatusCode)
	}
	if len(out.Logs) != 1 || !out.Logs[0].Accepted {
		t.Fatalf("expected one accepted attempt, got %+v", out.Logs)
	}
}

func TestScrapeURLAcceptsAuthoritativeStatus(t *testing.T) {
	// A 404 with no content is the answer, not a reason to fall back.
	eng := &stubEngine{id: "fetch", result: &Result{Markdown: "", StatusCode: 404}}
	second := &stubEngine{id: "browser"}
	out := testPipeline(eng, second).ScrapeURL(context.Background(), "job-2", "https://example.com/missing", model.ScrapeOptions{}, model.InternalOptions{})

	if !out.Success {
		t.Fatalf("404 should be accepted, got %v", out.Error)
	}
	if second.calls != 0 {
		t.Fatal("second engine must not run after an authoritative status")
	}
}

func TestScrapeURLFallsBackOnThinContent(t *testing.T) {
	thin := &stubEngine{id: "fetch", result: &Result{Markdown: "too short", StatusCode: 200}}
	full := &stubEngine{id: "browser", result: &Result{Markdown: longMarkdown(), StatusCode: 200}}
	out := testPipeline(thin, full).ScrapeURL(context.Background(), "job-3", "https://example.com", model.ScrapeOptions{}, model.InternalOptions{})

	if !out.Success {
		t.Fatalf("expected fallback success, got %v", out.Error)
	}
	if len(out.Logs) != 2 {
		t.Fatalf("expected two attempts, got %+v", out.Logs)
	}
	if out.Logs[0].Accepted || !out.Logs[1].Accepted {
		t.Fatalf("first attempt rejected, second accepted; got %+v", out.Logs)
	}
}

func TestScrapeURLAllEnginesExhausted(t *testing.T) {
	a := &stubEngine{id: "fetch", err: errors.New("connection refused")}
	b := &stubEngine{id: "browser", result: &Result{Markdown: "nah", StatusCode: 200}}
	out := testPipeline(a, b).ScrapeURL(context.Background(), "job-4", "https://example.com", model.ScrapeOptions{}, model.InternalOptions{})

	if out.Success || out.Error == nil {
		t.Fatal("expected failure outcome")
	}
	if out.Error.Code != model.CodeNoEnginesLeft {
		t.Fatalf("code = %s", out.Error.Code)
	}
	if !strings.Contains(out.Error.Message, "fetch") || !strings.Contains(out.Error.Message, "browser") {
		t.Fatalf("message should name each engine: %s", out.Error.Message)
	}
}

func TestScrapeURLNoCapableEngine(t *testing.T) {
	eng := &stubEngine{id: "fetch"}
	out := testPipeline(eng).ScrapeURL(context.Background(), "job-5", "https://example.com", model.ScrapeOptions{Mobile: true}, model.InternalOptions{})

	if out.Success || out.Error == nil || out.Error.Code != model.CodeNoEnginesLeft {
		t.Fatalf("expected NO_ENGINES_LEFT, got %+v", out)
	}
	if eng.calls != 0 {
		t.Fatal("incapable engine must not be called")
	}
}

func TestWantsFormat(t *testing.T) {
	formats := []interface{}{
		"Markdown",
		map[string]interface{}{"type": "screenshot"},
	}
	if !WantsFormat(formats, "markdown") {
		t.Fatal("string entry, case-insensitive")
	}
	if !WantsFormat(formats, "screenshot") {
		t.Fatal("object entry")
	}
	if WantsFormat(formats, "links") {
		t.Fatal("absent format")
	}
}

func TestJSONFormatConfig(t *testing.T) {
	ok, prompt, schema := JSONFormatConfig([]interface{}{
		map[string]interface{}{
			"type":   "json",
			"prompt": "extract the price",
			"schema": map[string]interface{}{"type": "object"},
		},
	})
	if !ok || prompt != "extract the price" || schema == nil {
		t.Fatalf("ok=%v prompt=%q schema=%v", ok, prompt, schema)
	}

	ok, prompt, schema = JSONFormatConfig([]interface{}{"json"})
	if !ok || prompt != "" || schema != nil {
		t.Fatalf("bare string form: ok=%v prompt=%q schema=%v", ok, prompt, schema)
	}

	ok, _, _ = JSONFormatConfig([]interface{}{"markdown"})
	if ok {
		t.Fatal("no json entry")
	}
}

func TestCleanMarkdown(t *testing.T) {
	in := "a\n\n\n\n\nb\n"
	if got := cleanMarkdown(in); got != "a\n\nb" {
		t.Fatalf("got %q", got)
	}
}

type hangingEngine struct {
	id    string
	calls int
}

func (h *hangingEngine) ID() string         { return h.id }
func (h *hangingEngine) Features() Features { return Features{} }
func (h *hangingEngine) Scrape(ctx context.Context, req Request) (*Result, error) {
	h.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestScrapeURLCallerTimeout(t *testing.T) {
	slow := &hangingEngine{id: "fetch"}
	second := &stubEngine{id: "browser", result: &Result{Markdown: longMarkdown(), StatusCode: 200}}
	p := testPipeline(slow, second)

	out := p.ScrapeURL(context.Background(), "job", "https://example.com",
		model.ScrapeOptions{TimeoutMs: 30}, model.InternalOptions{})

	if out.Success {
		t.Fatal("timed-out scrape must not succeed")
	}
	if out.Error == nil || out.Error.Code != model.CodeScrapeTimeout {
		t.Fatalf("got %+v, want %s", out.Error, model.CodeScrapeTimeout)
	}
	if second.calls != 0 {
		t.Fatalf("caller deadline is spent; no fallback expected, got %d calls", second.calls)
	}
}

func TestScrapeURLDefaultTimeoutStillFallsBack(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	slow := &hangingEngine{id: "fetch"}
	second := &stubEngine{id: "browser", result: &Result{Markdown: longMarkdown(), StatusCode: 200}}
	p := NewPipeline([]Engine{slow, second}, nil, "harvestbot/1.0", 50*time.Millisecond, logger)

	out := p.ScrapeURL(context.Background(), "job", "https://example.com",
		model.ScrapeOptions{}, model.InternalOptions{})

	if !out.Success {
		t.Fatalf("expected fallback to absorb the hung engine, got %+v", out.Error)
	}
	if slow.calls != 1 || second.calls != 1 {
		t.Fatalf("expected one attempt each, got %d and %d", slow.calls, second.calls)
	}
}
