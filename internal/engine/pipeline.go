package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"harvest/internal/metrics"
	"harvest/internal/model"
)

// minMarkdownLength is the quality floor below which an engine's
// output is considered too thin to accept, unless the status code is
// itself authoritative.
const minMarkdownLength = 100

// Pipeline runs the prioritized engine list for a URL and judges each
// result. Engines are tried in order until one is accepted.
type Pipeline struct {
	engines   []Engine
	extractor Extractor
	userAgent string
	timeout   time.Duration
	logger    *slog.Logger
}

// Extractor is the LLM boundary used by the json post-transformer.
type Extractor interface {
	Extract(ctx context.Context, markdown string, schema map[string]any, prompt string) (map[string]any, error)
}

func NewPipeline(engines []Engine, extractor Extractor, userAgent string, timeout time.Duration, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		engines:   engines,
		extractor: extractor,
		userAgent: userAgent,
		timeout:   timeout,
		logger:    logger,
	}
}

// fallbackList filters the engine order down to engines capable of
// serving the request options.
func (p *Pipeline) fallbackList(opts model.ScrapeOptions) []Engine {
	wantScreenshot := WantsFormat(opts.Formats, "screenshot")
	wantStealth := opts.Proxy == "stealth"
	forceBrowser := opts.UseBrowser != nil && *opts.UseBrowser

	var out []Engine
	for _, e := range p.engines {
		f := e.Features()
		if opts.Mobile && !f.Mobile {
			continue
		}
		if wantStealth && !f.Stealth {
			continue
		}
		if !wantStealth && f.Stealth {
			// Stealth engines are opt-in; they burn proxy budget.
			continue
		}
		if wantScreenshot && !f.Screenshot {
			continue
		}
		if forceBrowser && e.ID() == "fetch" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ScrapeURL runs the fallback pipeline for one URL. A successful
// outcome always carries non-empty markdown and a numeric status code;
// the per-engine attempt log is preserved in order.
func (p *Pipeline) ScrapeURL(ctx context.Context, id, rawURL string, opts model.ScrapeOptions, internal model.InternalOptions) Outcome {
	list := p.fallbackList(opts)
	if len(list) == 0 {
		return Outcome{
			Error: &model.TransportableError{
				Code:    model.CodeNoEnginesLeft,
				Message: "no engine supports the requested options",
			},
		}
	}

	timeout := p.timeout
	userDeadline := opts.TimeoutMs > 0
	if userDeadline {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}

	var logs []Attempt
	reasons := make(map[string]string, len(list))

	for _, eng := range list {
		if ctx.Err() != nil {
			return Outcome{
				Logs: logs,
				Error: &model.TransportableError{
					Code:    model.CodeScrapeTimeout,
					Message: "scrape deadline exceeded",
				},
			}
		}

		req := Request{
			URL:        rawURL,
			Headers:    opts.Headers,
			UserAgent:  p.userAgent,
			Timeout:    timeout,
			WaitFor:    time.Duration(opts.WaitForMs) * time.Millisecond,
			Mobile:     opts.Mobile,
			Screenshot: WantsFormat(opts.Formats, "screenshot"),
			FullPage:   opts.FullPageShot,
		}

		engCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		res, err := eng.Scrape(engCtx, req)
		timedOut := engCtx.Err() == context.DeadlineExceeded
		cancel()
		elapsed := time.Since(start).Milliseconds()

		if err != nil {
			reason := "engine error: " + err.Error()
			reasons[eng.ID()] = reason
			logs = append(logs, Attempt{Engine: eng.ID(), Reason: reason, DurationMs: elapsed})
			metrics.RecordEngineAttempt(eng.ID(), false)
			p.logger.Debug("engine_attempt_failed", "job_id", id, "engine", eng.ID(), "error", err)
			// A caller-supplied deadline is the whole URL budget;
			// falling back to another engine would just spend it
			// again. Only the default per-engine timeout falls back.
			if userDeadline && (timedOut || errors.Is(err, context.DeadlineExceeded)) {
				return Outcome{
					Logs: logs,
					Error: &model.TransportableError{
						Code:    model.CodeScrapeTimeout,
						Message: fmt.Sprintf("scrape did not finish within %s", timeout),
					},
				}
			}
			continue
		}

		if res.Markdown == "" && res.HTML != "" {
			// Engines that emit raw HTML only get markdown derived
			// here so the quality factors see a uniform shape.
			res.Markdown = parseMarkdown(rawURL, res.HTML)
		}

		isLongEnough := len(res.Markdown) >= minMarkdownLength
		isGoodStatusCode := res.StatusCode < 300
		hasNoPageError := res.PageError == ""

		// Accept when the content is substantial, or when the status
		// code itself is the answer: a 404 from one engine will be a
		// 404 from all of them.
		if isLongEnough || !isGoodStatusCode {
			metrics.RecordEngineAttempt(eng.ID(), true)
			logs = append(logs, Attempt{
				Engine:     eng.ID(),
				Reason:     "accepted",
				StatusCode: res.StatusCode,
				DurationMs: elapsed,
				Accepted:   true,
			})
			doc := p.buildDocument(ctx, rawURL, res, opts)
			return Outcome{Success: true, Document: doc, Logs: logs}
		}

		reason := fmt.Sprintf("rejected: markdown length %d, status %d, page error %v",
			len(res.Markdown), res.StatusCode, !hasNoPageError)
		reasons[eng.ID()] = reason
		metrics.RecordEngineAttempt(eng.ID(), false)
		logs = append(logs, Attempt{Engine: eng.ID(), Reason: reason, StatusCode: res.StatusCode, DurationMs: elapsed})
	}

	return Outcome{
		Logs: logs,
		Error: &model.TransportableError{
			Code:    model.CodeNoEnginesLeft,
			Message: "all engines exhausted: " + formatReasons(reasons),
		},
	}
}

func formatReasons(reasons map[string]string) string {
	ids := make([]string, 0, len(reasons))
	for id := range reasons {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+" ("+reasons[id]+")")
	}
	return strings.Join(parts, "; ")
}
