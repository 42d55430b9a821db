package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"harvest/internal/config"
	"harvest/internal/llm"
	"harvest/internal/model"
)

// MapFunc expands a site prefix into concrete URLs.
type MapFunc func(ctx context.Context, url string, limit int) ([]string, error)

// ScrapeFunc turns one URL into a Document.
type ScrapeFunc func(ctx context.Context, url string, opts model.ScrapeOptions) (*model.Document, error)

// ChargeFunc bills a team.
type ChargeFunc func(ctx context.Context, teamID string, credits int64, reason string) error

// Request is one extract job.
type Request struct {
	ID                 string
	TeamID             string
	URLs               []string
	Prompt             string
	Schema             map[string]any
	AllowExternalLinks bool
	ScrapeOptions      model.ScrapeOptions
	TimeoutMs          int
}

// Orchestrator runs the multi-document extraction pipeline: URL
// resolution, schema analysis, scraping, chunked LLM extraction,
// dedup and billing.
type Orchestrator struct {
	store     *Store
	llm       *llm.Client
	mapURLs   MapFunc
	scrape    ScrapeFunc
	charge    ChargeFunc
	cfg       config.ExtractConfig
	costLimit int
	logger    *slog.Logger
}

func NewOrchestrator(store *Store, client *llm.Client, mapURLs MapFunc, scrape ScrapeFunc, charge ChargeFunc, cfg config.ExtractConfig, costLimitTokens int, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		llm:       client,
		mapURLs:   mapURLs,
		scrape:    scrape,
		charge:    charge,
		cfg:       cfg,
		costLimit: costLimitTokens,
		logger:    logger,
	}
}

// Run executes one extract job to completion, updating the stored
// record as it goes. Callers invoke it on its own goroutine; the
// record starts in processing state.
func (o *Orchestrator) Run(ctx context.Context, req Request) {
	rec := &Record{
		ID:        req.ID,
		TeamID:    req.TeamID,
		Status:    StatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.Save(ctx, rec); err != nil {
		o.logger.Error("extract_record_save_failed", "extract_id", req.ID, "error", err)
		return
	}

	data, sources, tokens, warning, err := o.execute(ctx, req)
	rec.CostTokens = tokens
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = model.NewTransportable(model.CodeInternal, err).Serialize()
		if saveErr := o.store.Save(ctx, rec); saveErr != nil {
			o.logger.Error("extract_record_save_failed", "extract_id", req.ID, "error", saveErr)
		}
		o.logger.Warn("extract_failed", "extract_id", req.ID, "error", err)
		return
	}

	rec.Status = StatusCompleted
	rec.Data = data
	rec.Sources = sources
	rec.Warning = warning
	if err := o.store.Save(ctx, rec); err != nil {
		o.logger.Error("extract_record_save_failed", "extract_id", req.ID, "error", err)
	}

	serialized, _ := json.Marshal(data)
	cost := int64(len(serialized)+3)/4 + 300
	if err := o.charge(ctx, req.TeamID, cost, "extract"); err != nil {
		o.logger.Warn("extract_billing_failed", "extract_id", req.ID, "team_id", req.TeamID, "error", err)
	}
	o.logger.Info("extract_completed", "extract_id", req.ID, "urls", len(req.URLs), "cost", cost, "tokens", tokens)
}

func (o *Orchestrator) execute(ctx context.Context, req Request) (map[string]any, []string, int64, string, error) {
	urls, err := o.resolveURLs(ctx, req.URLs)
	if err != nil {
		return nil, nil, 0, "", err
	}
	if len(urls) == 0 {
		return nil, nil, 0, "", &model.TransportableError{Code: model.CodeBadRequest, Message: "no URLs resolved from request"}
	}

	schema := req.Schema
	if schema == nil && req.Prompt != "" {
		schema, err = o.llm.GenerateSchemaFromPrompt(ctx, req.Prompt)
		if err != nil {
			return nil, nil, 0, "", fmt.Errorf("generate schema: %w", err)
		}
	}

	analysis, err := o.llm.AnalyzeSchema(ctx, schema, req.Prompt)
	if err != nil {
		return nil, nil, 0, "", fmt.Errorf("analyze schema: %w", err)
	}
	singleSchema, multiSchema := splitSchema(schema, analysis)

	docs := o.scrapeAll(ctx, urls, req)
	if len(docs) == 0 {
		return nil, nil, 0, "", &model.TransportableError{Code: model.CodeEngineError, Message: "all document scrapes failed"}
	}

	var (
		result  = make(map[string]any)
		sources []string
		tokens  int64
		warning string
	)
	for u := range docs {
		sources = append(sources, u)
	}

	if analysis.IsMultiEntity && multiSchema != nil {
		items, used, limited, err := o.extractMulti(ctx, docs, multiSchema, req.Prompt)
		tokens += used
		if err != nil {
			return nil, nil, tokens, "", err
		}
		if limited {
			warning = fmt.Sprintf("%s: extraction stopped after %d tokens; results are partial",
				model.CodeCostLimitExceeded, tokens)
		}
		items = MergeItems(items, entityFieldKeys(multiSchema))
		for _, key := range analysis.MultiEntityKeys {
			var values []any
			for _, item := range items {
				if item.Key != key {
					continue
				}
				// Scalar array elements were boxed under their key;
				// unwrap them. Object entities go in whole.
				if v, ok := item.Fields[key]; ok && len(item.Fields) == 1 {
					values = append(values, v)
					continue
				}
				values = append(values, item.Fields)
			}
			result[key] = values
		}
	}

	if hasProperties(singleSchema) || !analysis.IsMultiEntity {
		fields, used, err := o.extractSingle(ctx, docs, singleSchema, req.Prompt)
		tokens += used
		if err != nil {
			return nil, nil, tokens, "", err
		}
		for k, v := range fields {
			if _, taken := result[k]; !taken {
				result[k] = v
			}
		}
	}
	return result, sources, tokens, warning, nil
}

// resolveURLs expands entries ending in /* through the map subsystem.
func (o *Orchestrator) resolveURLs(ctx context.Context, urls []string) ([]string, error) {
	var out []string
	for _, u := range urls {
		if !strings.HasSuffix(u, "/*") {
			out = append(out, u)
			continue
		}
		prefix := strings.TrimSuffix(u, "/*")
		expanded, err := o.mapURLs(ctx, prefix, o.cfg.ChunkSize*2)
		if err != nil {
			o.logger.Warn("extract_map_expansion_failed", "url", prefix, "error", err)
			out = append(out, prefix)
			continue
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// scrapeAll fetches every resolved URL with the per-document timeout
// set to 70% of the request timeout. Failures drop the document.
func (o *Orchestrator) scrapeAll(ctx context.Context, urls []string, req Request) map[string]*model.Document {
	perURL := time.Duration(req.TimeoutMs) * time.Millisecond * 7 / 10
	if perURL <= 0 {
		perURL = time.Duration(o.cfg.DocTimeoutMs) * time.Millisecond
	}

	type scraped struct {
		url string
		doc *model.Document
	}
	sem := make(chan struct{}, o.cfg.MaxConcurrentChunks)
	results := make(chan scraped, len(urls))

	for _, u := range urls {
		go func(u string) {
			sem <- struct{}{}
			defer func() { <-sem }()

			scrapeCtx, cancel := context.WithTimeout(ctx, perURL)
			defer cancel()

			doc, err := o.scrape(scrapeCtx, u, req.ScrapeOptions)
			if err != nil {
				o.logger.Debug("extract_scrape_failed", "url", u, "error", err)
				results <- scraped{url: u}
				return
			}
			results <- scraped{url: u, doc: doc}
		}(u)
	}

	docs := make(map[string]*model.Document)
	for range urls {
		r := <-results
		if r.doc != nil && r.doc.Markdown != "" {
			docs[r.url] = r.doc
		}
	}
	return docs
}

// extractMulti runs per-document extraction in chunks, chunks in
// parallel, accumulating entity items with their source URLs. Crossing
// the token cost ceiling cancels the outstanding chunks and returns
// what was collected, with limited set so callers can surface the
// partial-result warning.
func (o *Orchestrator) extractMulti(ctx context.Context, docs map[string]*model.Document, schema map[string]any, prompt string) ([]Item, int64, bool, error) {
	urls := make([]string, 0, len(docs))
	for u := range docs {
		urls = append(urls, u)
	}

	chunkSize := o.cfg.ChunkSize
	var chunks [][]string
	for start := 0; start < len(urls); start += chunkSize {
		end := start + chunkSize
		if end > len(urls) {
			end = len(urls)
		}
		chunks = append(chunks, urls[start:end])
	}

	type chunkResult struct {
		items  []Item
		tokens int64
	}
	sem := make(chan struct{}, o.cfg.MaxConcurrentChunks)
	results := make(chan chunkResult, len(chunks))
	docTimeout := time.Duration(o.cfg.DocTimeoutMs) * time.Millisecond

	// Chunks run under a cancelable context so a cost-limit breach
	// stops in-flight extractions, not just result collection.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var total int64
	for _, chunk := range chunks {
		go func(chunk []string) {
			sem <- struct{}{}
			defer func() { <-sem }()

			var out chunkResult
			for _, u := range chunk {
				if runCtx.Err() != nil {
					break
				}
				docCtx, cancel := context.WithTimeout(runCtx, docTimeout)
				fields, used, err := o.llm.ExtractWithTokens(docCtx, docs[u].Markdown, schema, prompt)
				cancel()
				out.tokens += int64(used)
				if err != nil {
					o.logger.Debug("extract_doc_failed", "url", u, "error", err)
					continue
				}
				out.items = append(out.items, itemsFromFields(fields, u)...)
			}
			results <- out
		}(chunk)
	}

	var (
		items   []Item
		limited bool
	)
	for range chunks {
		r := <-results
		items = append(items, r.items...)
		total += r.tokens
		if !limited && o.costLimit > 0 && total > int64(o.costLimit) {
			limited = true
			stop()
			o.logger.Warn("extract_cost_limit_reached", "tokens", total, "limit", o.costLimit)
		}
	}
	return items, total, limited, nil
}

// itemsFromFields flattens an extraction response: array-valued keys
// contribute one item per element, everything else is one item.
func itemsFromFields(fields map[string]any, source string) []Item {
	var items []Item
	for key, v := range fields {
		arr, ok := v.([]any)
		if !ok {
			continue
		}
		for _, elem := range arr {
			obj, ok := elem.(map[string]any)
			if !ok {
				obj = map[string]any{key: elem}
			}
			items = append(items, Item{Key: key, Fields: obj, Sources: []string{source}})
		}
	}
	if len(items) == 0 && len(fields) > 0 {
		items = append(items, Item{Fields: fields, Sources: []string{source}})
	}
	return items
}

// extractSingle concatenates all documents and extracts once.
func (o *Orchestrator) extractSingle(ctx context.Context, docs map[string]*model.Document, schema map[string]any, prompt string) (map[string]any, int64, error) {
	var sb strings.Builder
	for u, doc := range docs {
		fmt.Fprintf(&sb, "<page url=%q>\n%s\n</page>\n", u, doc.Markdown)
	}

	docCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.DocTimeoutMs)*time.Millisecond)
	defer cancel()

	fields, used, err := o.llm.ExtractWithTokens(docCtx, sb.String(), schema, prompt)
	return fields, int64(used), err
}

// splitSchema moves the multi-entity keys into a side schema, leaving
// the single-answer keys behind.
func splitSchema(schema map[string]any, analysis *llm.SchemaAnalysis) (single, multi map[string]any) {
	if schema == nil || !analysis.IsMultiEntity || len(analysis.MultiEntityKeys) == 0 {
		return schema, nil
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return schema, nil
	}

	multiKeys := make(map[string]bool, len(analysis.MultiEntityKeys))
	for _, k := range analysis.MultiEntityKeys {
		multiKeys[k] = true
	}

	singleProps := make(map[string]any)
	multiProps := make(map[string]any)
	for k, v := range props {
		if multiKeys[k] {
			multiProps[k] = v
		} else {
			singleProps[k] = v
		}
	}

	single = map[string]any{"type": "object", "properties": singleProps}
	multi = map[string]any{"type": "object", "properties": multiProps}
	return single, multi
}

// entityFieldKeys collects the property names of the array item
// schemas. Entities carry those fields, not the array names, so merge
// identity is judged on them.
func entityFieldKeys(multi map[string]any) []string {
	if multi == nil {
		return nil
	}
	props, ok := multi["properties"].(map[string]any)
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var keys []string
	for _, v := range props {
		arr, ok := v.(map[string]any)
		if !ok {
			continue
		}
		items, ok := arr["items"].(map[string]any)
		if !ok {
			continue
		}
		itemProps, ok := items["properties"].(map[string]any)
		if !ok {
			continue
		}
		for k := range itemProps {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func hasProperties(schema map[string]any) bool {
	if schema == nil {
		return false
	}
	props, ok := schema["properties"].(map[string]any)
	return ok && len(props) > 0
}
