package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the service.
// This is intentionally minimal and in-memory only.

var (
	mu            sync.RWMutex
	requestsTotal = make(map[reqKey]int64)
	latencyMsSum  = make(map[latKey]int64)
	latencyMsCnt  = make(map[latKey]int64)

	scrapeEngineAttempts = make(map[engineKey]int64)
	llmExtracts          = make(map[llmKey]int64)
	jobsReaped           int64
	webhookDeliveries    = make(map[webhookKey]int64)

	searchRequestsTotal = make(map[searchKey]int64)

	// Gauges refreshed by the metrics handler just before Export.
	queueJobCounts        = make(map[string]int64)
	concurrencyQueueSizes = make(map[string]int64)
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type engineKey struct {
	Engine  string
	Success string
}

type llmKey struct {
	Model   string
	Success string
}

type webhookKey struct {
	Event   string
	Success string
}

type searchKey struct {
	Provider string
	Scrape   string
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// RecordRequest increments the request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	requestsTotal[reqKey{Method: method, Path: path, Status: status}]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCnt[lk]++
}

// RecordEngineAttempt counts one scrape attempt on an engine.
func RecordEngineAttempt(engine string, success bool) {
	mu.Lock()
	defer mu.Unlock()
	scrapeEngineAttempts[engineKey{Engine: engine, Success: boolLabel(success)}]++
}

// RecordLLMExtract increments LLM extract counters.
func RecordLLMExtract(model string, success bool) {
	mu.Lock()
	defer mu.Unlock()
	llmExtracts[llmKey{Model: model, Success: boolLabel(success)}]++
}

// RecordJobReaped counts a job whose lock expired and was requeued.
func RecordJobReaped() {
	mu.Lock()
	defer mu.Unlock()
	jobsReaped++
}

// RecordWebhook counts one webhook delivery attempt.
func RecordWebhook(event string, success bool) {
	mu.Lock()
	defer mu.Unlock()
	webhookDeliveries[webhookKey{Event: event, Success: boolLabel(success)}]++
}

// RecordSearch records a search request by provider and scrape mode.
func RecordSearch(provider string, withScrape bool) {
	mu.Lock()
	defer mu.Unlock()
	searchRequestsTotal[searchKey{Provider: provider, Scrape: boolLabel(withScrape)}]++
}

// SetQueueJobCounts replaces the per-status queue depth gauges.
func SetQueueJobCounts(counts map[string]int64) {
	mu.Lock()
	defer mu.Unlock()
	queueJobCounts = counts
}

// SetConcurrencyQueueSizes replaces the per-team deferred-queue gauges.
func SetConcurrencyQueueSizes(sizes map[string]int64) {
	mu.Lock()
	defer mu.Unlock()
	concurrencyQueueSizes = sizes
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP nuq_queue_scrape_job_count Jobs in the scrape queue by status\n")
	b.WriteString("# TYPE nuq_queue_scrape_job_count gauge\n")

	var statuses []string
	for s := range queueJobCounts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(&b, "nuq_queue_scrape_job_count{status=\"%s\"} %d\n", s, queueJobCounts[s])
	}

	b.WriteString("# HELP concurrency_limit_queue_job_count Deferred jobs waiting on team concurrency\n")
	b.WriteString("# TYPE concurrency_limit_queue_job_count gauge\n")

	var teams []string
	for t := range concurrencyQueueSizes {
		teams = append(teams, t)
	}
	sort.Strings(teams)
	for _, t := range teams {
		fmt.Fprintf(&b, "concurrency_limit_queue_job_count{team_id=\"%s\"} %d\n", t, concurrencyQueueSizes[t])
	}

	b.WriteString("# HELP harvest_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE harvest_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})
	for _, k := range reqKeys {
		fmt.Fprintf(&b, "harvest_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP harvest_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE harvest_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP harvest_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE harvest_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})
	for _, k := range latKeys {
		fmt.Fprintf(&b, "harvest_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "harvest_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCnt[k])
	}

	b.WriteString("# HELP harvest_engine_attempts_total Scrape attempts by engine and outcome\n")
	b.WriteString("# TYPE harvest_engine_attempts_total counter\n")

	var engKeys []engineKey
	for k := range scrapeEngineAttempts {
		engKeys = append(engKeys, k)
	}
	sort.Slice(engKeys, func(i, j int) bool {
		if engKeys[i].Engine != engKeys[j].Engine {
			return engKeys[i].Engine < engKeys[j].Engine
		}
		return engKeys[i].Success < engKeys[j].Success
	})
	for _, k := range engKeys {
		fmt.Fprintf(&b, "harvest_engine_attempts_total{engine=\"%s\",success=\"%s\"} %d\n",
			k.Engine, k.Success, scrapeEngineAttempts[k])
	}

	b.WriteString("# HELP harvest_llm_extract_requests_total Total LLM extract requests\n")
	b.WriteString("# TYPE harvest_llm_extract_requests_total counter\n")

	var llmKeys []llmKey
	for k := range llmExtracts {
		llmKeys = append(llmKeys, k)
	}
	sort.Slice(llmKeys, func(i, j int) bool {
		if llmKeys[i].Model != llmKeys[j].Model {
			return llmKeys[i].Model < llmKeys[j].Model
		}
		return llmKeys[i].Success < llmKeys[j].Success
	})
	for _, k := range llmKeys {
		fmt.Fprintf(&b, "harvest_llm_extract_requests_total{model=\"%s\",success=\"%s\"} %d\n",
			k.Model, k.Success, llmExtracts[k])
	}

	b.WriteString("# HELP harvest_jobs_reaped_total Jobs requeued after lock expiry\n")
	b.WriteString("# TYPE harvest_jobs_reaped_total counter\n")
	fmt.Fprintf(&b, "harvest_jobs_reaped_total %d\n", jobsReaped)

	b.WriteString("# HELP harvest_webhook_deliveries_total Webhook delivery attempts\n")
	b.WriteString("# TYPE harvest_webhook_deliveries_total counter\n")

	var whKeys []webhookKey
	for k := range webhookDeliveries {
		whKeys = append(whKeys, k)
	}
	sort.Slice(whKeys, func(i, j int) bool {
		if whKeys[i].Event != whKeys[j].Event {
			return whKeys[i].Event < whKeys[j].Event
		}
		return whKeys[i].Success < whKeys[j].Success
	})
	for _, k := range whKeys {
		fmt.Fprintf(&b, "harvest_webhook_deliveries_total{event=\"%s\",success=\"%s\"} %d\n",
			k.Event, k.Success, webhookDeliveries[k])
	}

	b.WriteString("# HELP harvest_search_requests_total Total search requests by provider and scrape mode\n")
	b.WriteString("# TYPE harvest_search_requests_total counter\n")

	var searchKeys []searchKey
	for k := range searchRequestsTotal {
		searchKeys = append(searchKeys, k)
	}
	sort.Slice(searchKeys, func(i, j int) bool {
		if searchKeys[i].Provider != searchKeys[j].Provider {
			return searchKeys[i].Provider < searchKeys[j].Provider
		}
		return searchKeys[i].Scrape < searchKeys[j].Scrape
	})
	for _, k := range searchKeys {
		fmt.Fprintf(&b, "harvest_search_requests_total{provider=\"%s\",scrape=\"%s\"} %d\n",
			k.Provider, k.Scrape, searchRequestsTotal[k])
	}

	return b.String()
}

// Reset clears all metric state. Test helper.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	requestsTotal = make(map[reqKey]int64)
	latencyMsSum = make(map[latKey]int64)
	latencyMsCnt = make(map[latKey]int64)
	scrapeEngineAttempts = make(map[engineKey]int64)
	llmExtracts = make(map[llmKey]int64)
	jobsReaped = 0
	webhookDeliveries = make(map[webhookKey]int64)
	searchRequestsTotal = make(map[searchKey]int64)
	queueJobCounts = make(map[string]int64)
	concurrencyQueueSizes = make(map[string]int64)
}
