package metrics

import (
	"strings"
	"testing"
)

func TestExportCounters(t *testing.T) {
	Reset()
	defer Reset()

	RecordRequest("POST", "/v2/scrape", 200, 120)
	RecordRequest("POST", "/v2/scrape", 200, 80)
	RecordRequest("GET", "/v2/crawl/:id", 404, 5)
	RecordEngineAttempt("fetch", false)
	RecordEngineAttempt("browser", true)
	RecordLLMExtract("gpt-4o-mini", true)
	RecordJobReaped()
	RecordWebhook("crawl.completed", true)
	RecordSearch("searxng", false)

	out := Export()
	for _, line := range []string{
		`harvest_http_requests_total{method="POST",path="/v2/scrape",status="200"} 2`,
		`harvest_http_requests_total{method="GET",path="/v2/crawl/:id",status="404"} 1`,
		`harvest_http_request_duration_ms_sum{method="POST",path="/v2/scrape"} 200`,
		`harvest_http_request_duration_ms_count{method="POST",path="/v2/scrape"} 2`,
		`harvest_engine_attempts_total{engine="browser",success="true"} 1`,
		`harvest_engine_attempts_total{engine="fetch",success="false"} 1`,
		`harvest_llm_extract_requests_total{model="gpt-4o-mini",success="true"} 1`,
		`harvest_jobs_reaped_total 1`,
		`harvest_webhook_deliveries_total{event="crawl.completed",success="true"} 1`,
		`harvest_search_requests_total{provider="searxng",scrape="false"} 1`,
	} {
		if !strings.Contains(out, line) {
			t.Fatalf("export missing %q\n%s", line, out)
		}
	}
}

func TestExportGauges(t *testing.T) {
	Reset()
	defer Reset()

	SetQueueJobCounts(map[string]int64{"queued": 7, "active": 2})
	SetConcurrencyQueueSizes(map[string]int64{"team-a": 3})

	out := Export()
	wantOrder := []string{
		`nuq_queue_scrape_job_count{status="active"} 2`,
		`nuq_queue_scrape_job_count{status="queued"} 7`,
		`concurrency_limit_queue_job_count{team_id="team-a"} 3`,
	}
	last := -1
	for _, line := range wantOrder {
		idx := strings.Index(out, line)
		if idx < 0 {
			t.Fatalf("export missing %q\n%s", line, out)
		}
		if idx < last {
			t.Fatalf("gauge lines out of order: %q", line)
		}
		last = idx
	}
}
