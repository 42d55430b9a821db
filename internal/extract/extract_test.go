package extract

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"harvest/internal/config"
	"harvest/internal/llm"
	"harvest/internal/model"
)

func TestSplitSchema(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"company_name": map[string]any{"type": "string"},
			"products":     map[string]any{"type": "array"},
		},
	}
	analysis := &llm.SchemaAnalysis{IsMultiEntity: true, MultiEntityKeys: []string{"products"}}

	single, multi := splitSchema(schema, analysis)

	singleProps := single["properties"].(map[string]any)
	if _, ok := singleProps["company_name"]; !ok {
		t.Fatal("single schema lost company_name")
	}
	if _, ok := singleProps["products"]; ok {
		t.Fatal("single schema kept a multi-entity key")
	}
	multiProps := multi["properties"].(map[string]any)
	if _, ok := multiProps["products"]; !ok {
		t.Fatal("multi schema missing products")
	}
}

func TestSplitSchemaSingleEntity(t *testing.T) {
	schema := map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{}}}
	single, multi := splitSchema(schema, &llm.SchemaAnalysis{IsMultiEntity: false})
	if multi != nil {
		t.Fatal("single-entity analysis must not produce a multi schema")
	}
	if len(single["properties"].(map[string]any)) != 1 {
		t.Fatal("single schema must be unchanged")
	}
}

func TestItemsFromFields(t *testing.T) {
	fields := map[string]any{
		"products": []any{
			map[string]any{"name": "Widget"},
			map[string]any{"name": "Gadget"},
		},
	}
	items := itemsFromFields(fields, "https://example.com/catalog")
	if len(items) != 2 {
		t.Fatalf("expected one item per array element, got %d", len(items))
	}
	for _, item := range items {
		if len(item.Sources) != 1 || item.Sources[0] != "https://example.com/catalog" {
			t.Fatalf("source not attached: %+v", item)
		}
		if item.Key != "products" {
			t.Fatalf("item lost its array key: %+v", item)
		}
		if _, ok := item.Fields["name"]; !ok {
			t.Fatalf("entity fields must be top level: %+v", item.Fields)
		}
	}
}

func TestItemsFromFieldsScalarElements(t *testing.T) {
	fields := map[string]any{"tags": []any{"go", "crawler"}}
	items := itemsFromFields(fields, "https://example.com")
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Key != "tags" || items[0].Fields["tags"] == nil {
		t.Fatalf("scalar element not boxed under its key: %+v", items[0])
	}
}

func TestMergeAcrossPages(t *testing.T) {
	pageA := itemsFromFields(map[string]any{
		"products": []any{map[string]any{"name": "Widget", "price": 10.0}},
	}, "https://example.com/a")
	pageB := itemsFromFields(map[string]any{
		"products": []any{map[string]any{"name": "widget", "sku": "W-1"}},
	}, "https://example.com/b")

	merged := MergeItems(append(pageA, pageB...), []string{"name"})
	if len(merged) != 1 {
		t.Fatalf("same entity on two pages must merge, got %d items", len(merged))
	}
	item := merged[0]
	if item.Fields["price"] != 10.0 || item.Fields["sku"] != "W-1" {
		t.Fatalf("merged fields incomplete: %+v", item.Fields)
	}
	if len(item.Sources) != 2 {
		t.Fatalf("sources = %v", item.Sources)
	}
}

func TestItemsFromFieldsScalarFallback(t *testing.T) {
	fields := map[string]any{"title": "Homepage"}
	items := itemsFromFields(fields, "https://example.com")
	if len(items) != 1 {
		t.Fatalf("non-array fields collapse to one item, got %d", len(items))
	}
	if items[0].Fields["title"] != "Homepage" {
		t.Fatalf("fields not preserved: %+v", items[0].Fields)
	}
}

func TestHasProperties(t *testing.T) {
	if hasProperties(nil) {
		t.Fatal("nil schema")
	}
	if hasProperties(map[string]any{"type": "object"}) {
		t.Fatal("no properties key")
	}
	if !hasProperties(map[string]any{"properties": map[string]any{"a": 1}}) {
		t.Fatal("populated properties")
	}
}

func TestEntityFieldKeys(t *testing.T) {
	multi := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"products": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":  map[string]any{"type": "string"},
						"price": map[string]any{"type": "number"},
					},
				},
			},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
	}

	keys := entityFieldKeys(multi)
	if len(keys) != 2 || keys[0] != "name" || keys[1] != "price" {
		t.Fatalf("got %v, want [name price]", keys)
	}

	if keys := entityFieldKeys(nil); len(keys) != 0 {
		t.Fatalf("nil schema should yield no keys, got %v", keys)
	}
	if keys := entityFieldKeys(map[string]any{"type": "object"}); len(keys) != 0 {
		t.Fatalf("schema without properties should yield no keys, got %v", keys)
	}
}

func TestMergeUsesEntityFieldKeys(t *testing.T) {
	multi := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"products": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":  map[string]any{"type": "string"},
						"price": map[string]any{"type": "number"},
						"sku":   map[string]any{"type": "string"},
					},
				},
			},
		},
	}

	items := []Item{
		{Key: "products", Fields: map[string]any{"name": "Widget", "price": 9.99}, Sources: []string{"https://a"}},
		{Key: "products", Fields: map[string]any{"name": "widget", "sku": "W-1"}, Sources: []string{"https://b"}},
	}

	merged := MergeItems(items, entityFieldKeys(multi))
	if len(merged) != 1 {
		t.Fatalf("same entity on two pages should merge, got %d items", len(merged))
	}
	got := merged[0]
	if got.Fields["price"] != 9.99 || got.Fields["sku"] != "W-1" {
		t.Fatalf("merged fields should union non-null values: %v", got.Fields)
	}
	if len(got.Sources) != 2 {
		t.Fatalf("merged sources should union, got %v", got.Sources)
	}
}

func chatServer(t *testing.T, content string, tokens int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
			},
			"usage": map[string]any{"total_tokens": tokens},
		})
	}))
}

func TestExtractMultiStopsAtCostLimit(t *testing.T) {
	srv := chatServer(t, `{"products": [{"name": "Widget"}]}`, 50)
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := llm.NewClient(config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL, Model: "test-model"})
	o := NewOrchestrator(nil, client, nil, nil, nil,
		config.ExtractConfig{ChunkSize: 1, MaxConcurrentChunks: 1, DocTimeoutMs: 5000}, 10, logger)

	docs := map[string]*model.Document{
		"https://a": {Markdown: "aaa"},
		"https://b": {Markdown: "bbb"},
		"https://c": {Markdown: "ccc"},
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"products": map[string]any{"type": "array"},
		},
	}

	items, tokens, limited, err := o.extractMulti(context.Background(), docs, schema, "")
	if err != nil {
		t.Fatalf("extractMulti: %v", err)
	}
	if !limited {
		t.Fatal("crossing the token ceiling must be reported")
	}
	if tokens <= 10 {
		t.Fatalf("token count should reflect the work done, got %d", tokens)
	}
	if len(items) == 0 {
		t.Fatal("partial results collected before the breach must survive")
	}
}
