package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"harvest/internal/config"
	"harvest/internal/metrics"
)

// ErrNotConfigured is returned when an LLM call is attempted without
// an API key or model configured.
var ErrNotConfigured = errors.New("llm provider is not configured")

// SchemaAnalysis classifies an extraction schema before the extract
// pipeline decides between single-answer and multi-entity processing.
type SchemaAnalysis struct {
	IsMultiEntity   bool     `json:"isMultiEntity"`
	MultiEntityKeys []string `json:"multiEntityKeys"`
	Reasoning       string   `json:"reasoning"`
}

// Client talks to an OpenAI-compatible Chat Completions endpoint.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

func NewClient(cfg config.LLMConfig) *Client {
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Configured reports whether the client can make calls.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != "" && c.model != ""
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// complete performs one JSON-mode chat completion and returns the raw
// assistant content plus tokens consumed.
func (c *Client) complete(ctx context.Context, system, user string) (string, int, error) {
	if !c.Configured() {
		return "", 0, ErrNotConfigured
	}

	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0.0,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", 0, err
	}

	endpoint := c.baseURL
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	endpoint += "/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordLLMExtract(c.model, false)
		return "", 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode != http.StatusOK {
		metrics.RecordLLMExtract(c.model, false)
		return "", 0, fmt.Errorf("llm endpoint returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		metrics.RecordLLMExtract(c.model, false)
		return "", 0, fmt.Errorf("decode llm response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		metrics.RecordLLMExtract(c.model, false)
		return "", 0, errors.New("llm response contained no choices")
	}
	metrics.RecordLLMExtract(c.model, true)
	return parsed.Choices[0].Message.Content, parsed.Usage.TotalTokens, nil
}

// parseJSONObject attempts to parse a JSON object from model output.
// It first tries the whole string, then falls back to the first
// {...} block.
func parseJSONObject(content string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(content), &fields); err == nil {
		return fields, nil
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil, errors.New("no JSON object found in content")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Extract pulls structured data out of markdown under an optional JSON
// schema and user prompt.
func (c *Client) Extract(ctx context.Context, markdown string, schema map[string]any, prompt string) (map[string]any, error) {
	system := "You are a JSON-only extractor. Respond with a single JSON object and no extra text."

	var sb strings.Builder
	if prompt != "" {
		sb.WriteString(prompt)
		sb.WriteString("\n\n")
	}
	if schema != nil {
		schemaJSON, _ := json.Marshal(schema)
		fmt.Fprintf(&sb, "Extract a JSON object conforming to this JSON schema: %s\n\n", schemaJSON)
	} else {
		sb.WriteString("Extract the key facts from the content as a JSON object.\n\n")
	}
	sb.WriteString("Content:\n")
	sb.WriteString(markdown)

	content, _, err := c.complete(ctx, system, sb.String())
	if err != nil {
		return nil, err
	}
	return parseJSONObject(content)
}

// ExtractWithTokens is Extract plus the token count, for callers that
// enforce a cost ceiling across many documents.
func (c *Client) ExtractWithTokens(ctx context.Context, markdown string, schema map[string]any, prompt string) (map[string]any, int, error) {
	system := "You are a JSON-only extractor. Respond with a single JSON object and no extra text."
	var sb strings.Builder
	if prompt != "" {
		sb.WriteString(prompt)
		sb.WriteString("\n\n")
	}
	if schema != nil {
		schemaJSON, _ := json.Marshal(schema)
		fmt.Fprintf(&sb, "Extract a JSON object conforming to this JSON schema: %s\n\n", schemaJSON)
	}
	sb.WriteString("Content:\n")
	sb.WriteString(markdown)

	content, tokens, err := c.complete(ctx, system, sb.String())
	if err != nil {
		return nil, tokens, err
	}
	fields, err := parseJSONObject(content)
	return fields, tokens, err
}

// GenerateSchemaFromPrompt turns a natural-language extraction prompt
// into a JSON schema.
func (c *Client) GenerateSchemaFromPrompt(ctx context.Context, prompt string) (map[string]any, error) {
	system := "You design JSON schemas. Respond with a single JSON schema object (type, properties, required) and no extra text."
	user := fmt.Sprintf("Produce a JSON schema describing the data requested by this prompt:\n\n%s", prompt)

	content, _, err := c.complete(ctx, system, user)
	if err != nil {
		return nil, err
	}
	return parseJSONObject(content)
}

// AnalyzeSchema decides whether a schema asks for one answer or for a
// list of entities gathered across many pages.
func (c *Client) AnalyzeSchema(ctx context.Context, schema map[string]any, prompt string) (*SchemaAnalysis, error) {
	system := `You classify extraction schemas. Respond with a JSON object {"isMultiEntity": bool, "multiEntityKeys": [string], "reasoning": string}. A schema is multi-entity when it asks for a list of items collected across many pages (products, articles, people) rather than a single answer.`

	schemaJSON, _ := json.Marshal(schema)
	user := fmt.Sprintf("Schema: %s", schemaJSON)
	if prompt != "" {
		user += "\nUser prompt: " + prompt
	}

	content, _, err := c.complete(ctx, system, user)
	if err != nil {
		return nil, err
	}
	fields, err := parseJSONObject(content)
	if err != nil {
		return nil, err
	}

	analysis := &SchemaAnalysis{}
	if v, ok := fields["isMultiEntity"].(bool); ok {
		analysis.IsMultiEntity = v
	}
	if v, ok := fields["reasoning"].(string); ok {
		analysis.Reasoning = v
	}
	if keys, ok := fields["multiEntityKeys"].([]any); ok {
		for _, k := range keys {
			if s, ok := k.(string); ok {
				analysis.MultiEntityKeys = append(analysis.MultiEntityKeys, s)
			}
		}
	}
	return analysis, nil
}
