package engine

import (
	"context"
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"

	"harvest/internal/model"
)

// parseMarkdown converts HTML to markdown for engines that do not emit
// it themselves.
func parseMarkdown(rawURL, htmlStr string) string {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Hostname()
	}
	converter := htmlmd.NewConverter(host, true, nil)
	md, err := converter.ConvertString(htmlStr)
	if err != nil {
		return ""
	}
	return md
}

var excessBlankLines = regexp.MustCompile(`\n{3,}`)

// cleanMarkdown collapses runs of blank lines left behind by nav and
// footer removal.
func cleanMarkdown(md string) string {
	return strings.TrimSpace(excessBlankLines.ReplaceAllString(md, "\n\n"))
}

// WantsFormat inspects a formats array (strings or {type: string}
// objects) for a given format name.
func WantsFormat(formats []interface{}, name string) bool {
	target := strings.ToLower(name)
	for _, f := range formats {
		switch v := f.(type) {
		case string:
			if strings.ToLower(v) == target {
				return true
			}
		case map[string]interface{}:
			if t, ok := v["type"].(string); ok && strings.ToLower(t) == target {
				return true
			}
		}
	}
	return false
}

// JSONFormatConfig returns the first json format entry's prompt and
// schema, if any.
func JSONFormatConfig(formats []interface{}) (bool, string, map[string]interface{}) {
	for _, f := range formats {
		switch v := f.(type) {
		case string:
			if strings.ToLower(v) == "json" {
				return true, "", nil
			}
		case map[string]interface{}:
			t, ok := v["type"].(string)
			if !ok || strings.ToLower(t) != "json" {
				continue
			}
			prompt, _ := v["prompt"].(string)
			schema, _ := v["schema"].(map[string]interface{})
			return true, prompt, schema
		}
	}
	return false, "", nil
}

// buildDocument assembles the Document from an accepted engine result
// and runs the post-transformers in sequence: markdown cleanup, link
// attachment, screenshot attachment, then LLM json extraction. Each
// transformer takes the document and returns it enriched; a failing
// LLM transform records the error on metadata rather than discarding
// the scrape.
func (p *Pipeline) buildDocument(ctx context.Context, rawURL string, res *Result, opts model.ScrapeOptions) *model.Document {
	hasFormats := len(opts.Formats) > 0

	md := model.Metadata{
		Title:         metaString(res.Metadata, "title"),
		Description:   metaString(res.Metadata, "description"),
		Language:      metaString(res.Metadata, "language"),
		Keywords:      metaString(res.Metadata, "keywords"),
		Robots:        metaString(res.Metadata, "robots"),
		OgTitle:       metaString(res.Metadata, "ogTitle"),
		OgDescription: metaString(res.Metadata, "ogDescription"),
		OgURL:         metaString(res.Metadata, "ogUrl"),
		OgImage:       metaString(res.Metadata, "ogImage"),
		OgSiteName:    metaString(res.Metadata, "ogSiteName"),
		SourceURL:     metaString(res.Metadata, "sourceURL"),
		StatusCode:    res.StatusCode,
		NumPages:      res.NumPages,
		ProxyUsed:     opts.Proxy,
	}
	if md.SourceURL == "" {
		md.SourceURL = rawURL
	}

	doc := &model.Document{Metadata: md}

	if !hasFormats || WantsFormat(opts.Formats, "markdown") {
		doc.Markdown = cleanMarkdown(res.Markdown)
	}
	if WantsFormat(opts.Formats, "html") {
		doc.HTML = res.HTML
	}
	if WantsFormat(opts.Formats, "rawHtml") {
		doc.RawHTML = res.HTML
	}
	if !hasFormats || WantsFormat(opts.Formats, "links") {
		doc.Links = res.Links
		doc.LinkMetadata = res.LinkMetadata
	}
	if WantsFormat(opts.Formats, "screenshot") && len(res.Screenshot) > 0 {
		doc.Screenshot = base64.StdEncoding.EncodeToString(res.Screenshot)
	}

	if hasJSON, prompt, schema := JSONFormatConfig(opts.Formats); hasJSON {
		if schema == nil {
			schema = opts.JSONSchema
		}
		if prompt == "" {
			prompt = opts.JSONPrompt
		}
		if p.extractor != nil {
			fields, err := p.extractor.Extract(ctx, res.Markdown, schema, prompt)
			if err != nil {
				doc.Metadata.Error = "json extraction failed: " + err.Error()
			} else {
				doc.JSON = fields
			}
		}
	}

	return doc
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
