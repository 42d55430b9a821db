package engine

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"harvest/internal/model"
)

// FetchEngine is the plain HTTP engine: fast, no JS execution. It is
// first in the default fallback list.
type FetchEngine struct {
	client *http.Client
}

func NewFetchEngine(timeout time.Duration) *FetchEngine {
	return &FetchEngine{
		client: &http.Client{Timeout: timeout},
	}
}

func (e *FetchEngine) ID() string { return "fetch" }

func (e *FetchEngine) Features() Features {
	return Features{PDF: true}
}

func (e *FetchEngine) Scrape(ctx context.Context, req Request) (*Result, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return buildResult(u, string(bodyBytes), resp.StatusCode), nil
}

// buildResult parses HTML into markdown, links, and metadata. Shared
// by the fetch and browser engines.
func buildResult(u *url.URL, htmlStr string, statusCode int) *Result {
	converter := htmlmd.NewConverter(u.Hostname(), true, nil)
	markdown, mdErr := converter.ConvertString(htmlStr)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(htmlStr)))
	if err != nil {
		// If parsing fails, still return raw HTML, status, and
		// best-effort markdown.
		if mdErr != nil {
			markdown = ""
		}
		return &Result{
			HTML:       htmlStr,
			Markdown:   markdown,
			StatusCode: statusCode,
			Metadata: map[string]any{
				"statusCode": statusCode,
				"sourceURL":  u.String(),
			},
		}
	}

	links := make([]string, 0)
	linkMeta := make([]model.LinkMetadata, 0)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		linkURL, err := url.Parse(href)
		if err != nil {
			return
		}
		if !linkURL.IsAbs() {
			linkURL = u.ResolveReference(linkURL)
		}
		if linkURL.Scheme != "http" && linkURL.Scheme != "https" {
			return
		}
		linkURL.Fragment = ""
		finalURL := linkURL.String()
		links = append(links, finalURL)
		linkMeta = append(linkMeta, model.LinkMetadata{
			URL:  finalURL,
			Text: strings.TrimSpace(sel.Text()),
			Rel:  strings.TrimSpace(sel.AttrOr("rel", "")),
		})
	})

	if mdErr != nil {
		markdown = doc.Text()
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	desc := doc.Find("meta[name=description]").AttrOr("content", "")
	keywords := doc.Find("meta[name=keywords]").AttrOr("content", "")
	robots := doc.Find("meta[name=robots]").AttrOr("content", "")
	lang, _ := doc.Find("html").First().Attr("lang")

	ogTitle := doc.Find("meta[property=og:title]").AttrOr("content", "")
	ogDesc := doc.Find("meta[property=og:description]").AttrOr("content", "")
	ogURL := doc.Find("meta[property=og:url]").AttrOr("content", "")
	ogImage := doc.Find("meta[property=og:image]").AttrOr("content", "")
	ogSiteName := doc.Find("meta[property=og:site_name]").AttrOr("content", "")

	// Canonical URL wins as sourceURL when present.
	sourceURL := u.String()
	if canonical := doc.Find("link[rel=canonical]").AttrOr("href", ""); canonical != "" {
		if cu, err := url.Parse(canonical); err == nil {
			if cu.Scheme == "" {
				cu = u.ResolveReference(cu)
			}
			sourceURL = cu.String()
		}
	}

	return &Result{
		HTML:         htmlStr,
		Markdown:     markdown,
		StatusCode:   statusCode,
		Links:        links,
		LinkMetadata: linkMeta,
		Metadata: map[string]any{
			"title":         title,
			"description":   desc,
			"language":      lang,
			"keywords":      keywords,
			"robots":        robots,
			"ogTitle":       ogTitle,
			"ogDescription": ogDesc,
			"ogUrl":         ogURL,
			"ogImage":       ogImage,
			"ogSiteName":    ogSiteName,
			"statusCode":    statusCode,
			"sourceURL":     sourceURL,
		},
	}
}
