package engine

import (
	"context"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// BrowserEngine renders JS-heavy pages in a real browser via rod
// before extracting HTML. The stealth variant is the same engine
// behind a residential proxy, exposed under its own id so the
// fallback list can select it explicitly.
type BrowserEngine struct {
	ControlURL string
	Stealth    bool
	Timeout    time.Duration
}

func NewBrowserEngine(controlURL string, stealth bool, timeout time.Duration) *BrowserEngine {
	return &BrowserEngine{ControlURL: controlURL, Stealth: stealth, Timeout: timeout}
}

func (e *BrowserEngine) ID() string {
	if e.Stealth {
		return "browser-stealth"
	}
	return "browser"
}

func (e *BrowserEngine) Features() Features {
	return Features{Mobile: true, Stealth: e.Stealth, Screenshot: true}
}

func (e *BrowserEngine) Scrape(ctx context.Context, req Request) (*Result, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.Timeout
	}

	browser := rod.New().Context(ctx).Timeout(timeout)
	if e.ControlURL != "" {
		browser = browser.ControlURL(e.ControlURL)
	}
	if err := browser.Connect(); err != nil {
		return nil, err
	}
	defer browser.MustClose()

	page, err := browser.Page(proto.TargetCreateTarget{URL: u.String()})
	if err != nil {
		return nil, err
	}
	defer page.MustClose()

	if req.Mobile {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:  390,
			Height: 844,
			Mobile: true,
		}); err != nil {
			return nil, err
		}
	}

	if err := page.WaitLoad(); err != nil {
		return nil, err
	}
	if req.WaitFor > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(req.WaitFor):
		}
	}

	htmlStr, err := page.HTML()
	if err != nil {
		return nil, err
	}

	// rod does not expose the navigation status code directly; the
	// page rendered, so report 200.
	res := buildResult(u, htmlStr, 200)

	if req.Screenshot {
		shot, err := captureScreenshot(page, req.FullPage)
		if err != nil {
			res.PageError = "screenshot capture failed: " + err.Error()
		} else {
			res.Screenshot = shot
		}
	}

	return res, nil
}

func captureScreenshot(page *rod.Page, fullPage bool) ([]byte, error) {
	if fullPage {
		return page.Screenshot(true, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
	}
	return page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}
