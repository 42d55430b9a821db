package http

import (
	"net"
	"net/url"
	"strings"

	"harvest/internal/model"
)

// validateScrapeURL rejects malformed URLs and targets inside private
// address space. The check is syntactic; engines resolve DNS later, so
// this is a first gate, not an SSRF boundary on its own.
func validateScrapeURL(rawURL string) *model.TransportableError {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return &model.TransportableError{Code: model.CodeBadRequest, Message: "url is required"}
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return &model.TransportableError{Code: model.CodeBadRequest, Message: "invalid url"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &model.TransportableError{Code: model.CodeBadRequest, Message: "url scheme must be http or https"}
	}

	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return &model.TransportableError{Code: model.CodeURLBlocked, Message: "url targets a blocked host"}
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return &model.TransportableError{Code: model.CodeURLBlocked, Message: "url targets a blocked address"}
		}
	}
	return nil
}
