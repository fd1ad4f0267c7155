package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/seclab/aegis/internal/core/domain"
)

const maxFetchBytes = 100 * 1024

// NewWebFetchTool builds the advisory-fetch tool. Only public HTTP(S) URLs
// are allowed; anything resolving to loopback, private or link-local space is
// refused so the model cannot pivot into internal networks.
func NewWebFetchTool(logger *slog.Logger) *domain.Tool {
	client := &http.Client{
		Timeout: 20 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			return validateFetchURL(req.URL)
		},
	}

	return &domain.Tool{
		Name:        "web_fetch",
		Description: "Fetch a public web page (security advisory, vendor bulletin) and return its text content",
		Parameters: domain.ToolParameters{
			Type: "object",
			Properties: map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "HTTP or HTTPS URL to fetch",
				},
			},
			Required: []string{"url"},
		},
		Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			rawURL, _ := params["url"].(string)
			if rawURL == "" {
				return nil, fmt.Errorf("url is required")
			}

			u, err := url.Parse(rawURL)
			if err != nil {
				return nil, fmt.Errorf("invalid url: %w", err)
			}
			if err := validateFetchURL(u); err != nil {
				return nil, err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return nil, fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("User-Agent", "aegis-kernel/1.0")
			req.Header.Set("Accept", "text/html,text/plain,application/json")

			logger.Info("fetching url", "url", u.String())
			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("fetch failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
			if err != nil {
				return nil, fmt.Errorf("read body: %w", err)
			}

			text := string(body)
			if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
				text = stripHTML(text)
			}
			return strings.TrimSpace(text), nil
		},
	}
}

func validateFetchURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("refusing to fetch non-public address %s", ip)
		}
	}
	return nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
	spaceRe  = regexp.MustCompile(`\s{3,}`)
)

func stripHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(s)
	return spaceRe.ReplaceAllString(s, "\n")
}
