package splunk

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResultBytes = 256 * 1024

// Client runs searches against the Splunk REST API (management port, usually
// 8089). Authentication uses a bearer token.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates a Splunk client. Splunk management ports almost always
// run with self-signed certificates, so verification is disabled for them,
// matching what splunklib does by default.
func NewClient(logger *slog.Logger, baseURL, token string) *Client {
	return &Client{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// OneshotSearch runs a blocking search and returns the raw JSON results.
// Oneshot mode skips the job lifecycle entirely: one request, results in the
// response body.
func (c *Client) OneshotSearch(ctx context.Context, query, earliest, latest string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("splunk base url not configured")
	}
	if c.token == "" {
		return "", fmt.Errorf("splunk token not configured")
	}

	form := url.Values{}
	form.Set("search", query)
	form.Set("exec_mode", "oneshot")
	form.Set("output_mode", "json")
	form.Set("count", "100")
	if earliest != "" {
		form.Set("earliest_time", earliest)
	}
	if latest != "" {
		form.Set("latest_time", latest)
	}

	endpoint := c.baseURL + "/services/search/jobs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("splunk request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("splunk returned status %d: %s", resp.StatusCode, firstLine(string(body)))
	}

	return string(body), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}
