// Package common holds the plain-HTTP plumbing shared by platform adapters.
package common

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultTimeout          = 10 * time.Second
	maxResponseBytes  int64 = 1 << 20
	errorPrefixLength       = 300
)

// APIError is a non-2xx platform response.
type APIError struct {
	Status int
	Body   []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform api status %d: %s", e.Status, Truncate(strings.TrimSpace(string(e.Body)), errorPrefixLength))
}

// Client performs JSON calls against a platform API.
type Client struct {
	HTTP    *http.Client
	BaseURL string
	Header  http.Header
}

// NewClient creates a Client; a nil httpClient gets DefaultTimeout.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		HTTP:    httpClient,
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Header:  http.Header{},
	}
}

// PostJSON marshals payload, posts it to BaseURL+path and decodes a 2xx body into out.
// Non-2xx responses return *APIError so adapters can map platform error codes.
func (c *Client) PostJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range c.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return c.do(req, out)
}

// GetJSON fetches BaseURL+path and decodes a 2xx body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	for key, values := range c.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return redactURLError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: respBody}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode platform response: %w", err)
	}
	return nil
}

// redactURLError drops query values and credentials from the URL that
// *url.Error puts in its message; platforms accept tokens as query params.
func redactURLError(err error) error {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}
	return &url.Error{Op: urlErr.Op, URL: RedactURL(urlErr.URL), Err: urlErr.Err}
}

// RedactURL keeps scheme, host, path and query keys of raw.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	u.User = nil
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			q.Set(key, "REDACTED")
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// UnixMillis converts a millisecond timestamp; zero maps to now.
func UnixMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
