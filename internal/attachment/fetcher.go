package attachment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/lengolf/inbox/internal/channel"
)

// AuthorizerSource finds the channel adapter that hosts a media URL.
// *channel.Registry implements it.
type AuthorizerSource interface {
	AttachmentAuthorizerFor(rawURL string) (channel.AttachmentAuthorizer, bool)
}

// HTTPFetcher is the origin tier. Platform-hosted URLs get the owning
// adapter's credentials and, where the platform needs it, a locate step.
type HTTPFetcher struct {
	client   *http.Client
	auth     AuthorizerSource
	maxBytes int64
}

func NewHTTPFetcher(client *http.Client, auth AuthorizerSource, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &HTTPFetcher{client: client, auth: auth, maxBytes: maxBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := checkURL(rawURL); err != nil {
		return nil, "", &FetchFailedError{URL: rawURL, Err: err}
	}
	target := rawURL
	var authz channel.AttachmentAuthorizer
	if f.auth != nil {
		if a, ok := f.auth.AttachmentAuthorizerFor(rawURL); ok {
			authz = a
			if locator, ok := a.(channel.AttachmentLocator); ok {
				located, err := locator.LocateAttachment(ctx, rawURL)
				if err != nil {
					return nil, "", &FetchFailedError{URL: rawURL, Err: fmt.Errorf("locate: %w", err)}
				}
				target = located
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", &FetchFailedError{URL: rawURL, Err: err}
	}
	if authz != nil && authz.OwnsAttachment(target) {
		authz.AuthorizeAttachment(req)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &FetchFailedError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", &FetchFailedError{URL: rawURL, Status: resp.StatusCode}
	}
	if resp.ContentLength > f.maxBytes {
		return nil, "", &FetchFailedError{URL: rawURL, Status: resp.StatusCode, Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)}
	}
	data, err := ReadAllWithLimit(resp.Body, f.maxBytes)
	if err != nil {
		return nil, "", &FetchFailedError{URL: rawURL, Status: resp.StatusCode, Err: err}
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(data).String()
	}
	return data, contentType, nil
}

func checkURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
