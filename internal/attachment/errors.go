package attachment

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrFetchFailed matches every *FetchFailedError.
	ErrFetchFailed = errors.New("attachment fetch failed")
	// ErrMiss is returned by a PersistentStore for an absent key.
	ErrMiss = errors.New("attachment not in store")
	// ErrTooLarge marks origin payloads over the size limit.
	ErrTooLarge = errors.New("attachment too large")
	// ErrInvalidKey marks store keys that are not cache keys.
	ErrInvalidKey = errors.New("invalid attachment key")
)

// FetchFailedError describes a failed origin fetch. Status is zero when no
// HTTP response was received.
type FetchFailedError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchFailedError) Error() string {
	url := redact(e.URL)
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s: status %d: %v", url, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("fetch %s: status %d", url, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", url, e.Err)
	default:
		return fmt.Sprintf("fetch %s failed", url)
	}
}

func (e *FetchFailedError) Is(target error) bool {
	return target == ErrFetchFailed
}

func (e *FetchFailedError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may help: transport errors, 408, 429 and
// 5xx responses.
func (e *FetchFailedError) Temporary() bool {
	if errors.Is(e.Err, ErrTooLarge) {
		return false
	}
	switch {
	case e.Status == 0:
		return true
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	default:
		return e.Status >= 500
	}
}

func asFetchFailed(rawURL string, err error) *FetchFailedError {
	var ferr *FetchFailedError
	if errors.As(err, &ferr) {
		if ferr.URL == "" {
			ferr.URL = rawURL
		}
		return ferr
	}
	return &FetchFailedError{URL: rawURL, Err: err}
}
