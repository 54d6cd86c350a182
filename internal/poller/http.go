package poller

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/lengolf/inbox/internal/channel/adapters/common"
	"github.com/lengolf/inbox/internal/inbox"
)

// HTTPSource reads deltas from a remote inbox's GET /api/inbox/delta.
type HTTPSource struct {
	client *common.Client
}

// NewHTTPSource targets baseURL (for example https://inbox.internal) with a
// staff bearer token.
func NewHTTPSource(httpClient *http.Client, baseURL, token string) *HTTPSource {
	client := common.NewClient(httpClient, baseURL)
	if token != "" {
		client.Header.Set("Authorization", "Bearer "+token)
	}
	return &HTTPSource{client: client}
}

func (s *HTTPSource) FetchDelta(ctx context.Context, since time.Time) (inbox.Delta, error) {
	path := "/api/inbox/delta"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var delta inbox.Delta
	if err := s.client.GetJSON(ctx, path, &delta); err != nil {
		return inbox.Delta{}, err
	}
	return delta, nil
}
