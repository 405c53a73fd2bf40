package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"contentsync/internal/model"
)

// HTTPSource talks to a content service exposing a paged JSON listing and a
// content endpoint:
//
//	GET {base}/items?scope=<scope>&cursor=<cursor>  -> listResponse
//	GET {base}/content?path=<path>                  -> raw bytes
type HTTPSource struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

// NewHTTPSource creates a new HTTP source client.
func NewHTTPSource(baseURL, apiKey string) *HTTPSource {
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type listResponse struct {
	Items []listItem `json:"items"`
	Next  string     `json:"next,omitempty"`
}

type listItem struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
	WebURL      string    `json:"web_url,omitempty"`
	DownloadURL string    `json:"download_url,omitempty"`
}

// List pages through the listing until the service returns no cursor.
func (s *HTTPSource) List(ctx context.Context, scope string) ([]model.RemoteItem, error) {
	var items []model.RemoteItem
	cursor := ""
	for {
		q := url.Values{}
		q.Set("scope", scope)
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		resp, err := s.get(ctx, "/items?"+q.Encode())
		if err != nil {
			return nil, err
		}
		var page listResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode listing: %w", err)
		}

		for _, it := range page.Items {
			if it.ID == "" {
				return nil, fmt.Errorf("listing returned an item without id: %q", it.Name)
			}
			items = append(items, model.RemoteItem{
				RemoteID:     it.ID,
				DisplayName:  it.Name,
				LocationPath: strings.Trim(it.Path, "/"),
				Size:         it.Size,
				LastModified: it.Modified.UTC(),
				WebURL:       it.WebURL,
				DownloadURL:  it.DownloadURL,
			})
		}

		if page.Next == "" {
			return items, nil
		}
		cursor = page.Next
	}
}

// Download streams the content at path into w.
func (s *HTTPSource) Download(ctx context.Context, path string, w io.Writer) error {
	q := url.Values{}
	q.Set("path", path)
	resp, err := s.get(ctx, "/content?"+q.Encode())
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read content of %s: %w", path, err)
	}
	return nil
}

func (s *HTTPSource) get(ctx context.Context, pathAndQuery string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+pathAndQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.APIKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.APIKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, pathAndQuery)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("transient status %d: %s", resp.StatusCode, string(raw))
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, model.Terminal("bad status %d: %s", resp.StatusCode, string(raw))
	}
}

var _ Source = (*HTTPSource)(nil)
