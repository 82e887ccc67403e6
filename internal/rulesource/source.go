// Package rulesource provides the rule-set source collaborator the
// refresher pulls from: either a local file or an HTTP(S) endpoint,
// returning the raw JSON payload for ratelimit.Refresher to parse.
package rulesource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// Source produces the raw bytes of a rule-set document on demand. Fetch
// is called once per refresh cycle; it does not retry internally.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// FileSource reads a rule-set document from a local path on every Fetch.
type FileSource struct {
	Path string
}

// NewFileSource returns a Source reading the rule-set document from path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Fetch(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("rulesource: cannot read %s: %w", s.Path, err)
	}

	return data, nil
}

// HTTPSource fetches a rule-set document with a GET request against URL,
// through an *http.Client built by httpclient.DefaultPooledClient so the
// request inherits the same telemetry-wrapped transport as the rest of
// the service's outbound calls.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource returns a Source fetching the rule-set document from url
// using client.
func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	return &HTTPSource{URL: url, Client: client}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("rulesource: cannot build request for %s: %w", s.URL, err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rulesource: cannot fetch %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rulesource: %s returned status %d", s.URL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rulesource: cannot read response body from %s: %w", s.URL, err)
	}

	return data, nil
}
