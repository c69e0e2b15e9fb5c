// Package discovery reads candidate clinical records from the Discovery
// aggregation service.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Item is one Discovery record, already shaped as PulseTile input for the
// openEHR heading it is merged into.
type Item struct {
	SourceID string         `json:"sourceId"`
	Data     map[string]any `json:"data"`
}

// Client fetches the Discovery records of a patient for one resource type.
type Client interface {
	Fetch(ctx context.Context, patientID, heading string) ([]Item, error)
}

// HTTPClient is the Client backed by the Discovery REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "discovery").Logger(),
	}
}

// Fetch calls GET {base}/api/{heading}?patientId={patientID}. Items without
// a source id are dropped.
func (c *HTTPClient) Fetch(ctx context.Context, patientID, heading string) ([]Item, error) {
	u := fmt.Sprintf("%s/api/%s?patientId=%s", c.baseURL, url.PathEscape(heading), url.QueryEscape(patientID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery %s: %w", heading, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("discovery %s: status %d: %s", heading, resp.StatusCode, string(body))
	}

	var out struct {
		Results []Item `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("discovery %s: decode response: %w", heading, err)
	}

	items := out.Results[:0]
	for _, it := range out.Results {
		if it.SourceID == "" {
			c.logger.Warn().Str("heading", heading).Msg("dropping discovery item without sourceId")
			continue
		}
		items = append(items, it)
	}
	c.logger.Debug().Str("heading", heading).Int("items", len(items)).Msg("discovery fetch")
	return items, nil
}
