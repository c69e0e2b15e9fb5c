package openehr

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

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/ripple/cdr-openehr/internal/platform/metrics"
)

const (
	sessionHeader    = "Ehr-Session"
	subjectNamespace = "uk.nhs.nhs_number"
	maxErrorBody     = 2048
)

// RESTConfig tunes the protection put in front of a host.
type RESTConfig struct {
	Timeout time.Duration
	// RateLimit is the sustained number of calls per second; <= 0 disables it.
	RateLimit float64
	Burst     int
	// BreakerFailures is the number of consecutive failures that opens the
	// breaker; <= 0 uses 5.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultRESTConfig returns the settings used when none are configured.
func DefaultRESTConfig() RESTConfig {
	return RESTConfig{
		Timeout:         30 * time.Second,
		RateLimit:       10,
		Burst:           5,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// RESTClient talks to the openEHR REST API v1 of one host. Calls are
// throttled by a token bucket and guarded by a circuit breaker that opens
// after repeated transport or 5xx failures.
type RESTClient struct {
	host    Host
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// NewRESTClient creates a client for host.
func NewRESTClient(host Host, cfg RESTConfig, logger zerolog.Logger, m *metrics.Collector) *RESTClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	logger = logger.With().Str("host", host.Name).Logger()
	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    host.Name,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var re *RemoteError
			if errors.As(err, &re) {
				return re.Status < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("openEHR circuit breaker state change")
			m.SetBreakerState(name, int(to))
		},
	})

	return &RESTClient{
		host:    host,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		metrics: m,
		logger:  logger,
	}
}

// Host returns the host this client talks to.
func (c *RESTClient) Host() Host { return c.host }

func (c *RESTClient) StartSession(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("username", c.host.Username)
	q.Set("password", c.host.Password)
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, "startSession", http.MethodPost, "/rest/v1/session", q, "", nil, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func (c *RESTClient) StopSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, "stopSession", http.MethodDelete, "/rest/v1/session", nil, sessionID, nil, nil)
}

func (c *RESTClient) GetComposition(ctx context.Context, sessionID, compositionID string) (map[string]any, error) {
	q := url.Values{}
	q.Set("format", "FLAT")
	var out struct {
		Composition map[string]any `json:"composition"`
	}
	path := "/rest/v1/composition/" + url.PathEscape(compositionID)
	if err := c.do(ctx, "getComposition", http.MethodGet, path, q, sessionID, nil, &out); err != nil {
		return nil, err
	}
	return out.Composition, nil
}

func (c *RESTClient) PostComposition(ctx context.Context, sessionID, ehrID, templateID string, flat map[string]any) (string, error) {
	q := url.Values{}
	q.Set("templateId", templateID)
	q.Set("ehrId", ehrID)
	q.Set("format", "FLAT")
	var out struct {
		CompositionUID string `json:"compositionUid"`
	}
	if err := c.do(ctx, "postComposition", http.MethodPost, "/rest/v1/composition", q, sessionID, flat, &out); err != nil {
		return "", err
	}
	return out.CompositionUID, nil
}

func (c *RESTClient) PutComposition(ctx context.Context, sessionID, compositionID, templateID string, flat map[string]any) (PutResult, error) {
	q := url.Values{}
	q.Set("templateId", templateID)
	q.Set("format", "FLAT")
	var out PutResult
	path := "/rest/v1/composition/" + url.PathEscape(compositionID)
	if err := c.do(ctx, "putComposition", http.MethodPut, path, q, sessionID, flat, &out); err != nil {
		return PutResult{}, err
	}
	return out, nil
}

func (c *RESTClient) DeleteComposition(ctx context.Context, sessionID, compositionID string) error {
	path := "/rest/v1/composition/" + url.PathEscape(compositionID)
	return c.do(ctx, "deleteComposition", http.MethodDelete, path, nil, sessionID, nil, nil)
}

func (c *RESTClient) Query(ctx context.Context, sessionID, aql string) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("aql", aql)
	var out struct {
		ResultSet []map[string]any `json:"resultSet"`
	}
	if err := c.do(ctx, "query", http.MethodGet, "/rest/v1/query", q, sessionID, nil, &out); err != nil {
		return nil, err
	}
	return out.ResultSet, nil
}

func (c *RESTClient) PostQuery(ctx context.Context, sessionID, query string) ([]map[string]any, error) {
	var out struct {
		ResultSet []map[string]any `json:"resultSet"`
	}
	body := map[string]string{"aql": query}
	if err := c.do(ctx, "postQuery", http.MethodPost, "/rest/v1/query", nil, sessionID, body, &out); err != nil {
		return nil, err
	}
	return out.ResultSet, nil
}

func (c *RESTClient) GetEhr(ctx context.Context, sessionID, patientID string) (string, error) {
	q := url.Values{}
	q.Set("subjectId", patientID)
	q.Set("subjectNamespace", subjectNamespace)
	var out struct {
		EhrID string `json:"ehrId"`
	}
	err := c.do(ctx, "getEhr", http.MethodGet, "/rest/v1/ehr", q, sessionID, nil, &out)
	var re *RemoteError
	if errors.As(err, &re) && re.Status == http.StatusNotFound {
		return "", ErrEhrNotFound
	}
	if err != nil {
		return "", err
	}
	if out.EhrID == "" {
		return "", ErrEhrNotFound
	}
	return out.EhrID, nil
}

func (c *RESTClient) PostEhr(ctx context.Context, sessionID, patientID string) (string, error) {
	q := url.Values{}
	q.Set("subjectId", patientID)
	q.Set("subjectNamespace", subjectNamespace)
	body := map[string]string{
		"subjectId":        patientID,
		"subjectNamespace": subjectNamespace,
		"queryable":        "true",
		"modifiable":       "true",
	}
	var out struct {
		EhrID string `json:"ehrId"`
	}
	if err := c.do(ctx, "postEhr", http.MethodPost, "/rest/v1/ehr", q, sessionID, body, &out); err != nil {
		return "", err
	}
	return out.EhrID, nil
}

// do throttles, sends the request through the breaker and decodes the JSON
// response into out. Empty bodies (204) leave out untouched.
func (c *RESTClient) do(ctx context.Context, op, method, path string, query url.Values, sessionID string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("openehr %s %s: %w", c.host.Name, op, err)
	}

	started := time.Now()
	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.send(ctx, op, method, path, query, sessionID, body)
	})
	c.metrics.ObserveRemote(c.host.Name, op, started, err)
	if err != nil {
		var re *RemoteError
		if errors.As(err, &re) {
			return err
		}
		return fmt.Errorf("openehr %s %s: %w", c.host.Name, op, err)
	}

	c.logger.Debug().Str("op", op).Dur("latency", time.Since(started)).Msg("openEHR call")

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("openehr %s %s: decode response: %w", c.host.Name, op, err)
	}
	return nil
}

func (c *RESTClient) send(ctx context.Context, op, method, path string, query url.Values, sessionID string, body any) ([]byte, error) {
	u := strings.TrimRight(c.host.URL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(raw)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &RemoteError{Host: c.host.Name, Op: op, Status: resp.StatusCode, Body: msg}
	}
	return raw, nil
}
