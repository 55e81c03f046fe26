package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/http2"

	"github.com/TheMichaelB/cddsync/internal/config"
	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
)

// TokenHeader carries the vault API token.
const TokenHeader = "X-CDD-Token"

// HTTPClient talks to one vault over HTTPS.
type HTTPClient struct {
	client    *http.Client
	rootURL   string
	baseURL   string
	userAgent string
	logger    *events.Logger

	mu    sync.RWMutex
	token string

	// Retry configuration
	maxRetries int
	retryDelay time.Duration

	// Export configuration
	pollInterval time.Duration
	pageSize     int
	clk          clockwork.Clock
}

// NewHTTPClient creates an HTTP client for the vault configured in cfg.
func NewHTTPClient(cfg *config.APIConfig, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	pageSize := cfg.PageSize
	if pageSize < 2 {
		pageSize = 1000
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		rootURL:      strings.TrimRight(cfg.BaseURL, "/"),
		baseURL:      cfg.VaultURL(),
		userAgent:    cfg.UserAgent,
		token:        cfg.Token,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   time.Second,
		pollInterval: pollInterval,
		pageSize:     pageSize,
		clk:          clockwork.NewRealClock(),
		logger:       logger.WithField("component", "http_client"),
	}
}

// SetToken sets the API token.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// GetToken returns the current API token.
func (c *HTTPClient) GetToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetClock replaces the clock used for export polling and retry backoff.
func (c *HTTPClient) SetClock(clk clockwork.Clock) {
	c.clk = clk
}

// SetRetryDelay sets the initial backoff delay.
func (c *HTTPClient) SetRetryDelay(d time.Duration) {
	c.retryDelay = d
}

// ListVaults returns the vaults the token can access.
func (c *HTTPClient) ListVaults(ctx context.Context) ([]models.NamedEntity, error) {
	body, err := c.doAt(ctx, c.rootURL, http.MethodGet, "/vaults", nil)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}

	var vaults []models.NamedEntity
	if err := json.Unmarshal(body, &vaults); err != nil {
		return nil, fmt.Errorf("list vaults: parse response: %w", err)
	}
	return vaults, nil
}

// ListProjects returns the projects visible to the token.
func (c *HTTPClient) ListProjects(ctx context.Context) ([]models.NamedEntity, error) {
	var projects []models.NamedEntity
	if err := c.getJSON(ctx, "/projects", nil, &projects); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// protocolPage is the synchronous /protocols response.
type protocolPage struct {
	Count   int               `json:"count"`
	Objects []models.Protocol `json:"objects"`
}

// ListProtocols lists protocols with their runs. Large result sets are
// re-requested as an async export.
func (c *HTTPClient) ListProtocols(ctx context.Context, ids []models.VaultID) ([]models.Protocol, error) {
	query := url.Values{}
	if len(ids) > 0 {
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = id.String()
		}
		query.Set("protocols", strings.Join(parts, ","))
	}
	query.Set("page_size", strconv.Itoa(c.pageSize))

	var page protocolPage
	if err := c.getJSON(ctx, "/protocols", query, &page); err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}

	if page.Count < c.pageSize-1 {
		return page.Objects, nil
	}

	c.loggerFor(ctx).WithFields(map[string]interface{}{
		"count":     page.Count,
		"page_size": c.pageSize,
	}).Info("Protocol listing exceeds page size, switching to async export")

	query.Set("async", "true")
	body, err := c.startAndAwait(ctx, "/protocols", query)
	if err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}

	var exported protocolPage
	if err := json.Unmarshal(body, &exported); err != nil {
		return nil, fmt.Errorf("list protocols: parse export: %w", err)
	}
	return exported.Objects, nil
}

// ExportRunData exports the readout data of one run as CSV.
func (c *HTTPClient) ExportRunData(ctx context.Context, protocolID, runID models.VaultID) ([]byte, error) {
	query := url.Values{}
	query.Set("format", "csv")
	query.Set("runs", runID.String())

	data, err := c.startAndAwait(ctx, "/protocols/"+url.PathEscape(protocolID.String())+"/data", query)
	if err != nil {
		return nil, fmt.Errorf("export run %s data: %w", runID, err)
	}
	return data, nil
}

// GetRun returns the raw run metadata.
func (c *HTTPClient) GetRun(ctx context.Context, runID models.VaultID) ([]byte, error) {
	data, err := c.getRaw(ctx, "/runs/"+url.PathEscape(runID.String()), nil)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return data, nil
}

// GetFile downloads a file and decodes its base64 contents.
func (c *HTTPClient) GetFile(ctx context.Context, fileID models.VaultID) (*models.VaultFile, error) {
	var payload struct {
		Name     string `json:"name"`
		Contents string `json:"contents"`
	}
	if err := c.getJSON(ctx, "/files/"+url.PathEscape(fileID.String()), nil, &payload); err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}

	contents, err := base64.StdEncoding.DecodeString(payload.Contents)
	if err != nil {
		return nil, fmt.Errorf("get file %s: decode contents: %w", fileID, err)
	}

	c.loggerFor(ctx).WithFields(map[string]interface{}{
		"file_id": fileID,
		"name":    payload.Name,
		"size":    len(contents),
	}).Debug("Downloaded file")

	return &models.VaultFile{ID: fileID, Name: payload.Name, Contents: contents}, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	body, err := c.getRaw(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *HTTPClient) getRaw(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, query)
}

// do executes a request against the vault with retry and returns the
// response body.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	return c.doAt(ctx, c.baseURL, method, path, query)
}

func (c *HTTPClient) doAt(ctx context.Context, base, method, path string, query url.Values) ([]byte, error) {
	endpoint := base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	logger := c.loggerFor(ctx)
	logger.WithFields(map[string]interface{}{
		"method": method,
		"url":    endpoint,
	}).Debug("Sending request")

	var body []byte
	err := c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return &permanentError{fmt.Errorf("create request: %w", err)}
		}

		req.Header.Set("Accept", "application/json, text/csv, */*")
		req.Header.Set("User-Agent", c.userAgent)
		if token := c.GetToken(); token != "" {
			req.Header.Set(TokenHeader, token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			body = respBody
			return nil
		}

		apiErr := newAPIError(resp.StatusCode, endpoint, respBody)
		if isRetryable(resp.StatusCode) {
			return apiErr
		}
		return &permanentError{apiErr}
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"url":  endpoint,
		"size": len(body),
	}).Debug("Received response")

	return body, nil
}

// loggerFor prefers the session logger carried by ctx so request logs share
// its session and run fields.
func (c *HTTPClient) loggerFor(ctx context.Context) *events.Logger {
	return events.FromContextOr(ctx, c.logger).WithField("component", "http_client")
}

// retry executes fn with exponential backoff.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.loggerFor(ctx).WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-c.clock().After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
	}

	var apiErr *models.APIError
	if errors.As(lastErr, &apiErr) {
		return apiErr
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *HTTPClient) clock() clockwork.Clock {
	if c.clk == nil {
		return clockwork.NewRealClock()
	}
	return c.clk
}

// permanentError stops the retry loop.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// isRetryable checks if an HTTP status code is retryable.
func isRetryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status < 600)
}

func newAPIError(status int, endpoint string, body []byte) *models.APIError {
	apiErr := &models.APIError{StatusCode: status, URL: endpoint}
	if err := json.Unmarshal(body, apiErr); err == nil && apiErr.Message != "" {
		apiErr.StatusCode = status
		return apiErr
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &models.APIError{StatusCode: status, Message: msg, URL: endpoint}
}
