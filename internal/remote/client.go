// Package remote provides the rate-limited, classified HTTP client for the
// cloud platform's usage, identity, compute, audit, events and optimizer APIs.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/cloudcost-cli/internal/model"
	"github.com/sells-group/cloudcost-cli/internal/resilience"
)

// Client fetches the data for one work item. Implementations must be safe
// for concurrent use and must never panic or return a Go error: every
// failure is classified into the returned FetchResult.
type Client interface {
	Fetch(ctx context.Context, item model.WorkItem, params model.QueryParams) model.FetchResult
}

// Enumerator lists the organizational units that work items fan out over.
type Enumerator interface {
	// ListCompartments returns the tenancy root followed by every ACTIVE
	// compartment in its subtree.
	ListCompartments(ctx context.Context, tenancyID string) ([]model.WorkItem, error)
	// ListTagNamespaces returns every tag namespace in the tenancy.
	ListTagNamespaces(ctx context.Context, tenancyID string) ([]model.WorkItem, error)
}

const (
	nextPageHeader  = "opc-next-page"
	maxResponseSize = 64 << 20
	maxPages        = 10000
)

// Option configures the HTTP client.
type Option func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		c.http = hc
	}
}

// WithTimeouts overrides the per-item, bulk and audit call bounds. Zero
// values keep the defaults.
func WithTimeouts(item, bulk, audit time.Duration) Option {
	return func(c *HTTPClient) {
		if item > 0 {
			c.itemTimeout = item
		}
		if bulk > 0 {
			c.bulkTimeout = bulk
		}
		if audit > 0 {
			c.auditTimeout = audit
		}
	}
}

// WithRateLimit sets the client-wide request rate.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *HTTPClient) {
		if perSecond > 0 {
			c.limiter = NewAdaptiveLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithPageSize sets the page size requested from list endpoints.
func WithPageSize(n int) Option {
	return func(c *HTTPClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithRetryPause sets the pause before the single retry.
func WithRetryPause(d time.Duration) Option {
	return func(c *HTTPClient) {
		c.retryPause = d
	}
}

// WithBreakers sets the per-service circuit breakers.
func WithBreakers(sb *resilience.ServiceBreakers) Option {
	return func(c *HTTPClient) {
		c.breakers = sb
	}
}

// HTTPClient implements Client and Enumerator over the platform REST APIs.
type HTTPClient struct {
	baseURL      string
	token        string
	http         *http.Client
	limiter      *AdaptiveLimiter
	breakers     *resilience.ServiceBreakers
	itemTimeout  time.Duration
	bulkTimeout  time.Duration
	auditTimeout time.Duration
	pageSize     int
	retryPause   time.Duration
}

// NewHTTPClient creates a client for the platform API at baseURL. token, when
// set, is sent as a static bearer token.
func NewHTTPClient(baseURL, token string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:      NewAdaptiveLimiter(20, 20),
		itemTimeout:  30 * time.Second,
		bulkTimeout:  300 * time.Second,
		auditTimeout: 60 * time.Second,
		pageSize:     1000,
		retryPause:   resilience.DefaultRetryPolicy().Pause,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breakers == nil {
		cfg := resilience.DefaultCircuitBreakerConfig()
		cfg.ShouldTrip = tripsBreaker
		c.breakers = resilience.NewServiceBreakers(cfg, func(service string, from, to resilience.CircuitState) {
			zap.L().Warn("remote: circuit state change",
				zap.String("service", service),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		})
	}
	return c
}

// Fetch performs the remote call for item. Each attempt is bounded by the
// item kind's timeout; timeouts and transient upstream errors get exactly one
// retry.
func (c *HTTPClient) Fetch(ctx context.Context, item model.WorkItem, params model.QueryParams) model.FetchResult {
	log := zap.L().With(
		zap.String("component", "remote.http"),
		zap.String("item", item.Key()),
	)

	ep, ok := endpointFor(item, params)
	if !ok {
		return model.Failed(model.FailureRemoteError, fmt.Sprintf("no fetch operation for %s items", item.Kind))
	}

	records, err := call(ctx, c, ep.service, string(item.Kind), c.timeout(ep.timeout), func(ctx context.Context) ([]model.Record, error) {
		pages, err := c.pages(ctx, ep)
		if err != nil {
			return nil, err
		}
		records := make([]model.Record, 0, len(pages))
		for _, fields := range pages {
			if ep.normalize != nil {
				fields = ep.normalize(item, fields)
			}
			records = append(records, model.NewRecord(fields))
		}
		return records, nil
	})
	if err != nil {
		res := asResult(err)
		if res.Failure == model.FailureNotFound {
			log.Debug("item not found", zap.String("message", res.Message))
		} else {
			log.Warn("fetch failed",
				zap.String("failure", string(res.Failure)),
				zap.String("error_type", resilience.ClassifyError(err)),
				zap.Error(err),
			)
		}
		return res
	}

	log.Debug("fetched", zap.Int("records", len(records)))
	return model.Success(records...)
}

// ListCompartments implements Enumerator.
func (c *HTTPClient) ListCompartments(ctx context.Context, tenancyID string) ([]model.WorkItem, error) {
	ep := endpoint{
		service: ServiceIdentity,
		method:  http.MethodGet,
		path:    "/20160918/compartments",
		query: url.Values{
			"compartmentId":          {tenancyID},
			"compartmentIdInSubtree": {"true"},
			"accessLevel":            {"ANY"},
			"lifecycleState":         {"ACTIVE"},
		},
		paged: true,
	}
	rows, err := call(ctx, c, ep.service, "ListCompartments", c.bulkTimeout, func(ctx context.Context) ([]map[string]any, error) {
		return c.pages(ctx, ep)
	})
	if err != nil {
		return nil, eris.Wrap(err, "remote: list compartments")
	}

	items := []model.WorkItem{model.NewWorkItem(model.ItemKindCompartment, tenancyID, "root")}
	seen := map[string]bool{tenancyID: true}
	for _, row := range rows {
		id := first(row, "id")
		if id == "" || seen[id] {
			continue
		}
		if state := first(row, "lifecycleState", "lifecycle-state"); state != "" && state != "ACTIVE" {
			continue
		}
		seen[id] = true
		items = append(items, model.NewWorkItem(model.ItemKindCompartment, id, first(row, "name")))
	}
	return items, nil
}

// ListTagNamespaces implements Enumerator.
func (c *HTTPClient) ListTagNamespaces(ctx context.Context, tenancyID string) ([]model.WorkItem, error) {
	ep := endpoint{
		service: ServiceIdentity,
		method:  http.MethodGet,
		path:    "/20160918/tagNamespaces",
		query: url.Values{
			"compartmentId":          {tenancyID},
			"includeSubcompartments": {"true"},
		},
		paged: true,
	}
	rows, err := call(ctx, c, ep.service, "ListTagNamespaces", c.bulkTimeout, func(ctx context.Context) ([]map[string]any, error) {
		return c.pages(ctx, ep)
	})
	if err != nil {
		return nil, eris.Wrap(err, "remote: list tag namespaces")
	}

	items := make([]model.WorkItem, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		id := first(row, "id")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		items = append(items, model.NewWorkItem(model.ItemKindNamespace, id, first(row, "name")))
	}
	return items, nil
}

// call runs fn under the service's circuit breaker with one bounded retry;
// each attempt gets its own timeout.
func call[T any](ctx context.Context, c *HTTPClient, service, operation string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	breaker := c.breakers.Get(service)
	policy := resilience.RetryPolicy{
		Pause:       c.retryPause,
		ShouldRetry: isRetryable,
		OnRetry:     resilience.RetryLogger(service, operation),
	}
	return resilience.Once(ctx, policy, func(ctx context.Context) (T, error) {
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (T, error) {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return fn(callCtx)
		})
	})
}

func (c *HTTPClient) timeout(class timeoutClass) time.Duration {
	switch class {
	case timeoutBulk:
		return c.bulkTimeout
	case timeoutAudit:
		return c.auditTimeout
	}
	return c.itemTimeout
}

// pages issues the request and follows next-page tokens until exhausted.
func (c *HTTPClient) pages(ctx context.Context, ep endpoint) ([]map[string]any, error) {
	var all []map[string]any
	page := ""
	for range maxPages {
		items, next, err := c.do(ctx, ep, page)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if !ep.paged || next == "" || next == page {
			return all, nil
		}
		page = next
	}
	return nil, &APIError{Kind: model.FailureMalformedResponse, Message: "pagination did not terminate"}
}

func (c *HTTPClient) do(ctx context.Context, ep endpoint, page string) ([]map[string]any, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		// Wait only fails when the call's deadline cannot be met.
		return nil, "", &APIError{Kind: model.FailureTimeout, Message: "rate limiter wait", Err: err}
	}

	q := url.Values{}
	for k, v := range ep.query {
		q[k] = v
	}
	if ep.paged {
		q.Set("limit", strconv.Itoa(c.pageSize))
		if page != "" {
			q.Set("page", page)
		}
	}
	target := c.baseURL + ep.path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var body io.Reader
	if ep.body != nil {
		b, err := json.Marshal(ep.body)
		if err != nil {
			return nil, "", eris.Wrap(err, "remote: encode request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, ep.method, target, body)
	if err != nil {
		return nil, "", eris.Wrap(err, "remote: build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, "", eris.Wrap(err, "remote: read response")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.OnThrottle()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return nil, "", statusError(resp.StatusCode, eb)
	}
	c.limiter.OnSuccess()

	items, err := decodeItems(raw, ep.paged)
	if err != nil {
		return nil, "", err
	}
	return items, resp.Header.Get(nextPageHeader), nil
}

// decodeItems extracts the records of a response. List endpoints answer with
// a bare array or an {"items": [...]} object, optionally wrapped in
// {"data": ...}; single-resource endpoints answer with one object.
func decodeItems(raw []byte, list bool) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, malformed(err, "decode response")
	}

	if obj, ok := v.(map[string]any); ok {
		if _, hasItems := obj["items"]; !hasItems {
			if data, hasData := obj["data"]; hasData {
				v = data
			}
		}
	}

	switch x := v.(type) {
	case []any:
		return objects(x)
	case map[string]any:
		if code, hasCode := x["code"].(string); hasCode {
			if msg, hasMsg := x["message"].(string); hasMsg && x["items"] == nil {
				return nil, statusError(http.StatusOK, errorBody{Code: code, Message: msg})
			}
		}
		if items, ok := x["items"]; ok {
			arr, isArr := items.([]any)
			if !isArr {
				if items == nil {
					return nil, nil
				}
				return nil, malformed(eris.New("items is not an array"), "decode response")
			}
			return objects(arr)
		}
		if list {
			return nil, malformed(eris.New("missing items"), "decode response")
		}
		return []map[string]any{x}, nil
	}
	return nil, malformed(eris.Errorf("unexpected %T payload", v), "decode response")
}

func objects(arr []any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(arr))
	for i, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, malformed(eris.Errorf("element %d is %T", i, el), "decode response")
		}
		out = append(out, m)
	}
	return out, nil
}
