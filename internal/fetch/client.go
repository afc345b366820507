// Package fetch implements the service client: it authenticates against one
// service endpoint, fetches its data, and normalizes the response into a
// DataSnapshot. A fetch never fails outward; every failure is captured inside
// the snapshot so downstream stages can work over a partial result set.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"

	"github.com/sells-group/validator-cli/internal/auth"
	"github.com/sells-group/validator-cli/internal/model"
	"github.com/sells-group/validator-cli/pkg/inference"
)

// structurePromptBudget bounds the serialized payload sent for structuring.
const structurePromptBudget = 2000

// Options configures the client.
type Options struct {
	DefaultTimeout time.Duration
	RatePerHost    rate.Limit
	RateBurst      int
}

// Client fetches data snapshots from service endpoints.
type Client struct {
	http      *http.Client
	resolver  *auth.Resolver
	inference inference.Client
	opts      Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a service client. The inference client structures raw
// payloads; pass a client that always errors to force raw-passthrough.
func NewClient(resolver *auth.Resolver, inf inference.Client, opts Options) *Client {
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.RatePerHost == 0 {
		opts.RatePerHost = 10
	}
	if opts.RateBurst == 0 {
		opts.RateBurst = 10
	}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		resolver:  resolver,
		inference: inf,
		opts:      opts,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Fetch produces exactly one snapshot for the endpoint. All failure paths
// return a snapshot with Success=false and a populated error message.
func (c *Client) Fetch(ctx context.Context, ep model.ServiceEndpoint) model.DataSnapshot {
	start := time.Now()
	log := zap.L().With(zap.String("service_id", ep.ServiceID))

	timeout := ep.Timeout
	if timeout == 0 {
		timeout = c.opts.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	headers, err := c.resolver.Resolve(ctx, ep.Endpoint, ep.Auth, nil)
	if err != nil {
		log.Warn("fetch: authentication failed", zap.Error(err))
		return errorSnapshot(ep.ServiceID, start, "Authentication failed: "+err.Error())
	}

	if err := c.wait(ctx, ep.Endpoint); err != nil {
		return errorSnapshot(ep.ServiceID, start, "Rate limit wait aborted: "+err.Error())
	}

	// Health check gates the main fetch.
	if ep.HealthCheckPath != "" {
		if msg := c.healthCheck(ctx, ep, headers); msg != "" {
			log.Warn("fetch: health check failed", zap.String("reason", msg))
			return errorSnapshot(ep.ServiceID, start, msg)
		}
	}

	status, body, contentType, err := c.get(ctx, ep.Endpoint, headers)
	if err != nil {
		return errorSnapshot(ep.ServiceID, start, "HTTP error: "+err.Error())
	}
	if status < 200 || status >= 300 {
		return errorSnapshot(ep.ServiceID, start, fmt.Sprintf("HTTP error: unexpected status %d", status))
	}

	raw := parseBody(body, contentType)
	structured := c.structure(ctx, ep, raw)

	snapshot := model.DataSnapshot{
		ServiceID:     ep.ServiceID,
		FetchedAt:     time.Now().UTC(),
		Data:          structured,
		RecordCount:   countRecords(structured, raw),
		FetchDuration: time.Since(start),
		Success:       true,
	}
	log.Info("fetch: snapshot created",
		zap.Int("record_count", snapshot.RecordCount),
		zap.Duration("duration", snapshot.FetchDuration),
	)
	return snapshot
}

// wait blocks on the per-host rate limiter.
func (c *Client) wait(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil
	}

	c.mu.Lock()
	limiter, ok := c.limiters[u.Host]
	if !ok {
		limiter = rate.NewLimiter(c.opts.RatePerHost, c.opts.RateBurst)
		c.limiters[u.Host] = limiter
	}
	c.mu.Unlock()

	return limiter.Wait(ctx)
}

// healthCheck issues the probe GET. It returns an empty string on success and
// a failure description otherwise.
func (c *Client) healthCheck(ctx context.Context, ep model.ServiceEndpoint, headers map[string]string) string {
	healthURL := strings.TrimRight(ep.Endpoint, "/") + ep.HealthCheckPath
	status, _, _, err := c.get(ctx, healthURL, headers)
	if err != nil {
		return "Health check failed: " + err.Error()
	}
	if status >= 400 {
		return fmt.Sprintf("Health check failed with status %d", status)
	}
	return ""
}

func (c *Client) get(ctx context.Context, target string, headers map[string]string) (int, []byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, "", err
	}
	return resp.StatusCode, body, resp.Header.Get("Content-Type"), nil
}

// parseBody turns a response body into a generic value: decoded JSON when the
// content type says so, a raw-text wrapper otherwise. Non-UTF-8 charsets are
// decoded before wrapping.
func parseBody(body []byte, contentType string) any {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	if strings.Contains(mediaType, "json") {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			return parsed
		}
	}

	text := string(body)
	if cs := params["charset"]; cs != "" && !strings.EqualFold(cs, "utf-8") {
		if enc, err := htmlindex.Get(cs); err == nil {
			if decoded, err := enc.NewDecoder().Bytes(body); err == nil {
				text = string(decoded)
			}
		}
	}
	return map[string]any{"raw_response": text}
}

// structure asks the inference capability to normalize the raw payload into
// {records, metadata, identifiers, summary}. Any failure falls back to
// wrapping the raw payload, tagged with the processing error.
func (c *Client) structure(ctx context.Context, ep model.ServiceEndpoint, raw any) map[string]any {
	serialized, err := json.Marshal(raw)
	if err != nil {
		serialized = []byte(fmt.Sprintf("%v", raw))
	}

	prompt := fmt.Sprintf(`Analyze and structure the following data from service '%s' (%s):

Data:
%s

Extract and return a JSON object with:
1. "records": Array of individual records/entities
2. "metadata": Metadata about the dataset (count, timestamps, etc.)
3. "identifiers": Key fields that uniquely identify records
4. "summary": Brief summary of the data

Return ONLY valid JSON, no additional text.`,
		ep.ServiceName, ep.ServiceType,
		inference.Truncate(string(serialized), structurePromptBudget),
	)

	text, err := c.inference.Complete(ctx, inference.Request{
		System: "You are a data extraction specialist. Extract and structure data from various service APIs. Return well-structured JSON that preserves important information.",
		Prompt: prompt,
	})
	if err != nil {
		return rawFallback(raw, err)
	}

	var structured map[string]any
	if err := inference.UnmarshalResponse(text, &structured); err != nil {
		return rawFallback(raw, err)
	}
	return structured
}

// rawFallback wraps the unstructured payload as a single-element record list
// tagged with the processing error.
func rawFallback(raw any, cause error) map[string]any {
	records := []any{raw}
	if list, ok := raw.([]any); ok {
		records = list
	}
	return map[string]any{
		"records":  records,
		"metadata": map[string]any{"processing_error": cause.Error()},
		"raw_data": raw,
	}
}

// countRecords computes the snapshot's record count: length of a list-typed
// "records" field, else length of the raw payload when it is a list, else 1
// for a non-empty mapping, else 0.
func countRecords(structured map[string]any, raw any) int {
	if records, ok := structured["records"].([]any); ok {
		return len(records)
	}
	if list, ok := raw.([]any); ok {
		return len(list)
	}
	if len(structured) > 0 {
		return 1
	}
	return 0
}

func errorSnapshot(serviceID string, start time.Time, message string) model.DataSnapshot {
	return model.DataSnapshot{
		ServiceID:     serviceID,
		FetchedAt:     time.Now().UTC(),
		Data:          map[string]any{},
		RecordCount:   0,
		FetchDuration: time.Since(start),
		Success:       false,
		ErrorMessage:  message,
	}
}
