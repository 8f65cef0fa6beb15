// Package mapping is the HTTP client for the external AI-backed mapping
// service. It performs a single call per Map invocation and classifies every
// failure; retries belong to the caller.
package mapping

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed response.schema.json
var responseSchema []byte

// DefaultTimeout bounds a single mapping call.
const DefaultTimeout = 60 * time.Second

const maxResponseBytes = 8 << 20

// Config configures the client.
type Config struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the mapping service.
type Client struct {
	url     string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	schema  *jsonschema.Schema
}

// NewClient returns a client for cfg.URL. The response schema is compiled
// once here.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("mapping url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("response.schema.json", bytes.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("response.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Client{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		http:    hc,
		schema:  schema,
	}, nil
}

// Map sends the source record and returns the decoded response object.
// Every failure is returned as *Error.
func (c *Client) Map(ctx context.Context, record map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{"record": record})
	if err != nil {
		return nil, &Error{Class: ClassMalformed, Message: "encode request", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build mapping request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp, raw)
	}

	doc, err := c.decode(raw)
	if err != nil {
		return nil, &Error{Class: ClassMalformed, Status: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	return doc, nil
}

func (c *Client) decode(raw []byte) (map[string]interface{}, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if err := c.schema.Validate(v); err != nil {
		return nil, fmt.Errorf("json does not match schema: %w", err)
	}
	doc, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.New("response is not an object")
	}
	return doc, nil
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Class: ClassTimeout, Message: "request timed out", Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Class: ClassTimeout, Message: "request timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Connection failures are transient and retried like timeouts.
	return &Error{Class: ClassTimeout, Message: "service unreachable", Err: err}
}

func classifyStatus(resp *http.Response, raw []byte) error {
	msg := errorMessage(raw)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	e := &Error{Status: resp.StatusCode, Message: msg}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Class = ClassAuth
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		// 503 is provider overload and follows the rate-limit schedule.
		e.Class = ClassRateLimited
		e.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), raw, time.Now())
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		e.Class = ClassTimeout
	default:
		e.Class = ClassMalformed
	}
	return e
}

func errorMessage(raw []byte) string {
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	if len(body.Error) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(body.Error, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body.Error, &obj) == nil {
		return obj.Message
	}
	return ""
}

// retryAfter reads the provider wait hint from the Retry-After header
// (seconds or HTTP date) or a retry_after body field in seconds.
func retryAfter(header string, raw []byte, now time.Time) time.Duration {
	if d, ok := parseRetryAfter(header, now); ok {
		return d
	}
	var body struct {
		RetryAfter interface{} `json:"retry_after"`
		Error      struct {
			RetryAfter interface{} `json:"retry_after"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return 0
	}
	for _, v := range []interface{}{body.RetryAfter, body.Error.RetryAfter} {
		switch t := v.(type) {
		case float64:
			if t > 0 {
				return time.Duration(t * float64(time.Second))
			}
		case string:
			if d, ok := parseRetryAfter(t, now); ok {
				return d
			}
		}
	}
	return 0
}

func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
	}
	return 0, false
}
