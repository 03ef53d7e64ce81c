package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPExecutor issues one HTTP request per invocation.
//
// Template fields: url, method, headers (object), body (string or JSON
// value), timeout (seconds).
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor creates the executor with a pooled keep-alive client.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{client: newHTTPClient(0)}
}

func (e *HTTPExecutor) ID() string { return "http" }

// httpResult is the executor's JSON result shape.
type httpResult struct {
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	ParsedJSON any               `json:"parsed_json,omitempty"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, template map[string]any) (json.RawMessage, error) {
	url := stringField(template, "url")
	if url == "" {
		return nil, Permanentf("http executor: url is required")
	}
	method := strings.ToUpper(stringField(template, "method"))
	if method == "" {
		method = http.MethodPost
	}

	if seconds, ok := template["timeout"].(float64); ok && seconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(seconds*float64(time.Second)))
		defer cancel()
	}

	var body io.Reader
	contentType := ""
	if raw, ok := template["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, Permanentf("http executor: encode body: %v", err)
			}
			body = strings.NewReader(string(encoded))
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, Permanentf("http executor: build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := template["headers"].(map[string]any); ok {
		for key, value := range headers {
			req.Header.Set(key, fmt.Sprint(value))
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, Transientf("http executor: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transientf("http executor: read response: %v", err)
	}

	result := httpResult{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    string(respBody),
	}
	var parsed any
	if json.Unmarshal(respBody, &parsed) == nil {
		result.ParsedJSON = parsed
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, Permanentf("http executor: encode result: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cause := fmt.Errorf("http executor: status %d", resp.StatusCode)
		return encoded, &Error{Class: classifyStatus(resp.StatusCode), Err: cause}
	}
	return encoded, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key := range h {
		out[key] = h.Get(key)
	}
	return out
}
