package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPExecutorSuccessShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("missing header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	e := NewHTTPExecutor()
	raw, err := e.Execute(context.Background(), map[string]any{
		"url":     server.URL,
		"method":  "PUT",
		"headers": map[string]any{"X-Token": "secret"},
		"body":    map[string]any{"a": 1},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["status"] != float64(200) {
		t.Fatalf("unexpected status %v", result["status"])
	}
	if result["body"] != `{"ok":true}` {
		t.Fatalf("unexpected body %v", result["body"])
	}
	parsed := result["parsed_json"].(map[string]any)
	if parsed["ok"] != true {
		t.Fatalf("parsed_json missing, got %v", result["parsed_json"])
	}
}

func TestHTTPExecutorClassifies5xxTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	e := NewHTTPExecutor()
	_, err := e.Execute(context.Background(), map[string]any{"url": server.URL})
	if err == nil {
		t.Fatalf("expected error for 502")
	}
	if Classify(err) != Transient {
		t.Fatalf("5xx must be transient")
	}
}

func TestHTTPExecutorClassifies4xxPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	e := NewHTTPExecutor()
	_, err := e.Execute(context.Background(), map[string]any{"url": server.URL})
	if Classify(err) != Permanent {
		t.Fatalf("403 must be permanent, got %v", err)
	}
}

func TestHTTPExecutorClassifies429Transient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	e := NewHTTPExecutor()
	_, err := e.Execute(context.Background(), map[string]any{"url": server.URL})
	if Classify(err) != Transient {
		t.Fatalf("429 must be transient, got %v", err)
	}
}

func TestHTTPExecutorRequiresURL(t *testing.T) {
	e := NewHTTPExecutor()
	_, err := e.Execute(context.Background(), map[string]any{})
	if Classify(err) != Permanent {
		t.Fatalf("missing url must be permanent, got %v", err)
	}
}

func TestCommandExecutorCapturesOutput(t *testing.T) {
	e := NewCommandExecutor()
	raw, err := e.Execute(context.Background(), map[string]any{
		"command": "sh",
		"args":    []any{"-c", "echo out; echo err >&2"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["stdout"] != "out\n" || result["stderr"] != "err\n" {
		t.Fatalf("unexpected capture %v", result)
	}
	if result["exit_code"] != float64(0) {
		t.Fatalf("unexpected exit code %v", result["exit_code"])
	}
}

func TestCommandExecutorNonZeroExitIsPermanent(t *testing.T) {
	e := NewCommandExecutor()
	raw, err := e.Execute(context.Background(), map[string]any{
		"command": "sh",
		"args":    []any{"-c", "exit 3"},
	})
	if err == nil {
		t.Fatalf("expected error for non-zero exit")
	}
	if Classify(err) != Permanent {
		t.Fatalf("non-zero exit must be permanent")
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["exit_code"] != float64(3) {
		t.Fatalf("exit code must be preserved, got %v", result["exit_code"])
	}
}

func TestRegistryUnknownExecutorIsPermanent(t *testing.T) {
	r := NewRegistry(NewHTTPExecutor())
	if _, err := r.Get("http"); err != nil {
		t.Fatalf("known executor: %v", err)
	}
	_, err := r.Get("teleport")
	if err == nil || Classify(err) != Permanent {
		t.Fatalf("unknown executor must be permanent, got %v", err)
	}
}

func TestClassifyDefaultsTransient(t *testing.T) {
	if Classify(errors.New("connection reset")) != Transient {
		t.Fatalf("unclassified errors lean transient")
	}
	if Classify(context.DeadlineExceeded) != Transient {
		t.Fatalf("deadline exceeded is transient")
	}
}
