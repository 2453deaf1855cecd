package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *int64) {
	t.Helper()
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return NewClient(server.URL, "sk-test", "test-model", 5*time.Second), &calls
}

func TestChatReturnsContent(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Error("missing bearer auth")
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"ok\":true}"}}]}`)
	})

	content, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if content != `{"ok":true}` {
		t.Errorf("content = %q", content)
	}
}

func TestChatContentParts(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}]}}]}`)
	})

	content, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if content != "hello world" {
		t.Errorf("content = %q", content)
	}
}

func TestChatEmptyContentIsFailure(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":""}}]}`)
	})

	_, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	if !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if *calls != 1 {
		t.Errorf("empty content must not be retried, calls = %d", *calls)
	}
}

func TestChatRetriesTransient(t *testing.T) {
	var n int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&n, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	})

	content, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if content != "ok" {
		t.Errorf("content = %q", content)
	}
}

func TestChatPermanent400(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad request"}}`)
	})

	_, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.StatusCode != 400 {
		t.Fatalf("expected 400 CallError, got %v", err)
	}
	if *calls != 1 {
		t.Errorf("400 must not be retried, calls = %d", *calls)
	}
}

func TestChatSendsJSONMode(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ResponseFormat *struct {
				Type string `json:"type"`
			} `json:"response_format"`
			Temperature *float64 `json:"temperature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Error("response_format not set")
		}
		if req.Temperature == nil || *req.Temperature != 0 {
			t.Error("temperature 0 not sent")
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{}"}}]}`)
	})

	zero := 0.0
	_, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{
		Temperature: &zero,
		JSONMode:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExtractFirstJSONObject(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{`{"a":1}`, `{"a":1}`, false},
		{"Here you go:\n```json\n{\"a\": {\"b\": 2}}\n```", `{"a": {"b": 2}}`, false},
		{`prefix {"s":"brace } inside"} suffix`, `{"s":"brace } inside"}`, false},
		{`{"e":"escaped \" quote"}`, `{"e":"escaped \" quote"}`, false},
		{`first {"a":1} then {"b":2}`, `{"a":1}`, false},
		{"no json here", "", true},
		{`{"unterminated":`, "", true},
	}
	for _, tt := range tests {
		got, err := ExtractFirstJSONObject(tt.input)
		if tt.wantErr {
			if !errors.Is(err, ErrNoJSONObject) {
				t.Errorf("ExtractFirstJSONObject(%q) err = %v, want ErrNoJSONObject", tt.input, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ExtractFirstJSONObject(%q) failed: %v", tt.input, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("ExtractFirstJSONObject(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
