package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ongoingai/tracedesk/internal/connections"
)

type capturedRequest struct {
	Path          string
	Authorization string
	Team          string
	Model         string
	Content       string
}

func newFakeOpenAI(t *testing.T, status int, body string) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()

	requests := make(chan capturedRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		var payload struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.Unmarshal(raw, &payload)
		captured := capturedRequest{
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			Team:          r.Header.Get("X-Team"),
			Model:         payload.Model,
		}
		if len(payload.Messages) > 0 {
			captured.Content = payload.Messages[0].Content
		}
		requests <- captured

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

type recordedCompletion struct {
	model  string
	tokens int
	err    error
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCompletion
}

func (r *fakeRecorder) RecordCompletion(_ context.Context, model string, tokens int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCompletion{model: model, tokens: tokens, err: err})
}

const completionBody = `{
	"id":"chatcmpl-test",
	"object":"chat.completion",
	"created":1700000000,
	"model":"gpt-4o-mini",
	"choices":[{"index":0,"message":{"role":"assistant","content":"hello back"},"finish_reason":"stop"}],
	"usage":{"prompt_tokens":1000,"completion_tokens":2000,"total_tokens":3000}
}`

func TestCompleteUsesDefaultConnection(t *testing.T) {
	t.Parallel()

	srv, requests := newFakeOpenAI(t, http.StatusOK, completionBody)
	recorder := &fakeRecorder{}
	runner := NewRunner(Options{
		Connections: connections.NewStaticStore([]connections.Connection{{
			Provider:     "openai",
			BaseURL:      srv.URL + "/v1/",
			SecretKey:    "sk-test",
			CustomModels: []string{"gpt-4o-mini"},
			ExtraHeaders: map[string]string{"X-Team": "core"},
		}}),
		Recorder: recorder,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	result, err := runner.Complete(context.Background(), "say hello", "")
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if result.Output != "hello back" || result.Model != "gpt-4o-mini" || result.TotalTokens != 3000 {
		t.Fatalf("result=%+v", result)
	}
	if result.CostUSD == nil || math.Abs(*result.CostUSD-0.00135) > 1e-9 {
		t.Fatalf("cost=%v, want 0.00135", result.CostUSD)
	}

	got := <-requests
	if got.Path != "/v1/chat/completions" || got.Authorization != "Bearer sk-test" {
		t.Fatalf("request=%+v", got)
	}
	if got.Team != "core" || got.Model != "gpt-4o-mini" || got.Content != "say hello" {
		t.Fatalf("request=%+v", got)
	}
	if len(recorder.calls) != 1 || recorder.calls[0].tokens != 3000 {
		t.Fatalf("recorder=%+v", recorder.calls)
	}
}

func TestCompleteFallsBackToConfiguredModel(t *testing.T) {
	t.Parallel()

	srv, requests := newFakeOpenAI(t, http.StatusOK, completionBody)
	runner := NewRunner(Options{
		Connections:  connections.NewStaticStore([]connections.Connection{{Provider: "openai", BaseURL: srv.URL + "/v1", SecretKey: "k"}}),
		DefaultModel: "gpt-3.5-turbo",
	})
	if _, err := runner.Complete(context.Background(), "hi", ""); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if got := <-requests; got.Model != "gpt-3.5-turbo" {
		t.Fatalf("model=%q, want gpt-3.5-turbo", got.Model)
	}
}

func TestCompleteErrors(t *testing.T) {
	t.Parallel()

	srv, _ := newFakeOpenAI(t, http.StatusTooManyRequests, `{"error":{"message":"rate limited","type":"rate_limit"}}`)
	recorder := &fakeRecorder{}
	runner := NewRunner(Options{
		Connections: connections.NewStaticStore([]connections.Connection{{Provider: "openai", BaseURL: srv.URL + "/v1", SecretKey: "k"}}),
		Recorder:    recorder,
	})

	if _, err := runner.Complete(context.Background(), "  ", ""); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("Complete(blank) error=%v", err)
	}
	if _, err := runner.Complete(context.Background(), "hi", "gpt-4o"); err == nil {
		t.Fatal("Complete() succeeded against a 429")
	}
	if len(recorder.calls) != 1 || recorder.calls[0].err == nil {
		t.Fatalf("recorder=%+v, want one failure", recorder.calls)
	}

	empty := NewRunner(Options{Connections: connections.NewStaticStore(nil)})
	if _, err := empty.Complete(context.Background(), "hi", ""); !errors.Is(err, connections.ErrNoConnection) {
		t.Fatalf("Complete(no connection) error=%v", err)
	}
}

func TestEstimateCost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model  string
		in     int
		out    int
		want   float64
		wantOK bool
	}{
		{model: "gpt-4o", in: 1000, out: 1000, want: 0.02, wantOK: true},
		{model: "GPT-4o-mini-2024-07-18", in: 1000, out: 0, want: 0.00015, wantOK: true},
		{model: "gpt-3.5-turbo-0125", in: 2000, out: 1000, want: 0.0025, wantOK: true},
		{model: "llama3", in: 1000, out: 1000},
	}
	for _, tt := range tests {
		in, out, ok := EstimateCost(tt.model, tt.in, tt.out)
		if ok != tt.wantOK || math.Abs(in+out-tt.want) > 1e-9 {
			t.Fatalf("EstimateCost(%q)=(%f,%f,%t), want %f,%t", tt.model, in, out, ok, tt.want, tt.wantOK)
		}
	}
}
