package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/types"
)

// TestConvertMessage checks that each role maps onto the matching SDK union
// member and that unknown roles are rejected.
func TestConvertMessage(t *testing.T) {
	t.Parallel()

	sys, err := convertMessage(types.Message{Role: types.RoleSystem, Content: "You are helpful."})
	if err != nil || sys.OfSystem == nil {
		t.Errorf("system: err=%v OfSystem=%v", err, sys.OfSystem)
	}
	usr, err := convertMessage(types.Message{Role: types.RoleUser, Content: "Hello!"})
	if err != nil || usr.OfUser == nil {
		t.Errorf("user: err=%v OfUser=%v", err, usr.OfUser)
	}
	asst, err := convertMessage(types.Message{Role: types.RoleAssistant, Content: "Hi there!"})
	if err != nil || asst.OfAssistant == nil {
		t.Fatalf("assistant: err=%v", err)
	}
	if got := asst.OfAssistant.Content.OfString.Value; got != "Hi there!" {
		t.Errorf("assistant content = %q", got)
	}
	if _, err := convertMessage(types.Message{Role: "tool", Content: "x"}); err == nil {
		t.Error("expected error for unknown role")
	}
}

// TestBuildParams checks that the system message travels as the first
// message and that the sampling fields are optional.
func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "be brief"},
			{Role: types.RoleUser, Content: "hi"},
		},
		Temperature: 0.7,
		MaxTokens:   300,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(params.Messages) != 2 || params.Messages[0].OfSystem == nil {
		t.Fatalf("expected system message followed by user message, got %d messages", len(params.Messages))
	}
	if params.Temperature.Value != 0.7 {
		t.Errorf("temperature = %v, want 0.7", params.Temperature.Value)
	}
	if params.MaxCompletionTokens.Value != 300 {
		t.Errorf("max tokens = %v, want 300", params.MaxCompletionTokens.Value)
	}

	bare, _ := p.buildParams(llm.CompletionRequest{Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}}})
	if bare.Temperature.Valid() || bare.MaxCompletionTokens.Valid() {
		t.Error("zero temperature and max tokens should be omitted")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

// newFakeAPI serves /chat/completions with the given status and body and
// counts requests.
func newFakeAPI(t *testing.T, status int, body string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestComplete_CopiesUsage checks that content and usage come back verbatim.
func TestComplete_CopiesUsage(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newFakeAPI(t, http.StatusOK, `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "  It is noon. "}}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
	}`, &calls)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "what time is it"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "  It is noon. " {
		t.Errorf("content = %q", resp.Content)
	}
	want := llm.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16}
	if resp.Usage != want {
		t.Errorf("usage = %+v, want %+v", resp.Usage, want)
	}
}

// TestComplete_EmptyChoices checks that a response without choices is an
// error.
func TestComplete_EmptyChoices(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newFakeAPI(t, http.StatusOK, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`, &calls)
	p, _ := New("sk-test", "m", WithBaseURL(srv.URL+"/v1/"))

	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, llm.ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

// TestComplete_NoRetry checks that a server error is returned after exactly
// one request.
func TestComplete_NoRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newFakeAPI(t, http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`, &calls)
	p, _ := New("sk-test", "m", WithBaseURL(srv.URL+"/v1/"))

	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *oai.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("err = %v, want *openai.Error with status 500", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server saw %d requests, want 1", n)
	}
}
