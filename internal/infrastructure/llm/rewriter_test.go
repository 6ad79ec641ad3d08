package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ChannelRelay/internal/config"
)

func rewriteConfig(endpoint string) config.RewriteConfig {
	return config.RewriteConfig{
		Endpoint:       endpoint,
		Models:         []string{"model-a", "model-b"},
		APIKeys:        []string{"key-1", "key-2"},
		SystemPrompt:   "rewrite it",
		MaxRetries:     4,
		TimeoutSeconds: 5,
	}
}

func completionBody(content string) string {
	quoted, _ := json.Marshal(content)
	return `{"choices":[{"message":{"content":` + string(quoted) + `}}]}`
}

func TestRewriteSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("unexpected authorization: %s", got)
		}
		_, _ = w.Write([]byte(completionBody("polished text")))
	}))
	defer server.Close()

	r := NewRewriter(rewriteConfig(server.URL), nil)
	out, err := r.Rewrite(context.Background(), "raw text")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if out != "polished text" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestRewriteEmptyInputSkipsCall(t *testing.T) {
	t.Parallel()

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(completionBody("never")))
	}))
	defer server.Close()

	r := NewRewriter(rewriteConfig(server.URL), nil)
	out, err := r.Rewrite(context.Background(), "   \n ")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty output, got %q", out)
	}
	if calls != 0 {
		t.Fatalf("blank input must not reach the api, got %d calls", calls)
	}
}

func TestRewriteRotatesKeyOnRateLimit(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var auths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		first := len(auths) == 1
		mu.Unlock()

		if first {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limit exceeded"))
			return
		}
		_, _ = w.Write([]byte(completionBody("done")))
	}))
	defer server.Close()

	r := NewRewriter(rewriteConfig(server.URL), nil)
	out, err := r.Rewrite(context.Background(), "text")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if out != "done" {
		t.Fatalf("unexpected output: %q", out)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(auths) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(auths))
	}
	if auths[0] != "Bearer key-1" || auths[1] != "Bearer key-2" {
		t.Fatalf("rate limit must rotate the key, got %v", auths)
	}
}

func TestRewriteRotatesModelOnUnavailable(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var models []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)

		mu.Lock()
		models = append(models, payload.Model)
		first := len(models) == 1
		mu.Unlock()

		if first {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("no endpoints found"))
			return
		}
		_, _ = w.Write([]byte(completionBody("done")))
	}))
	defer server.Close()

	r := NewRewriter(rewriteConfig(server.URL), nil)
	if _, err := r.Rewrite(context.Background(), "text"); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(models) != 2 || models[0] != "model-a" || models[1] != "model-b" {
		t.Fatalf("unavailable model must rotate, got %v", models)
	}
}

func TestRewriteExhaustionReturnsMarkedOriginal(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	cfg := rewriteConfig(server.URL)
	cfg.MaxRetries = 2

	r := NewRewriter(cfg, nil)
	out, err := r.Rewrite(context.Background(), "original text")
	if err != nil {
		t.Fatalf("exhaustion must degrade, not fail: %v", err)
	}
	if !strings.HasPrefix(out, FailureMarker) {
		t.Fatalf("output must carry the failure marker, got %q", out)
	}
	if !strings.HasSuffix(out, "original text") {
		t.Fatalf("original text must survive, got %q", out)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   failureClass
	}{
		{"too many requests", http.StatusTooManyRequests, "", failureRateLimited},
		{"payment required", http.StatusPaymentRequired, "", failureRateLimited},
		{"quota text", http.StatusBadRequest, "daily limit reached", failureRateLimited},
		{"insufficient credits", http.StatusForbidden, "insufficient credits", failureRateLimited},
		{"model missing", http.StatusNotFound, "", failureModelUnavailable},
		{"model text", http.StatusBadRequest, "model is overloaded", failureModelUnavailable},
		{"plain error", http.StatusInternalServerError, "oops", failureGeneric},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := classify(&apiError{status: tc.status, body: tc.body})
			if got != tc.want {
				t.Fatalf("classify(%d, %q) = %v, want %v", tc.status, tc.body, got, tc.want)
			}
		})
	}
}
