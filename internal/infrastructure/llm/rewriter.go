package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"ChannelRelay/internal/config"
	"ChannelRelay/internal/ports"
)

// FailureMarker prefixes the original text when every rewrite attempt failed.
// Marked output is never fed back into Rewrite; the pipeline rewrites each
// unit at most once.
const FailureMarker = "[rewrite failed]"

type failureClass int

const (
	failureGeneric failureClass = iota
	failureRateLimited
	failureModelUnavailable
)

// Rewriter calls an OpenRouter-compatible chat-completions endpoint with
// bounded exponential backoff. Rate-limit and quota failures rotate the API
// key cursor; model-unavailable failures rotate the model cursor. After
// exhausting retries it returns the marked original text instead of an error.
type Rewriter struct {
	endpoint     string
	keys         []string
	models       []string
	systemPrompt string
	maxRetries   int
	baseDelay    time.Duration

	httpClient *http.Client
	log        *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	keyIdx   int
	modelIdx int
}

var _ ports.Rewriter = (*Rewriter)(nil)

// NewRewriter builds a gateway from configuration.
func NewRewriter(cfg config.RewriteConfig, log *slog.Logger) *Rewriter {
	if log == nil {
		log = slog.Default()
	}
	return &Rewriter{
		endpoint:     cfg.Endpoint,
		keys:         cfg.APIKeys,
		models:       cfg.Models,
		systemPrompt: cfg.SystemPrompt,
		maxRetries:   cfg.MaxRetries,
		baseDelay:    cfg.BaseDelay(),
		httpClient:   &http.Client{Timeout: cfg.Timeout()},
		log:          log,
		sleep:        sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Rewrite transforms text, never dropping content: empty input short-circuits
// and exhausted retries degrade to the marked original.
func (r *Rewriter) Rewrite(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	attempts := r.maxRetries
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		key, model := r.cursor()

		out, err := r.call(ctx, key, model, text)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		switch classify(err) {
		case failureRateLimited:
			r.log.Warn("rewrite key exhausted, rotating", "error", err)
			r.rotateKey()
		case failureModelUnavailable:
			r.log.Warn("rewrite model unavailable, rotating", "model", model, "error", err)
			r.rotateModel()
		default:
			r.log.Error("rewrite attempt failed",
				"attempt", attempt+1, "attempts", attempts, "error", err)
		}

		if attempt < attempts-1 {
			if err := r.sleep(ctx, r.baseDelay<<attempt); err != nil {
				return "", err
			}
		}
	}

	r.log.Error("all rewrite attempts exhausted, returning marked original")
	return FailureMarker + "\n\n" + text, nil
}

func (r *Rewriter) cursor() (key, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) > 0 {
		key = r.keys[r.keyIdx]
	}
	if len(r.models) > 0 {
		model = r.models[r.modelIdx]
	}
	return key, model
}

func (r *Rewriter) rotateKey() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) > 1 {
		r.keyIdx = (r.keyIdx + 1) % len(r.keys)
	}
}

func (r *Rewriter) rotateModel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.models) > 1 {
		r.modelIdx = (r.modelIdx + 1) % len(r.models)
	}
}

func (r *Rewriter) call(ctx context.Context, key, model, text string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": r.systemPrompt},
			{"role": "user", "content": text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(payload))}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("response carries no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("rewrite api status %d: %s", e.status, e.body)
}

func classify(err error) failureClass {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return failureGeneric
	}

	switch apiErr.status {
	case http.StatusTooManyRequests, http.StatusPaymentRequired:
		return failureRateLimited
	case http.StatusNotFound, http.StatusServiceUnavailable:
		return failureModelUnavailable
	}

	body := strings.ToLower(apiErr.body)
	if strings.Contains(body, "limit") || strings.Contains(body, "insufficient") {
		return failureRateLimited
	}
	if strings.Contains(body, "model") {
		return failureModelUnavailable
	}
	return failureGeneric
}
