package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DiscordWebhookExecutor posts a message shaped for Discord incoming
// webhooks. Each endpoint gets its own limiter; a 429 response feeds its
// Retry-After back into the limiter before failing Transient so the queue's
// backoff re-delivers after the window.
//
// Template fields: webhook_url, content, embeds, username.
type DiscordWebhookExecutor struct {
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDiscordWebhookExecutor creates the executor.
func NewDiscordWebhookExecutor() *DiscordWebhookExecutor {
	return &DiscordWebhookExecutor{
		client:   newHTTPClient(30 * time.Second),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (e *DiscordWebhookExecutor) ID() string { return "discord_incoming_webhook" }

func (e *DiscordWebhookExecutor) limiter(url string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.limiters[url]
	if !ok {
		// Discord allows roughly 30 requests/min per webhook.
		l = rate.NewLimiter(rate.Every(2*time.Second), 5)
		e.limiters[url] = l
	}
	return l
}

func (e *DiscordWebhookExecutor) Execute(ctx context.Context, template map[string]any) (json.RawMessage, error) {
	url := stringField(template, "webhook_url")
	if url == "" {
		return nil, Permanentf("discord executor: webhook_url is required")
	}

	message := map[string]any{}
	if content := stringField(template, "content"); content != "" {
		message["content"] = content
	}
	if embeds, ok := template["embeds"]; ok && embeds != nil {
		message["embeds"] = embeds
	}
	if username := stringField(template, "username"); username != "" {
		message["username"] = username
	}
	if len(message) == 0 {
		return nil, Permanentf("discord executor: content or embeds required")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return nil, Permanentf("discord executor: encode message: %v", err)
	}

	if err := e.limiter(url).Wait(ctx); err != nil {
		return nil, Transientf("discord executor: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, Permanentf("discord executor: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, Transientf("discord executor: %v", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		e.applyRetryAfter(url, resp.Header.Get("Retry-After"))
		return nil, Transientf("discord executor: rate limited")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cause := Transientf("discord executor: status %d", resp.StatusCode)
		if classifyStatus(resp.StatusCode) == Permanent {
			cause = Permanentf("discord executor: status %d", resp.StatusCode)
		}
		return nil, cause
	}

	return json.Marshal(map[string]any{
		"status": resp.StatusCode,
		"body":   string(respBody),
	})
}

// applyRetryAfter drains the endpoint's limiter for the advertised window.
func (e *DiscordWebhookExecutor) applyRetryAfter(url, retryAfter string) {
	seconds, err := strconv.ParseFloat(retryAfter, 64)
	if err != nil || seconds <= 0 {
		return
	}
	l := e.limiter(url)
	now := time.Now()
	window := time.Duration(seconds * float64(time.Second))
	for l.ReserveN(now, 1).DelayFrom(now) < window {
		// Reserve tokens until the next free one lies past the window, so the
		// next send waits it out.
	}
}
