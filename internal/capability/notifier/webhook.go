package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier posts a JSON body to a fixed URL. It is the generic
// fallback for a project that has no Slack bot token configured — the HTTP
// construction (context-bound request, bearer auth header, bounded-read
// error body on a non-2xx status) is genericized from the teacher's
// internal/matrix.HTTPSender.SendMessage, which does the same thing
// against one specific endpoint (a Matrix room's send API) rather than an
// operator-supplied URL.
type WebhookNotifier struct {
	client      *http.Client
	url         string
	bearerToken string
}

// NewWebhookNotifier builds a notifier that POSTs to url. bearerToken may
// be empty for unauthenticated webhook receivers.
func NewWebhookNotifier(client *http.Client, url, bearerToken string) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{client: client, url: strings.TrimSpace(url), bearerToken: bearerToken}
}

func (w *WebhookNotifier) Notify(ctx context.Context, projectID, message, threadKey string) error {
	if w.url == "" {
		return fmt.Errorf("notifier: webhook url is not configured")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return fmt.Errorf("notifier: message is required")
	}

	payload, err := json.Marshal(map[string]string{
		"project_id": projectID,
		"message":    message,
		"thread_key": threadKey,
	})
	if err != nil {
		return fmt.Errorf("notifier: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notifier: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.bearerToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notifier: webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notifier: webhook send failed: status %d (%s)", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return nil
}
