package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// MaxWebhookTimeout bounds every outbound webhook call.
const MaxWebhookTimeout = 10 * time.Second

// WebhookBody is the JSON document posted to webhook targets.
type WebhookBody struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// WebhookStatusError reports a non-2xx answer from the target.
type WebhookStatusError struct {
	URL        string
	StatusCode int
}

func (e *WebhookStatusError) Error() string {
	return fmt.Sprintf("webhook %s answered %d", e.URL, e.StatusCode)
}

// WebhookClient posts webhook events with fasthttp.
type WebhookClient struct {
	client  *fasthttp.Client
	timeout time.Duration
}

func NewWebhookClient(timeout time.Duration) *WebhookClient {
	if timeout <= 0 || timeout > MaxWebhookTimeout {
		timeout = MaxWebhookTimeout
	}
	return &WebhookClient{
		client: &fasthttp.Client{
			Name:                "sequencer-webhook",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		timeout: timeout,
	}
}

// Post sends the event and returns the response status. A non-2xx status is
// returned as *WebhookStatusError.
func (w *WebhookClient) Post(ctx context.Context, url, event string, payload map[string]any) (int, error) {
	body, err := json.Marshal(WebhookBody{Event: event, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		return 0, fmt.Errorf("encode webhook body: %w", err)
	}

	timeout := w.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-Sequencer-Event", event)
	req.SetBody(body)

	if err := w.client.DoTimeout(req, resp, timeout); err != nil {
		return 0, fmt.Errorf("post webhook %s: %w", url, err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return status, &WebhookStatusError{URL: url, StatusCode: status}
	}
	return status, nil
}
