package notify

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

const defaultWebhookTimeout = 5 * time.Second

// WebhookNotifier posts notices to an operator-configured HTTP endpoint.
type WebhookNotifier struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhookNotifier(url, secret string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookNotifier{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: timeout},
	}
}

type webhookNotice struct {
	Workers []string `json:"workers"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

func (n *WebhookNotifier) NotifyWorkers(ctx context.Context, workerIDs []string, subject, body string) error {
	data, err := json.Marshal(webhookNotice{Workers: workerIDs, Subject: subject, Body: body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(n.Secret) != "" {
		req.Header.Set("X-Crowdwork-Secret", n.Secret)
	}
	res, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}
