package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"
)

const userAgent = "Episodes-Go/0.1.0"

// NewNtfySink publishes to <baseURL>/<topicPrefix>-<user>.
func NewNtfySink(baseURL, topicPrefix string, timeout time.Duration) Sink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfySink{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		prefix:  strings.TrimSpace(topicPrefix),
		client:  &http.Client{Timeout: timeout},
	}
}

type ntfySink struct {
	baseURL string
	prefix  string
	client  *http.Client
}

func (n *ntfySink) Send(ctx context.Context, userID string, data Notification) error {
	if n == nil || n.client == nil {
		return nil
	}
	topic := topicFor(n.prefix, userID)
	if topic == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/"+topic, strings.NewReader(data.Message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.Title != "" {
		req.Header.Set("Title", data.Title)
	}
	if len(data.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.Tags, ","))
	}
	if data.Priority != "" && data.Priority != "default" {
		req.Header.Set("Priority", data.Priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// topicFor maps a user id onto the characters ntfy accepts in topic names.
func topicFor(prefix, userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range strings.ToLower(userID) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if prefix == "" {
		return b.String()
	}
	return prefix + "-" + b.String()
}
