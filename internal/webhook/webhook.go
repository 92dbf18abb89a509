// Package webhook posts terminal job states to an operator-configured URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/reelpair/reelpair/internal/job"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Payload is the JSON body of a notification.
type Payload struct {
	Event string     `json:"event"`
	Job   job.Public `json:"job"`
}

// Notifier delivers payloads with retries. The zero value is not usable; a
// nil *Notifier silently drops everything.
type Notifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
	base   time.Duration
	wg     sync.WaitGroup
}

// New validates rawURL and returns a Notifier for it.
func New(rawURL string, logger *slog.Logger) (*Notifier, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:    rawURL,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		base:   retryBase,
	}, nil
}

// validateURL accepts absolute http(s) URLs only.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("URL has no host")
	}
	return nil
}

// JobFinished sends the terminal state of a job in the background. Retries
// use full-jitter exponential backoff and stop when ctx is done.
func (n *Notifier) JobFinished(ctx context.Context, pub job.Public) {
	if n == nil {
		return
	}
	body, err := json.Marshal(Payload{Event: "job." + string(pub.Status), Job: pub})
	if err != nil {
		n.logger.Warn("webhook: encode payload", "job_id", pub.ID, "error", err)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(ctx, pub.ID, body)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func (n *Notifier) send(ctx context.Context, jobID string, payload []byte) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := n.post(ctx, payload)
		if err == nil {
			return
		}
		n.logger.Warn("webhook attempt failed", "attempt", attempt, "job_id", jobID, "error", err)
		if attempt < retryAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(n.base, attempt)):
			}
		}
	}
	n.logger.Error("webhook: all retries exhausted", "job_id", jobID)
}

// jitter returns a random duration between 0 and min(retryCap, base * 2^attempt).
func jitter(base time.Duration, attempt int) time.Duration {
	exp := min(base*(1<<attempt), retryCap)
	if exp <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "reelpair-webhook")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
