package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// webhookQueueSize is the bounded channel capacity for outbound records.
const webhookQueueSize = 1024

// Webhook forwards durable audit records to an external HTTP endpoint.
// Records are enqueued without blocking into a bounded channel and sent by
// a background goroutine. If the channel is full, records are dropped; the
// chain in storage remains authoritative.
type Webhook struct {
	url        string
	authHeader string // "Header: Value" format, e.g., "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	events     chan Record
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewWebhook creates a dispatcher and starts its background loop.
func NewWebhook(url, authHeader string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Webhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "audit_webhook"),
		retryDelay: time.Second,
		events:     make(chan Record, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Enqueue adds a record to the dispatch queue. It never blocks.
func (w *Webhook) Enqueue(rec Record) {
	select {
	case w.events <- rec:
	default:
		w.logger.Warn("queue full, dropping record", "event", rec.Name, "seq", rec.Seq)
	}
}

// Close shuts the dispatcher down, draining queued records.
func (w *Webhook) Close() {
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for rec := range w.events {
		w.send(rec)
	}
}

// send POSTs the record with one retry on 5xx or transport error.
func (w *Webhook) send(rec Record) {
	body, err := json.Marshal(rec)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			cancel()
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Shelfguard-Audit-Webhook/1.0")

		if w.authHeader != "" {
			parts := strings.SplitN(w.authHeader, ":", 2)
			if len(parts) == 2 {
				req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			cancel()
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()
		cancel()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode >= 500 {
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		// 4xx: log and do not retry.
		w.logger.Warn("client error", "status", resp.StatusCode)
		return
	}
}
