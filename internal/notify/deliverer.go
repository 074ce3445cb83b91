package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	EventIDHeader   = "X-Reliance-Event-Id"
	EventTypeHeader = "X-Reliance-Event-Type"
)

var ErrDeliveryRejected = errors.New("destination rejected notification")

// HTTPDeliverer POSTs the canonical payload with its signature header.
type HTTPDeliverer struct {
	client *http.Client
}

func NewHTTPDeliverer(timeout time.Duration) *HTTPDeliverer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDeliverer{client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, ev OutboundEvent) error {
	if ev.Destination == "" {
		return errors.New("notification has no destination")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ev.Destination, bytes.NewReader(ev.Payload))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, ev.Signature)
	req.Header.Set(EventIDHeader, ev.ID)
	if ev.Type != "" {
		req.Header.Set(EventTypeHeader, ev.Type)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrDeliveryRejected, resp.StatusCode)
	}
	return nil
}
