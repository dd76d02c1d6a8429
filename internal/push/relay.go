package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kandev/codexmux/internal/tracing"
)

// relayRetryDelays is the fixed backoff schedule between relay dispatch
// attempts: 250ms, then 1s, then 3s, with no delay after the final attempt.
var relayRetryDelays = []time.Duration{250 * time.Millisecond, time.Second, 3 * time.Second}

// relayPayload is the exact JSON body posted to the operator-configured
// relay endpoint. TurnID is a pointer so the key is always present in the
// serialized body, as null when a dispatch has no turn id, rather than
// dropped by omitempty.
type relayPayload struct {
	Kind        string        `json:"kind"`
	WorkspaceID string        `json:"workspaceId"`
	ThreadID    string        `json:"threadId"`
	TurnID      *string       `json:"turnId"`
	Title       string        `json:"title"`
	Body        string        `json:"body"`
	Preview     string        `json:"preview"`
	TimestampMs int64         `json:"timestampMs"`
	Devices     []relayDevice `json:"devices"`
}

type relayDevice struct {
	DeviceID string `json:"deviceId"`
	Platform string `json:"platform"`
	Token    string `json:"token"`
	Label    string `json:"label,omitempty"`
}

// HTTPRelay delivers prepared push events to a relay endpoint over a
// retryablehttp client configured with this package's exact 250ms/1s/3s
// backoff schedule, rather than retryablehttp's default exponential one.
type HTTPRelay struct {
	client *retryablehttp.Client
}

// NewHTTPRelay returns a Relay backed by retryablehttp, retrying transient
// failures on the fixed delay schedule.
func NewHTTPRelay() *HTTPRelay {
	client := retryablehttp.NewClient()
	client.RetryMax = len(relayRetryDelays)
	client.HTTPClient.Timeout = 10 * time.Second
	client.Backoff = func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		if attemptNum < len(relayRetryDelays) {
			return relayRetryDelays[attemptNum]
		}
		return relayRetryDelays[len(relayRetryDelays)-1]
	}
	client.Logger = nil
	return &HTTPRelay{client: client}
}

func (r *HTTPRelay) Deliver(delivery PreparedDelivery) error {
	ctx, span := tracing.Tracer("codexmux-push").Start(context.Background(), "push.relay.deliver", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("workspace_id", delivery.Event.WorkspaceID),
		attribute.Int("device_count", len(delivery.Devices)),
	)
	defer span.End()

	devices := make([]relayDevice, 0, len(delivery.Devices))
	for _, d := range delivery.Devices {
		devices = append(devices, relayDevice{DeviceID: d.DeviceID, Platform: d.Platform, Token: d.Token, Label: d.Label})
	}
	var turnID *string
	if delivery.Event.TurnID != "" {
		turnID = &delivery.Event.TurnID
	}
	payload := relayPayload{
		Kind:        delivery.Event.Kind,
		WorkspaceID: delivery.Event.WorkspaceID,
		ThreadID:    delivery.Event.ThreadID,
		TurnID:      turnID,
		Title:       delivery.Title,
		Body:        delivery.Body,
		Preview:     delivery.Event.Preview,
		TimestampMs: delivery.TimestampMs,
		Devices:     devices,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("marshal relay payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, delivery.RelayURL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if delivery.RelayAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+delivery.RelayAuthToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("relay delivery exhausted all attempts: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("relay status %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
