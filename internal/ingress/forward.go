package ingress

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	gwerrors "github.com/jokim1/clawtalk-gateway/internal/errors"
	"github.com/jokim1/clawtalk-gateway/internal/retry"
)

// Slack headers preserved on the forwarded request.
const (
	headerSlackSignature = "x-slack-signature"
	headerSlackTimestamp = "x-slack-request-timestamp"
)

// Forwarder relays raw Slack payloads to the host webhook.
type Forwarder struct {
	client *http.Client
	logger zerolog.Logger
	// resolve returns the destination URL for an account.
	resolve func(accountID string) string
	onRetry func()
}

// ForwarderOptions wires a Forwarder.
type ForwarderOptions struct {
	Client  *http.Client
	Resolve func(accountID string) string
	OnRetry func()
}

// NewForwarder creates a host forwarder.
func NewForwarder(opts ForwarderOptions, logger zerolog.Logger) *Forwarder {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Forwarder{
		client:  client,
		logger:  logger.With().Str("component", "ingress.forwarder").Logger(),
		resolve: opts.Resolve,
		onRetry: opts.OnRetry,
	}
}

// Forward posts body to the host, preserving content type and the Slack
// signature headers. Transport failures and 5xx responses are retried twice
// with linear backoff before giving up.
func (f *Forwarder) Forward(ctx context.Context, accountID, contentType, signature, timestamp string, body []byte) error {
	url := f.resolve(accountID)
	attempt := 0
	err := retry.Do(ctx, retry.ForwardConfig(), func(ctx context.Context) error {
		if attempt++; attempt > 1 {
			if f.onRetry != nil {
				f.onRetry()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build forward request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if signature != "" {
			req.Header.Set(headerSlackSignature, signature)
		}
		if timestamp != "" {
			req.Header.Set(headerSlackTimestamp, timestamp)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", gwerrors.ErrUnavailable, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 {
			return gwerrors.NewAPIError("openclaw", resp.StatusCode, "host webhook error")
		}
		return nil
	})
	if err != nil {
		f.logger.Warn().Err(err).Str("url", url).Msg("host forward failed after retries")
	}
	return err
}
