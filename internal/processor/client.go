package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

// Client reverses captured payments at the upstream processor. It implements
// wallet.PaymentReverser. The idempotency key is forwarded so the processor
// deduplicates retried reversals on its side.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds a processor client with a bounded timeout.
func NewClient(baseURL string, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type reversalPayload struct {
	PaymentRef string `json:"payment_ref"`
}

type reversalResponse struct {
	RefundRef string `json:"refund_ref"`
}

// Reverse asks the processor to refund a previously captured payment.
func (client *Client) Reverse(ctx context.Context, paymentRef string, idempotencyKey string) (string, error) {
	body, err := json.Marshal(reversalPayload{PaymentRef: paymentRef})
	if err != nil {
		return "", fmt.Errorf("Reverse: marshal: %w", err)
	}

	endpoint := client.baseURL + "/refunds"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("Reverse: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Idempotency-Key", idempotencyKey)
	if client.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+client.apiKey)
	}

	start := time.Now()
	response, err := client.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("Reverse: send: %w", err)
	}
	defer response.Body.Close()

	client.logger.Info("processor reversal response",
		zap.String("payment_ref", paymentRef),
		zap.String("idempotency_key", idempotencyKey),
		zap.Int("status", response.StatusCode),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return "", fmt.Errorf("Reverse: unexpected status %d: %s", response.StatusCode, string(respBody))
	}

	var payload reversalResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("Reverse: decode: %w", err)
	}
	if payload.RefundRef == "" {
		return "", fmt.Errorf("Reverse: processor returned empty refund ref")
	}
	return payload.RefundRef, nil
}
