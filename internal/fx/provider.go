package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPProvider fetches rates from an exchange-rate HTTP API exposing
// GET /latest?base=XXX&symbols=AAA,BBB.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider builds a rate provider client with a bounded timeout.
func NewHTTPProvider(baseURL string, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type ratesPayload struct {
	Base      string                 `json:"base"`
	Timestamp int64                  `json:"timestamp"`
	Rates     map[string]json.Number `json:"rates"`
}

// FetchRates retrieves base-to-target rates. Rates are decoded as decimal
// strings, never floats, to avoid binary rounding drift.
func (provider *HTTPProvider) FetchRates(ctx context.Context, baseCurrency string, targets []string) (RateSheet, error) {
	query := url.Values{}
	query.Set("base", baseCurrency)
	query.Set("symbols", strings.Join(targets, ","))
	if provider.apiKey != "" {
		query.Set("app_id", provider.apiKey)
	}
	endpoint := provider.baseURL + "/latest?" + query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return RateSheet{}, fmt.Errorf("FetchRates: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := provider.httpClient.Do(request)
	if err != nil {
		return RateSheet{}, fmt.Errorf("FetchRates: send: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return RateSheet{}, fmt.Errorf("FetchRates: unexpected status %d: %s", response.StatusCode, string(body))
	}

	var payload ratesPayload
	decoder := json.NewDecoder(response.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return RateSheet{}, fmt.Errorf("FetchRates: decode: %w", err)
	}

	rates := make(map[string]decimal.Decimal, len(payload.Rates))
	for code, raw := range payload.Rates {
		rate, err := decimal.NewFromString(raw.String())
		if err != nil {
			return RateSheet{}, fmt.Errorf("FetchRates: rate %s: %w", code, err)
		}
		rates[strings.ToUpper(code)] = rate
	}
	asOf := time.Time{}
	if payload.Timestamp > 0 {
		asOf = time.Unix(payload.Timestamp, 0).UTC()
	}
	return RateSheet{Rates: rates, AsOf: asOf}, nil
}
