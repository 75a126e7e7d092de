package fx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestHTTPProviderFetchRates(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/latest" {
			test.Errorf("unexpected path %q", request.URL.Path)
		}
		if request.URL.Query().Get("base") != "USD" {
			test.Errorf("unexpected base %q", request.URL.Query().Get("base"))
		}
		if request.URL.Query().Get("symbols") != "EUR,JPY" {
			test.Errorf("unexpected symbols %q", request.URL.Query().Get("symbols"))
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"base":"USD","timestamp":1700000000,"rates":{"eur":0.92,"JPY":150}}`))
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, "", 0)
	sheet, err := provider.FetchRates(context.Background(), "USD", []string{"EUR", "JPY"})
	if err != nil {
		test.Fatalf("fetch rates: %v", err)
	}
	if !sheet.Rates["EUR"].Equal(decimal.NewFromFloat(0.92)) {
		test.Fatalf("expected EUR 0.92, got %s", sheet.Rates["EUR"])
	}
	if !sheet.Rates["JPY"].Equal(decimal.NewFromInt(150)) {
		test.Fatalf("expected JPY 150, got %s", sheet.Rates["JPY"])
	}
	if sheet.AsOf.Unix() != 1_700_000_000 {
		test.Fatalf("expected publication time from payload, got %v", sheet.AsOf)
	}
}

func TestHTTPProviderRejectsErrorStatus(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "rate limit", http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, "", 0)
	if _, err := provider.FetchRates(context.Background(), "USD", []string{"EUR"}); err == nil {
		test.Fatalf("expected error for non-200 response")
	}
}
