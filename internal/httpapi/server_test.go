package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/internal/fx"
	"github.com/MarkoPoloResearchLab/wallet/internal/reconcile"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/shopspring/decimal"
)

type stubWalletService struct {
	balance       int64
	balanceErr    error
	reservation   wallet.ReservationResult
	refundOutcome wallet.RefundOutcome
	refundErr     error
	entries       []wallet.Entry
}

func (service *stubWalletService) BalanceOf(ctx context.Context, userID wallet.UserID) (wallet.AmountMinorUnits, error) {
	return service.balance, service.balanceErr
}

func (service *stubWalletService) TopUp(ctx context.Context, input wallet.TopUpInput) (wallet.EntryID, error) {
	return 1, nil
}

func (service *stubWalletService) ReserveCharge(ctx context.Context, input wallet.ChargeInput) (wallet.ReservationResult, error) {
	return service.reservation, nil
}

func (service *stubWalletService) RefundByJob(ctx context.Context, jobID wallet.JobID, params wallet.RefundParams) (wallet.RefundOutcome, error) {
	return service.refundOutcome, service.refundErr
}

func (service *stubWalletService) RefundByChargeID(ctx context.Context, chargeEntryID wallet.EntryID, params wallet.RefundParams) (wallet.RefundOutcome, error) {
	return service.refundOutcome, service.refundErr
}

func (service *stubWalletService) ListEntries(ctx context.Context, userID wallet.UserID, beforeUnixUTC int64, limit int) ([]wallet.Entry, error) {
	return service.entries, nil
}

type stubQuoteService struct {
	quote fx.Quote
}

func (service *stubQuoteService) Quote(ctx context.Context, amountMinorUnits int64, target wallet.Currency) (fx.Quote, error) {
	return service.quote, nil
}

type stubReconcileRunner struct {
	report reconcile.Report
}

func (runner *stubReconcileRunner) Run(ctx context.Context) (reconcile.Report, error) {
	return runner.report, nil
}

func newTestServer(test *testing.T, walletSvc WalletService, quotes QuoteService, runner ReconcileRunner) *Server {
	test.Helper()
	server, err := NewServer(Config{}, walletSvc, quotes, runner, nil)
	if err != nil {
		test.Fatalf("new server: %v", err)
	}
	return server
}

func performRequest(test *testing.T, server *Server, method string, path string, body string) *httptest.ResponseRecorder {
	test.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, nil)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestBalanceEndpoint(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, &stubWalletService{balance: 750}, &stubQuoteService{}, &stubReconcileRunner{})

	recorder := performRequest(test, server, http.MethodGet, "/api/v1/wallets/user-1/balance", "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeBody(test, recorder)
	if payload["balance_minor_units"].(float64) != 750 {
		test.Fatalf("expected balance 750, got %v", payload)
	}
	if recorder.Header().Get("X-Request-ID") == "" {
		test.Fatalf("expected request id header")
	}
}

func TestChargeDeclinedReturnsPaymentRequired(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, &stubWalletService{
		reservation: wallet.ReservationResult{Reserved: false, BalanceBefore: 100},
	}, &stubQuoteService{}, &stubReconcileRunner{})

	body := `{"amount_minor_units":500,"currency":"USD"}`
	recorder := performRequest(test, server, http.MethodPost, "/api/v1/wallets/user-1/charges", body)
	if recorder.Code != http.StatusPaymentRequired {
		test.Fatalf("expected 402, got %d", recorder.Code)
	}
	payload := decodeBody(test, recorder)
	if payload["reserved"].(bool) {
		test.Fatalf("expected reserved false, got %v", payload)
	}
}

func TestChargeReservedReturnsCreated(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, &stubWalletService{
		reservation: wallet.ReservationResult{Reserved: true, EntryID: 7, BalanceBefore: 1000, BalanceAfter: 500},
	}, &stubQuoteService{}, &stubReconcileRunner{})

	body := `{"amount_minor_units":500,"currency":"USD","job_id":"job-1"}`
	recorder := performRequest(test, server, http.MethodPost, "/api/v1/wallets/user-1/charges", body)
	if recorder.Code != http.StatusCreated {
		test.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["entry_id"].(float64) != 7 {
		test.Fatalf("expected entry id 7, got %v", payload)
	}
}

func TestChargeRejectsMalformedBody(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, &stubWalletService{}, &stubQuoteService{}, &stubReconcileRunner{})

	recorder := performRequest(test, server, http.MethodPost, "/api/v1/wallets/user-1/charges", `{"currency":"USD"}`)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for missing amount, got %d", recorder.Code)
	}
}

func TestRefundByJobEndpoint(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, &stubWalletService{
		refundOutcome: wallet.RefundOutcome{
			RefundEntryID:    11,
			ChargeEntryID:    7,
			AmountMinorUnits: 400,
			Currency:         "USD",
			AlreadyRefunded:  true,
		},
	}, &stubQuoteService{}, &stubReconcileRunner{})

	body := `{"job_id":"job-1","actor":"support"}`
	recorder := performRequest(test, server, http.MethodPost, "/api/v1/refunds/by-job", body)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if !payload["already_refunded"].(bool) {
		test.Fatalf("expected already_refunded true, got %v", payload)
	}
}

func TestRefundUnknownChargeReturnsNotFound(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, &stubWalletService{
		refundErr: wallet.ErrUnknownCharge,
	}, &stubQuoteService{}, &stubReconcileRunner{})

	body := `{"charge_entry_id":99,"actor":"support"}`
	recorder := performRequest(test, server, http.MethodPost, "/api/v1/refunds/by-charge", body)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestQuoteEndpoint(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, &stubWalletService{}, &stubQuoteService{
		quote: fx.Quote{
			Currency:         "EUR",
			AmountMinorUnits: 455,
			Rate:             decimal.NewFromFloat(0.90),
			RateWithMargin:   decimal.NewFromFloat(0.909),
			Source:           fx.SourceProvider,
			MarginBps:        100,
			RateTimestamp:    time.Unix(1_700_000_000, 0).UTC(),
		},
	}, &stubReconcileRunner{})

	recorder := performRequest(test, server, http.MethodGet, "/api/v1/fx/quote?amount_minor_units=500&currency=EUR", "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["amount_minor_units"].(float64) != 455 {
		test.Fatalf("expected 455, got %v", payload)
	}
	if payload["source"] != fx.SourceProvider {
		test.Fatalf("expected provider source, got %v", payload)
	}
}

func TestReconcileEndpoint(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, &stubWalletService{}, &stubQuoteService{}, &stubReconcileRunner{
		report: reconcile.Report{Inspected: 3, Refunded: 2, SkippedJobFound: 1},
	})

	recorder := performRequest(test, server, http.MethodPost, "/api/v1/admin/reconcile", "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeBody(test, recorder)
	if payload["inspected"].(float64) != 3 || payload["refunded"].(float64) != 2 {
		test.Fatalf("unexpected report: %v", payload)
	}
}

func TestHealthEndpoint(test *testing.T) {
	test.Parallel()
	server := newTestServer(test, &stubWalletService{}, &stubQuoteService{}, &stubReconcileRunner{})

	recorder := performRequest(test, server, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}
