package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/internal/fx"
	"github.com/MarkoPoloResearchLab/wallet/internal/reconcile"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WalletService is the slice of the domain service the API consumes.
type WalletService interface {
	BalanceOf(ctx context.Context, userID wallet.UserID) (wallet.AmountMinorUnits, error)
	TopUp(ctx context.Context, input wallet.TopUpInput) (wallet.EntryID, error)
	ReserveCharge(ctx context.Context, input wallet.ChargeInput) (wallet.ReservationResult, error)
	RefundByJob(ctx context.Context, jobID wallet.JobID, params wallet.RefundParams) (wallet.RefundOutcome, error)
	RefundByChargeID(ctx context.Context, chargeEntryID wallet.EntryID, params wallet.RefundParams) (wallet.RefundOutcome, error)
	ListEntries(ctx context.Context, userID wallet.UserID, beforeUnixUTC int64, limit int) ([]wallet.Entry, error)
}

// QuoteService converts base-currency amounts.
type QuoteService interface {
	Quote(ctx context.Context, amountMinorUnits int64, target wallet.Currency) (fx.Quote, error)
}

// ReconcileRunner triggers one reconciliation pass.
type ReconcileRunner interface {
	Run(ctx context.Context) (reconcile.Report, error)
}

// Server is the HTTP surface consumed by the request layer and operator
// tooling. Authentication happens upstream.
type Server struct {
	cfg        Config
	walletSvc  WalletService
	quotes     QuoteService
	reconciler ReconcileRunner
	logger     *zap.Logger
}

// NewServer wires the HTTP surface.
func NewServer(cfg Config, walletSvc WalletService, quotes QuoteService, reconciler ReconcileRunner, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		walletSvc:  walletSvc,
		quotes:     quotes,
		reconciler: reconciler,
		logger:     logger,
	}, nil
}

// Run serves until ctx is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("wallet api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router builds the gin engine.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.GET("/wallets/:user_id/balance", server.handleBalance)
	api.GET("/wallets/:user_id/entries", server.handleListEntries)
	api.POST("/wallets/:user_id/topups", server.handleTopUp)
	api.POST("/wallets/:user_id/charges", server.handleReserveCharge)
	api.POST("/refunds/by-job", server.handleRefundByJob)
	api.POST("/refunds/by-charge", server.handleRefundByCharge)
	api.GET("/fx/quote", server.handleQuote)
	api.POST("/admin/reconcile", server.handleReconcile)

	return router
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, err := wallet.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	balance, err := server.walletSvc.BalanceOf(ctx.Request.Context(), userID)
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":             userID.String(),
		"balance_minor_units": balance,
	})
}

func (server *Server) handleListEntries(ctx *gin.Context) {
	userID, err := wallet.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	var query struct {
		Before int64 `form:"before"`
		Limit  int   `form:"limit"`
	}
	if err := ctx.ShouldBindQuery(&query); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", err.Error()))
		return
	}
	if query.Limit <= 0 {
		query.Limit = defaultEntriesLimit
	}
	if query.Limit > maxEntriesLimit {
		query.Limit = maxEntriesLimit
	}
	entries, err := server.walletSvc.ListEntries(ctx.Request.Context(), userID, query.Before, query.Limit)
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": toEntryViews(entries)})
}

type topUpRequest struct {
	AmountMinorUnits   int64  `json:"amount_minor_units" binding:"required"`
	Currency           string `json:"currency" binding:"required"`
	Description        string `json:"description"`
	UpstreamPaymentRef string `json:"upstream_payment_ref"`
	Metadata           string `json:"metadata"`
}

func (server *Server) handleTopUp(ctx *gin.Context) {
	userID, err := wallet.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	var request topUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_body", err.Error()))
		return
	}
	currency, err := wallet.NewCurrency(request.Currency)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_currency", err.Error()))
		return
	}
	metadata, err := wallet.NewMetadataJSON(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", err.Error()))
		return
	}
	entryID, err := server.walletSvc.TopUp(ctx.Request.Context(), wallet.TopUpInput{
		UserID:             userID,
		AmountMinorUnits:   request.AmountMinorUnits,
		Currency:           currency,
		Description:        request.Description,
		UpstreamPaymentRef: request.UpstreamPaymentRef,
		Metadata:           metadata,
	})
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"entry_id": entryID})
}

type chargeRequest struct {
	AmountMinorUnits         int64  `json:"amount_minor_units" binding:"required"`
	Currency                 string `json:"currency" binding:"required"`
	Description              string `json:"description"`
	JobID                    string `json:"job_id"`
	PricingSnapshot          string `json:"pricing_snapshot"`
	ApplicationFeeMinorUnits int64  `json:"application_fee_minor_units"`
	VendorAccountID          string `json:"vendor_account_id"`
	UpstreamPaymentRef       string `json:"upstream_payment_ref"`
	Metadata                 string `json:"metadata"`
}

func (server *Server) handleReserveCharge(ctx *gin.Context) {
	userID, err := wallet.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	var request chargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_body", err.Error()))
		return
	}
	currency, err := wallet.NewCurrency(request.Currency)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_currency", err.Error()))
		return
	}
	snapshot, err := wallet.NewPricingSnapshotJSON(request.PricingSnapshot)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_pricing_snapshot", err.Error()))
		return
	}
	metadata, err := wallet.NewMetadataJSON(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", err.Error()))
		return
	}
	input := wallet.ChargeInput{
		UserID:                   userID,
		AmountMinorUnits:         request.AmountMinorUnits,
		Currency:                 currency,
		Description:              request.Description,
		PricingSnapshot:          snapshot,
		ApplicationFeeMinorUnits: request.ApplicationFeeMinorUnits,
		VendorAccountID:          request.VendorAccountID,
		UpstreamPaymentRef:       request.UpstreamPaymentRef,
		Metadata:                 metadata,
	}
	if request.JobID != "" {
		jobID, err := wallet.NewJobID(request.JobID)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_job_id", err.Error()))
			return
		}
		input.JobID = &jobID
	}
	result, err := server.walletSvc.ReserveCharge(ctx.Request.Context(), input)
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	if !result.Reserved {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"reserved":              false,
			"balance_minor_units":   result.BalanceBefore,
			"requested_minor_units": request.AmountMinorUnits,
		})
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"reserved":       true,
		"entry_id":       result.EntryID,
		"balance_before": result.BalanceBefore,
		"balance_after":  result.BalanceAfter,
	})
}

type refundByJobRequest struct {
	JobID string `json:"job_id" binding:"required"`
	Actor string `json:"actor" binding:"required"`
	Note  string `json:"note"`
}

func (server *Server) handleRefundByJob(ctx *gin.Context) {
	var request refundByJobRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_body", err.Error()))
		return
	}
	jobID, err := wallet.NewJobID(request.JobID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_job_id", err.Error()))
		return
	}
	outcome, err := server.walletSvc.RefundByJob(ctx.Request.Context(), jobID, wallet.RefundParams{
		Actor: request.Actor,
		Note:  request.Note,
	})
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, toRefundView(outcome))
}

type refundByChargeRequest struct {
	ChargeEntryID int64  `json:"charge_entry_id" binding:"required"`
	Actor         string `json:"actor" binding:"required"`
	Note          string `json:"note"`
}

func (server *Server) handleRefundByCharge(ctx *gin.Context) {
	var request refundByChargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_body", err.Error()))
		return
	}
	outcome, err := server.walletSvc.RefundByChargeID(ctx.Request.Context(), wallet.EntryID(request.ChargeEntryID), wallet.RefundParams{
		Actor: request.Actor,
		Note:  request.Note,
	})
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, toRefundView(outcome))
}

func (server *Server) handleQuote(ctx *gin.Context) {
	var query struct {
		AmountMinorUnits int64  `form:"amount_minor_units" binding:"required"`
		Currency         string `form:"currency" binding:"required"`
	}
	if err := ctx.ShouldBindQuery(&query); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", err.Error()))
		return
	}
	currency, err := wallet.NewCurrency(query.Currency)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_currency", err.Error()))
		return
	}
	quote, err := server.quotes.Quote(ctx.Request.Context(), query.AmountMinorUnits, currency)
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"currency":           quote.Currency,
		"amount_minor_units": quote.AmountMinorUnits,
		"rate":               quote.Rate.String(),
		"rate_with_margin":   quote.RateWithMargin.String(),
		"source":             quote.Source,
		"margin_bps":         quote.MarginBps,
		"rate_timestamp":     quote.RateTimestamp.Unix(),
	})
}

func (server *Server) handleReconcile(ctx *gin.Context) {
	report, err := server.reconciler.Run(ctx.Request.Context())
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	failures := make([]gin.H, 0, len(report.Failures))
	for _, failure := range report.Failures {
		failures = append(failures, gin.H{
			"charge_entry_id": failure.ChargeEntryID,
			"job_id":          failure.JobID,
			"error":           failure.Err.Error(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"inspected":         report.Inspected,
		"skipped_job_found": report.SkippedJobFound,
		"refunded":          report.Refunded,
		"already_refunded":  report.AlreadyRefunded,
		"upstream_reversed": report.UpstreamReversed,
		"upstream_degraded": report.UpstreamDegraded,
		"failures":          failures,
	})
}

func (server *Server) renderError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, wallet.ErrUnknownCharge), errors.Is(err, wallet.ErrUnknownJob):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, wallet.ErrNotRefundable),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidCurrency),
		errors.Is(err, wallet.ErrInvalidUserID),
		errors.Is(err, wallet.ErrInvalidJobID),
		errors.Is(err, wallet.ErrInvalidMetadataJSON),
		errors.Is(err, wallet.ErrInvalidPricingSnapshot):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware tags every request with an id so wallet mutations can
// be correlated across logs and ledger events.
func requestIDMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestID := ctx.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.Header(requestIDHeader, requestID)
		ctx.Next()
	}
}

type entryView struct {
	EntryID                  int64   `json:"entry_id"`
	Type                     string  `json:"type"`
	AmountMinorUnits         int64   `json:"amount_minor_units"`
	Currency                 string  `json:"currency"`
	Description              string  `json:"description"`
	JobID                    *string `json:"job_id,omitempty"`
	UpstreamPaymentRef       *string `json:"upstream_payment_ref,omitempty"`
	UpstreamRefundRef        *string `json:"upstream_refund_ref,omitempty"`
	RefundOfEntryID          *int64  `json:"refund_of_entry_id,omitempty"`
	ApplicationFeeMinorUnits int64   `json:"application_fee_minor_units,omitempty"`
	CreatedUnixUTC           int64   `json:"created_at"`
}

func toEntryViews(entries []wallet.Entry) []entryView {
	views := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		var refundOf *int64
		if entry.RefundOfEntryID != nil {
			value := int64(*entry.RefundOfEntryID)
			refundOf = &value
		}
		views = append(views, entryView{
			EntryID:                  int64(entry.EntryID),
			Type:                     entry.Type.String(),
			AmountMinorUnits:         entry.AmountMinorUnits,
			Currency:                 entry.Currency,
			Description:              entry.Description,
			JobID:                    entry.JobID,
			UpstreamPaymentRef:       entry.UpstreamPaymentRef,
			UpstreamRefundRef:        entry.UpstreamRefundRef,
			RefundOfEntryID:          refundOf,
			ApplicationFeeMinorUnits: entry.ApplicationFeeMinorUnits,
			CreatedUnixUTC:           entry.CreatedUnixUTC,
		})
	}
	return views
}

func toRefundView(outcome wallet.RefundOutcome) gin.H {
	view := gin.H{
		"refund_entry_id":    outcome.RefundEntryID,
		"charge_entry_id":    outcome.ChargeEntryID,
		"amount_minor_units": outcome.AmountMinorUnits,
		"currency":           outcome.Currency,
		"already_refunded":   outcome.AlreadyRefunded,
	}
	if outcome.UpstreamAttempted {
		view["upstream_refund_ref"] = outcome.UpstreamRefundRef
		if outcome.UpstreamError != nil {
			view["upstream_error"] = outcome.UpstreamError.Error()
		}
	}
	return view
}
