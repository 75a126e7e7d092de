package fx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rate sources recorded on a quote for audit.
const (
	SourceIdentity = "identity"
	SourceProvider = "provider"
	SourceFallback = "fallback"
)

const (
	defaultCacheTTL     = 10 * time.Minute
	defaultFetchTimeout = 3 * time.Second

	bpsDenominator = 10000
)

// ErrInvalidQuoterConfig reports a miswired Quoter.
var ErrInvalidQuoterConfig = errors.New("invalid quoter config")

// RateSheet is one provider response: base-to-target rates and their
// publication time.
type RateSheet struct {
	Rates map[string]decimal.Decimal
	AsOf  time.Time
}

// RateProvider fetches current exchange rates for the base currency.
type RateProvider interface {
	FetchRates(ctx context.Context, baseCurrency string, targets []string) (RateSheet, error)
}

// Quote is a margin-adjusted conversion with full rate provenance.
type Quote struct {
	Currency         string
	AmountMinorUnits int64
	Rate             decimal.Decimal
	RateWithMargin   decimal.Decimal
	Source           string
	MarginBps        int64
	RateTimestamp    time.Time
}

// Config controls conversion behavior.
type Config struct {
	BaseCurrency  wallet.Currency
	MarginBps     int64
	CacheTTL      time.Duration
	FetchTimeout  time.Duration
	FallbackRates map[string]decimal.Decimal
}

// Quoter converts base-currency amounts into target currencies using cached
// provider rates. The cache is advisory: stale-but-safe, never a correctness
// dependency.
type Quoter struct {
	cfg      Config
	provider RateProvider
	logger   *zap.Logger
	nowFn    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedRate
}

type cachedRate struct {
	rate      decimal.Decimal
	source    string
	asOf      time.Time
	fetchedAt time.Time
}

// NewQuoter wires a Quoter. The provider may be nil, in which case every
// non-identity quote uses fallback rates.
func NewQuoter(cfg Config, provider RateProvider, logger *zap.Logger, now func() time.Time) (*Quoter, error) {
	if cfg.BaseCurrency.String() == "" {
		return nil, fmt.Errorf("%w: base currency is required", ErrInvalidQuoterConfig)
	}
	if cfg.MarginBps < 0 {
		return nil, fmt.Errorf("%w: margin bps must not be negative", ErrInvalidQuoterConfig)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Quoter{
		cfg:      cfg,
		provider: provider,
		logger:   logger,
		nowFn:    now,
		cache:    make(map[string]cachedRate),
	}, nil
}

// Quote converts an amount of base-currency minor units into the target
// currency. Provider unavailability degrades to fallback rates, never to an
// error: FX outage must not take billing down with it.
func (quoter *Quoter) Quote(ctx context.Context, amountMinorUnits int64, target wallet.Currency) (Quote, error) {
	amount, err := wallet.NewPositiveAmount(amountMinorUnits)
	if err != nil {
		return Quote{}, err
	}
	base := quoter.cfg.BaseCurrency
	if target.String() == base.String() {
		return Quote{
			Currency:         target.String(),
			AmountMinorUnits: amount,
			Rate:             decimal.NewFromInt(1),
			RateWithMargin:   decimal.NewFromInt(1),
			Source:           SourceIdentity,
			MarginBps:        0,
			RateTimestamp:    quoter.nowFn(),
		}, nil
	}
	rate := quoter.rateFor(ctx, target.String())
	rateWithMargin := applyMarginBps(rate.rate, quoter.cfg.MarginBps)
	converted := convertMinorUnits(amount, rateWithMargin, currencyExponent(base.String()), currencyExponent(target.String()))
	return Quote{
		Currency:         target.String(),
		AmountMinorUnits: converted,
		Rate:             rate.rate,
		RateWithMargin:   rateWithMargin,
		Source:           rate.source,
		MarginBps:        quoter.cfg.MarginBps,
		RateTimestamp:    rate.asOf,
	}, nil
}

func (quoter *Quoter) rateFor(ctx context.Context, target string) cachedRate {
	now := quoter.nowFn()
	quoter.mu.Lock()
	cached, ok := quoter.cache[target]
	quoter.mu.Unlock()
	if ok && now.Sub(cached.fetchedAt) < quoter.cfg.CacheTTL {
		return cached
	}
	fetched, err := quoter.fetchRate(ctx, target)
	if err != nil {
		quoter.logger.Warn("fx provider unavailable, using fallback rate",
			zap.String("target", target),
			zap.Error(err),
		)
		fetched = cachedRate{
			rate:      quoter.fallbackRate(target),
			source:    SourceFallback,
			asOf:      now,
			fetchedAt: now,
		}
	}
	quoter.mu.Lock()
	quoter.cache[target] = fetched
	quoter.mu.Unlock()
	return fetched
}

func (quoter *Quoter) fetchRate(ctx context.Context, target string) (cachedRate, error) {
	if quoter.provider == nil {
		return cachedRate{}, fmt.Errorf("no rate provider configured")
	}
	fetchCtx, cancel := context.WithTimeout(ctx, quoter.cfg.FetchTimeout)
	defer cancel()
	sheet, err := quoter.provider.FetchRates(fetchCtx, quoter.cfg.BaseCurrency.String(), []string{target})
	if err != nil {
		return cachedRate{}, err
	}
	rate, ok := sheet.Rates[target]
	if !ok || rate.Sign() <= 0 {
		return cachedRate{}, fmt.Errorf("provider returned no usable rate for %s", target)
	}
	asOf := sheet.AsOf
	if asOf.IsZero() {
		asOf = quoter.nowFn()
	}
	return cachedRate{
		rate:      rate,
		source:    SourceProvider,
		asOf:      asOf,
		fetchedAt: quoter.nowFn(),
	}, nil
}

func (quoter *Quoter) fallbackRate(target string) decimal.Decimal {
	if rate, ok := quoter.cfg.FallbackRates[target]; ok && rate.Sign() > 0 {
		return rate
	}
	if rate, ok := builtinFallbackRates[quoter.cfg.BaseCurrency.String()][target]; ok {
		return rate
	}
	// Last resort: 1:1 keeps the caller alive at degraded pricing accuracy.
	return decimal.NewFromInt(1)
}

func applyMarginBps(rate decimal.Decimal, marginBps int64) decimal.Decimal {
	if marginBps == 0 {
		return rate
	}
	return rate.Mul(decimal.NewFromInt(bpsDenominator + marginBps)).Div(decimal.NewFromInt(bpsDenominator))
}

// convertMinorUnits converts via major units so currencies with different
// minor-unit exponents round at the right granularity. Half rounds away from
// zero; conversions never round below one minor unit.
func convertMinorUnits(amountMinorUnits int64, rate decimal.Decimal, baseExponent int32, targetExponent int32) int64 {
	major := decimal.NewFromInt(amountMinorUnits).Shift(-baseExponent)
	converted := major.Mul(rate).Shift(targetExponent).Round(0).IntPart()
	if converted < 1 {
		return 1
	}
	return converted
}
