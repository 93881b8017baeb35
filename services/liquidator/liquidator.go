package liquidator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"lendbook/core"
	"lendbook/native/lending"
	"lendbook/observability"
	"lendbook/services/lending/client"
	"lendbook/services/oracle"
)

// Submission outcomes.
const (
	outcomeLiquidated = "liquidated"
	outcomeRejected   = "rejected"
	outcomeFailed     = "failed"
)

// Ledger is the slice of the lendingd API the bot needs.
type Ledger interface {
	LedgerConfig(ctx context.Context) (*lending.Config, error)
	Positions(ctx context.Context, startAfter *uint256.Int, limit int) ([]*lending.Position, error)
	Liquidate(ctx context.Context, id *uint256.Int, funds lending.Coins) (*core.Receipt, error)
}

// Options tunes a Liquidator. Zero values fall back to defaults.
type Options struct {
	PageSize     int
	BatchSize    int
	Attempts     int
	RetryDelay   time.Duration
	SubmitRate   float64
	SubmitBurst  int
	FundsHorizon time.Duration
	Logger       *slog.Logger
	Metrics      *observability.LiquidatorMetrics
	Now          func() time.Time
}

// Result summarises one scan.
type Result struct {
	Scanned    int
	Evaluated  int
	Unhealthy  int
	Liquidated int
	Skipped    int
}

// Liquidator pages through open positions, re-evaluates their health with the
// ledger's own arithmetic and submits liquidations for the unhealthy ones.
type Liquidator struct {
	ledger  Ledger
	prices  lending.PriceOracle
	logger  *slog.Logger
	metrics *observability.LiquidatorMetrics
	limiter *rate.Limiter
	now     func() time.Time

	pageSize   int
	batchSize  int
	attempts   int
	retryDelay time.Duration
	horizon    time.Duration
}

// New constructs a Liquidator reading positions from ledger and prices from
// prices.
func New(ledger Ledger, prices lending.PriceOracle, opts Options) *Liquidator {
	l := &Liquidator{
		ledger:     ledger,
		prices:     prices,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
		pageSize:   opts.PageSize,
		batchSize:  opts.BatchSize,
		attempts:   opts.Attempts,
		retryDelay: opts.RetryDelay,
		horizon:    opts.FundsHorizon,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.pageSize <= 0 {
		l.pageSize = lending.DefaultPageLimit
	}
	l.pageSize = lending.ClampLimit(l.pageSize)
	if l.batchSize <= 0 {
		l.batchSize = 50
	}
	if l.attempts <= 0 {
		l.attempts = 3
	}
	if l.retryDelay <= 0 {
		l.retryDelay = time.Second
	}
	limit := rate.Inf
	if opts.SubmitRate > 0 {
		limit = rate.Limit(opts.SubmitRate)
	}
	burst := opts.SubmitBurst
	if burst <= 0 {
		burst = 1
	}
	l.limiter = rate.NewLimiter(limit, burst)
	return l
}

// Run scans once immediately and then every interval until ctx is cancelled.
func (l *Liquidator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := l.Scan(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("liquidation scan failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan walks every position once.
func (l *Liquidator) Scan(ctx context.Context) (Result, error) {
	started := time.Now()
	res, err := l.scan(ctx)
	l.metrics.ObserveScan(time.Since(started), err)
	l.logger.Info("liquidation scan complete",
		slog.Int("scanned", res.Scanned),
		slog.Int("evaluated", res.Evaluated),
		slog.Int("unhealthy", res.Unhealthy),
		slog.Int("liquidated", res.Liquidated),
		slog.Int("skipped", res.Skipped),
		slog.Duration("took", time.Since(started)))
	return res, err
}

func (l *Liquidator) scan(ctx context.Context) (Result, error) {
	var res Result
	cfg, err := retry(ctx, l, func(ctx context.Context) (*lending.Config, error) {
		return l.ledger.LedgerConfig(ctx)
	})
	if err != nil {
		return res, fmt.Errorf("fetch ledger config: %w", err)
	}
	prices := newPriceCache(l)

	var startAfter *uint256.Int
	for {
		page, err := retry(ctx, l, func(ctx context.Context) ([]*lending.Position, error) {
			return l.ledger.Positions(ctx, startAfter, l.pageSize)
		})
		if err != nil {
			return res, fmt.Errorf("fetch positions: %w", err)
		}
		res.Scanned += len(page)
		for start := 0; start < len(page); start += l.batchSize {
			end := min(start+l.batchSize, len(page))
			if err := l.processBatch(ctx, cfg, prices, page[start:end], &res); err != nil {
				return res, err
			}
		}
		if len(page) < l.pageSize {
			return res, nil
		}
		startAfter = page[len(page)-1].ID
	}
}

// processBatch evaluates a batch concurrently and submits the unhealthy
// positions in id order.
func (l *Liquidator) processBatch(ctx context.Context, cfg *lending.Config, prices *priceCache, batch []*lending.Position, res *Result) error {
	now := uint64(l.now().Unix())
	unhealthy := make([]bool, len(batch))
	evaluated := make([]bool, len(batch))

	group, gctx := errgroup.WithContext(ctx)
	for i, position := range batch {
		if position == nil || !position.Filled {
			continue
		}
		group.Go(func() error {
			ok, err := l.evaluate(gctx, cfg, prices, position, now)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				l.logger.Warn("skipping position",
					slog.String("position_id", position.ID.Dec()),
					slog.Any("error", err))
				return nil
			}
			evaluated[i] = true
			unhealthy[i] = !ok
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for i, position := range batch {
		if !evaluated[i] {
			res.Skipped++
			continue
		}
		res.Evaluated++
		if !unhealthy[i] {
			continue
		}
		res.Unhealthy++
		liquidated, err := l.submit(ctx, position)
		if err != nil {
			return err
		}
		if liquidated {
			res.Liquidated++
		}
	}
	l.metrics.RecordEvaluated(countTrue(evaluated))
	return nil
}

// evaluate reports whether position is healthy at now.
func (l *Liquidator) evaluate(ctx context.Context, cfg *lending.Config, prices *priceCache, position *lending.Position, now uint64) (bool, error) {
	price, err := prices.get(ctx, position.CollateralToken)
	if err != nil {
		return false, err
	}
	debt, err := lending.TotalDebt(position, now)
	if err != nil {
		return false, err
	}
	return lending.IsHealthy(position.Collateral, price, debt, cfg.LiquidationThreshold)
}

// submit liquidates position. It returns an error only when ctx ends.
func (l *Liquidator) submit(ctx context.Context, position *lending.Position) (bool, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return false, err
	}
	funds, err := l.funds(position)
	if err != nil {
		l.logger.Warn("skipping position", slog.String("position_id", position.ID.Dec()), slog.Any("error", err))
		l.metrics.RecordSubmission(outcomeRejected)
		return false, nil
	}
	receipt, err := retry(ctx, l, func(ctx context.Context) (*core.Receipt, error) {
		return l.ledger.Liquidate(ctx, position.ID, funds)
	})
	switch {
	case err == nil:
		l.metrics.RecordSubmission(outcomeLiquidated)
		l.logger.Info("position liquidated",
			slog.String("position_id", position.ID.Dec()),
			slog.String("action_id", receipt.ActionID.String()))
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case retryable(err):
		l.metrics.RecordSubmission(outcomeFailed)
		l.logger.Error("liquidation submission failed",
			slog.String("position_id", position.ID.Dec()),
			slog.Any("error", err))
	default:
		l.metrics.RecordSubmission(outcomeRejected)
		l.logger.Warn("liquidation rejected",
			slog.String("position_id", position.ID.Dec()),
			slog.Any("error", err))
	}
	return false, nil
}

// funds attaches the debt due a little ahead of now when the borrow token is
// native. External tokens are pulled against the bot's allowance instead.
// Native overpayment is not refunded, so the horizon is kept short.
func (l *Liquidator) funds(position *lending.Position) (lending.Coins, error) {
	token := lending.ResolveToken(position.BorrowToken)
	if token.Kind() != lending.TokenNative {
		return nil, nil
	}
	at := l.now().Add(l.horizon)
	debt, err := lending.TotalDebt(position, uint64(at.Unix()))
	if err != nil {
		return nil, err
	}
	return lending.Coins{{Denom: token.ID(), Amount: debt}}, nil
}

// retryable reports whether err is a transport or server failure. Missing or
// malformed prices, an unavailable oracle and ledger rejections are final.
func retryable(err error) bool {
	if errors.Is(err, lending.ErrNotFound) || errors.Is(err, oracle.ErrInvalidPrice) ||
		errors.Is(err, lending.ErrOracleUnavailable) {
		return false
	}
	return client.IsRetryable(err)
}

// retry calls fn at most l.attempts times in total.
func retry[T any](ctx context.Context, l *Liquidator, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(l.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
			l.logger.Debug("retrying request", slog.Int("attempt", attempt), slog.Any("error", err))
		}
		var out T
		out, err = fn(ctx)
		if err == nil {
			return out, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return zero, err
		}
	}
	return zero, err
}

// priceCache memoises prices for one scan.
type priceCache struct {
	l      *Liquidator
	mu     sync.Mutex
	prices map[string]*uint256.Int
}

func newPriceCache(l *Liquidator) *priceCache {
	return &priceCache{l: l, prices: make(map[string]*uint256.Int)}
}

func (c *priceCache) get(ctx context.Context, token string) (*uint256.Int, error) {
	c.mu.Lock()
	price, ok := c.prices[token]
	c.mu.Unlock()
	if ok {
		return price, nil
	}
	price, err := retry(ctx, c.l, func(ctx context.Context) (*uint256.Int, error) {
		return c.l.prices.Price(ctx, token)
	})
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", token, err)
	}
	if price == nil || price.BitLen() > 128 {
		return nil, fmt.Errorf("%w: %s", oracle.ErrInvalidPrice, token)
	}
	c.mu.Lock()
	c.prices[token] = price
	c.mu.Unlock()
	return price, nil
}

func countTrue(values []bool) int {
	n := 0
	for _, v := range values {
		if v {
			n++
		}
	}
	return n
}
