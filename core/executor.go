package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lendbook/core/events"
	"lendbook/core/state"
	"lendbook/crypto"
	"lendbook/native/lending"
	"lendbook/observability"
	"lendbook/services/settlement"
	"lendbook/storage"
)

var errNilGateway = errors.New("executor: settlement gateway not configured")

// Action names used for logs, metrics and settlement records.
const (
	ActionAddToken  = "add_token"
	ActionDeposit   = "deposit"
	ActionWithdraw  = "withdraw"
	ActionBorrow    = "borrow"
	ActionFill      = "fill_position"
	ActionRepay     = "repay"
	ActionLiquidate = "liquidate"
)

// Receipt describes a committed action.
type Receipt struct {
	ActionID   uuid.UUID                `json:"action_id"`
	Action     string                   `json:"action"`
	PositionID *uint256.Int             `json:"position_id,omitempty"`
	Timestamp  uint64                   `json:"timestamp"`
	Intents    []lending.TransferIntent `json:"intents"`
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithClock overrides the wall clock used to stamp actions.
func WithClock(clock func() time.Time) ExecutorOption {
	return func(x *Executor) {
		if clock != nil {
			x.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(x *Executor) {
		if logger != nil {
			x.logger = logger
		}
	}
}

// WithMetrics wires Prometheus collectors.
func WithMetrics(metrics *observability.LendingMetrics) ExecutorOption {
	return func(x *Executor) { x.metrics = metrics }
}

// WithEmitter publishes an event for each committed action.
func WithEmitter(emitter events.Emitter) ExecutorOption {
	return func(x *Executor) {
		if emitter != nil {
			x.emitter = emitter
		}
	}
}

// Executor is the single-writer dispatcher around the lending engine. Each
// action runs inside one store transaction: the engine validates and mutates
// state, the gateway settles the resulting intents, and only then does the
// transaction commit. Any failure discards the transaction.
type Executor struct {
	mu      sync.Mutex
	db      storage.Database
	pool    crypto.Address
	oracle  lending.PriceOracle
	gateway settlement.Gateway
	clock   func() time.Time
	logger  *slog.Logger
	metrics *observability.LendingMetrics
	emitter events.Emitter
	tracer  trace.Tracer
}

// NewExecutor constructs an executor over db.
func NewExecutor(db storage.Database, pool crypto.Address, oracle lending.PriceOracle, gateway settlement.Gateway, opts ...ExecutorOption) *Executor {
	x := &Executor{
		db:      db,
		pool:    pool,
		oracle:  oracle,
		gateway: gateway,
		clock:   time.Now,
		logger:  slog.Default(),
		emitter: events.NoopEmitter{},
		tracer:  otel.Tracer("lendbook/core"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(x)
		}
	}
	return x
}

// Pool returns the escrow address.
func (x *Executor) Pool() crypto.Address { return x.pool }

func (x *Executor) engine(store storage.Store, now uint64) *lending.Engine {
	engine := lending.NewEngine(x.pool, x.oracle)
	engine.SetState(state.NewManager(store))
	engine.SetTime(now)
	return engine
}

// Instantiate writes the ledger configuration and initial tokens. It reports
// false when the ledger already exists, in which case nothing changes.
func (x *Executor) Instantiate(cfg lending.Config, tokens []string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	tx, err := x.db.Begin()
	if err != nil {
		return false, fmt.Errorf("executor: begin: %w", err)
	}
	created, err := state.NewManager(tx).InitLending(cfg, tokens)
	if err != nil || !created {
		tx.Discard()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("executor: commit: %w", err)
	}
	x.logger.Info("lending ledger instantiated",
		slog.String("admin", cfg.Admin.String()),
		slog.String("oracle", cfg.Oracle),
		slog.Uint64("liquidation_threshold", cfg.LiquidationThreshold),
		slog.Int("tokens", len(tokens)))
	return true, nil
}

type actionFunc func(ctx context.Context, engine *lending.Engine) (*uint256.Int, []lending.TransferIntent, error)

func (x *Executor) apply(ctx context.Context, action string, caller crypto.Address, funds lending.Coins, fn actionFunc) (*Receipt, error) {
	if x.gateway == nil {
		return nil, errNilGateway
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	started := time.Now()
	ctx, span := x.tracer.Start(ctx, "lending."+action, trace.WithAttributes(
		attribute.String("lending.action", action),
		attribute.String("lending.caller", caller.String()),
	))
	defer span.End()

	outcome := "rejected"
	defer func() { x.metrics.ObserveAction(action, outcome, time.Since(started)) }()

	tx, err := x.db.Begin()
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		return nil, fmt.Errorf("executor: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Discard()
		}
	}()

	now := uint64(x.clock().Unix())
	positionID, intents, err := fn(ctx, x.engine(tx, now))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		x.logger.Debug("lending action rejected", slog.String("action", action), slog.String("caller", caller.String()), slog.Any("error", err))
		return nil, err
	}

	receipt := &Receipt{
		ActionID:   uuid.New(),
		Action:     action,
		PositionID: positionID,
		Timestamp:  now,
		Intents:    intents,
	}
	span.SetAttributes(attribute.String("lending.action_id", receipt.ActionID.String()))

	err = x.gateway.Execute(ctx, settlement.Settlement{
		ID:      receipt.ActionID,
		Action:  action,
		Caller:  caller,
		Funds:   funds,
		Intents: intents,
	})
	if err != nil {
		outcome = "rolled_back"
		x.metrics.RecordSettlementFailure(action, "settle")
		span.RecordError(err)
		span.SetStatus(codes.Error, "settlement failed")
		x.logger.Warn("lending action rolled back",
			slog.String("action", action),
			slog.String("action_id", receipt.ActionID.String()),
			slog.String("caller", caller.String()),
			slog.Any("error", err))
		if !errors.Is(err, settlement.ErrSettlementFailed) {
			err = fmt.Errorf("%w: %w", settlement.ErrSettlementFailed, err)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		// Value has already moved; the action id is the reconciliation handle.
		outcome = "error"
		x.metrics.RecordSettlementFailure(action, "commit")
		span.RecordError(err)
		x.logger.Error("lending commit failed after settlement",
			slog.String("action", action),
			slog.String("action_id", receipt.ActionID.String()),
			slog.Any("error", err))
		return nil, fmt.Errorf("executor: commit %s: %w", receipt.ActionID, err)
	}
	committed = true
	outcome = "committed"

	for _, intent := range intents {
		x.metrics.RecordIntent(intent.Kind.String())
	}
	x.emitter.Emit(events.LendingAction{
		ActionID:   receipt.ActionID,
		Action:     action,
		Caller:     caller,
		PositionID: positionID,
		Intents:    len(intents),
		Timestamp:  now,
	})
	x.logger.Info("lending action committed",
		slog.String("action", action),
		slog.String("action_id", receipt.ActionID.String()),
		slog.String("caller", caller.String()),
		slog.Int("intents", len(intents)))
	return receipt, nil
}

func intentsOnly(fn func() ([]lending.TransferIntent, error)) (*uint256.Int, []lending.TransferIntent, error) {
	intents, err := fn()
	return nil, intents, err
}

// AddToken registers a token. Admin only.
func (x *Executor) AddToken(ctx context.Context, caller crypto.Address, token string) (*Receipt, error) {
	return x.apply(ctx, ActionAddToken, caller, nil, func(_ context.Context, e *lending.Engine) (*uint256.Int, []lending.TransferIntent, error) {
		return nil, nil, e.AddToken(caller, token)
	})
}

// Deposit credits caller with amount of token.
func (x *Executor) Deposit(ctx context.Context, caller crypto.Address, token string, amount *uint256.Int, funds lending.Coins) (*Receipt, error) {
	return x.apply(ctx, ActionDeposit, caller, funds, func(_ context.Context, e *lending.Engine) (*uint256.Int, []lending.TransferIntent, error) {
		return intentsOnly(func() ([]lending.TransferIntent, error) { return e.Deposit(caller, token, amount, funds) })
	})
}

// Withdraw debits caller's deposit of token.
func (x *Executor) Withdraw(ctx context.Context, caller crypto.Address, token string, amount *uint256.Int) (*Receipt, error) {
	return x.apply(ctx, ActionWithdraw, caller, nil, func(_ context.Context, e *lending.Engine) (*uint256.Int, []lending.TransferIntent, error) {
		return intentsOnly(func() ([]lending.TransferIntent, error) { return e.Withdraw(caller, token, amount) })
	})
}

// Borrow opens a position.
func (x *Executor) Borrow(ctx context.Context, caller crypto.Address, req lending.BorrowRequest, funds lending.Coins) (*Receipt, error) {
	return x.apply(ctx, ActionBorrow, caller, funds, func(_ context.Context, e *lending.Engine) (*uint256.Int, []lending.TransferIntent, error) {
		return e.Borrow(caller, req, funds)
	})
}

// FillPosition funds an open position.
func (x *Executor) FillPosition(ctx context.Context, caller crypto.Address, id, amount *uint256.Int, funds lending.Coins) (*Receipt, error) {
	return x.apply(ctx, ActionFill, caller, funds, func(_ context.Context, e *lending.Engine) (*uint256.Int, []lending.TransferIntent, error) {
		intents, err := e.FillPosition(caller, id, amount, funds)
		return id, intents, err
	})
}

// Repay closes a filled position.
func (x *Executor) Repay(ctx context.Context, caller crypto.Address, id *uint256.Int, funds lending.Coins) (*Receipt, error) {
	return x.apply(ctx, ActionRepay, caller, funds, func(_ context.Context, e *lending.Engine) (*uint256.Int, []lending.TransferIntent, error) {
		intents, err := e.Repay(caller, id, funds)
		return id, intents, err
	})
}

// Liquidate closes an unhealthy filled position.
func (x *Executor) Liquidate(ctx context.Context, caller crypto.Address, id *uint256.Int, funds lending.Coins) (*Receipt, error) {
	return x.apply(ctx, ActionLiquidate, caller, funds, func(ctx context.Context, e *lending.Engine) (*uint256.Int, []lending.TransferIntent, error) {
		intents, err := e.Liquidate(ctx, caller, id, funds)
		return id, intents, err
	})
}

// View runs fn against a read-only engine over a consistent snapshot. It does
// not take the writer lock.
func (x *Executor) View(fn func(engine *lending.Engine) error) error {
	snap, err := x.db.Snapshot()
	if err != nil {
		return fmt.Errorf("executor: snapshot: %w", err)
	}
	defer snap.Release()
	return fn(x.engine(snap, uint64(x.clock().Unix())))
}
