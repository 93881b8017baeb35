package lending

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"lendbook/crypto"
)

// UnsetLimit asks Positions for the default page size.
const UnsetLimit = -1

// DefaultPageLimit is both the default and the maximum page size for position
// listings.
const DefaultPageLimit = 100

// PriceOracle returns the price of a token identifier. Implementations report
// a missing price with an error wrapping ErrNotFound.
type PriceOracle interface {
	Price(ctx context.Context, token string) (*uint256.Int, error)
}

type engineState interface {
	GetConfig() (*Config, bool, error)
	IsTokenSupported(token string) (bool, error)
	SetTokenSupported(token string) error
	ListTokens() ([]TokenSupport, error)
	GetDeposit(user crypto.Address, token string) (*uint256.Int, error)
	PutDeposit(user crypto.Address, token string, amount *uint256.Int) error
	ListDeposits(user crypto.Address) ([]Deposit, error)
	NextPositionID() (*uint256.Int, error)
	GetPosition(id *uint256.Int) (*Position, bool, error)
	PutPosition(position *Position) error
	DeletePosition(id *uint256.Int) error
	ListPositions(startAfter *uint256.Int, limit int) ([]*Position, error)
	PositionsOf(user crypto.Address) ([]*Position, error)
}

// Engine validates and applies ledger actions. Every action either fails
// without touching state or mutates state and returns the ordered transfer
// intents that realise it. The caller is responsible for executing the
// intents and for discarding the state changes if settlement fails.
type Engine struct {
	state  engineState
	pool   crypto.Address
	oracle PriceOracle
	now    uint64
}

// NewEngine constructs an engine that escrows value in pool and prices
// collateral through oracle.
func NewEngine(pool crypto.Address, oracle PriceOracle) *Engine {
	return &Engine{pool: pool, oracle: oracle}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTime records the clock, in seconds, used to stamp fills and accrue interest.
func (e *Engine) SetTime(now uint64) {
	if e == nil {
		return
	}
	e.now = now
}

// Pool returns the escrow address.
func (e *Engine) Pool() crypto.Address {
	if e == nil {
		return crypto.Address{}
	}
	return e.pool
}

func (e *Engine) config() (*Config, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, ok, err := e.state.GetConfig()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotCreated
	}
	return cfg, nil
}

func (e *Engine) requireSupported(tokens ...string) error {
	for _, token := range tokens {
		ok, err := e.state.IsTokenSupported(token)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedToken, token)
		}
	}
	return nil
}

// AddToken registers token as supported. Only the admin may call it and
// repeating the call is harmless.
func (e *Engine) AddToken(caller crypto.Address, token string) error {
	cfg, err := e.config()
	if err != nil {
		return err
	}
	if !caller.Equal(cfg.Admin) {
		return ErrUnauthorized
	}
	if token == "" {
		return fmt.Errorf("%w: empty token identifier", ErrUnsupportedToken)
	}
	return e.state.SetTokenSupported(token)
}

// IsSupported reports registry membership.
func (e *Engine) IsSupported(token string) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	return e.state.IsTokenSupported(token)
}

// Deposit credits the caller's balance and moves the funds into the pool.
func (e *Engine) Deposit(caller crypto.Address, token string, amount *uint256.Int, funds Coins) ([]TransferIntent, error) {
	if _, err := e.config(); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if err := e.requireSupported(token); err != nil {
		return nil, err
	}
	intent, err := ResolveToken(token).Pay(caller, e.pool, amount, funds)
	if err != nil {
		return nil, err
	}
	balance, err := e.state.GetDeposit(caller, token)
	if err != nil {
		return nil, err
	}
	updated, err := add128(balance, amount)
	if err != nil {
		return nil, err
	}
	if err := e.state.PutDeposit(caller, token, updated); err != nil {
		return nil, err
	}
	return []TransferIntent{intent}, nil
}

// Withdraw debits the caller's balance and releases the funds from the pool.
// A balance that reaches zero is removed.
func (e *Engine) Withdraw(caller crypto.Address, token string, amount *uint256.Int) ([]TransferIntent, error) {
	if _, err := e.config(); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if err := e.requireSupported(token); err != nil {
		return nil, err
	}
	balance, err := e.state.GetDeposit(caller, token)
	if err != nil {
		return nil, err
	}
	if balance.Lt(amount) {
		return nil, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientDeposit, balance.Dec(), amount.Dec())
	}
	remaining := new(uint256.Int).Sub(balance, amount)
	if err := e.state.PutDeposit(caller, token, remaining); err != nil {
		return nil, err
	}
	return []TransferIntent{ResolveToken(token).Release(e.pool, caller, amount)}, nil
}

// BorrowRequest describes a new position.
type BorrowRequest struct {
	BorrowToken     string
	Amount          *uint256.Int
	RateBps         uint64
	CollateralToken string
	Collateral      *uint256.Int
}

// Borrow opens a position and escrows the collateral. It returns the new
// position id.
func (e *Engine) Borrow(borrower crypto.Address, req BorrowRequest, funds Coins) (*uint256.Int, []TransferIntent, error) {
	if _, err := e.config(); err != nil {
		return nil, nil, err
	}
	if err := checkAmount(req.Amount); err != nil {
		return nil, nil, err
	}
	if err := checkAmount(req.Collateral); err != nil {
		return nil, nil, err
	}
	if err := e.requireSupported(req.BorrowToken, req.CollateralToken); err != nil {
		return nil, nil, err
	}
	intent, err := ResolveToken(req.CollateralToken).Pay(borrower, e.pool, req.Collateral, funds)
	if err != nil {
		return nil, nil, err
	}
	id, err := e.state.NextPositionID()
	if err != nil {
		return nil, nil, err
	}
	position := &Position{
		ID:              id,
		Borrower:        borrower,
		BorrowToken:     req.BorrowToken,
		CollateralToken: req.CollateralToken,
		Principal:       req.Amount.Clone(),
		RateBps:         req.RateBps,
		Collateral:      req.Collateral.Clone(),
	}
	if err := e.state.PutPosition(position); err != nil {
		return nil, nil, err
	}
	return id.Clone(), []TransferIntent{intent}, nil
}

func (e *Engine) loadPosition(id *uint256.Int) (*Position, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: position id required", ErrNotFound)
	}
	position, ok, err := e.state.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id.Dec())
	}
	return position, nil
}

// FillPosition funds an open position in full and starts interest accrual.
// The principal goes straight from the lender to the borrower.
func (e *Engine) FillPosition(lender crypto.Address, id *uint256.Int, amount *uint256.Int, funds Coins) ([]TransferIntent, error) {
	if _, err := e.config(); err != nil {
		return nil, err
	}
	position, err := e.loadPosition(id)
	if err != nil {
		return nil, err
	}
	if position.Filled || position.HasLender() {
		return nil, ErrPositionAlreadyFilled
	}
	if amount == nil || !amount.Eq(position.Principal) {
		return nil, ErrAmountMismatch
	}
	if e.now == 0 {
		return nil, errClockNotSet
	}
	intent, err := ResolveToken(position.BorrowToken).Pay(lender, position.Borrower, amount, funds)
	if err != nil {
		return nil, err
	}
	position.Lender = lender
	position.Filled = true
	position.FillTimestamp = e.now
	if err := e.state.PutPosition(position); err != nil {
		return nil, err
	}
	return []TransferIntent{intent}, nil
}

// Repay settles principal plus interest to the lender, returns the
// collateral to the borrower and closes the position.
func (e *Engine) Repay(borrower crypto.Address, id *uint256.Int, funds Coins) ([]TransferIntent, error) {
	if _, err := e.config(); err != nil {
		return nil, err
	}
	position, err := e.loadPosition(id)
	if err != nil {
		return nil, err
	}
	if !borrower.Equal(position.Borrower) {
		return nil, ErrNotBorrower
	}
	if !position.Filled {
		return nil, ErrPositionNotFilled
	}
	total, err := TotalDebt(position, e.now)
	if err != nil {
		return nil, err
	}
	payment, err := ResolveToken(position.BorrowToken).Pay(borrower, position.Lender, total, funds)
	if err != nil {
		return nil, err
	}
	refund := ResolveToken(position.CollateralToken).Release(e.pool, borrower, position.Collateral)
	if err := e.state.DeletePosition(position.ID); err != nil {
		return nil, err
	}
	return []TransferIntent{payment, refund}, nil
}

// Liquidate closes an undercollateralised filled position. The liquidator
// pays the full debt into the pool; the lender receives the complement of the
// 90% liquidator share and the liquidator receives 95% of the collateral.
func (e *Engine) Liquidate(ctx context.Context, liquidator crypto.Address, id *uint256.Int, funds Coins) ([]TransferIntent, error) {
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	if e.oracle == nil {
		return nil, errNilOracle
	}
	position, err := e.loadPosition(id)
	if err != nil {
		return nil, err
	}
	if !position.Filled {
		return nil, ErrPositionNotFilled
	}
	price, err := e.oracle.Price(ctx, position.CollateralToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOracleUnavailable, position.CollateralToken, err)
	}
	if price == nil || !fits128(price) {
		return nil, fmt.Errorf("%w: invalid price for %s", ErrOracleUnavailable, position.CollateralToken)
	}
	totalDebt, err := TotalDebt(position, e.now)
	if err != nil {
		return nil, err
	}
	healthy, err := IsHealthy(position.Collateral, price, totalDebt, cfg.LiquidationThreshold)
	if err != nil {
		return nil, err
	}
	if healthy {
		return nil, ErrPositionHealthy
	}
	split := LiquidationSplit(totalDebt, position.Collateral)
	borrowToken := ResolveToken(position.BorrowToken)
	payment, err := borrowToken.Pay(liquidator, e.pool, totalDebt, funds)
	if err != nil {
		return nil, err
	}
	intents := []TransferIntent{
		payment,
		borrowToken.Release(e.pool, position.Lender, split.LenderShare),
		ResolveToken(position.CollateralToken).Release(e.pool, liquidator, split.CollateralToLiquidator),
	}
	if err := e.state.DeletePosition(position.ID); err != nil {
		return nil, err
	}
	return intents, nil
}

// --- queries ---

// Config returns the ledger configuration.
func (e *Engine) Config() (*Config, error) {
	return e.config()
}

// Tokens lists every registered token in ascending identifier order.
func (e *Engine) Tokens() ([]TokenSupport, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.ListTokens()
}

// UserInfo returns the user's deposits and the positions they borrowed or
// lent. ok is false when the user has neither.
func (e *Engine) UserInfo(user crypto.Address) (info *UserInfo, ok bool, err error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	deposits, err := e.state.ListDeposits(user)
	if err != nil {
		return nil, false, err
	}
	positions, err := e.state.PositionsOf(user)
	if err != nil {
		return nil, false, err
	}
	if len(deposits) == 0 && len(positions) == 0 {
		return nil, false, nil
	}
	return &UserInfo{Deposits: deposits, Positions: positions}, true, nil
}

// Position returns a single position.
func (e *Engine) Position(id *uint256.Int) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadPosition(id)
}

// Positions pages through positions in ascending id order. startAfter is
// exclusive; a negative limit defaults to DefaultPageLimit and larger limits
// are clamped to it. A zero limit returns an empty page.
func (e *Engine) Positions(startAfter *uint256.Int, limit int) ([]*Position, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.ListPositions(startAfter, ClampLimit(limit))
}

// ClampLimit applies the page size policy.
func ClampLimit(limit int) int {
	if limit < 0 || limit > DefaultPageLimit {
		return DefaultPageLimit
	}
	return limit
}
