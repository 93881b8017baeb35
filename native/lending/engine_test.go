package lending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/holiman/uint256"

	"lendbook/crypto"
)

type mockEngineState struct {
	config    *Config
	tokens    map[string]bool
	deposits  map[string]*uint256.Int
	positions map[uint64]*Position
	counter   uint64
}

func newMockEngineState(admin crypto.Address, threshold uint64, tokens ...string) *mockEngineState {
	m := &mockEngineState{
		config:    &Config{Admin: admin, Oracle: "oracle", LiquidationThreshold: threshold},
		tokens:    make(map[string]bool),
		deposits:  make(map[string]*uint256.Int),
		positions: make(map[uint64]*Position),
	}
	for _, token := range tokens {
		m.tokens[token] = true
	}
	return m
}

func (m *mockEngineState) depositKey(user crypto.Address, token string) string {
	return user.String() + "/" + token
}

func (m *mockEngineState) GetConfig() (*Config, bool, error) {
	if m.config == nil {
		return nil, false, nil
	}
	cfg := *m.config
	return &cfg, true, nil
}

func (m *mockEngineState) IsTokenSupported(token string) (bool, error) {
	return m.tokens[token], nil
}

func (m *mockEngineState) SetTokenSupported(token string) error {
	m.tokens[token] = true
	return nil
}

func (m *mockEngineState) ListTokens() ([]TokenSupport, error) {
	out := make([]TokenSupport, 0, len(m.tokens))
	for token, ok := range m.tokens {
		out = append(out, TokenSupport{Token: token, Supported: ok})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (m *mockEngineState) GetDeposit(user crypto.Address, token string) (*uint256.Int, error) {
	if amount, ok := m.deposits[m.depositKey(user, token)]; ok {
		return amount.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (m *mockEngineState) PutDeposit(user crypto.Address, token string, amount *uint256.Int) error {
	key := m.depositKey(user, token)
	if amount.IsZero() {
		delete(m.deposits, key)
		return nil
	}
	m.deposits[key] = amount.Clone()
	return nil
}

func (m *mockEngineState) ListDeposits(user crypto.Address) ([]Deposit, error) {
	var out []Deposit
	prefix := user.String() + "/"
	for key, amount := range m.deposits {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, Deposit{Token: key[len(prefix):], Amount: amount.Clone()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (m *mockEngineState) NextPositionID() (*uint256.Int, error) {
	m.counter++
	return uint256.NewInt(m.counter), nil
}

func (m *mockEngineState) GetPosition(id *uint256.Int) (*Position, bool, error) {
	p, ok := m.positions[id.Uint64()]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (m *mockEngineState) PutPosition(position *Position) error {
	m.positions[position.ID.Uint64()] = position.Clone()
	return nil
}

func (m *mockEngineState) DeletePosition(id *uint256.Int) error {
	delete(m.positions, id.Uint64())
	return nil
}

func (m *mockEngineState) sortedPositions() []*Position {
	out := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Lt(out[j].ID) })
	return out
}

func (m *mockEngineState) ListPositions(startAfter *uint256.Int, limit int) ([]*Position, error) {
	var out []*Position
	for _, p := range m.sortedPositions() {
		if startAfter != nil && !p.ID.Gt(startAfter) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *mockEngineState) PositionsOf(user crypto.Address) ([]*Position, error) {
	var out []*Position
	for _, p := range m.sortedPositions() {
		if p.Borrower.Equal(user) || p.Lender.Equal(user) {
			out = append(out, p)
		}
	}
	return out, nil
}

type staticOracle map[string]*uint256.Int

func (o staticOracle) Price(_ context.Context, token string) (*uint256.Int, error) {
	price, ok := o[token]
	if !ok {
		return nil, fmt.Errorf("no price for %s: %w", token, ErrNotFound)
	}
	return price, nil
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.LendPrefix, raw)
}

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func attach(denom string, amount uint64) Coins {
	return Coins{{Denom: denom, Amount: u(amount)}}
}

type fixture struct {
	engine   *Engine
	state    *mockEngineState
	oracle   staticOracle
	pool     crypto.Address
	admin    crypto.Address
	borrower crypto.Address
	lender   crypto.Address
	other    crypto.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pool:     makeAddress(0x01),
		admin:    makeAddress(0x02),
		borrower: makeAddress(0x03),
		lender:   makeAddress(0x04),
		other:    makeAddress(0x05),
		oracle:   staticOracle{},
	}
	f.state = newMockEngineState(f.admin, 150, "uusd", "uatom")
	f.engine = NewEngine(f.pool, f.oracle)
	f.engine.SetState(f.state)
	f.engine.SetTime(1_000)
	return f
}

func (f *fixture) openPosition(t *testing.T, principal, rate, collateral uint64) *uint256.Int {
	t.Helper()
	id, _, err := f.engine.Borrow(f.borrower, BorrowRequest{
		BorrowToken:     "uusd",
		Amount:          u(principal),
		RateBps:         rate,
		CollateralToken: "uatom",
		Collateral:      u(collateral),
	}, attach("uatom", collateral))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	return id
}

func (f *fixture) fill(t *testing.T, id *uint256.Int, principal uint64) {
	t.Helper()
	if _, err := f.engine.FillPosition(f.lender, id, u(principal), attach("uusd", principal)); err != nil {
		t.Fatalf("fill: %v", err)
	}
}

func TestAddTokenRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.AddToken(f.other, "uosmo"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if f.state.tokens["uosmo"] {
		t.Fatalf("token registered by non-admin")
	}
	for i := 0; i < 2; i++ {
		if err := f.engine.AddToken(f.admin, "uosmo"); err != nil {
			t.Fatalf("add token: %v", err)
		}
	}
	ok, err := f.engine.IsSupported("uosmo")
	if err != nil || !ok {
		t.Fatalf("expected uosmo supported: ok=%v err=%v", ok, err)
	}
}

func TestActionsRequireInstantiation(t *testing.T) {
	f := newFixture(t)
	f.state.config = nil
	if _, err := f.engine.Deposit(f.other, "uusd", u(1), attach("uusd", 1)); !errors.Is(err, errNotCreated) {
		t.Fatalf("expected not instantiated error, got %v", err)
	}
}

func TestDepositNativeRequiresAttachedFunds(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Deposit(f.other, "uusd", u(100), attach("uusd", 99))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	_, err = f.engine.Deposit(f.other, "uusd", u(100), attach("uatom", 100))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds for wrong denom, got %v", err)
	}
	if len(f.state.deposits) != 0 {
		t.Fatalf("failed deposit mutated state")
	}

	intents, err := f.engine.Deposit(f.other, "uusd", u(100), attach("uusd", 150))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("expected one intent, got %d", len(intents))
	}
	got := intents[0]
	if got.Kind != IntentAttached || !got.From.Equal(f.other) || !got.To.Equal(f.pool) || !got.Amount.Eq(u(100)) {
		t.Fatalf("unexpected intent %+v", got)
	}
	balance, _ := f.state.GetDeposit(f.other, "uusd")
	if !balance.Eq(u(100)) {
		t.Fatalf("unexpected balance %s", balance.Dec())
	}
}

func TestDepositRejectsUnsupportedAndZero(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Deposit(f.other, "uosmo", u(1), attach("uosmo", 1)); !errors.Is(err, ErrUnsupportedToken) {
		t.Fatalf("expected unsupported token, got %v", err)
	}
	if _, err := f.engine.Deposit(f.other, "uusd", u(0), nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestDepositExternalEmitsPull(t *testing.T) {
	f := newFixture(t)
	contract := crypto.NewAddress(crypto.LendPrefix, make([]byte, 32)).String()
	f.state.tokens[contract] = true
	intents, err := f.engine.Deposit(f.other, contract, u(42), nil)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if intents[0].Kind != IntentPull || intents[0].Token != contract {
		t.Fatalf("expected pull intent for %s, got %+v", contract, intents[0])
	}
}

func TestWithdrawDeletesEmptyBalance(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Deposit(f.other, "uusd", u(500), attach("uusd", 500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.Withdraw(f.other, "uusd", u(501)); !errors.Is(err, ErrInsufficientDeposit) {
		t.Fatalf("expected insufficient deposit, got %v", err)
	}
	intents, err := f.engine.Withdraw(f.other, "uusd", u(200))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if intents[0].Kind != IntentRelease || !intents[0].From.Equal(f.pool) || !intents[0].To.Equal(f.other) {
		t.Fatalf("unexpected withdraw intent %+v", intents[0])
	}
	if _, err := f.engine.Withdraw(f.other, "uusd", u(300)); err != nil {
		t.Fatalf("withdraw remainder: %v", err)
	}
	if _, ok := f.state.deposits[f.state.depositKey(f.other, "uusd")]; ok {
		t.Fatalf("zero balance entry should be deleted")
	}
}

func TestWithdrawWithoutDepositFails(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Withdraw(f.other, "uusd", u(1)); !errors.Is(err, ErrInsufficientDeposit) {
		t.Fatalf("expected insufficient deposit, got %v", err)
	}
	if _, err := f.engine.Withdraw(f.other, "uosmo", u(1)); !errors.Is(err, ErrUnsupportedToken) {
		t.Fatalf("expected unsupported token, got %v", err)
	}
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	for _, n := range []uint64{1, 7, 1_000_000, 1 << 40} {
		f := newFixture(t)
		if _, err := f.engine.Deposit(f.other, "uatom", u(3), attach("uatom", 3)); err != nil {
			t.Fatalf("seed deposit: %v", err)
		}
		if _, err := f.engine.Deposit(f.other, "uatom", u(n), attach("uatom", n)); err != nil {
			t.Fatalf("deposit %d: %v", n, err)
		}
		if _, err := f.engine.Withdraw(f.other, "uatom", u(n)); err != nil {
			t.Fatalf("withdraw %d: %v", n, err)
		}
		balance, _ := f.state.GetDeposit(f.other, "uatom")
		if !balance.Eq(u(3)) {
			t.Fatalf("round trip of %d left balance %s", n, balance.Dec())
		}
	}
}

func TestBorrowAssignsIncreasingIDs(t *testing.T) {
	f := newFixture(t)
	for want := uint64(1); want <= 5; want++ {
		id := f.openPosition(t, 100, 500, 200)
		if !id.Eq(u(want)) {
			t.Fatalf("expected id %d, got %s", want, id.Dec())
		}
		p, ok, _ := f.state.GetPosition(id)
		if !ok {
			t.Fatalf("position %d not stored", want)
		}
		if p.Filled || p.HasLender() || p.FillTimestamp != 0 {
			t.Fatalf("new position should be open: %+v", p)
		}
	}
}

func TestBorrowValidation(t *testing.T) {
	f := newFixture(t)
	req := BorrowRequest{BorrowToken: "uusd", Amount: u(100), RateBps: 500, CollateralToken: "uosmo", Collateral: u(10)}
	if _, _, err := f.engine.Borrow(f.borrower, req, attach("uosmo", 10)); !errors.Is(err, ErrUnsupportedToken) {
		t.Fatalf("expected unsupported collateral, got %v", err)
	}
	req.CollateralToken = "uatom"
	if _, _, err := f.engine.Borrow(f.borrower, req, attach("uatom", 9)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if f.state.counter != 0 || len(f.state.positions) != 0 {
		t.Fatalf("failed borrow mutated state")
	}
}

func TestFillPosition(t *testing.T) {
	f := newFixture(t)
	id := f.openPosition(t, 1_000, 500, 2_000)

	if _, err := f.engine.FillPosition(f.lender, u(99), u(1_000), attach("uusd", 1_000)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.engine.FillPosition(f.lender, id, u(999), attach("uusd", 1_000)); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	p, _, _ := f.state.GetPosition(id)
	if p.Filled {
		t.Fatalf("mismatched fill mutated position")
	}

	f.engine.SetTime(5_000)
	intents, err := f.engine.FillPosition(f.lender, id, u(1_000), attach("uusd", 1_000))
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if len(intents) != 1 || !intents[0].From.Equal(f.lender) || !intents[0].To.Equal(f.borrower) {
		t.Fatalf("unexpected fill intents %+v", intents)
	}
	p, _, _ = f.state.GetPosition(id)
	if !p.Filled || !p.Lender.Equal(f.lender) || p.FillTimestamp != 5_000 {
		t.Fatalf("unexpected filled position %+v", p)
	}

	if _, err := f.engine.FillPosition(f.other, id, u(1_000), attach("uusd", 1_000)); !errors.Is(err, ErrPositionAlreadyFilled) {
		t.Fatalf("expected already filled, got %v", err)
	}
	again, _, _ := f.state.GetPosition(id)
	if !again.Lender.Equal(f.lender) {
		t.Fatalf("second fill replaced lender")
	}
}

func TestFillRequiresClock(t *testing.T) {
	f := newFixture(t)
	id := f.openPosition(t, 10, 0, 10)
	f.engine.SetTime(0)
	if _, err := f.engine.FillPosition(f.lender, id, u(10), attach("uusd", 10)); !errors.Is(err, errClockNotSet) {
		t.Fatalf("expected clock error, got %v", err)
	}
}

func TestRepayOneYear(t *testing.T) {
	f := newFixture(t)
	id := f.openPosition(t, 1_000_000, 500, 2_000_000)
	f.fill(t, id, 1_000_000)

	f.engine.SetTime(1_000 + SecondsPerYear)
	if _, err := f.engine.Repay(f.other, id, attach("uusd", 2_000_000)); !errors.Is(err, ErrNotBorrower) {
		t.Fatalf("expected not borrower, got %v", err)
	}
	if _, err := f.engine.Repay(f.borrower, id, attach("uusd", 1_004_999)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	intents, err := f.engine.Repay(f.borrower, id, attach("uusd", 1_005_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if len(intents) != 2 {
		t.Fatalf("expected two intents, got %d", len(intents))
	}
	if !intents[0].Amount.Eq(u(1_005_000)) || !intents[0].To.Equal(f.lender) || intents[0].Token != "uusd" {
		t.Fatalf("unexpected repayment intent %+v", intents[0])
	}
	if intents[1].Kind != IntentRelease || !intents[1].Amount.Eq(u(2_000_000)) || !intents[1].To.Equal(f.borrower) || intents[1].Token != "uatom" {
		t.Fatalf("unexpected collateral intent %+v", intents[1])
	}
	if _, ok, _ := f.state.GetPosition(id); ok {
		t.Fatalf("repaid position should be removed")
	}
}

func TestRepayUnfilled(t *testing.T) {
	f := newFixture(t)
	id := f.openPosition(t, 100, 500, 100)
	if _, err := f.engine.Repay(f.borrower, id, attach("uusd", 1_000)); !errors.Is(err, ErrPositionNotFilled) {
		t.Fatalf("expected not filled, got %v", err)
	}
}

func TestLiquidateSplitsDebtAndCollateral(t *testing.T) {
	f := newFixture(t)
	id := f.openPosition(t, 1_000_000, 500, 2_000_000)
	f.fill(t, id, 1_000_000)
	f.engine.SetTime(1_000 + SecondsPerYear)
	// 2,000,000 * 0 < 1,005,000 * 150 / 100
	f.oracle["uatom"] = u(0)

	liquidator := f.other
	intents, err := f.engine.Liquidate(context.Background(), liquidator, id, attach("uusd", 1_005_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if len(intents) != 3 {
		t.Fatalf("expected three intents, got %d", len(intents))
	}
	if !intents[0].From.Equal(liquidator) || !intents[0].To.Equal(f.pool) || !intents[0].Amount.Eq(u(1_005_000)) {
		t.Fatalf("unexpected debt payment %+v", intents[0])
	}
	if !intents[1].To.Equal(f.lender) || !intents[1].Amount.Eq(u(100_500)) || intents[1].Kind != IntentRelease {
		t.Fatalf("unexpected lender share %+v", intents[1])
	}
	if !intents[2].To.Equal(liquidator) || !intents[2].Amount.Eq(u(1_900_000)) || intents[2].Token != "uatom" {
		t.Fatalf("unexpected collateral payout %+v", intents[2])
	}
	if _, ok, _ := f.state.GetPosition(id); ok {
		t.Fatalf("liquidated position should be removed")
	}
}

func TestLiquidateHealthyPosition(t *testing.T) {
	f := newFixture(t)
	id := f.openPosition(t, 1_000, 0, 1_000)
	f.fill(t, id, 1_000)
	// 1,000 * 2 = 2,000 >= 1,000 * 150 / 100 = 1,500
	f.oracle["uatom"] = u(2)
	_, err := f.engine.Liquidate(context.Background(), f.other, id, attach("uusd", 1_000))
	if !errors.Is(err, ErrPositionHealthy) {
		t.Fatalf("expected healthy, got %v", err)
	}
	// exactly at the threshold is still healthy: 1,000 * 3 >= 1,000 * 300 / 100
	f.state.config.LiquidationThreshold = 300
	f.oracle["uatom"] = u(3)
	if _, err := f.engine.Liquidate(context.Background(), f.other, id, attach("uusd", 1_000)); !errors.Is(err, ErrPositionHealthy) {
		t.Fatalf("expected healthy at boundary, got %v", err)
	}
	if _, ok, _ := f.state.GetPosition(id); !ok {
		t.Fatalf("healthy liquidation removed position")
	}
}

func TestLiquidateOracleAndStateErrors(t *testing.T) {
	f := newFixture(t)
	id := f.openPosition(t, 1_000, 0, 1_000)
	if _, err := f.engine.Liquidate(context.Background(), f.other, id, nil); !errors.Is(err, ErrPositionNotFilled) {
		t.Fatalf("expected not filled, got %v", err)
	}
	f.fill(t, id, 1_000)
	_, err := f.engine.Liquidate(context.Background(), f.other, id, attach("uusd", 1_000))
	if !errors.Is(err, ErrOracleUnavailable) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oracle unavailable wrapping not found, got %v", err)
	}
	f.oracle["uatom"] = u(1)
	if _, err := f.engine.Liquidate(context.Background(), f.other, id, attach("uusd", 999)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, ok, _ := f.state.GetPosition(id); !ok {
		t.Fatalf("failed liquidation removed position")
	}
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	if _, ok, err := f.engine.UserInfo(f.other); err != nil || ok {
		t.Fatalf("expected no user info, ok=%v err=%v", ok, err)
	}
	for i := 0; i < 150; i++ {
		f.openPosition(t, 10, 0, 10)
	}
	page, err := f.engine.Positions(nil, 500)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(page) != DefaultPageLimit {
		t.Fatalf("expected clamp to %d, got %d", DefaultPageLimit, len(page))
	}
	page, err = f.engine.Positions(nil, 0)
	if err != nil || len(page) != 0 {
		t.Fatalf("expected empty page for zero limit, len=%d err=%v", len(page), err)
	}
	page, err = f.engine.Positions(u(140), UnsetLimit)
	if err != nil {
		t.Fatalf("positions after: %v", err)
	}
	if len(page) != 10 || !page[0].ID.Eq(u(141)) {
		t.Fatalf("unexpected page after 140: len=%d", len(page))
	}
	for i := 1; i < len(page); i++ {
		if !page[i-1].ID.Lt(page[i].ID) {
			t.Fatalf("page not ascending")
		}
	}
	info, ok, err := f.engine.UserInfo(f.borrower)
	if err != nil || !ok || len(info.Positions) != 150 {
		t.Fatalf("unexpected borrower info ok=%v err=%v", ok, err)
	}
	if _, err := f.engine.Position(u(999)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
