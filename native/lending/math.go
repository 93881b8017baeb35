package lending

import "github.com/holiman/uint256"

const (
	// SecondsPerYear is the 365-day year used for simple interest accrual.
	SecondsPerYear = 31_536_000

	liquidatorDebtPct       = 90
	liquidatorCollateralPct = 95
	percent                 = 100
)

var (
	hundred             = uint256.NewInt(percent)
	interestDenominator = uint256.NewInt(SecondsPerYear * percent)
)

// fits128 reports whether v is a valid ledger amount.
func fits128(v *uint256.Int) bool {
	return v != nil && v.BitLen() <= 128
}

func checkAmount(v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return ErrInvalidAmount
	}
	if !fits128(v) {
		return ErrOverflow
	}
	return nil
}

func add128(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow || !fits128(sum) {
		return nil, ErrOverflow
	}
	return sum, nil
}

// Elapsed returns now - since, saturating at zero when the clock is behind.
func Elapsed(since, now uint64) uint64 {
	if now <= since {
		return 0
	}
	return now - since
}

// Interest returns floor(principal * rateBps * elapsed / (31_536_000 * 100)).
// The product is taken in 256 bits; the quotient must fit in 128.
func Interest(principal *uint256.Int, rateBps, elapsed uint64) (*uint256.Int, error) {
	if principal == nil {
		return new(uint256.Int), nil
	}
	num, overflow := new(uint256.Int).MulOverflow(principal, uint256.NewInt(rateBps))
	if overflow {
		return nil, ErrOverflow
	}
	num, overflow = num.MulOverflow(num, uint256.NewInt(elapsed))
	if overflow {
		return nil, ErrOverflow
	}
	interest := num.Div(num, interestDenominator)
	if !fits128(interest) {
		return nil, ErrOverflow
	}
	return interest, nil
}

// TotalDebt is principal plus accrued interest at now. Repay and liquidation
// both settle this amount.
func TotalDebt(p *Position, now uint64) (*uint256.Int, error) {
	interest, err := Interest(p.Principal, p.RateBps, Elapsed(p.FillTimestamp, now))
	if err != nil {
		return nil, err
	}
	return add128(p.Principal, interest)
}

// IsHealthy reports whether collateral * price >= totalDebt * thresholdPct / 100.
// Both sides are evaluated in 256 bits.
func IsHealthy(collateral, price, totalDebt *uint256.Int, thresholdPct uint64) (bool, error) {
	value, overflow := new(uint256.Int).MulOverflow(collateral, price)
	if overflow {
		return false, ErrOverflow
	}
	required, overflow := new(uint256.Int).MulOverflow(totalDebt, uint256.NewInt(thresholdPct))
	if overflow {
		return false, ErrOverflow
	}
	required.Div(required, hundred)
	return !value.Lt(required), nil
}

// Split is the distribution of a liquidation.
type Split struct {
	// LiquidatorShare is floor(totalDebt * 90 / 100). It is retained by the pool.
	LiquidatorShare *uint256.Int
	// LenderShare is the exact complement of LiquidatorShare.
	LenderShare *uint256.Int
	// CollateralToLiquidator is floor(collateral * 95 / 100). The remainder
	// stays in the pool.
	CollateralToLiquidator *uint256.Int
}

// LiquidationSplit divides the debt payment and collateral of a liquidated
// position. Inputs are 128-bit so the intermediate products cannot overflow.
func LiquidationSplit(totalDebt, collateral *uint256.Int) Split {
	liquidatorShare := new(uint256.Int).Mul(totalDebt, uint256.NewInt(liquidatorDebtPct))
	liquidatorShare.Div(liquidatorShare, hundred)
	lenderShare := new(uint256.Int).Sub(totalDebt, liquidatorShare)
	toLiquidator := new(uint256.Int).Mul(collateral, uint256.NewInt(liquidatorCollateralPct))
	toLiquidator.Div(toLiquidator, hundred)
	return Split{
		LiquidatorShare:        liquidatorShare,
		LenderShare:            lenderShare,
		CollateralToLiquidator: toLiquidator,
	}
}
