package lending

import (
	"fmt"

	"github.com/holiman/uint256"

	"lendbook/crypto"
)

// Config captures the immutable ledger parameters recorded at instantiation.
type Config struct {
	// Admin is the only identity allowed to register tokens.
	Admin crypto.Address `json:"admin"`
	// Oracle references the price feed consulted during liquidation.
	Oracle string `json:"oracle"`
	// LiquidationThreshold is the percentage of outstanding debt that the
	// collateral value must cover for a position to stay healthy.
	LiquidationThreshold uint64 `json:"liquidation_threshold"`
}

// Position is a single borrow agreement. Amounts are bounded to 128 bits.
type Position struct {
	// ID is the dense, strictly increasing position identifier starting at 1.
	ID *uint256.Int `json:"id"`
	// Borrower opened the position and owns its collateral.
	Borrower crypto.Address `json:"borrower"`
	// Lender funded the position. It stays zero until the position is filled.
	Lender crypto.Address `json:"lender,omitempty"`
	// BorrowToken is the identifier of the token lent to the borrower.
	BorrowToken string `json:"borrow_token"`
	// CollateralToken is the identifier of the token escrowed in the pool.
	CollateralToken string `json:"collateral_token"`
	// Principal is the amount the lender must supply exactly.
	Principal *uint256.Int `json:"amount"`
	// RateBps is the annual interest rate in hundredths of a percent.
	RateBps uint64 `json:"interest_rate"`
	// Collateral is the escrowed collateral amount.
	Collateral *uint256.Int `json:"collateral"`
	// FillTimestamp records the clock (seconds) at fill, zero while open.
	FillTimestamp uint64 `json:"start_time"`
	// Filled flips once a lender funds the position.
	Filled bool `json:"filled"`
}

// HasLender reports whether a lender has been recorded.
func (p *Position) HasLender() bool {
	return p != nil && !p.Lender.IsZero()
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	clone.ID = cloneAmount(p.ID)
	clone.Principal = cloneAmount(p.Principal)
	clone.Collateral = cloneAmount(p.Collateral)
	return &clone
}

// Deposit is a single user balance entry.
type Deposit struct {
	Token  string       `json:"token"`
	Amount *uint256.Int `json:"amount"`
}

// TokenSupport pairs a token identifier with its registry flag.
type TokenSupport struct {
	Token     string `json:"token"`
	Supported bool   `json:"supported"`
}

// UserInfo aggregates a user's deposits and the positions they borrowed or lent.
type UserInfo struct {
	Deposits  []Deposit   `json:"deposits"`
	Positions []*Position `json:"positions"`
}

// Coin is an amount of a native denomination attached to an action.
type Coin struct {
	Denom  string       `json:"denom"`
	Amount *uint256.Int `json:"amount"`
}

// Coins is the set of funds attached to an action.
type Coins []Coin

// AmountOf sums the attached amount for denom.
func (c Coins) AmountOf(denom string) *uint256.Int {
	total := new(uint256.Int)
	for _, coin := range c {
		if coin.Denom == denom && coin.Amount != nil {
			total.Add(total, coin.Amount)
		}
	}
	return total
}

// IntentKind distinguishes how settlement sources a transfer.
type IntentKind uint8

const (
	// IntentAttached moves native funds the payer attached to the action.
	IntentAttached IntentKind = iota + 1
	// IntentPull draws external tokens from the payer under a prior allowance.
	IntentPull
	// IntentRelease pays out of the pool.
	IntentRelease
)

func (k IntentKind) String() string {
	switch k {
	case IntentAttached:
		return "attached"
	case IntentPull:
		return "pull"
	case IntentRelease:
		return "release"
	default:
		return "unknown"
	}
}

func (k IntentKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *IntentKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "attached":
		*k = IntentAttached
	case "pull":
		*k = IntentPull
	case "release":
		*k = IntentRelease
	default:
		return fmt.Errorf("lending: unknown intent kind %q", text)
	}
	return nil
}

// TransferIntent is a single declared value movement. Intents are executed
// in order by the settlement layer after the action validates.
type TransferIntent struct {
	Kind   IntentKind     `json:"kind"`
	Token  string         `json:"token"`
	From   crypto.Address `json:"from"`
	To     crypto.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}
