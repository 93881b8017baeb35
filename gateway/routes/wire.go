package routes

import (
	"github.com/holiman/uint256"

	"lendbook/core/events"
	"lendbook/native/lending"
)

// Amounts travel as decimal strings. Numbers are accepted on input.

type addTokenRequest struct {
	Token string `json:"token"`
}

type depositRequest struct {
	Token  string        `json:"token"`
	Amount *uint256.Int  `json:"amount"`
	Funds  lending.Coins `json:"funds"`
}

type withdrawRequest struct {
	Token  string       `json:"token"`
	Amount *uint256.Int `json:"amount"`
}

type borrowRequest struct {
	BorrowToken     string        `json:"borrow_token"`
	Amount          *uint256.Int  `json:"amount"`
	InterestRate    uint64        `json:"interest_rate"`
	CollateralToken string        `json:"collateral_token"`
	Collateral      *uint256.Int  `json:"collateral"`
	Funds           lending.Coins `json:"funds"`
}

func (r borrowRequest) toEngine() lending.BorrowRequest {
	return lending.BorrowRequest{
		BorrowToken:     r.BorrowToken,
		Amount:          r.Amount,
		RateBps:         r.InterestRate,
		CollateralToken: r.CollateralToken,
		Collateral:      r.Collateral,
	}
}

type fillRequest struct {
	PositionID *uint256.Int  `json:"position_id"`
	Amount     *uint256.Int  `json:"amount"`
	Funds      lending.Coins `json:"funds"`
}

type positionRequest struct {
	PositionID *uint256.Int  `json:"position_id"`
	Funds      lending.Coins `json:"funds"`
}

type tokensResponse struct {
	Tokens []lending.TokenSupport `json:"tokens"`
}

type positionsResponse struct {
	Positions []*lending.Position `json:"positions"`
}

type setPriceRequest struct {
	Price *uint256.Int `json:"price"`
}

type priceResponse struct {
	Token string       `json:"token"`
	Price *uint256.Int `json:"price"`
}

type approveRequest struct {
	Token  string       `json:"token"`
	Amount *uint256.Int `json:"amount"`
}

type allowanceResponse struct {
	Owner  string       `json:"owner"`
	Token  string       `json:"token"`
	Amount *uint256.Int `json:"amount"`
}

type balancesResponse struct {
	Account  string            `json:"account"`
	Balances []lending.Deposit `json:"balances"`
}

type eventsResponse struct {
	Events []events.Record `json:"events"`
}
