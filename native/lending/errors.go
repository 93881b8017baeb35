package lending

import "errors"

var (
	ErrUnauthorized          = errors.New("lending engine: unauthorized")
	ErrUnsupportedToken      = errors.New("lending engine: token not supported")
	ErrInsufficientFunds     = errors.New("lending engine: insufficient funds attached")
	ErrInsufficientDeposit   = errors.New("lending engine: insufficient deposit")
	ErrPositionAlreadyFilled = errors.New("lending engine: position already filled")
	ErrAmountMismatch        = errors.New("lending engine: amount does not match position")
	ErrNotBorrower           = errors.New("lending engine: caller is not the borrower")
	ErrPositionNotFilled     = errors.New("lending engine: position not filled")
	ErrPositionHealthy       = errors.New("lending engine: position is healthy")
	ErrNotFound              = errors.New("lending engine: not found")
	ErrOracleUnavailable     = errors.New("lending engine: oracle unavailable")
	ErrInvalidAmount         = errors.New("lending engine: amount must be positive")
	ErrOverflow              = errors.New("lending engine: amount overflows 128 bits")

	errNilState    = errors.New("lending engine: state not configured")
	errNilOracle   = errors.New("lending engine: oracle not configured")
	errNotCreated  = errors.New("lending engine: ledger not instantiated")
	errClockNotSet = errors.New("lending engine: clock not set")
)
