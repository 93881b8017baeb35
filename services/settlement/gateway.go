package settlement

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"lendbook/crypto"
	"lendbook/native/lending"
)

// ErrSettlementFailed wraps every failure reported by a gateway.
var ErrSettlementFailed = errors.New("settlement: execution failed")

// Settlement is the unit handed to a gateway: all intents of one action
// together with the funds the caller attached to it.
type Settlement struct {
	ID      uuid.UUID
	Action  string
	Caller  crypto.Address
	Funds   lending.Coins
	Intents []lending.TransferIntent
}

// Gateway executes the intents of an action. Execute must be all or nothing:
// on error no value may have moved.
type Gateway interface {
	Execute(ctx context.Context, s Settlement) error
}

// FuncGateway adapts a callback to the Gateway interface.
type FuncGateway struct {
	ExecuteFunc func(ctx context.Context, s Settlement) error
}

// Execute delegates to the configured callback.
func (g FuncGateway) Execute(ctx context.Context, s Settlement) error {
	if g.ExecuteFunc == nil {
		return nil
	}
	return g.ExecuteFunc(ctx, s)
}
