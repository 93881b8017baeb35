package events

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"lendbook/crypto"
)

const (
	// TypeLendingAction is emitted after an action commits.
	TypeLendingAction = "lending.action"
)

// LendingAction records a committed ledger action and the transfers it
// settled.
type LendingAction struct {
	ActionID   uuid.UUID
	Action     string
	Caller     crypto.Address
	PositionID *uint256.Int
	Intents    int
	Timestamp  uint64
}

func (LendingAction) EventType() string { return TypeLendingAction }

// Record flattens the event into string attributes.
func (e LendingAction) Record() Record {
	attrs := map[string]string{
		"action_id": e.ActionID.String(),
		"action":    e.Action,
		"caller":    e.Caller.String(),
		"intents":   strconv.Itoa(e.Intents),
		"timestamp": strconv.FormatUint(e.Timestamp, 10),
	}
	if e.PositionID != nil {
		attrs["position_id"] = e.PositionID.Dec()
	}
	return Record{Type: TypeLendingAction, Attributes: attrs}
}
