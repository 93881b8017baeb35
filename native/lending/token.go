package lending

import (
	"fmt"

	"github.com/holiman/uint256"

	"lendbook/crypto"
)

// TokenKind classifies a resolved token identifier.
type TokenKind uint8

const (
	TokenNative TokenKind = iota + 1
	TokenExternal
)

func (k TokenKind) String() string {
	switch k {
	case TokenNative:
		return "native"
	case TokenExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Token produces the transfer intents needed to move value of one kind. Each
// variant owns its funding rule so actions never branch on the kind.
type Token interface {
	// ID is the raw identifier the token was resolved from.
	ID() string
	Kind() TokenKind
	// Pay moves amount from a payer account, proving the payer can fund it.
	Pay(payer, recipient crypto.Address, amount *uint256.Int, funds Coins) (TransferIntent, error)
	// Release moves amount out of the pool.
	Release(pool, recipient crypto.Address, amount *uint256.Int) TransferIntent
}

// NativeToken is a denomination of the host currency. Payers must attach the
// funds to the same action.
type NativeToken struct {
	Denom string
}

func (t NativeToken) ID() string      { return t.Denom }
func (t NativeToken) Kind() TokenKind { return TokenNative }

func (t NativeToken) Pay(payer, recipient crypto.Address, amount *uint256.Int, funds Coins) (TransferIntent, error) {
	attached := funds.AmountOf(t.Denom)
	if attached.Lt(amount) {
		return TransferIntent{}, fmt.Errorf("%w: need %s%s, attached %s%s", ErrInsufficientFunds, amount.Dec(), t.Denom, attached.Dec(), t.Denom)
	}
	return TransferIntent{
		Kind:   IntentAttached,
		Token:  t.Denom,
		From:   payer,
		To:     recipient,
		Amount: amount.Clone(),
	}, nil
}

func (t NativeToken) Release(pool, recipient crypto.Address, amount *uint256.Int) TransferIntent {
	return TransferIntent{Kind: IntentRelease, Token: t.Denom, From: pool, To: recipient, Amount: amount.Clone()}
}

// ExternalToken is a token managed by a separate contract. Payers grant the
// pool an allowance beforehand; settlement enforces it.
type ExternalToken struct {
	Contract crypto.Address
	raw      string
}

func (t ExternalToken) ID() string {
	if t.raw != "" {
		return t.raw
	}
	return t.Contract.String()
}

func (t ExternalToken) Kind() TokenKind { return TokenExternal }

func (t ExternalToken) Pay(payer, recipient crypto.Address, amount *uint256.Int, _ Coins) (TransferIntent, error) {
	return TransferIntent{
		Kind:   IntentPull,
		Token:  t.ID(),
		From:   payer,
		To:     recipient,
		Amount: amount.Clone(),
	}, nil
}

func (t ExternalToken) Release(pool, recipient crypto.Address, amount *uint256.Int) TransferIntent {
	return TransferIntent{Kind: IntentRelease, Token: t.ID(), From: pool, To: recipient, Amount: amount.Clone()}
}

// ResolveToken classifies an identifier. Anything that decodes as a bech32
// address is an external contract, everything else is a native denomination.
// Registry membership is not consulted.
func ResolveToken(id string) Token {
	if addr, err := crypto.DecodeAddress(id); err == nil {
		return ExternalToken{Contract: addr, raw: id}
	}
	return NativeToken{Denom: id}
}
