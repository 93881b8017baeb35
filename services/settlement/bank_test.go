package settlement

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"lendbook/crypto"
	"lendbook/native/lending"
)

func addr(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = suffix
	return crypto.NewAddress(crypto.LendPrefix, raw)
}

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestBankEscrowsAttachedFunds(t *testing.T) {
	pool, alice := addr(1), addr(2)
	bank := NewBank(pool)
	require.NoError(t, bank.Credit(alice, "uusd", amt(1_000)))

	err := bank.Execute(context.Background(), Settlement{
		ID:     uuid.New(),
		Action: "deposit",
		Caller: alice,
		Funds:  lending.Coins{{Denom: "uusd", Amount: amt(150)}},
		Intents: []lending.TransferIntent{
			{Kind: lending.IntentAttached, Token: "uusd", From: alice, To: pool, Amount: amt(100)},
		},
	})
	require.NoError(t, err)
	// the 50 excess stays in the pool
	require.Equal(t, uint64(850), bank.Balance(alice, "uusd").Uint64())
	require.Equal(t, uint64(150), bank.Balance(pool, "uusd").Uint64())
}

func TestBankAttachedPaysThroughPool(t *testing.T) {
	pool, lender, borrower := addr(1), addr(2), addr(3)
	bank := NewBank(pool)
	require.NoError(t, bank.Credit(lender, "uusd", amt(500)))

	err := bank.Execute(context.Background(), Settlement{
		Caller: lender,
		Funds:  lending.Coins{{Denom: "uusd", Amount: amt(500)}},
		Intents: []lending.TransferIntent{
			{Kind: lending.IntentAttached, Token: "uusd", From: lender, To: borrower, Amount: amt(500)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(500), bank.Balance(borrower, "uusd").Uint64())
	require.True(t, bank.Balance(pool, "uusd").IsZero())
	require.Empty(t, bank.Balances(lender))
}

func TestBankPullRequiresAllowance(t *testing.T) {
	pool, alice := addr(1), addr(2)
	token := addr(9).String()
	bank := NewBank(pool)
	require.NoError(t, bank.Credit(alice, token, amt(100)))

	s := Settlement{
		Caller: alice,
		Intents: []lending.TransferIntent{
			{Kind: lending.IntentPull, Token: token, From: alice, To: pool, Amount: amt(60)},
		},
	}
	err := bank.Execute(context.Background(), s)
	require.ErrorIs(t, err, ErrSettlementFailed)
	require.ErrorIs(t, err, ErrInsufficientAllowance)

	require.NoError(t, bank.Approve(alice, token, amt(60)))
	require.NoError(t, bank.Execute(context.Background(), s))
	require.Equal(t, uint64(40), bank.Balance(alice, token).Uint64())
	require.True(t, bank.Allowance(alice, token).IsZero())
}

func TestBankExecuteIsAllOrNothing(t *testing.T) {
	pool, alice, bob := addr(1), addr(2), addr(3)
	bank := NewBank(pool)
	require.NoError(t, bank.Credit(pool, "uatom", amt(10)))
	require.NoError(t, bank.Credit(alice, "uusd", amt(100)))

	err := bank.Execute(context.Background(), Settlement{
		Caller: alice,
		Funds:  lending.Coins{{Denom: "uusd", Amount: amt(100)}},
		Intents: []lending.TransferIntent{
			{Kind: lending.IntentAttached, Token: "uusd", From: alice, To: pool, Amount: amt(100)},
			{Kind: lending.IntentRelease, Token: "uatom", From: pool, To: bob, Amount: amt(5)},
			{Kind: lending.IntentRelease, Token: "uatom", From: pool, To: bob, Amount: amt(6)},
		},
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, uint64(100), bank.Balance(alice, "uusd").Uint64())
	require.Equal(t, uint64(10), bank.Balance(pool, "uatom").Uint64())
	require.True(t, bank.Balance(bob, "uatom").IsZero())
}

func TestFuncGatewayDelegates(t *testing.T) {
	called := false
	gw := FuncGateway{ExecuteFunc: func(context.Context, Settlement) error {
		called = true
		return nil
	}}
	require.NoError(t, gw.Execute(context.Background(), Settlement{}))
	require.True(t, called)
	require.NoError(t, FuncGateway{}.Execute(context.Background(), Settlement{}))
}

func openBank(t *testing.T, path string, pool crypto.Address) (*Bank, *Store) {
	t.Helper()
	store, err := OpenStore(path)
	require.NoError(t, err)
	bank, err := OpenBank(pool, store)
	require.NoError(t, err)
	return bank, store
}

func TestBankSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank.db")
	pool, alice := addr(1), addr(2)
	token := addr(9).String()

	bank, store := openBank(t, path, pool)
	applied, err := bank.Genesis([]Seed{
		{Account: alice, Token: "uatom", Amount: amt(5_000)},
		{Account: alice, Token: token, Amount: amt(100)},
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, bank.Approve(alice, token, amt(70)))
	require.NoError(t, bank.Execute(context.Background(), Settlement{
		Caller: alice,
		Funds:  lending.Coins{{Denom: "uatom", Amount: amt(1_200)}},
		Intents: []lending.TransferIntent{
			{Kind: lending.IntentAttached, Token: "uatom", From: alice, To: pool, Amount: amt(1_200)},
			{Kind: lending.IntentPull, Token: token, From: alice, To: pool, Amount: amt(30)},
		},
	}))
	require.NoError(t, store.Close())

	bank, store = openBank(t, path, pool)
	t.Cleanup(func() { _ = store.Close() })
	require.Equal(t, uint64(3_800), bank.Balance(alice, "uatom").Uint64())
	require.Equal(t, uint64(1_200), bank.Balance(pool, "uatom").Uint64())
	require.Equal(t, uint64(70), bank.Balance(alice, token).Uint64())
	require.Equal(t, uint64(30), bank.Balance(pool, token).Uint64())
	require.Equal(t, uint64(40), bank.Allowance(alice, token).Uint64())

	applied, err = bank.Genesis([]Seed{{Account: alice, Token: "uatom", Amount: amt(5_000)}})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, uint64(3_800), bank.Balance(alice, "uatom").Uint64())

	// the pool is drained back out and the emptied entry is dropped
	require.NoError(t, bank.Execute(context.Background(), Settlement{
		Caller: alice,
		Intents: []lending.TransferIntent{
			{Kind: lending.IntentRelease, Token: "uatom", From: pool, To: alice, Amount: amt(1_200)},
		},
	}))
	require.Equal(t, []lending.Deposit{{Token: token, Amount: amt(30)}}, bank.Balances(pool))
}

func TestBankRejectedSettlementIsNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank.db")
	pool, alice := addr(1), addr(2)

	bank, store := openBank(t, path, pool)
	require.NoError(t, bank.Credit(alice, "uusd", amt(100)))
	err := bank.Execute(context.Background(), Settlement{
		Caller: alice,
		Funds:  lending.Coins{{Denom: "uusd", Amount: amt(101)}},
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.NoError(t, store.Close())

	bank, store = openBank(t, path, pool)
	t.Cleanup(func() { _ = store.Close() })
	require.Equal(t, uint64(100), bank.Balance(alice, "uusd").Uint64())
	require.True(t, bank.Balance(pool, "uusd").IsZero())
}

func TestStoreCloseIsNilSafe(t *testing.T) {
	var store *Store
	require.NoError(t, store.Close())
}
