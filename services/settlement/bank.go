package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"lendbook/crypto"
	"lendbook/native/lending"
)

var (
	ErrInsufficientBalance   = errors.New("settlement: insufficient balance")
	ErrInsufficientAllowance = errors.New("settlement: insufficient allowance")
	ErrUnknownIntent         = errors.New("settlement: unknown intent kind")
)

type ledger map[string]map[string]*uint256.Int

func (l ledger) get(account, token string) *uint256.Int {
	if byToken, ok := l[account]; ok {
		if amount, ok := byToken[token]; ok {
			return amount
		}
	}
	return new(uint256.Int)
}

func (l ledger) set(account, token string, amount *uint256.Int) {
	byToken, ok := l[account]
	if !ok {
		byToken = make(map[string]*uint256.Int)
		l[account] = byToken
	}
	if amount.IsZero() {
		delete(byToken, token)
		if len(byToken) == 0 {
			delete(l, account)
		}
		return
	}
	byToken[token] = amount
}

func (l ledger) clone() ledger {
	out := make(ledger, len(l))
	for account, byToken := range l {
		copied := make(map[string]*uint256.Int, len(byToken))
		for token, amount := range byToken {
			copied[token] = amount.Clone()
		}
		out[account] = copied
	}
	return out
}

// entry names one (account, token) cell of a ledger.
type entry struct {
	account string
	token   string
}

// Seed is a genesis balance.
type Seed struct {
	Account crypto.Address
	Token   string
	Amount  *uint256.Int
}

// Bank is the settlement ledger. It holds account balances for every token
// kind and allowances granted to the pool for external tokens. With a Store
// attached every change is written through before it becomes visible.
type Bank struct {
	mu         sync.Mutex
	pool       string
	store      *Store
	seeded     bool
	balances   ledger
	allowances ledger
}

// NewBank creates an empty in-memory bank escrowing into pool.
func NewBank(pool crypto.Address) *Bank {
	return &Bank{
		pool:       pool.String(),
		balances:   make(ledger),
		allowances: make(ledger),
	}
}

// OpenBank creates a bank backed by store, loading what it already holds.
func OpenBank(pool crypto.Address, store *Store) (*Bank, error) {
	balances, allowances, seeded, err := store.load()
	if err != nil {
		return nil, err
	}
	return &Bank{
		pool:       pool.String(),
		store:      store,
		seeded:     seeded,
		balances:   balances,
		allowances: allowances,
	}, nil
}

// persist writes the touched entries of balances and allowances through to
// the store, if any.
func (b *Bank) persist(balances, allowances ledger, touchedBalances, touchedAllowances []entry, markGenesis bool) error {
	if b.store == nil {
		return nil
	}
	changes := make([]change, 0, len(touchedBalances)+len(touchedAllowances))
	for _, e := range touchedBalances {
		changes = append(changes, change{account: e.account, token: e.token, amount: balances.get(e.account, e.token)})
	}
	for _, e := range touchedAllowances {
		changes = append(changes, change{allowance: true, account: e.account, token: e.token, amount: allowances.get(e.account, e.token)})
	}
	return b.store.write(changes, markGenesis)
}

// Genesis credits seeds once per store. It reports false when the balances
// were already applied by an earlier run.
func (b *Bank) Genesis(seeds []Seed) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seeded {
		return false, nil
	}
	balances := b.balances.clone()
	touched := make([]entry, 0, len(seeds))
	for _, seed := range seeds {
		if err := credit(balances, seed.Account.String(), seed.Token, seed.Amount); err != nil {
			return false, err
		}
		touched = append(touched, entry{seed.Account.String(), seed.Token})
	}
	if err := b.persist(balances, b.allowances, touched, nil, true); err != nil {
		return false, err
	}
	b.balances = balances
	b.seeded = true
	return true, nil
}

// Credit mints amount to account.
func (b *Bank) Credit(account crypto.Address, token string, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	balances := b.balances.clone()
	if err := credit(balances, account.String(), token, amount); err != nil {
		return err
	}
	if err := b.persist(balances, b.allowances, []entry{{account.String(), token}}, nil, false); err != nil {
		return err
	}
	b.balances = balances
	return nil
}

func credit(balances ledger, account, token string, amount *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(balances.get(account, token), amount)
	if overflow {
		return fmt.Errorf("settlement: credit overflows balance of %s", account)
	}
	balances.set(account, token, sum)
	return nil
}

// Approve sets the allowance owner grants the pool for token.
func (b *Bank) Approve(owner crypto.Address, token string, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	allowances := b.allowances.clone()
	allowances.set(owner.String(), token, amount.Clone())
	if err := b.persist(b.balances, allowances, nil, []entry{{owner.String(), token}}, false); err != nil {
		return err
	}
	b.allowances = allowances
	return nil
}

// Balance returns the balance of account for token.
func (b *Bank) Balance(account crypto.Address, token string) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances.get(account.String(), token).Clone()
}

// Allowance returns what owner has left approved for the pool.
func (b *Bank) Allowance(owner crypto.Address, token string) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowances.get(owner.String(), token).Clone()
}

// Balances lists every non-zero balance of account in token order.
func (b *Bank) Balances(account crypto.Address) []lending.Deposit {
	b.mu.Lock()
	defer b.mu.Unlock()
	byToken := b.balances[account.String()]
	out := make([]lending.Deposit, 0, len(byToken))
	for token, amount := range byToken {
		out = append(out, lending.Deposit{Token: token, Amount: amount.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Execute applies a settlement atomically. Attached funds move from the
// caller into the pool first and are never refunded, so attached intents pay
// out of the pool. Pull intents consume the payer's allowance.
func (b *Bank) Execute(ctx context.Context, s Settlement) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSettlementFailed, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	balances := b.balances.clone()
	allowances := b.allowances.clone()
	caller := s.Caller.String()
	var touched, touchedAllowances []entry

	for _, coin := range s.Funds {
		if err := move(balances, coin.Denom, caller, b.pool, coin.Amount); err != nil {
			return fmt.Errorf("%w: escrow attached %s: %w", ErrSettlementFailed, coin.Denom, err)
		}
		touched = append(touched, entry{caller, coin.Denom}, entry{b.pool, coin.Denom})
	}
	for i, intent := range s.Intents {
		from, to := intent.From.String(), intent.To.String()
		switch intent.Kind {
		case lending.IntentAttached:
			from = b.pool
		case lending.IntentPull:
			allowed := allowances.get(from, intent.Token)
			if allowed.Lt(intent.Amount) {
				return fmt.Errorf("%w: intent %d: %w: %s has %s of %s approved", ErrSettlementFailed, i, ErrInsufficientAllowance, from, allowed.Dec(), intent.Token)
			}
			allowances.set(from, intent.Token, new(uint256.Int).Sub(allowed, intent.Amount))
			touchedAllowances = append(touchedAllowances, entry{from, intent.Token})
		case lending.IntentRelease:
			from = b.pool
		default:
			return fmt.Errorf("%w: intent %d: %w", ErrSettlementFailed, i, ErrUnknownIntent)
		}
		if err := move(balances, intent.Token, from, to, intent.Amount); err != nil {
			return fmt.Errorf("%w: intent %d: %w", ErrSettlementFailed, i, err)
		}
		touched = append(touched, entry{from, intent.Token}, entry{to, intent.Token})
	}

	if err := b.persist(balances, allowances, touched, touchedAllowances, false); err != nil {
		return fmt.Errorf("%w: %w", ErrSettlementFailed, err)
	}
	b.balances = balances
	b.allowances = allowances
	return nil
}

func move(balances ledger, token, from, to string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() || from == to {
		return nil
	}
	available := balances.get(from, token)
	if available.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, from, available.Dec(), token, amount.Dec())
	}
	credited, overflow := new(uint256.Int).AddOverflow(balances.get(to, token), amount)
	if overflow {
		return fmt.Errorf("settlement: balance of %s overflows", to)
	}
	balances.set(from, token, new(uint256.Int).Sub(available, amount))
	balances.set(to, token, credited)
	return nil
}
