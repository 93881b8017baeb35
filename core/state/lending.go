package state

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"lendbook/crypto"
	"lendbook/native/lending"
)

var (
	lendingConfigKey      = []byte("lending/config")
	lendingCounterKey     = []byte("lending/counter")
	lendingTokenPrefix    = []byte("lending/tokens/")
	lendingPositionPrefix = []byte("lending/positions/")
	lendingDepositPrefix  = []byte("lending/deposits/")
)

const positionIDLen = 16

type storedConfig struct {
	Admin                string
	Oracle               string
	LiquidationThreshold uint64
}

type storedPosition struct {
	Borrower        string
	Lender          string
	BorrowToken     string
	CollateralToken string
	Principal       []byte
	RateBps         uint64
	Collateral      []byte
	FillTimestamp   uint64
	Filled          bool
}

func tokenKey(token string) []byte {
	return append(append([]byte(nil), lendingTokenPrefix...), token...)
}

func positionKey(id *uint256.Int) ([]byte, error) {
	if id == nil || id.BitLen() > positionIDLen*8 {
		return nil, fmt.Errorf("state: position id out of range")
	}
	raw := id.Bytes32()
	return append(append([]byte(nil), lendingPositionPrefix...), raw[32-positionIDLen:]...), nil
}

func depositUserPrefix(user crypto.Address) []byte {
	buf := append([]byte(nil), lendingDepositPrefix...)
	buf = append(buf, user.String()...)
	return append(buf, '/')
}

func depositKey(user crypto.Address, token string) []byte {
	return append(depositUserPrefix(user), token...)
}

func encodeAmount(v *uint256.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}

func decodeAmount(b []byte) *uint256.Int {
	return new(uint256.Int).SetBytes(b)
}

func decodeOptionalAddress(s string) (crypto.Address, error) {
	if s == "" {
		return crypto.Address{}, nil
	}
	return crypto.DecodeAddress(s)
}

// LendingInitialised reports whether a ledger configuration has been written.
func (m *Manager) LendingInitialised() (bool, error) {
	return m.KVGet(lendingConfigKey, nil)
}

// InitLending writes the configuration, a zero position counter and the
// initial token set. It does nothing when a configuration already exists,
// which keeps the configuration immutable across restarts.
func (m *Manager) InitLending(cfg lending.Config, tokens []string) (bool, error) {
	exists, err := m.LendingInitialised()
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if cfg.Admin.IsZero() {
		return false, fmt.Errorf("state: lending admin required")
	}
	stored := storedConfig{
		Admin:                cfg.Admin.String(),
		Oracle:               cfg.Oracle,
		LiquidationThreshold: cfg.LiquidationThreshold,
	}
	if err := m.KVPut(lendingConfigKey, &stored); err != nil {
		return false, err
	}
	if err := m.KVPut(lendingCounterKey, []byte{}); err != nil {
		return false, err
	}
	for _, token := range tokens {
		if err := m.SetTokenSupported(token); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (m *Manager) GetConfig() (*lending.Config, bool, error) {
	var stored storedConfig
	ok, err := m.KVGet(lendingConfigKey, &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	admin, err := crypto.DecodeAddress(stored.Admin)
	if err != nil {
		return nil, false, fmt.Errorf("state: decode admin: %w", err)
	}
	return &lending.Config{
		Admin:                admin,
		Oracle:               stored.Oracle,
		LiquidationThreshold: stored.LiquidationThreshold,
	}, true, nil
}

func (m *Manager) IsTokenSupported(token string) (bool, error) {
	var supported bool
	ok, err := m.KVGet(tokenKey(token), &supported)
	if err != nil {
		return false, err
	}
	return ok && supported, nil
}

func (m *Manager) SetTokenSupported(token string) error {
	if token == "" {
		return fmt.Errorf("state: empty token identifier")
	}
	return m.KVPut(tokenKey(token), true)
}

// ListTokens returns every registered token in ascending key order.
func (m *Manager) ListTokens() ([]lending.TokenSupport, error) {
	var out []lending.TokenSupport
	err := m.KVScan(lendingTokenPrefix, nil, func(key, value []byte) (bool, error) {
		var supported bool
		if err := rlp.DecodeBytes(value, &supported); err != nil {
			return false, fmt.Errorf("state: decode token %q: %w", key, err)
		}
		out = append(out, lending.TokenSupport{
			Token:     string(key[len(lendingTokenPrefix):]),
			Supported: supported,
		})
		return true, nil
	})
	return out, err
}

// GetDeposit returns the balance, zero when no entry exists.
func (m *Manager) GetDeposit(user crypto.Address, token string) (*uint256.Int, error) {
	var raw []byte
	if _, err := m.KVGet(depositKey(user, token), &raw); err != nil {
		return nil, err
	}
	return decodeAmount(raw), nil
}

// PutDeposit stores the balance. A zero balance deletes the entry.
func (m *Manager) PutDeposit(user crypto.Address, token string, amount *uint256.Int) error {
	key := depositKey(user, token)
	if amount == nil || amount.IsZero() {
		return m.KVDelete(key)
	}
	return m.KVPut(key, encodeAmount(amount))
}

func (m *Manager) ListDeposits(user crypto.Address) ([]lending.Deposit, error) {
	prefix := depositUserPrefix(user)
	var out []lending.Deposit
	err := m.KVScan(prefix, nil, func(key, value []byte) (bool, error) {
		var raw []byte
		if err := rlp.DecodeBytes(value, &raw); err != nil {
			return false, fmt.Errorf("state: decode deposit %q: %w", key, err)
		}
		out = append(out, lending.Deposit{
			Token:  string(key[len(prefix):]),
			Amount: decodeAmount(raw),
		})
		return true, nil
	})
	return out, err
}

// NextPositionID increments and persists the counter, returning counter+1.
func (m *Manager) NextPositionID() (*uint256.Int, error) {
	var raw []byte
	if _, err := m.KVGet(lendingCounterKey, &raw); err != nil {
		return nil, err
	}
	next, overflow := new(uint256.Int).AddOverflow(decodeAmount(raw), uint256.NewInt(1))
	if overflow || next.BitLen() > positionIDLen*8 {
		return nil, lending.ErrOverflow
	}
	if err := m.KVPut(lendingCounterKey, encodeAmount(next)); err != nil {
		return nil, err
	}
	return next, nil
}

func (m *Manager) GetPosition(id *uint256.Int) (*lending.Position, bool, error) {
	key, err := positionKey(id)
	if err != nil {
		return nil, false, nil
	}
	var stored storedPosition
	ok, err := m.KVGet(key, &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	position, err := positionFromStored(id, &stored)
	if err != nil {
		return nil, false, err
	}
	return position, true, nil
}

func (m *Manager) PutPosition(position *lending.Position) error {
	if position == nil {
		return fmt.Errorf("state: nil position")
	}
	key, err := positionKey(position.ID)
	if err != nil {
		return err
	}
	stored := storedPosition{
		Borrower:        position.Borrower.String(),
		Lender:          position.Lender.String(),
		BorrowToken:     position.BorrowToken,
		CollateralToken: position.CollateralToken,
		Principal:       encodeAmount(position.Principal),
		RateBps:         position.RateBps,
		Collateral:      encodeAmount(position.Collateral),
		FillTimestamp:   position.FillTimestamp,
		Filled:          position.Filled,
	}
	return m.KVPut(key, &stored)
}

func (m *Manager) DeletePosition(id *uint256.Int) error {
	key, err := positionKey(id)
	if err != nil {
		return err
	}
	return m.KVDelete(key)
}

// ListPositions returns up to limit positions with id > startAfter in
// ascending order.
func (m *Manager) ListPositions(startAfter *uint256.Int, limit int) ([]*lending.Position, error) {
	if limit <= 0 {
		return nil, nil
	}
	var from []byte
	if startAfter != nil {
		key, err := positionKey(startAfter)
		if err != nil {
			return nil, nil
		}
		from = append(key, 0x00)
	}
	var out []*lending.Position
	err := m.scanPositions(from, func(p *lending.Position) bool {
		out = append(out, p)
		return len(out) < limit
	})
	return out, err
}

// PositionsOf returns every position where user is the borrower or the
// lender. It walks the whole book.
func (m *Manager) PositionsOf(user crypto.Address) ([]*lending.Position, error) {
	var out []*lending.Position
	err := m.scanPositions(nil, func(p *lending.Position) bool {
		if p.Borrower.Equal(user) || p.Lender.Equal(user) {
			out = append(out, p)
		}
		return true
	})
	return out, err
}

func (m *Manager) scanPositions(from []byte, fn func(*lending.Position) bool) error {
	return m.KVScan(lendingPositionPrefix, from, func(key, value []byte) (bool, error) {
		rawID := key[len(lendingPositionPrefix):]
		if len(rawID) != positionIDLen || !bytes.HasPrefix(key, lendingPositionPrefix) {
			return false, fmt.Errorf("state: malformed position key %x", key)
		}
		var stored storedPosition
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			return false, fmt.Errorf("state: decode position %x: %w", rawID, err)
		}
		position, err := positionFromStored(new(uint256.Int).SetBytes(rawID), &stored)
		if err != nil {
			return false, err
		}
		return fn(position), nil
	})
}

func positionFromStored(id *uint256.Int, stored *storedPosition) (*lending.Position, error) {
	borrower, err := crypto.DecodeAddress(stored.Borrower)
	if err != nil {
		return nil, fmt.Errorf("state: decode borrower: %w", err)
	}
	lender, err := decodeOptionalAddress(stored.Lender)
	if err != nil {
		return nil, fmt.Errorf("state: decode lender: %w", err)
	}
	return &lending.Position{
		ID:              id.Clone(),
		Borrower:        borrower,
		Lender:          lender,
		BorrowToken:     stored.BorrowToken,
		CollateralToken: stored.CollateralToken,
		Principal:       decodeAmount(stored.Principal),
		RateBps:         stored.RateBps,
		Collateral:      decodeAmount(stored.Collateral),
		FillTimestamp:   stored.FillTimestamp,
		Filled:          stored.Filled,
	}, nil
}
