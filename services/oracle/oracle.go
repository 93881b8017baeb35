// Package oracle provides price feeds consumed by the lending engine during
// liquidation.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"lendbook/crypto"
	"lendbook/native/lending"
)

var (
	// ErrPriceNotFound is returned when no price has been published for a
	// token. It wraps lending.ErrNotFound.
	ErrPriceNotFound = fmt.Errorf("oracle: price not published: %w", lending.ErrNotFound)
	ErrUnauthorized  = errors.New("oracle: unauthorized")
	ErrInvalidPrice  = errors.New("oracle: invalid price")
)

// Static keeps prices in memory. Only the admin may publish prices.
type Static struct {
	mu     sync.RWMutex
	admin  crypto.Address
	prices map[string]*uint256.Int
}

// NewStatic creates an oracle administered by admin, optionally seeded.
func NewStatic(admin crypto.Address, seed map[string]*uint256.Int) *Static {
	prices := make(map[string]*uint256.Int, len(seed))
	for token, price := range seed {
		prices[token] = price.Clone()
	}
	return &Static{admin: admin, prices: prices}
}

// Admin returns the identity allowed to publish prices.
func (s *Static) Admin() crypto.Address {
	return s.admin
}

// SetPrice publishes a price for token.
func (s *Static) SetPrice(caller crypto.Address, token string, price *uint256.Int) error {
	if !caller.Equal(s.admin) {
		return ErrUnauthorized
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token required", ErrInvalidPrice)
	}
	if price == nil || price.BitLen() > 128 {
		return fmt.Errorf("%w: price must fit in 128 bits", ErrInvalidPrice)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[token] = price.Clone()
	return nil
}

// Price implements lending.PriceOracle.
func (s *Static) Price(_ context.Context, token string) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceNotFound, token)
	}
	return price.Clone(), nil
}

var _ lending.PriceOracle = (*Static)(nil)
