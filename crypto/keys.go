package crypto

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part of a bech32 address.
type AddressPrefix string

// LendPrefix is the default prefix for ledger accounts.
const LendPrefix AddressPrefix = "lend"

const (
	accountAddressLen  = 20
	contractAddressLen = 32
)

// Address is a bech32 encoded account or contract address. Both 20-byte
// account addresses and 32-byte contract addresses are accepted.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

// NewAddress wraps raw bytes. It panics when the length is neither 20 nor 32
// bytes; use DecodeAddress for untrusted input.
func NewAddress(prefix AddressPrefix, b []byte) Address {
	if !validLength(len(b)) {
		panic("address must be 20 or 32 bytes long")
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return Address{prefix: prefix, bytes: cp}
}

// ModuleAddress derives a deterministic account address for a named module
// from the keccak256 digest of the name.
func ModuleAddress(prefix AddressPrefix, name string) Address {
	digest := ethcrypto.Keccak256([]byte(name))
	return NewAddress(prefix, digest[:accountAddressLen])
}

func validLength(n int) bool {
	return n == accountAddressLen || n == contractAddressLen
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return len(a.bytes) == 0
}

// Equal compares prefix and payload.
func (a Address) Equal(other Address) bool {
	return a.prefix == other.prefix && bytes.Equal(a.bytes, other.bytes)
}

// MarshalText encodes the address as its bech32 string.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a bech32 string. An empty string yields the zero address.
func (a *Address) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = Address{}
		return nil
	}
	decoded, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if !validLength(len(conv)) {
		return Address{}, fmt.Errorf("invalid address length %d", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// MustDecodeAddress is DecodeAddress for constants and tests.
func MustDecodeAddress(addrStr string) Address {
	addr, err := DecodeAddress(addrStr)
	if err != nil {
		panic(err)
	}
	return addr
}
