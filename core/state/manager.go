package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"lendbook/storage"
)

// Manager reads and writes RLP encoded ledger records against a key-value
// store. Bind it to a transaction for writes or a snapshot for reads.
type Manager struct {
	store storage.Store
}

// NewManager creates a state manager operating on the provided store.
func NewManager(store storage.Store) *Manager {
	return &Manager{store: store}
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.store.Put(key, encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.store.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("kv: decode %q: %w", key, err)
	}
	return true, nil
}

// KVDelete removes the key. Deleting a missing key is not an error.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.store.Delete(key)
}

// KVScan walks the RLP records under prefix in key order, starting at from
// when non-nil. decode is called with the raw key and encoded value.
func (m *Manager) KVScan(prefix, from []byte, decode func(key, value []byte) (bool, error)) error {
	return m.store.Iterate(prefix, from, decode)
}
