package settlement

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/holiman/uint256"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketBalances   = []byte("balances")
	bucketAllowances = []byte("allowances")
	bucketMeta       = []byte("meta")
	keyGenesis       = []byte("genesis_applied")
)

// Store persists bank balances and allowances. Each key is the account and
// token joined by a zero byte; values are decimal amounts. Zero entries are
// deleted.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the bank database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("settlement: create store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("settlement: open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBalances, bucketAllowances, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("settlement: init store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func entryKey(account, token string) []byte {
	key := make([]byte, 0, len(account)+1+len(token))
	key = append(key, account...)
	key = append(key, 0)
	return append(key, token...)
}

func splitKey(key []byte) (string, string, bool) {
	account, token, ok := bytes.Cut(key, []byte{0})
	return string(account), string(token), ok
}

// load reads every persisted entry and whether genesis balances were applied.
func (s *Store) load() (ledger, ledger, bool, error) {
	balances, allowances := make(ledger), make(ledger)
	applied := false
	err := s.db.View(func(tx *bolt.Tx) error {
		applied = tx.Bucket(bucketMeta).Get(keyGenesis) != nil
		for _, pair := range []struct {
			bucket []byte
			into   ledger
		}{{bucketBalances, balances}, {bucketAllowances, allowances}} {
			err := tx.Bucket(pair.bucket).ForEach(func(k, v []byte) error {
				account, token, ok := splitKey(k)
				if !ok {
					return fmt.Errorf("malformed key %q", k)
				}
				amount, err := uint256.FromDecimal(string(v))
				if err != nil {
					return fmt.Errorf("amount of %s/%s: %w", account, token, err)
				}
				pair.into.set(account, token, amount)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, false, fmt.Errorf("settlement: load store: %w", err)
	}
	return balances, allowances, applied, nil
}

// change is one entry to write. A zero amount deletes it.
type change struct {
	allowance bool
	account   string
	token     string
	amount    *uint256.Int
}

// write applies changes in one transaction, optionally marking genesis as
// applied.
func (s *Store) write(changes []change, markGenesis bool) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		balances, allowances := tx.Bucket(bucketBalances), tx.Bucket(bucketAllowances)
		for _, c := range changes {
			bucket := balances
			if c.allowance {
				bucket = allowances
			}
			key := entryKey(c.account, c.token)
			if c.amount == nil || c.amount.IsZero() {
				if err := bucket.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(key, []byte(c.amount.Dec())); err != nil {
				return err
			}
		}
		if markGenesis {
			return tx.Bucket(bucketMeta).Put(keyGenesis, []byte{1})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("settlement: persist: %w", err)
	}
	return nil
}
