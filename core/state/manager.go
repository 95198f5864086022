package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"lendingledger/native/lending"
	"lendingledger/storage"
)

// Manager persists lending records and custody balances as RLP encoded values
// under Keccak256 hashed keys.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a write buffering transaction. Reads observe the transaction's
// own writes; nothing reaches the database until Commit.
func (m *Manager) Begin() *Txn {
	return &Txn{db: m.db, writes: make(map[string][]byte)}
}

// Bank loads a bank record. It returns nil when the mint has no bank.
func (m *Manager) Bank(mint lending.Address) (*lending.Bank, error) {
	return m.Begin().GetBank(mint)
}

// Banks lists every initialised bank ordered by mint.
func (m *Manager) Banks() ([]*lending.Bank, error) {
	return m.Begin().Banks()
}

// Position loads a user position. It returns nil when the owner was never
// initialised.
func (m *Manager) Position(owner lending.Address) (*lending.UserPosition, error) {
	return m.Begin().GetPosition(owner)
}

// Balance returns the custody balance of account for mint.
func (m *Manager) Balance(mint, account lending.Address) (uint64, error) {
	return m.Begin().Balance(mint, account)
}

// Txn buffers writes against the underlying database.
type Txn struct {
	db     storage.Database
	writes map[string][]byte
	done   bool
}

var errTxnClosed = errors.New("state: transaction already closed")

func (t *Txn) get(key []byte) ([]byte, error) {
	hashed := kvKey(key)
	if value, ok := t.writes[string(hashed)]; ok {
		return value, nil
	}
	value, err := t.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (t *Txn) put(key []byte, value interface{}) error {
	if t.done {
		return errTxnClosed
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	t.writes[string(kvKey(key))] = encoded
	return nil
}

func (t *Txn) decode(key []byte, out interface{}) (bool, error) {
	data, err := t.get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// Len reports the number of buffered writes.
func (t *Txn) Len() int { return len(t.writes) }

// Commit writes the buffered records in a single batch.
func (t *Txn) Commit() error {
	if t.done {
		return errTxnClosed
	}
	t.done = true
	if len(t.writes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(t.writes))
	for key := range t.writes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := t.db.NewBatch()
	for _, key := range keys {
		batch.Put([]byte(key), t.writes[key])
	}
	t.writes = nil
	return batch.Write()
}

// Discard drops the buffered writes.
func (t *Txn) Discard() {
	t.done = true
	t.writes = nil
}

// GetBank implements lending.State.
func (t *Txn) GetBank(mint lending.Address) (*lending.Bank, error) {
	bank := new(lending.Bank)
	ok, err := t.decode(LendingBankKey(mint), bank)
	if err != nil || !ok {
		return nil, err
	}
	return bank, nil
}

// PutBank implements lending.State. New mints are appended to the bank index.
func (t *Txn) PutBank(bank *lending.Bank) error {
	if bank == nil {
		return nil
	}
	index, err := t.bankIndex()
	if err != nil {
		return err
	}
	pos := sort.Search(len(index), func(i int) bool { return index[i].Compare(bank.Mint) >= 0 })
	if pos == len(index) || index[pos] != bank.Mint {
		index = append(index, lending.Address{})
		copy(index[pos+1:], index[pos:])
		index[pos] = bank.Mint
		if err := t.put(lendingBankIndexKey, index); err != nil {
			return err
		}
	}
	return t.put(LendingBankKey(bank.Mint), bank)
}

func (t *Txn) bankIndex() ([]lending.Address, error) {
	var index []lending.Address
	if _, err := t.decode(lendingBankIndexKey, &index); err != nil {
		return nil, err
	}
	return index, nil
}

// Banks lists the stored banks ordered by mint.
func (t *Txn) Banks() ([]*lending.Bank, error) {
	index, err := t.bankIndex()
	if err != nil {
		return nil, err
	}
	banks := make([]*lending.Bank, 0, len(index))
	for _, mint := range index {
		bank, err := t.GetBank(mint)
		if err != nil {
			return nil, err
		}
		if bank != nil {
			banks = append(banks, bank)
		}
	}
	return banks, nil
}

// GetPosition implements lending.State.
func (t *Txn) GetPosition(owner lending.Address) (*lending.UserPosition, error) {
	position := new(lending.UserPosition)
	ok, err := t.decode(LendingPositionKey(owner), position)
	if err != nil || !ok {
		return nil, err
	}
	return position, nil
}

// PutPosition implements lending.State.
func (t *Txn) PutPosition(position *lending.UserPosition) error {
	if position == nil {
		return nil
	}
	return t.put(LendingPositionKey(position.Owner), position)
}
