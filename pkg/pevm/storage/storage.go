// Package storage defines the read-only state oracle the executor falls
// back to when a memory location has no entry in MV-memory, plus a simple
// in-memory implementation used by tests and the CLI harness.
package storage

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
)

// Storage is the read-only oracle consumed by the core (spec.md §6). It
// must be safe for concurrent use: many worker goroutines fall through to
// it simultaneously.
type Storage interface {
	Basic(addr common.Address) (*pevmtypes.AccountBasic, error)
	CodeByHash(hash common.Hash) ([]byte, error)
	Storage(addr common.Address, slot common.Hash) (*uint256.Int, error)
	HasStorage(addr common.Address) (bool, error)
	BlockHash(number uint64) (common.Hash, error)
}

// Error wraps a failure from a Storage implementation, matching spec.md
// §7's "Storage errors" taxonomy entry.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// InMemory is a Storage backed by plain maps, guarded by a single mutex.
// It is the reference implementation used by tests, the sequential
// fallback path's seed state, and the CLI harness's synthetic blocks.
type InMemory struct {
	mu       sync.RWMutex
	accounts map[common.Address]*pevmtypes.AccountBasic
	code     map[common.Hash][]byte
	slots    map[common.Address]map[common.Hash]*uint256.Int
	hashes   map[uint64]common.Hash
}

func NewInMemory() *InMemory {
	return &InMemory{
		accounts: make(map[common.Address]*pevmtypes.AccountBasic),
		code:     make(map[common.Hash][]byte),
		slots:    make(map[common.Address]map[common.Hash]*uint256.Int),
		hashes:   make(map[uint64]common.Hash),
	}
}

func (m *InMemory) SetAccount(addr common.Address, acct *pevmtypes.AccountBasic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[addr] = acct
}

func (m *InMemory) SetCode(hash common.Hash, code []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code[hash] = code
}

func (m *InMemory) SetStorage(addr common.Address, slot common.Hash, value *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[addr] == nil {
		m.slots[addr] = make(map[common.Hash]*uint256.Int)
	}
	m.slots[addr][slot] = value
}

func (m *InMemory) SetBlockHash(number uint64, hash common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[number] = hash
}

func (m *InMemory) Basic(addr common.Address) (*pevmtypes.AccountBasic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[addr]
	if !ok {
		return nil, nil
	}
	return acct.Clone(), nil
}

func (m *InMemory) CodeByHash(hash common.Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code[hash], nil
}

func (m *InMemory) Storage(addr common.Address, slot common.Hash) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if byAddr, ok := m.slots[addr]; ok {
		if v, ok := byAddr[slot]; ok {
			return v.Clone(), nil
		}
	}
	return uint256.NewInt(0), nil
}

func (m *InMemory) HasStorage(addr common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byAddr, ok := m.slots[addr]
	return ok && len(byAddr) > 0, nil
}

func (m *InMemory) BlockHash(number uint64) (common.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hashes[number], nil
}
