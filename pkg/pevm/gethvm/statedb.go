// Package gethvm adapts the black-box go-ethereum EVM (core/vm.EVM) to
// the parallel executor: StateDB is a vm.StateDB backed by the
// read-intercepting wrapper in vmstate, and Transactor drives one
// transaction through vm.EVM the way the reference node does, per
// spec.md §4.3 and §6.
package gethvm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/vmstate"
)

// StateDB implements the subset of core/vm.StateDB the EVM interpreter
// needs, routing every read through vmstate.State (MV-memory first,
// storage oracle on a miss) and buffering writes until the transaction
// finishes so they can be classified (ordinary vs. lazy balance addition)
// before being committed to MV-memory.
type StateDB struct {
	st    *vmstate.State
	codes *codeRegistry

	dirtyAccounts map[common.Address]*pevmtypes.AccountBasic
	dirtyStorage  map[common.Address]map[common.Hash]*uint256.Int
	dirtyCode     map[common.Address][]byte
	destructed    map[common.Address]bool

	accessedAddr map[common.Address]bool
	accessedSlot map[common.Address]map[common.Hash]bool

	logs    []*pevmtypes.TxLogEntry
	refund  uint64
	snaps   []stateSnapshot
	err     error
}

type stateSnapshot struct {
	dirtyAccounts map[common.Address]*pevmtypes.AccountBasic
	refund        uint64
}

func NewStateDB(st *vmstate.State) *StateDB {
	return &StateDB{
		st:            st,
		dirtyAccounts: make(map[common.Address]*pevmtypes.AccountBasic),
		dirtyStorage:  make(map[common.Address]map[common.Hash]*uint256.Int),
		dirtyCode:     make(map[common.Address][]byte),
		destructed:    make(map[common.Address]bool),
		accessedAddr:  make(map[common.Address]bool),
		accessedSlot:  make(map[common.Address]map[common.Hash]bool),
	}
}

func (s *StateDB) account(addr common.Address) *pevmtypes.AccountBasic {
	if a, ok := s.dirtyAccounts[addr]; ok {
		return a
	}
	a, err := s.st.GetAccount(addr)
	if err != nil {
		s.err = err
		return &pevmtypes.AccountBasic{Balance: uint256.NewInt(0)}
	}
	clone := a.Clone()
	s.dirtyAccounts[addr] = clone
	return clone
}

// Err returns the most recent read error observed (e.g. vmstate.ErrReadBlocked),
// which the Transactor surfaces to the driver as an abort signal.
func (s *StateDB) Err() error { return s.err }

func (s *StateDB) CreateAccount(addr common.Address) {
	s.dirtyAccounts[addr] = &pevmtypes.AccountBasic{Balance: uint256.NewInt(0)}
}

func (s *StateDB) CreateContract(addr common.Address) {}

func (s *StateDB) SubBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	a := s.account(addr)
	prev := *a.Balance
	a.Balance = new(uint256.Int).Sub(a.Balance, amount)
	return prev
}

func (s *StateDB) AddBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	a := s.account(addr)
	prev := *a.Balance
	a.Balance = new(uint256.Int).Add(a.Balance, amount)
	return prev
}

func (s *StateDB) GetBalance(addr common.Address) *uint256.Int {
	return s.account(addr).Balance
}

func (s *StateDB) GetNonce(addr common.Address) uint64 {
	return s.account(addr).Nonce
}

func (s *StateDB) SetNonce(addr common.Address, nonce uint64, reason tracing.NonceChangeReason) {
	s.account(addr).Nonce = nonce
}

func (s *StateDB) GetCodeHash(addr common.Address) common.Hash {
	return s.account(addr).CodeHash
}

func (s *StateDB) GetCode(addr common.Address) []byte {
	if c, ok := s.dirtyCode[addr]; ok {
		return c
	}
	hash := s.account(addr).CodeHash
	if hash == (common.Hash{}) {
		return nil
	}
	if s.codes != nil {
		if code, ok := s.codes.get(hash); ok {
			return code
		}
	}
	code, err := s.st.Code(hash)
	if err != nil {
		s.err = err
		return nil
	}
	return code
}

func (s *StateDB) SetCode(addr common.Address, code []byte) []byte {
	prev := s.GetCode(addr)
	s.dirtyCode[addr] = code
	s.account(addr).CodeHash = crypto.Keccak256Hash(code)
	return prev
}

func (s *StateDB) GetCodeSize(addr common.Address) int { return len(s.GetCode(addr)) }

func (s *StateDB) AddRefund(amount uint64)  { s.refund += amount }
func (s *StateDB) SubRefund(amount uint64) {
	if amount > s.refund {
		s.refund = 0
		return
	}
	s.refund -= amount
}
func (s *StateDB) GetRefund() uint64 { return s.refund }

func (s *StateDB) GetCommittedState(addr common.Address, slot common.Hash) common.Hash {
	v, err := s.st.GetStorage(addr, slot)
	if err != nil {
		s.err = err
		return common.Hash{}
	}
	return common.Hash(v.Bytes32())
}

func (s *StateDB) GetState(addr common.Address, slot common.Hash) common.Hash {
	if byAddr, ok := s.dirtyStorage[addr]; ok {
		if v, ok := byAddr[slot]; ok {
			return common.Hash(v.Bytes32())
		}
	}
	return s.GetCommittedState(addr, slot)
}

func (s *StateDB) SetState(addr common.Address, slot common.Hash, value common.Hash) common.Hash {
	prev := s.GetState(addr, slot)
	if s.dirtyStorage[addr] == nil {
		s.dirtyStorage[addr] = make(map[common.Hash]*uint256.Int)
	}
	s.dirtyStorage[addr][slot] = new(uint256.Int).SetBytes(value[:])
	return prev
}

func (s *StateDB) GetStorageRoot(addr common.Address) common.Hash { return common.Hash{} }

func (s *StateDB) GetTransientState(addr common.Address, slot common.Hash) common.Hash {
	return common.Hash{}
}
func (s *StateDB) SetTransientState(addr common.Address, slot, value common.Hash) {}

func (s *StateDB) SelfDestruct(addr common.Address) uint256.Int {
	a := s.account(addr)
	prev := *a.Balance
	s.destructed[addr] = true
	a.Balance = uint256.NewInt(0)
	return prev
}

func (s *StateDB) HasSelfDestructed(addr common.Address) bool { return s.destructed[addr] }

func (s *StateDB) Selfdestruct6780(addr common.Address) (uint256.Int, bool) {
	bal := s.SelfDestruct(addr)
	return bal, true
}

func (s *StateDB) Exist(addr common.Address) bool {
	_, everRead := s.dirtyAccounts[addr]
	if everRead {
		return true
	}
	a := s.account(addr)
	return a.Balance.Sign() != 0 || a.Nonce != 0 || a.CodeHash != (common.Hash{})
}

func (s *StateDB) Empty(addr common.Address) bool {
	a := s.account(addr)
	return a.Balance.IsZero() && a.Nonce == 0 && a.CodeHash == (common.Hash{})
}

func (s *StateDB) AddressInAccessList(addr common.Address) bool { return s.accessedAddr[addr] }

func (s *StateDB) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	addrOk := s.accessedAddr[addr]
	slotOk := s.accessedSlot[addr] != nil && s.accessedSlot[addr][slot]
	return addrOk, slotOk
}

func (s *StateDB) AddAddressToAccessList(addr common.Address) { s.accessedAddr[addr] = true }

func (s *StateDB) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	s.accessedAddr[addr] = true
	if s.accessedSlot[addr] == nil {
		s.accessedSlot[addr] = make(map[common.Hash]bool)
	}
	s.accessedSlot[addr][slot] = true
}

func (s *StateDB) Prepare(rules params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, txAccesses types.AccessList) {
	s.accessedAddr[sender] = true
	if dest != nil {
		s.accessedAddr[*dest] = true
	}
	s.accessedAddr[coinbase] = true
	for _, p := range precompiles {
		s.accessedAddr[p] = true
	}
	for _, e := range txAccesses {
		s.accessedAddr[e.Address] = true
		for _, slot := range e.StorageKeys {
			s.AddSlotToAccessList(e.Address, slot)
		}
	}
}

func (s *StateDB) RevertToSnapshot(id int) {
	if id < 0 || id >= len(s.snaps) {
		return
	}
	snap := s.snaps[id]
	s.dirtyAccounts = snap.dirtyAccounts
	s.refund = snap.refund
	s.snaps = s.snaps[:id]
}

func (s *StateDB) Snapshot() int {
	cloned := make(map[common.Address]*pevmtypes.AccountBasic, len(s.dirtyAccounts))
	for k, v := range s.dirtyAccounts {
		cloned[k] = v.Clone()
	}
	s.snaps = append(s.snaps, stateSnapshot{dirtyAccounts: cloned, refund: s.refund})
	return len(s.snaps) - 1
}

func (s *StateDB) AddLog(log *types.Log) {
	entry := &pevmtypes.TxLogEntry{Address: log.Address, Topics: log.Topics, Data: log.Data}
	s.logs = append(s.logs, entry)
}

func (s *StateDB) AddPreimage(hash common.Hash, preimage []byte) {}

func (s *StateDB) Witness() *types.AccessList { return nil }

func (s *StateDB) PointCache() interface{} { return nil }

// Deltas exposes the accumulated account/storage/code writes so the
// Transactor can classify them for MV-memory.
func (s *StateDB) Deltas() (map[common.Address]*pevmtypes.AccountBasic, map[common.Address]map[common.Hash]*uint256.Int, map[common.Address]bool) {
	return s.dirtyAccounts, s.dirtyStorage, s.destructed
}

func (s *StateDB) Logs() []*pevmtypes.TxLogEntry { return s.logs }

func (s *StateDB) RefundValue() uint64 { return s.refund }
