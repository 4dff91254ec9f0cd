// Package vmstate implements the read-intercepting execution wrapper
// described in spec.md §4.3: it sits between a black-box EVM transactor
// and MV-memory, resolving every account/storage read through the
// multi-version store (falling back to the storage oracle), recording the
// read set an incarnation observed, and classifying the writes it
// produces so lazy balance additions never need to serialize a hot
// account like the block beneficiary.
package vmstate

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/mvmemory"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/storage"
)

// ErrReadBlocked signals that a read hit an in-progress incarnation of a
// lower transaction. The caller must abort the current attempt, register
// a scheduler dependency, and retry once the blocker finishes.
var ErrReadBlocked = errors.New("vmstate: read blocked on lower incarnation")

// maxRetries bounds how many times one transaction, summed over all of its
// incarnations, may retry a transient execution error (e.g. a storage read
// racing a concurrent abort) before the driver gives up and surfaces the
// error.
const maxRetries = 8

// State is the per-incarnation read/write tracker. One is created per
// execution attempt and discarded on abort; State itself does not
// retain incarnation-spanning data beyond the retry counter, which the
// caller keeps across attempts.
type State struct {
	txIdx       pevmtypes.TxIdx
	incarnation pevmtypes.Incarnation

	mv   *mvmemory.MVMemory
	store storage.Storage

	beneficiary common.Address

	reads   *pevmtypes.ReadSet
	writes  pevmtypes.WriteSet
	writeIdx map[pevmtypes.LocationHash]int

	blockingIdx pevmtypes.TxIdx
	blocked     bool
}

// New starts a fresh read/write tracking session for one execution
// attempt.
func New(txIdx pevmtypes.TxIdx, incarnation pevmtypes.Incarnation, mv *mvmemory.MVMemory, store storage.Storage, beneficiary common.Address) *State {
	return &State{
		txIdx:       txIdx,
		incarnation: incarnation,
		mv:          mv,
		store:       store,
		beneficiary: beneficiary,
		reads:       pevmtypes.NewReadSet(),
		writeIdx:    make(map[pevmtypes.LocationHash]int),
	}
}

// Blocked reports whether this attempt hit a read that must abort
// execution, and which lower transaction it should depend on.
func (s *State) Blocked() (pevmtypes.TxIdx, bool) { return s.blockingIdx, s.blocked }

// Code resolves a contract's bytecode by hash. Code is immutable once
// deployed, so unlike accounts and storage it is never tracked in
// MV-memory or recorded into the read set: every incarnation that reads
// a given code hash observes the same bytes.
func (s *State) Code(hash common.Hash) ([]byte, error) {
	code, err := s.store.CodeByHash(hash)
	if err != nil {
		return nil, &storage.Error{Op: "CodeByHash", Err: err}
	}
	return code, nil
}

func (s *State) recordBlock(blockingIdx pevmtypes.TxIdx) {
	if !s.blocked || blockingIdx > s.blockingIdx {
		s.blocked = true
		s.blockingIdx = blockingIdx
	}
}

// GetAccount resolves an account's basic info by climbing whatever chain
// of LazyBalanceAddition entries sits below this incarnation down to the
// nearest absolute snapshot (or the storage oracle), per spec.md §4.3.
// Every basic-account read goes through this climb, not just reads of
// accounts this transaction already suspects are lazy-addressed: any
// location below it may hold a LazyBalanceAddition left by a transfer
// recipient or the beneficiary, and a plain "take the highest entry
// as-is" read would silently return a bare delta instead of a balance.
// requireConsecutive is true only for the beneficiary, the one location
// hot enough to need the strict "no gap below the reader" rule rather
// than a plain climb.
func (s *State) GetAccount(addr common.Address) (*pevmtypes.AccountBasic, error) {
	loc := pevmtypes.BasicLocation(addr)
	hash := loc.Hash()

	result := s.mv.ReadAccountChain(hash, s.txIdx, addr == s.beneficiary)
	switch result.Kind {
	case mvmemory.ReadBlocked:
		s.recordBlock(result.BlockingIdx)
		return nil, ErrReadBlocked
	case mvmemory.ReadInvalidType:
		return nil, errors.New("vmstate: location type mismatch on basic read")
	case mvmemory.ReadOk:
		basic := resolveChain(result.Basic, result.Addends)
		s.reads.Entries[hash] = &pevmtypes.ReadDescriptor{Location: loc, Origins: result.Origins}
		s.reads.Accounts[hash] = basic.Clone()
		return basic, nil
	case mvmemory.ReadNotFound:
		basic, err := s.store.Basic(addr)
		if err != nil {
			return nil, &storage.Error{Op: "Basic", Err: err}
		}
		if basic == nil {
			basic = &pevmtypes.AccountBasic{Balance: uint256.NewInt(0)}
		}
		basic = resolveChain(basic, result.Addends)
		s.reads.Entries[hash] = &pevmtypes.ReadDescriptor{Location: loc, Origins: append(result.Origins, pevmtypes.StorageOrigin)}
		s.reads.Accounts[hash] = basic.Clone()
		return basic, nil
	}
	return nil, errors.New("vmstate: unreachable read result")
}

func resolveChain(base *pevmtypes.AccountBasic, addends []*uint256.Int) *pevmtypes.AccountBasic {
	balance := uint256.NewInt(0)
	if base != nil && base.Balance != nil {
		balance.Set(base.Balance)
	}
	for _, a := range addends {
		balance.Add(balance, a)
	}
	out := &pevmtypes.AccountBasic{Balance: balance}
	if base != nil {
		out.Nonce = base.Nonce
		out.CodeHash = base.CodeHash
	}
	return out
}

// GetStorage resolves one storage slot, preferring MV-memory and falling
// back to the oracle.
func (s *State) GetStorage(addr common.Address, slot common.Hash) (*uint256.Int, error) {
	loc := pevmtypes.StorageLocation(addr, slot)
	hash := loc.Hash()

	res := s.mv.Read(hash, s.txIdx)
	switch res.Kind {
	case mvmemory.ReadBlocked:
		s.recordBlock(res.BlockingIdx)
		return nil, ErrReadBlocked
	case mvmemory.ReadInvalidType:
		return nil, errors.New("vmstate: location type mismatch on storage read")
	case mvmemory.ReadOk:
		if res.Value.Kind != pevmtypes.ValueStorage {
			return nil, errors.New("vmstate: expected storage value, found account value")
		}
		s.reads.Entries[hash] = &pevmtypes.ReadDescriptor{Location: loc, Origins: []pevmtypes.ReadOrigin{pevmtypes.MvOrigin(res.Version)}}
		return res.Value.StorageValue.Clone(), nil
	case mvmemory.ReadNotFound:
		v, err := s.store.Storage(addr, slot)
		if err != nil {
			return nil, &storage.Error{Op: "Storage", Err: err}
		}
		s.reads.Entries[hash] = &pevmtypes.ReadDescriptor{Location: loc, Origins: []pevmtypes.ReadOrigin{pevmtypes.StorageOrigin}}
		return v, nil
	}
	return nil, errors.New("vmstate: unreachable read result")
}

// WriteKind classifies one output of a transaction for the purpose of
// deciding whether it can be recorded as a relative delta (see spec.md
// §3, LazyBalanceAddition) rather than an absolute snapshot.
type WriteKind uint8

const (
	WriteOrdinary WriteKind = iota
	WriteLazyBalance
	WriteStorage
)

// RecordAccountWrite appends a write for addr. kind == WriteLazyBalance
// means delta is a relative change to apply atop whatever the reader
// resolves the account to, rather than an absolute snapshot — the core
// mechanism that lets many transactions credit the same beneficiary
// without serializing on it.
func (s *State) RecordAccountWrite(addr common.Address, kind WriteKind, snapshot *pevmtypes.AccountBasic, delta *uint256.Int) {
	loc := pevmtypes.BasicLocation(addr)
	hash := loc.Hash()

	var value pevmtypes.MemoryValue
	if kind == WriteLazyBalance {
		value = pevmtypes.LazyBalanceAddition(delta.Clone())
	} else {
		value = pevmtypes.BasicValue(snapshot.Clone())
	}

	rec := pevmtypes.WriteRecord{LocationHash: hash, Location: loc, Value: value}
	if idx, ok := s.writeIdx[hash]; ok {
		s.writes[idx] = rec
		return
	}
	s.writeIdx[hash] = len(s.writes)
	s.writes = append(s.writes, rec)
}

// RecordStorageWrite appends a storage slot write.
func (s *State) RecordStorageWrite(addr common.Address, slot common.Hash, value *uint256.Int) {
	loc := pevmtypes.StorageLocation(addr, slot)
	hash := loc.Hash()
	rec := pevmtypes.WriteRecord{LocationHash: hash, Location: loc, Value: pevmtypes.StorageValue(value.Clone())}
	if idx, ok := s.writeIdx[hash]; ok {
		s.writes[idx] = rec
		return
	}
	s.writeIdx[hash] = len(s.writes)
	s.writes = append(s.writes, rec)
}

// ReadSet and WriteSet return the accumulated sets once execution of this
// incarnation completes (successfully or not).
func (s *State) ReadSet() *pevmtypes.ReadSet   { return s.reads }
func (s *State) WriteSet() pevmtypes.WriteSet { return s.writes }

// RetryBudget tracks how many transient retries a transaction has spent
// across incarnations, per spec.md §7's bounded-retry policy.
type RetryBudget struct {
	counts []uint8
}

func NewRetryBudget(blockSize int) *RetryBudget {
	return &RetryBudget{counts: make([]uint8, blockSize)}
}

// Allow reports whether txIdx may retry again, consuming one unit of
// budget if so.
func (r *RetryBudget) Allow(txIdx pevmtypes.TxIdx) bool {
	if r.counts[txIdx] >= maxRetries {
		return false
	}
	r.counts[txIdx]++
	return true
}
