// Package mvmemory implements the multi-version shared memory described in
// spec.md §4.1: a concurrent map from location-hash to an ordered map from
// transaction index to the value written there, supporting speculative
// reads, write recording, abort markers (Estimate) and read-set validation.
package mvmemory

import (
	"slices"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
)

// entry is one (location, tx) slot. isEstimate marks a write-set
// estimation left behind by an aborted incarnation (spec.md §3's
// MemoryEntry.Estimate); otherwise it holds the incarnation that produced
// value.
type entry struct {
	isEstimate  bool
	incarnation pevmtypes.Incarnation
	value       pevmtypes.MemoryValue
}

// locationMap is the per-location ordered map from TxIdx to entry,
// supporting O(log n) "highest entry below reader" lookups via a sorted
// index kept alongside the map. Concurrent inserts/deletes for distinct
// locations never contend, since each location gets its own instance.
type locationMap struct {
	mu       sync.RWMutex
	byTx     map[pevmtypes.TxIdx]entry
	sortedTx []pevmtypes.TxIdx // always kept sorted ascending
}

func newLocationMap() *locationMap {
	return &locationMap{byTx: make(map[pevmtypes.TxIdx]entry)}
}

// highestBelow returns the entry at the highest TxIdx strictly below
// readerIdx, or ok == false if none exists.
func (lm *locationMap) highestBelow(readerIdx pevmtypes.TxIdx) (pevmtypes.TxIdx, entry, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	pos := sort.Search(len(lm.sortedTx), func(i int) bool { return lm.sortedTx[i] >= readerIdx })
	if pos == 0 {
		return 0, entry{}, false
	}
	idx := lm.sortedTx[pos-1]
	return idx, lm.byTx[idx], true
}

func (lm *locationMap) set(idx pevmtypes.TxIdx, e entry) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, existed := lm.byTx[idx]; !existed {
		pos := sort.SearchInts(lm.sortedTx, idx)
		lm.sortedTx = append(lm.sortedTx, 0)
		copy(lm.sortedTx[pos+1:], lm.sortedTx[pos:])
		lm.sortedTx[pos] = idx
	}
	lm.byTx[idx] = e
}

func (lm *locationMap) delete(idx pevmtypes.TxIdx) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, ok := lm.byTx[idx]; !ok {
		return
	}
	delete(lm.byTx, idx)
	pos := sort.SearchInts(lm.sortedTx, idx)
	if pos < len(lm.sortedTx) && lm.sortedTx[pos] == idx {
		lm.sortedTx = append(lm.sortedTx[:pos], lm.sortedTx[pos+1:]...)
	}
}

// snapshotAll returns every (TxIdx, entry) pair currently stored, used only
// by TakeFinalValues at the end of the block.
func (lm *locationMap) snapshotAll() map[pevmtypes.TxIdx]entry {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	out := make(map[pevmtypes.TxIdx]entry, len(lm.byTx))
	for k, v := range lm.byTx {
		out[k] = v
	}
	return out
}

// ReadResultKind classifies the outcome of a speculative read (spec.md §4.1).
type ReadResultKind uint8

const (
	ReadNotFound ReadResultKind = iota
	ReadBlocked
	ReadOk
	// ReadInvalidType marks a lazy chain that terminated in a value of the
	// wrong kind (programmer bug — see spec.md §7).
	ReadInvalidType
)

type ReadResult struct {
	Kind        ReadResultKind
	BlockingIdx pevmtypes.TxIdx // meaningful when Kind == ReadBlocked
	Version     pevmtypes.Version
	Value       pevmtypes.MemoryValue
}

// MVMemory is the concurrent, versioned key-value store. Per-location maps
// are individually locked so distinct locations never contend; per-tx
// read-set and written-location slots are guarded by one mutex each, since
// only the executing worker writes them while validators read a
// consistent snapshot.
type MVMemory struct {
	locations sync.Map // pevmtypes.LocationHash -> *locationMap
	locByHash sync.Map // pevmtypes.LocationHash -> pevmtypes.MemoryLocation, for final-state reporting

	txMu                 []sync.Mutex
	lastReadSet          []*pevmtypes.ReadSet
	lastWrittenLocations [][]pevmtypes.WriteRecord
}

func New(blockSize int) *MVMemory {
	return &MVMemory{
		txMu:                 make([]sync.Mutex, blockSize),
		lastReadSet:          make([]*pevmtypes.ReadSet, blockSize),
		lastWrittenLocations: make([][]pevmtypes.WriteRecord, blockSize),
	}
}

func (m *MVMemory) locationMapFor(hash pevmtypes.LocationHash, create bool) *locationMap {
	if v, ok := m.locations.Load(hash); ok {
		return v.(*locationMap)
	}
	if !create {
		return nil
	}
	lm := newLocationMap()
	actual, _ := m.locations.LoadOrStore(hash, lm)
	return actual.(*locationMap)
}

// Read returns the highest-indexed entry strictly below readerIdx for the
// given location hash, per spec.md §4.1.
func (m *MVMemory) Read(hash pevmtypes.LocationHash, readerIdx pevmtypes.TxIdx) ReadResult {
	lm := m.locationMapFor(hash, false)
	if lm == nil {
		return ReadResult{Kind: ReadNotFound}
	}
	idx, e, ok := lm.highestBelow(readerIdx)
	if !ok {
		return ReadResult{Kind: ReadNotFound}
	}
	if e.isEstimate {
		return ReadResult{Kind: ReadBlocked, BlockingIdx: idx}
	}
	return ReadResult{
		Kind:    ReadOk,
		Version: pevmtypes.Version{TxIdx: idx, Incarnation: e.incarnation},
		Value:   e.value,
	}
}

// Record stores the read-set and applies the write-set of one incarnation,
// per spec.md §4.1. It returns true iff some written location was not
// present in the previous incarnation's write-set, signaling that higher
// transactions require re-validation.
func (m *MVMemory) Record(version pevmtypes.Version, readSet *pevmtypes.ReadSet, writeSet pevmtypes.WriteSet) bool {
	idx := version.TxIdx
	m.txMu[idx].Lock()
	defer m.txMu[idx].Unlock()

	m.lastReadSet[idx] = readSet

	for _, w := range writeSet {
		lm := m.locationMapFor(w.LocationHash, true)
		lm.set(idx, entry{incarnation: version.Incarnation, value: w.Value})
		m.locByHash.LoadOrStore(w.LocationHash, w.Location)
	}

	prev := m.lastWrittenLocations[idx]
	m.lastWrittenLocations[idx] = writeSet

	newLocations := make(map[pevmtypes.LocationHash]struct{}, len(writeSet))
	for _, w := range writeSet {
		newLocations[w.LocationHash] = struct{}{}
	}
	for _, p := range prev {
		if _, stillWritten := newLocations[p.LocationHash]; !stillWritten {
			if lm := m.locationMapFor(p.LocationHash, false); lm != nil {
				lm.delete(idx)
			}
		}
	}

	prevLocations := make(map[pevmtypes.LocationHash]struct{}, len(prev))
	for _, p := range prev {
		prevLocations[p.LocationHash] = struct{}{}
	}
	for _, w := range writeSet {
		if _, existed := prevLocations[w.LocationHash]; !existed {
			return true
		}
	}
	return false
}

// ValidateReadSet re-plays the recorded read-set of txIdx's latest
// incarnation and reports whether every origin still matches, per
// spec.md §4.1.
func (m *MVMemory) ValidateReadSet(txIdx pevmtypes.TxIdx) bool {
	m.txMu[txIdx].Lock()
	readSet := m.lastReadSet[txIdx]
	m.txMu[txIdx].Unlock()

	if readSet == nil {
		return true
	}
	for hash, desc := range readSet.Entries {
		if desc.Location.Kind == pevmtypes.LocationBasic {
			// Basic reads may have climbed a lazy balance chain: replay the
			// same climb and compare the whole ordered origin list.
			chain := m.ReadAccountChain(hash, txIdx, false)
			current := chain.Origins
			if chain.Kind == ReadNotFound {
				current = append(current, pevmtypes.StorageOrigin)
			} else if chain.Kind != ReadOk {
				return false
			}
			if !slices.Equal(current, desc.Origins) {
				return false
			}
			continue
		}
		for _, priorOrigin := range desc.Origins {
			res := m.Read(hash, txIdx)
			switch res.Kind {
			case ReadBlocked:
				return false
			case ReadNotFound:
				if !priorOrigin.FromStorage {
					return false
				}
			case ReadOk:
				if priorOrigin.FromStorage {
					return false
				}
				if priorOrigin.Version != res.Version {
					return false
				}
			}
		}
	}
	return true
}

// ConvertWritesToEstimates overwrites every location txIdx wrote in its
// latest incarnation with an Estimate marker, per spec.md §4.1.
func (m *MVMemory) ConvertWritesToEstimates(txIdx pevmtypes.TxIdx) {
	m.txMu[txIdx].Lock()
	written := m.lastWrittenLocations[txIdx]
	m.txMu[txIdx].Unlock()

	for _, w := range written {
		lm := m.locationMapFor(w.LocationHash, true)
		lm.set(txIdx, entry{isEstimate: true})
	}
}

// FinalValue is one location's value as of the end of the block, with its
// lazy balance chain (if any) fully resolved down to a concrete balance.
type FinalValue struct {
	Location pevmtypes.MemoryLocation
	Value    pevmtypes.MemoryValue
}

// TakeFinalValues returns, for every written location, the value recorded
// by the highest TxIdx, per spec.md §4.1, with any trailing
// LazyBalanceAddition chain resolved against baseFn (the storage oracle's
// Basic lookup) so callers never observe an unresolved delta.
func (m *MVMemory) TakeFinalValues(blockSize int, baseFn func(pevmtypes.MemoryLocation) (*pevmtypes.AccountBasic, error)) (map[pevmtypes.LocationHash]FinalValue, error) {
	out := make(map[pevmtypes.LocationHash]FinalValue)
	var firstErr error
	m.locations.Range(func(key, value interface{}) bool {
		hash := key.(pevmtypes.LocationHash)
		lm := value.(*locationMap)
		all := lm.snapshotAll()
		bestIdx := -1
		var best entry
		for idx, e := range all {
			if e.isEstimate {
				continue
			}
			if idx > bestIdx {
				bestIdx, best = idx, e
			}
		}
		if bestIdx < 0 {
			return true
		}
		loc, _ := m.locByHash.Load(hash)
		location, _ := loc.(pevmtypes.MemoryLocation)

		fv := best.value
		if fv.Kind == pevmtypes.ValueLazyBalanceAddition {
			chain := m.ReadAccountChain(hash, blockSize, false)
			switch chain.Kind {
			case ReadOk, ReadNotFound:
				balance := chain.Basic
				if balance == nil && baseFn != nil {
					resolved, err := baseFn(location)
					if err != nil {
						firstErr = err
						return false
					}
					balance = resolved
				}
				fv = pevmtypes.BasicValue(resolveAddends(balance, chain.Addends))
			}
		}
		out[hash] = FinalValue{Location: location, Value: fv}
		return true
	})
	return out, firstErr
}

func resolveAddends(base *pevmtypes.AccountBasic, addends []*uint256.Int) *pevmtypes.AccountBasic {
	balance := uint256.NewInt(0)
	if base != nil && base.Balance != nil {
		balance.Set(base.Balance)
	}
	for _, a := range addends {
		balance.Add(balance, a)
	}
	out := &pevmtypes.AccountBasic{Balance: balance}
	if base != nil {
		out.Nonce, out.CodeHash = base.Nonce, base.CodeHash
	}
	return out
}

// HasEstimates reports whether any location still carries an Estimate
// marker; used by tests asserting the "no stranded estimates at done()"
// property from spec.md §8.
func (m *MVMemory) HasEstimates() bool {
	found := false
	m.locations.Range(func(_, value interface{}) bool {
		lm := value.(*locationMap)
		for _, e := range lm.snapshotAll() {
			if e.isEstimate {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// AccountChainResult is the outcome of resolving a basic-account read
// through a chain of lazy balance additions (spec.md §4.3).
type AccountChainResult struct {
	Kind        ReadResultKind
	BlockingIdx pevmtypes.TxIdx
	Basic       *pevmtypes.AccountBasic
	Addends     []*uint256.Int
	Origins     []pevmtypes.ReadOrigin
}

// ReadAccountChain resolves a basic-account read by climbing a chain of
// LazyBalanceAddition entries down to the first Basic entry (or reporting
// that storage must be consulted), per spec.md §4.3. requireConsecutive
// enforces the beneficiary "densely populated" rule: the highest entry
// below the current cursor must sit immediately below it, otherwise the
// caller must retry against readerIdx-1 (spec.md §4.3's "consecutive"
// rule).
func (m *MVMemory) ReadAccountChain(hash pevmtypes.LocationHash, readerIdx pevmtypes.TxIdx, requireConsecutive bool) AccountChainResult {
	lm := m.locationMapFor(hash, false)
	var origins []pevmtypes.ReadOrigin
	var addends []*uint256.Int

	if lm == nil {
		if requireConsecutive && readerIdx > 0 {
			return AccountChainResult{Kind: ReadBlocked, BlockingIdx: readerIdx - 1}
		}
		return AccountChainResult{Kind: ReadNotFound}
	}

	current := readerIdx
	for {
		idx, e, ok := lm.highestBelow(current)
		if !ok {
			if requireConsecutive && current > 0 {
				return AccountChainResult{Kind: ReadBlocked, BlockingIdx: readerIdx - 1, Origins: origins}
			}
			return AccountChainResult{Kind: ReadNotFound, Origins: origins, Addends: addends}
		}
		if e.isEstimate {
			if requireConsecutive {
				return AccountChainResult{Kind: ReadBlocked, BlockingIdx: readerIdx - 1, Origins: origins}
			}
			return AccountChainResult{Kind: ReadBlocked, BlockingIdx: idx, Origins: origins}
		}
		if requireConsecutive && idx != current-1 {
			return AccountChainResult{Kind: ReadBlocked, BlockingIdx: readerIdx - 1, Origins: origins}
		}
		origins = append(origins, pevmtypes.MvOrigin(pevmtypes.Version{TxIdx: idx, Incarnation: e.incarnation}))
		switch e.value.Kind {
		case pevmtypes.ValueBasic:
			return AccountChainResult{
				Kind:    ReadOk,
				Basic:   e.value.Basic,
				Addends: addends,
				Origins: origins,
			}
		case pevmtypes.ValueLazyBalanceAddition:
			addends = append(addends, e.value.BalanceAddend)
			current = idx
		default:
			return AccountChainResult{Kind: ReadInvalidType, Origins: origins}
		}
	}
}
