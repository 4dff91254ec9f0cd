// Package pevmtypes holds the data model shared by every layer of the
// parallel executor: the multi-version memory, the scheduler, the VM
// adapter and the driver all speak in terms of these types without
// importing one another.
package pevmtypes

import (
	"hash/maphash"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TxIdx is a transaction's position in the block, 0-based.
type TxIdx = int

// Incarnation is the re-execution counter for a transaction, starting at 0.
type Incarnation = int

// Version identifies one attempt (incarnation) at executing a transaction.
type Version struct {
	TxIdx       TxIdx
	Incarnation Incarnation
}

// LocationKind distinguishes the two shapes of memory location BlockSTM
// tracks. Storage slots need the full (address, slot) pair to fall through
// to the storage oracle; basic account info only needs the address.
type LocationKind uint8

const (
	LocationBasic LocationKind = iota
	LocationStorage
)

// MemoryLocation is a tagged union over the two things a transaction can
// read or write: an account's basic info, or one of its storage slots.
type MemoryLocation struct {
	Kind    LocationKind
	Address common.Address
	Slot    common.Hash // only meaningful when Kind == LocationStorage
}

func BasicLocation(addr common.Address) MemoryLocation {
	return MemoryLocation{Kind: LocationBasic, Address: addr}
}

func StorageLocation(addr common.Address, slot common.Hash) MemoryLocation {
	return MemoryLocation{Kind: LocationStorage, Address: addr, Slot: slot}
}

// LocationHash is the 64-bit digest MV-memory actually keys on. Raw
// locations are only needed for the storage fall-through read.
type LocationHash = uint64

var locationHashSeed = maphash.MakeSeed()

// Hash computes the 64-bit key MV-memory, read-sets and write-sets use to
// identify this location. Precomputing and threading the hash around (as
// opposed to rehashing the location on every lookup) is the single biggest
// win on the MV-memory read path.
func (l MemoryLocation) Hash() LocationHash {
	var h maphash.Hash
	h.SetSeed(locationHashSeed)
	h.WriteByte(byte(l.Kind))
	h.Write(l.Address[:])
	if l.Kind == LocationStorage {
		h.Write(l.Slot[:])
	}
	return h.Sum64()
}

// AccountBasic is a snapshot of the mutable parts of an account that BlockSTM
// tracks as a single conflict unit (balance, nonce, code hash).
type AccountBasic struct {
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
}

func (a *AccountBasic) Clone() *AccountBasic {
	if a == nil {
		return nil
	}
	balance := new(uint256.Int)
	if a.Balance != nil {
		balance.Set(a.Balance)
	}
	return &AccountBasic{Balance: balance, Nonce: a.Nonce, CodeHash: a.CodeHash}
}

// Equal reports whether two account snapshots are identical.
func (a *AccountBasic) Equal(b *AccountBasic) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Nonce != b.Nonce || a.CodeHash != b.CodeHash {
		return false
	}
	switch {
	case a.Balance == nil && b.Balance == nil:
		return true
	case a.Balance == nil || b.Balance == nil:
		return false
	default:
		return a.Balance.Eq(b.Balance)
	}
}

// MemoryValueKind tags the union carried in a MemoryEntry.
type MemoryValueKind uint8

const (
	ValueBasic MemoryValueKind = iota
	ValueLazyBalanceAddition
	ValueStorage
)

// MemoryValue is a tagged union: a full account snapshot, a storage slot
// value, or a relative balance delta awaiting resolution (see
// LazyBalanceAddition in spec.md §3).
type MemoryValue struct {
	Kind          MemoryValueKind
	Basic         *AccountBasic
	BalanceAddend *uint256.Int
	StorageValue  *uint256.Int
}

func BasicValue(info *AccountBasic) MemoryValue {
	return MemoryValue{Kind: ValueBasic, Basic: info}
}

func LazyBalanceAddition(delta *uint256.Int) MemoryValue {
	return MemoryValue{Kind: ValueLazyBalanceAddition, BalanceAddend: delta}
}

func StorageValue(v *uint256.Int) MemoryValue {
	return MemoryValue{Kind: ValueStorage, StorageValue: v}
}

// ReadOrigin records where a value observed during speculative execution
// came from: a specific MV-memory version, or the underlying storage
// oracle (i.e. no lower transaction had written it).
type ReadOrigin struct {
	FromStorage bool
	Version     Version // meaningful only when FromStorage == false
}

var StorageOrigin = ReadOrigin{FromStorage: true}

func MvOrigin(v Version) ReadOrigin { return ReadOrigin{Version: v} }

// ReadDescriptor is one location's recorded read: the ordered chain of
// origins traversed to resolve it (length > 1 only for lazy balance
// addition chains, listed from the highest entry downwards). The snapshot
// cached for account-info reads is kept in ReadSet.Accounts, not here.
type ReadDescriptor struct {
	Location MemoryLocation
	Origins  []ReadOrigin
}

// ReadSet is the complete set of locations one incarnation observed, plus
// an account-info cache keyed by location hash.
type ReadSet struct {
	Entries  map[LocationHash]*ReadDescriptor
	Accounts map[LocationHash]*AccountBasic
}

func NewReadSet() *ReadSet {
	return &ReadSet{
		Entries:  make(map[LocationHash]*ReadDescriptor),
		Accounts: make(map[LocationHash]*AccountBasic),
	}
}

// WriteRecord is one (location, value) pair produced by an incarnation.
type WriteRecord struct {
	LocationHash LocationHash
	Location     MemoryLocation
	Value        MemoryValue
}

// WriteSet is the ordered list of writes produced by one incarnation,
// later applied to MV-memory.
type WriteSet []WriteRecord

// TxReceipt is the minimal per-transaction outcome the core reports,
// matching spec.md §6's result shape.
type TxReceipt struct {
	Success bool
	GasUsed uint64
	Logs    []*TxLogEntry
}

// TxLogEntry is a position-independent copy of an emitted EVM log.
type TxLogEntry struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// TxResult is the final, ordered-by-TxIdx result of executing one
// transaction: its receipt, and the state it touched (nil snapshot means
// the account was removed — self-destruct or EIP-161 emptiness).
type TxResult struct {
	Receipt TxReceipt
	State   map[common.Address]*AccountBasic
	Storage map[common.Address]map[common.Hash]*uint256.Int
	Removed map[common.Address]bool
}
