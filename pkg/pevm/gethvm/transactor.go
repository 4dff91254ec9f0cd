package gethvm

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	gethvmpkg "github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/vmstate"
)

// BlockEnv is the block-wide context every transaction in a block shares,
// grounded on core.NewEVMBlockContext's inputs in the reference node.
type BlockEnv struct {
	ChainConfig *params.ChainConfig
	Coinbase    common.Address
	BlockNumber *big.Int
	Time        uint64
	Difficulty  *big.Int
	BaseFee     *big.Int
	GasLimit    uint64
	GetHash     func(n uint64) common.Hash
}

// TxEnv is one transaction's execution inputs, decoupled from
// *types.Transaction so callers can drive the transactor directly from a
// decoded block without re-deriving a signer.
type TxEnv struct {
	From       common.Address
	To         *common.Address
	Nonce      uint64
	Value      *uint256.Int
	GasLimit   uint64
	GasPrice   *big.Int
	GasFeeCap  *big.Int
	GasTipCap  *big.Int
	Data       []byte
	AccessList types.AccessList
}

// codeRegistry shares newly deployed contract code across transactions
// within the same block: go-ethereum's storage oracle only knows about
// code that existed before the block started, but a later transaction may
// call a contract an earlier transaction in the same block deployed.
type codeRegistry struct {
	mu   sync.RWMutex
	code map[common.Hash][]byte
}

func newCodeRegistry() *codeRegistry {
	return &codeRegistry{code: make(map[common.Hash][]byte)}
}

func (c *codeRegistry) get(hash common.Hash) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	code, ok := c.code[hash]
	return code, ok
}

func (c *codeRegistry) put(hash common.Hash, code []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code[hash] = code
}

// Transactor drives one transaction through go-ethereum's core/vm.EVM,
// treating the interpreter itself as an opaque black box: all it is
// responsible for is wiring inputs in, classifying outputs, and handing
// back a pevmtypes.TxResult plus the write-set vmstate needs to record
// into MV-memory.
type Transactor struct {
	env      BlockEnv
	vmConfig gethvmpkg.Config
	codes    *codeRegistry
}

func NewTransactor(env BlockEnv) *Transactor {
	return &Transactor{env: env, vmConfig: gethvmpkg.Config{}, codes: newCodeRegistry()}
}

// Execute runs one incarnation of a transaction against st, the
// MV-memory-backed execution wrapper, and returns its result together
// with the classified write-set to record.
func (t *Transactor) Execute(st *vmstate.State, txIdx pevmtypes.TxIdx, tx TxEnv) (pevmtypes.TxResult, pevmtypes.WriteSet, error) {
	sdb := NewStateDB(st)
	sdb.codes = t.codes

	blockCtx := gethvmpkg.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     t.env.GetHash,
		Coinbase:    t.env.Coinbase,
		BlockNumber: t.env.BlockNumber,
		Time:        t.env.Time,
		Difficulty:  t.env.Difficulty,
		BaseFee:     t.env.BaseFee,
		GasLimit:    t.env.GasLimit,
	}
	txCtx := gethvmpkg.TxContext{
		Origin:     tx.From,
		GasPrice:   tx.GasPrice,
		BlobHashes: nil,
	}

	evm := gethvmpkg.NewEVM(blockCtx, sdb, t.env.ChainConfig, t.vmConfig)
	evm.SetTxContext(txCtx)

	sender := gethvmpkg.AccountRef(tx.From)
	gasPool := tx.GasLimit

	var (
		ret     []byte
		leftGas uint64
		vmErr   error
		created *common.Address
	)
	if tx.To == nil {
		var contractAddr common.Address
		ret, contractAddr, leftGas, vmErr = evm.Create(sender, tx.Data, gasPool, tx.Value)
		created = &contractAddr
	} else {
		ret, leftGas, vmErr = evm.Call(sender, *tx.To, tx.Data, gasPool, tx.Value)
	}
	_ = ret

	if sdb.Err() != nil {
		return pevmtypes.TxResult{}, nil, sdb.Err()
	}

	gasUsed := tx.GasLimit - leftGas
	success := vmErr == nil

	writeSet, result := t.classify(st, sdb, txIdx, tx, gasUsed, success, created)
	return result, writeSet, nil
}

// classify turns the StateDB's buffered deltas into a WriteSet, applying
// spec.md §4.3's rule: a pure value transfer's recipient and the block
// beneficiary's fee payment are recorded as LazyBalanceAddition deltas so
// they never serialize unrelated transactions; everything else is an
// ordinary absolute snapshot.
func (t *Transactor) classify(st *vmstate.State, sdb *StateDB, txIdx pevmtypes.TxIdx, tx TxEnv, gasUsed uint64, success bool, created *common.Address) (pevmtypes.WriteSet, pevmtypes.TxResult) {
	accounts, storageDeltas, destructed := sdb.Deltas()

	result := pevmtypes.TxResult{
		Receipt: pevmtypes.TxReceipt{Success: success, GasUsed: gasUsed, Logs: sdb.Logs()},
		State:   make(map[common.Address]*pevmtypes.AccountBasic),
		Storage: make(map[common.Address]map[common.Hash]*uint256.Int),
		Removed: make(map[common.Address]bool),
	}

	isPureTransferRecipient := func(addr common.Address) bool {
		return tx.To != nil && addr == *tx.To && len(tx.Data) == 0 && len(sdb.GetCode(addr)) == 0
	}

	for addr, snapshot := range accounts {
		if destructed[addr] || (t.env.ChainConfig.IsEIP158(t.env.BlockNumber) && sdb.Empty(addr)) {
			result.Removed[addr] = true
			st.RecordAccountWrite(addr, vmstate.WriteOrdinary, &pevmtypes.AccountBasic{Balance: uint256.NewInt(0)}, nil)
			continue
		}

		switch {
		case addr == t.env.Coinbase:
			delta := new(uint256.Int).SetUint64(gasUsed)
			delta.Mul(delta, effectiveGasPrice(t.env.ChainConfig, t.env.BlockNumber, t.env.BaseFee, tx))
			st.RecordAccountWrite(addr, vmstate.WriteLazyBalance, nil, delta)
		case isPureTransferRecipient(addr) && addr != tx.From:
			st.RecordAccountWrite(addr, vmstate.WriteLazyBalance, nil, tx.Value.Clone())
		default:
			st.RecordAccountWrite(addr, vmstate.WriteOrdinary, snapshot, nil)
		}
		result.State[addr] = snapshot.Clone()

		if code, ok := sdb.dirtyCode[addr]; ok {
			t.codes.put(snapshot.CodeHash, code)
		}
	}

	for addr, slots := range storageDeltas {
		if result.Storage[addr] == nil {
			result.Storage[addr] = make(map[common.Hash]*uint256.Int)
		}
		for slot, value := range slots {
			st.RecordStorageWrite(addr, slot, value)
			result.Storage[addr][slot] = value.Clone()
		}
	}

	if created != nil {
		result.State[*created] = accounts[*created].Clone()
	}

	return st.WriteSet(), result
}

// effectiveGasPrice mirrors the reference VM adapter's pre/post-London
// fee split: post-London, the beneficiary only receives the priority fee
// (gas price minus base fee), not the full gas price.
func effectiveGasPrice(cfg *params.ChainConfig, blockNumber *big.Int, baseFee *big.Int, tx TxEnv) *uint256.Int {
	if cfg.IsLondon(blockNumber) && baseFee != nil && tx.GasFeeCap != nil {
		tip := new(big.Int).Sub(tx.GasFeeCap, baseFee)
		if tx.GasTipCap != nil && tip.Cmp(tx.GasTipCap) > 0 {
			tip = tx.GasTipCap
		}
		out, _ := uint256.FromBig(tip)
		return out
	}
	out, _ := uint256.FromBig(tx.GasPrice)
	return out
}
