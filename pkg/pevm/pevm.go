// Package pevm is the top-level entry point for parallel block
// execution: it wires the dependency preprocessor, scheduler, MV-memory
// and driver together and exposes the single Execute operation described
// in spec.md §6.
package pevm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/sanketsaagar/lightchain-pevm/pkg/execution"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/gethvm"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/mvmemory"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/preprocess"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/scheduler"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/storage"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/vmstate"
)

// Sentinel errors matching spec.md §7's taxonomy.
var (
	ErrUnknownBlockSpec       = errors.New("pevm: unknown block spec version")
	ErrMissingHeaderData      = errors.New("pevm: block header missing required field")
	ErrMissingTransactionData = errors.New("pevm: transaction missing required field")
)

// ExecutionError wraps a failure from a specific transaction's execution,
// keeping the index so callers can report which transaction misbehaved.
type ExecutionError struct {
	TxIdx int
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("pevm: transaction %d: %v", e.TxIdx, e.Err)
}
func (e *ExecutionError) Unwrap() error { return e.Err }

// Header carries the block-wide context the VM adapter needs. It mirrors
// go-ethereum's *types.Header rather than embedding it directly so
// callers driving the executor from a different block representation
// don't need a dependency on core/types.
type Header struct {
	Number      uint64
	Time        uint64
	Difficulty  *uint64
	BaseFee     *uint256.Int
	GasLimit    uint64
	Coinbase    common.Address
	GetBlockHash func(number uint64) common.Hash
}

// Transaction is one transaction's execution inputs.
type Transaction struct {
	From      common.Address
	To        *common.Address
	Nonce     uint64
	Value     *uint256.Int
	GasLimit  uint64
	GasPrice  *uint256.Int
	GasFeeCap *uint256.Int
	GasTipCap *uint256.Int
	Data      []byte
}

// Block is everything Execute needs to run one block.
type Block struct {
	ChainConfig  *params.ChainConfig
	Header       Header
	Transactions []Transaction
}

// Config tunes the driver's concurrency and fallback behavior, per
// spec.md §4.2 and §4.4.
type Config struct {
	MaxConcurrency  int
	ForceSequential bool
}

// DefaultConfig matches the reference executor's defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrency: 8}
}

// Result is the ordered-by-index outcome of executing a block.
type Result struct {
	Transactions []pevmtypes.TxResult
	Metrics       execution.Metrics
	RanSequential bool

	// FinalAccounts/FinalStorage are the post-block values for every
	// location any transaction touched, with lazy balance chains
	// resolved down to a concrete balance. Convenience for callers that
	// want the net effect of the block rather than replaying
	// Transactions in order.
	FinalAccounts map[common.Address]*pevmtypes.AccountBasic
	FinalStorage  map[common.Address]map[common.Hash]*uint256.Int
}

func (b Block) validate() error {
	if b.ChainConfig == nil {
		return ErrMissingHeaderData
	}
	if b.Header.GetBlockHash == nil {
		return fmt.Errorf("%w: GetBlockHash", ErrMissingHeaderData)
	}
	for i, tx := range b.Transactions {
		if tx.Value == nil || tx.GasPrice == nil {
			return fmt.Errorf("%w: tx %d missing value or gas price", ErrMissingTransactionData, i)
		}
	}
	return nil
}

// Execute runs a block's transactions against store, producing
// bit-identical results to running them one by one in order, per
// spec.md's top-level guarantee.
func Execute(ctx context.Context, block Block, store storage.Storage, cfg Config) (Result, error) {
	if err := block.validate(); err != nil {
		return Result{}, err
	}

	n := len(block.Transactions)
	results := make([]pevmtypes.TxResult, n)
	if n == 0 {
		return Result{Transactions: results}, nil
	}

	metas := make([]preprocess.TxMetadata, n)
	txEnvs := make([]gethvm.TxEnv, n)
	var totalGas uint64
	for i, tx := range block.Transactions {
		metas[i] = preprocess.TxMetadata{From: tx.From, To: tx.To, HasCalldata: len(tx.Data) > 0}
		txEnvs[i] = gethvm.TxEnv{
			From: tx.From, To: tx.To, Nonce: tx.Nonce, Value: tx.Value, GasLimit: tx.GasLimit,
			GasPrice:  bigFrom(tx.GasPrice),
			GasFeeCap: bigFrom(orDefault(tx.GasFeeCap, tx.GasPrice)),
			GasTipCap: bigFrom(orDefault(tx.GasTipCap, tx.GasPrice)),
			Data:      tx.Data,
		}
		totalGas += tx.GasLimit
	}

	seed := preprocess.Build(metas, block.Header.Coinbase)

	difficulty := uint64(0)
	if block.Header.Difficulty != nil {
		difficulty = *block.Header.Difficulty
	}
	env := gethvm.BlockEnv{
		ChainConfig: block.ChainConfig,
		Coinbase:    block.Header.Coinbase,
		BlockNumber: bigFromUint64(block.Header.Number),
		Time:        block.Header.Time,
		Difficulty:  bigFromUint64(difficulty),
		BaseFee:     bigFrom(block.Header.BaseFee),
		GasLimit:    block.Header.GasLimit,
		GetHash:     block.Header.GetBlockHash,
	}
	transactor := gethvm.NewTransactor(env)

	if preprocess.ShouldRunSequentially(cfg.ForceSequential, n, totalGas, seed.SeededRatio) {
		mv := mvmemory.New(n)
		metrics, err := runSequential(mv, transactor, store, txEnvs, block.Header.Coinbase, results)
		if err != nil {
			return Result{}, err
		}
		accounts, slots, err := finalState(mv, n, store)
		if err != nil {
			return Result{}, err
		}
		return Result{Transactions: results, Metrics: metrics, RanSequential: true, FinalAccounts: accounts, FinalStorage: slots}, nil
	}

	mv := mvmemory.New(n)
	sched := scheduler.New(n, seed.Dependents, seed.Dependencies, seed.StartingValidationIdx)
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultConfig().MaxConcurrency
	}
	concurrency := preprocess.ConcurrencyFor(n, maxConcurrency)

	drv := execution.New(sched, mv, transactor, store, txEnvs, block.Header.Coinbase)
	metrics, err := drv.Run(ctx, concurrency, results)
	if err != nil {
		return Result{}, err
	}

	accounts, slots, err := finalState(mv, n, store)
	if err != nil {
		return Result{}, err
	}
	return Result{Transactions: results, Metrics: metrics, FinalAccounts: accounts, FinalStorage: slots}, nil
}

func runSequential(mv *mvmemory.MVMemory, transactor *gethvm.Transactor, store storage.Storage, txs []gethvm.TxEnv, beneficiary common.Address, results []pevmtypes.TxResult) (execution.Metrics, error) {
	for i, tx := range txs {
		st := vmstate.New(i, 0, mv, store, beneficiary)
		result, writeSet, err := transactor.Execute(st, i, tx)
		if err != nil {
			return execution.Metrics{}, &ExecutionError{TxIdx: i, Err: err}
		}
		results[i] = result
		mv.Record(pevmtypes.Version{TxIdx: i, Incarnation: 0}, st.ReadSet(), writeSet)
	}
	return execution.Metrics{Executions: int64(len(txs))}, nil
}

// finalState materializes every location any transaction wrote, resolving
// trailing lazy balance chains against the storage oracle's base value,
// per spec.md §4.1's TakeFinalValues contract.
func finalState(mv *mvmemory.MVMemory, blockSize int, store storage.Storage) (map[common.Address]*pevmtypes.AccountBasic, map[common.Address]map[common.Hash]*uint256.Int, error) {
	finals, err := mv.TakeFinalValues(blockSize, func(loc pevmtypes.MemoryLocation) (*pevmtypes.AccountBasic, error) {
		basic, err := store.Basic(loc.Address)
		if err != nil {
			return nil, &storage.Error{Op: "Basic", Err: err}
		}
		if basic == nil {
			basic = &pevmtypes.AccountBasic{Balance: uint256.NewInt(0)}
		}
		return basic, nil
	})
	if err != nil {
		return nil, nil, err
	}

	accounts := make(map[common.Address]*pevmtypes.AccountBasic)
	slots := make(map[common.Address]map[common.Hash]*uint256.Int)
	for _, fv := range finals {
		switch fv.Value.Kind {
		case pevmtypes.ValueBasic:
			accounts[fv.Location.Address] = fv.Value.Basic
		case pevmtypes.ValueStorage:
			if slots[fv.Location.Address] == nil {
				slots[fv.Location.Address] = make(map[common.Hash]*uint256.Int)
			}
			slots[fv.Location.Address][fv.Location.Slot] = fv.Value.StorageValue
		}
	}
	return accounts, slots, nil
}

func bigFrom(v *uint256.Int) *big.Int {
	if v == nil {
		return nil
	}
	return v.ToBig()
}

func bigFromUint64(v uint64) *big.Int {
	b := new(big.Int)
	b.SetUint64(v)
	return b
}

func orDefault(v, fallback *uint256.Int) *uint256.Int {
	if v != nil {
		return v
	}
	return fallback
}
