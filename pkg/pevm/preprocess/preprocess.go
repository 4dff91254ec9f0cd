// Package preprocess implements the dependency pre-pass described in
// spec.md §4.2: before any speculative execution starts, it seeds
// scheduler dependencies from cheaply-derivable conflicts (same sender,
// same recipient, beneficiary touches) so the scheduler does not have to
// discover them all through aborts.
package preprocess

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
)

// TxMetadata is the cheap, pre-execution information the preprocessor
// needs about one transaction. It never requires actually running the
// EVM: sender, recipient and calldata length are all recoverable from the
// transaction envelope alone.
type TxMetadata struct {
	From         common.Address
	To           *common.Address // nil for contract creation
	HasCalldata  bool
}

// Result is the seeding the scheduler is constructed from.
type Result struct {
	Dependents   map[pevmtypes.TxIdx]mapset.Set[pevmtypes.TxIdx]
	Dependencies map[pevmtypes.TxIdx]mapset.Set[pevmtypes.TxIdx]

	// StartingValidationIdx is the first transaction the scheduler should
	// validate rather than assume correct: the index of the first
	// transaction with non-empty calldata, since pure value transfers
	// before it cannot have produced a wrong read.
	StartingValidationIdx pevmtypes.TxIdx

	// SeededRatio is the fraction of transactions that received at least
	// one seeded dependency. A high ratio means most transactions are
	// chained behind earlier ones and sequential execution is likely faster.
	SeededRatio float64
}

// Build runs the pre-pass over txs in block order, grounded on
// preprocess_dependencies in the reference executor.
func Build(txs []TxMetadata, beneficiary common.Address) Result {
	n := len(txs)
	res := Result{
		Dependents:   make(map[pevmtypes.TxIdx]mapset.Set[pevmtypes.TxIdx]),
		Dependencies: make(map[pevmtypes.TxIdx]mapset.Set[pevmtypes.TxIdx]),
	}

	lastWriterOfSender := make(map[common.Address]pevmtypes.TxIdx)
	lastWriterOfRecipient := make(map[common.Address]pevmtypes.TxIdx)
	lastWriterOfBeneficiary := -1

	startingValidationIdx := n
	seeded := 0

	addDep := func(tx, dep pevmtypes.TxIdx) {
		if dep < 0 || dep >= tx {
			return
		}
		if res.Dependencies[tx] == nil {
			res.Dependencies[tx] = mapset.NewThreadUnsafeSet[pevmtypes.TxIdx]()
		}
		if res.Dependencies[tx].Add(dep) {
			if res.Dependents[dep] == nil {
				res.Dependents[dep] = mapset.NewThreadUnsafeSet[pevmtypes.TxIdx]()
			}
			res.Dependents[dep].Add(tx)
		}
	}

	for i, tx := range txs {
		if startingValidationIdx == n && tx.HasCalldata {
			startingValidationIdx = i
		}

		before := 0
		if res.Dependencies[i] != nil {
			before = res.Dependencies[i].Cardinality()
		}

		// Only a transaction that actually touches the beneficiary (as
		// sender or recipient) conflicts on it; chain those to the
		// previous beneficiary-touching transaction so the scheduler
		// treats the hot account consistently rather than discovering the
		// conflict incarnation by incarnation. Every other transaction
		// falls through to ordinary sender/recipient seeding instead.
		touchesBeneficiary := tx.From == beneficiary || (tx.To != nil && *tx.To == beneficiary)
		if touchesBeneficiary {
			if lastWriterOfBeneficiary >= 0 {
				addDep(i, lastWriterOfBeneficiary)
			}
		} else {
			// A transaction whose sender already sent an earlier
			// transaction in this block must wait on it: nonces
			// serialize the sender.
			if dep, ok := lastWriterOfSender[tx.From]; ok {
				addDep(i, dep)
			}
			// Writing to the same recipient (ERC-20 pool, DEX router,
			// etc.) is the dominant real-world source of conflicts.
			if tx.To != nil {
				if dep, ok := lastWriterOfRecipient[*tx.To]; ok {
					addDep(i, dep)
				}
			}
		}

		after := 0
		if res.Dependencies[i] != nil {
			after = res.Dependencies[i].Cardinality()
		}
		if after > before {
			seeded++
		}

		lastWriterOfSender[tx.From] = i
		if tx.To != nil {
			lastWriterOfRecipient[*tx.To] = i
		}
		if touchesBeneficiary {
			lastWriterOfBeneficiary = i
		}
	}

	if startingValidationIdx == n {
		startingValidationIdx = 0
	}
	res.StartingValidationIdx = startingValidationIdx

	if n > 0 {
		res.SeededRatio = float64(seeded) / float64(n)
	}
	return res
}

// ShouldRunSequentially applies spec.md §4.2's fallback heuristics: small
// blocks, light blocks, and over-seeded blocks are not worth the
// concurrency overhead.
func ShouldRunSequentially(forceSequential bool, blockSize int, gasUsed uint64, seededRatio float64) bool {
	if forceSequential {
		return true
	}
	if blockSize < 4 {
		return true
	}
	if gasUsed <= 650_000 {
		return true
	}
	if seededRatio > 0.9 {
		return true
	}
	return false
}

// ConcurrencyFor clamps the worker count for a block, per spec.md §4.4:
// never more useful than half the block size, and never below 2 so a
// validation task can always run alongside an execution task.
func ConcurrencyFor(blockSize, maxConcurrency int) int {
	c := blockSize / 2
	if c > maxConcurrency {
		c = maxConcurrency
	}
	if c < 2 {
		c = 2
	}
	return c
}
