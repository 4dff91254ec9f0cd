// Package execution is the thread-pool harness described in spec.md
// §4.4: it pulls execution and validation tasks from the scheduler,
// drives each through the VM adapter, and keeps going until every
// transaction has executed and validated.
package execution

import (
	"context"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/gethvm"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/mvmemory"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/scheduler"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/storage"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/vmstate"
)

// maxConsecutiveEmptyTasks bounds how many times a worker spins on an
// empty NextTask before exiting: under heavy contention near the end of
// a block, most workers will see nothing to do most of the time.
const maxConsecutiveEmptyTasks = 3

// Metrics reports a coarse summary of one block's run, mirroring the
// counters a production node would emit alongside the result.
type Metrics struct {
	Executions  int64
	Validations int64
	Aborts      int64
}

// Driver runs a block's transactions to completion using the scheduler,
// MV-memory and VM adapter wired together.
type Driver struct {
	sched      *scheduler.Scheduler
	mv         *mvmemory.MVMemory
	transactor *gethvm.Transactor
	store      storage.Storage
	txs        []gethvm.TxEnv
	retries    *vmstate.RetryBudget

	beneficiary common.Address

	metrics Metrics
}

func New(sched *scheduler.Scheduler, mv *mvmemory.MVMemory, transactor *gethvm.Transactor, store storage.Storage, txs []gethvm.TxEnv, beneficiary common.Address) *Driver {
	return &Driver{
		sched:       sched,
		mv:          mv,
		transactor:  transactor,
		store:       store,
		txs:         txs,
		retries:     vmstate.NewRetryBudget(len(txs)),
		beneficiary: beneficiary,
	}
}

// Run drives the block with concurrency worker goroutines. It returns once
// every worker has stopped: a worker stops when the scheduler reports
// Done(), on the first error, or after maxConsecutiveEmptyTasks empty
// NextTask calls in a row; Run does not check Done() itself before
// returning. The per-transaction results accumulate in results, indexed by
// TxIdx.
func (d *Driver) Run(ctx context.Context, concurrency int, results []pevmtypes.TxResult) (Metrics, error) {
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < concurrency; w++ {
		g.Go(func() error { return d.worker(ctx, results) })
	}
	if err := g.Wait(); err != nil {
		return d.metrics, err
	}
	return d.metrics, nil
}

func (d *Driver) worker(ctx context.Context, results []pevmtypes.TxResult) error {
	empty := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.sched.Done() {
			return nil
		}
		task := d.sched.NextTask()
		switch task.Kind {
		case scheduler.TaskNone:
			empty++
			if empty >= maxConsecutiveEmptyTasks {
				return nil
			}
			continue
		case scheduler.TaskExecution:
			empty = 0
			if err := d.runExecution(task.Version, results); err != nil {
				return err
			}
		case scheduler.TaskValidation:
			empty = 0
			if err := d.runValidation(task.Version, results); err != nil {
				return err
			}
		}
	}
}

func (d *Driver) runExecution(version pevmtypes.Version, results []pevmtypes.TxResult) error {
	atomic.AddInt64(&d.metrics.Executions, 1)
	txIdx := version.TxIdx
	st := vmstate.New(txIdx, version.Incarnation, d.mv, d.store, d.beneficiary)

	result, writeSet, err := d.transactor.Execute(st, txIdx, d.txs[txIdx])
	if err != nil {
		if blockingIdx, blocked := st.Blocked(); blocked {
			// AddDependency releases the active-task slot itself and
			// either parks txIdx on blockingIdx or, if blockingIdx
			// already finished, puts it straight back to
			// ReadyToExecute — either way there's nothing more to do
			// here.
			d.sched.AddDependency(txIdx, blockingIdx)
			return nil
		}
		if !d.retries.Allow(txIdx) {
			d.sched.AbandonExecution(version)
			return err
		}
		d.sched.AbandonExecution(version)
		return nil
	}

	results[txIdx] = result
	wroteNew := d.mv.Record(version, st.ReadSet(), writeSet)
	if task, ok := d.sched.FinishExecution(version, wroteNew); ok {
		return d.runValidation(task.Version, results)
	}
	return nil
}

func (d *Driver) runValidation(version pevmtypes.Version, results []pevmtypes.TxResult) error {
	atomic.AddInt64(&d.metrics.Validations, 1)
	valid := d.mv.ValidateReadSet(version.TxIdx)
	if valid {
		d.sched.FinishValidation(version, false)
		return nil
	}

	atomic.AddInt64(&d.metrics.Aborts, 1)
	aborted := d.sched.TryValidationAbort(version)
	if aborted {
		d.mv.ConvertWritesToEstimates(version.TxIdx)
	}
	task, ok := d.sched.FinishValidation(version, aborted)
	if !ok {
		return nil
	}
	// The abort immediately freed this transaction to re-execute; run it
	// straight away rather than waiting for another worker's NextTask,
	// since the scheduler already advanced past its index.
	return d.runExecution(task.Version, results)
}
