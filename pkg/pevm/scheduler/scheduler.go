// Package scheduler implements the BlockSTM task scheduler described in
// spec.md §4.2: per-transaction incarnation status, dependency tracking,
// validation-driven aborts, and termination.
package scheduler

import (
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
)

// IncarnationStatus is a transaction's position in the state machine from
// spec.md §4.2.
type IncarnationStatus uint8

const (
	ReadyToExecute IncarnationStatus = iota
	Executing
	Executed
	Validated
	Aborting
)

type txStatus struct {
	incarnation pevmtypes.Incarnation
	status      IncarnationStatus
}

// TaskKind distinguishes the two kinds of work the scheduler hands out.
type TaskKind uint8

const (
	TaskNone TaskKind = iota
	TaskExecution
	TaskValidation
)

type Task struct {
	Kind    TaskKind
	Version pevmtypes.Version
}

// Scheduler coordinates speculative execution and validation across a
// block's transactions. All exported methods are safe for concurrent use
// by multiple worker goroutines.
type Scheduler struct {
	blockSize int

	statusMu []sync.Mutex
	status   []txStatus

	depsMu       []sync.Mutex
	dependents   []mapset.Set[pevmtypes.TxIdx] // txs waiting on this one
	dependencies []mapset.Set[pevmtypes.TxIdx] // lower txs this one waits on

	executionIdx atomic.Int64
	validationIdx atomic.Int64
	numActiveTasks atomic.Int64
	decreaseCnt    atomic.Int64
}

// New builds a scheduler whose initial per-tx status comes from dependency
// preprocessing (spec.md §4.2's seeding step): transactions with a seeded
// dependency start in Aborting(0) so they're only released once their
// dependency finishes; everything else starts ReadyToExecute(0).
// startingValidationIdx seeds the validation cursor past transactions
// whose dependencies are already exact (pure value transfers).
func New(blockSize int, seededDependents map[pevmtypes.TxIdx]mapset.Set[pevmtypes.TxIdx], seededDependencies map[pevmtypes.TxIdx]mapset.Set[pevmtypes.TxIdx], startingValidationIdx pevmtypes.TxIdx) *Scheduler {
	s := &Scheduler{
		blockSize:    blockSize,
		statusMu:     make([]sync.Mutex, blockSize),
		status:       make([]txStatus, blockSize),
		depsMu:       make([]sync.Mutex, blockSize),
		dependents:   make([]mapset.Set[pevmtypes.TxIdx], blockSize),
		dependencies: make([]mapset.Set[pevmtypes.TxIdx], blockSize),
	}
	for i := 0; i < blockSize; i++ {
		s.dependents[i] = mapset.NewThreadUnsafeSet[pevmtypes.TxIdx]()
		if deps, ok := seededDependencies[i]; ok && deps.Cardinality() > 0 {
			s.status[i] = txStatus{incarnation: 0, status: Aborting}
			s.dependencies[i] = deps.Clone()
		} else {
			s.status[i] = txStatus{incarnation: 0, status: ReadyToExecute}
			s.dependencies[i] = mapset.NewThreadUnsafeSet[pevmtypes.TxIdx]()
		}
	}
	for dep, waiters := range seededDependents {
		s.dependents[dep].Append(waiters.ToSlice()...)
	}
	s.executionIdx.Store(0)
	s.validationIdx.Store(int64(startingValidationIdx))
	return s
}

// Done reports whether every transaction has been executed, validated, and
// no task is outstanding, per spec.md §4.2's termination condition.
func (s *Scheduler) Done() bool {
	return s.executionIdx.Load() >= int64(s.blockSize) &&
		s.validationIdx.Load() >= int64(s.blockSize) &&
		s.numActiveTasks.Load() == 0
}

// NextTask claims the next available execution or validation task,
// preferring validation when it lags behind execution (spec.md §4.2):
// BlockSTM commits in order, so tasks tied to lower-indexed transactions
// are prioritized.
func (s *Scheduler) NextTask() Task {
	if s.validationIdx.Load() < s.executionIdx.Load() {
		if t, ok := s.tryNextValidation(); ok {
			return t
		}
		if t, ok := s.tryNextExecution(); ok {
			return t
		}
		return Task{Kind: TaskNone}
	}
	if t, ok := s.tryNextExecution(); ok {
		return t
	}
	if t, ok := s.tryNextValidation(); ok {
		return t
	}
	return Task{Kind: TaskNone}
}

func (s *Scheduler) tryNextExecution() (Task, bool) {
	idx := int(s.executionIdx.Load())
	if idx >= s.blockSize {
		return Task{}, false
	}
	for i := idx; i < s.blockSize; i++ {
		s.statusMu[i].Lock()
		st := s.status[i]
		if st.status == ReadyToExecute {
			s.status[i].status = Executing
			s.statusMu[i].Unlock()
			s.advanceExecutionIdx(i + 1)
			s.numActiveTasks.Add(1)
			return Task{Kind: TaskExecution, Version: pevmtypes.Version{TxIdx: i, Incarnation: st.incarnation}}, true
		}
		s.statusMu[i].Unlock()
		if st.status == ReadyToExecute || st.status == Executing {
			break
		}
	}
	return Task{}, false
}

func (s *Scheduler) tryNextValidation() (Task, bool) {
	idx := int(s.validationIdx.Load())
	if idx >= s.blockSize || idx >= int(s.executionIdx.Load()) {
		return Task{}, false
	}
	for i := idx; i < s.blockSize && i < int(s.executionIdx.Load()); i++ {
		s.statusMu[i].Lock()
		st := s.status[i]
		if st.status == Executed {
			s.statusMu[i].Unlock()
			s.advanceValidationIdx(i + 1)
			s.numActiveTasks.Add(1)
			return Task{Kind: TaskValidation, Version: pevmtypes.Version{TxIdx: i, Incarnation: st.incarnation}}, true
		}
		s.statusMu[i].Unlock()
	}
	return Task{}, false
}

func (s *Scheduler) advanceExecutionIdx(to int) {
	for {
		cur := s.executionIdx.Load()
		if cur >= int64(to) {
			return
		}
		if s.executionIdx.CompareAndSwap(cur, int64(to)) {
			return
		}
	}
}

func (s *Scheduler) advanceValidationIdx(to int) {
	for {
		cur := s.validationIdx.Load()
		if cur >= int64(to) {
			return
		}
		if s.validationIdx.CompareAndSwap(cur, int64(to)) {
			return
		}
	}
}

func (s *Scheduler) decreaseExecutionIdx(to int) {
	for {
		cur := s.executionIdx.Load()
		if cur <= int64(to) {
			return
		}
		if s.executionIdx.CompareAndSwap(cur, int64(to)) {
			return
		}
	}
}

func (s *Scheduler) decreaseValidationIdx(to int) {
	s.decreaseCnt.Add(1)
	for {
		cur := s.validationIdx.Load()
		if cur <= int64(to) {
			return
		}
		if s.validationIdx.CompareAndSwap(cur, int64(to)) {
			return
		}
	}
}

// FinishExecution transitions Executing(i) -> Executed(i), wakes every
// dependent waiting on i, and returns an immediate validation task when
// one is appropriate (spec.md §4.2).
func (s *Scheduler) FinishExecution(version pevmtypes.Version, wroteNewLocation bool) (Task, bool) {
	i := version.TxIdx
	s.statusMu[i].Lock()
	s.status[i].status = Executed
	s.statusMu[i].Unlock()

	s.resumeDependents(i)

	if wroteNewLocation {
		s.decreaseValidationIdx(i + 1)
	} else {
		s.advanceValidationIdx(max(int(s.validationIdx.Load()), i))
	}

	s.numActiveTasks.Add(-1)

	// Offer an immediate validation task for this transaction so the
	// calling worker can proceed without another round-trip through
	// NextTask, as spec.md §4.4 describes for the driver loop.
	s.statusMu[i].Lock()
	st := s.status[i]
	ready := st.status == Executed
	s.statusMu[i].Unlock()
	if ready {
		s.numActiveTasks.Add(1)
		s.advanceValidationIdx(i + 1)
		return Task{Kind: TaskValidation, Version: pevmtypes.Version{TxIdx: i, Incarnation: st.incarnation}}, true
	}
	return Task{}, false
}

// resumeDependents moves every transaction waiting on i back to
// ReadyToExecute with an incremented incarnation, per the
// Aborting(i)--resume_dep-->ReadyToExecute(i+1) transition.
func (s *Scheduler) resumeDependents(i pevmtypes.TxIdx) {
	s.depsMu[i].Lock()
	waiters := s.dependents[i]
	s.dependents[i] = mapset.NewThreadUnsafeSet[pevmtypes.TxIdx]()
	s.depsMu[i].Unlock()

	for _, w := range waiters.ToSlice() {
		s.depsMu[w].Lock()
		s.dependencies[w].Remove(i)
		stillWaiting := s.dependencies[w].Cardinality() > 0
		s.depsMu[w].Unlock()
		if stillWaiting {
			continue
		}
		s.statusMu[w].Lock()
		if s.status[w].status == Aborting {
			s.status[w].incarnation++
			s.status[w].status = ReadyToExecute
			s.decreaseExecutionIdx(w)
		}
		s.statusMu[w].Unlock()
	}
}

// AbandonExecution releases txIdx's active task slot and puts it back to
// ReadyToExecute with the same incarnation, used when an execution
// attempt failed with a transient error worth retrying (spec.md §7).
func (s *Scheduler) AbandonExecution(version pevmtypes.Version) {
	defer s.numActiveTasks.Add(-1)
	i := version.TxIdx
	s.statusMu[i].Lock()
	if s.status[i].incarnation == version.Incarnation && s.status[i].status == Executing {
		s.status[i].status = ReadyToExecute
	}
	s.statusMu[i].Unlock()
	s.decreaseExecutionIdx(i)
}

// TryValidationAbort atomically transitions Executed(i)/Validated(i) ->
// Aborting(i) iff the current (TxIdx, Inc) still matches version, per
// spec.md §4.2. Only the caller that performs the transition gets true;
// idempotence here is what lets racing validators share the cost safely.
func (s *Scheduler) TryValidationAbort(version pevmtypes.Version) bool {
	i := version.TxIdx
	s.statusMu[i].Lock()
	defer s.statusMu[i].Unlock()
	st := s.status[i]
	if st.incarnation != version.Incarnation {
		return false
	}
	if st.status != Executed && st.status != Validated {
		return false
	}
	s.status[i].status = Aborting
	return true
}

// FinishValidation applies the outcome of a validation task, per
// spec.md §4.2.
func (s *Scheduler) FinishValidation(version pevmtypes.Version, aborted bool) (Task, bool) {
	i := version.TxIdx
	defer s.numActiveTasks.Add(-1)

	if aborted {
		s.statusMu[i].Lock()
		if s.status[i].incarnation == version.Incarnation && s.status[i].status == Aborting {
			s.status[i].incarnation++
			s.status[i].status = ReadyToExecute
		}
		newStatus := s.status[i]
		s.statusMu[i].Unlock()

		s.decreaseExecutionIdx(i)
		s.decreaseValidationIdx(i + 1)

		if newStatus.status == ReadyToExecute {
			s.numActiveTasks.Add(1)
			s.advanceExecutionIdx(i + 1)
			return Task{Kind: TaskExecution, Version: pevmtypes.Version{TxIdx: i, Incarnation: newStatus.incarnation}}, true
		}
		return Task{}, false
	}

	s.statusMu[i].Lock()
	if s.status[i].incarnation == version.Incarnation && s.status[i].status == Executed {
		s.status[i].status = Validated
	}
	s.statusMu[i].Unlock()
	return Task{}, false
}

// AddDependency abandons the in-flight execution attempt for txIdx that
// blocked on blockingIdx, per spec.md §4.2. It always releases the active
// task slot the caller's attempt held. If blockingIdx is still live, it
// registers txIdx to be resumed once blockingIdx finishes and returns
// true; if blockingIdx already finished (the block that caused the read
// to appear unresolved is gone), there is nothing to wait on, so txIdx is
// put straight back to ReadyToExecute with its incarnation unchanged and
// this returns false.
func (s *Scheduler) AddDependency(txIdx, blockingIdx pevmtypes.TxIdx) bool {
	defer s.numActiveTasks.Add(-1)

	s.statusMu[blockingIdx].Lock()
	blockerSt := s.status[blockingIdx]
	blockerLive := blockerSt.status == Executing || blockerSt.status == Aborting
	if blockerLive {
		s.depsMu[blockingIdx].Lock()
		s.dependents[blockingIdx].Add(txIdx)
		s.depsMu[blockingIdx].Unlock()
	}
	s.statusMu[blockingIdx].Unlock()

	if !blockerLive {
		s.statusMu[txIdx].Lock()
		s.status[txIdx].status = ReadyToExecute
		s.statusMu[txIdx].Unlock()
		s.decreaseExecutionIdx(txIdx)
		return false
	}

	s.statusMu[txIdx].Lock()
	s.status[txIdx].status = Aborting
	s.statusMu[txIdx].Unlock()

	s.depsMu[txIdx].Lock()
	if s.dependencies[txIdx] == nil {
		s.dependencies[txIdx] = mapset.NewThreadUnsafeSet[pevmtypes.TxIdx]()
	}
	s.dependencies[txIdx].Add(blockingIdx)
	s.depsMu[txIdx].Unlock()

	s.decreaseExecutionIdx(txIdx)
	return true
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
