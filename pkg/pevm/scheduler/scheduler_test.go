package scheduler

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
)

func noSeeds() (map[pevmtypes.TxIdx]mapset.Set[pevmtypes.TxIdx], map[pevmtypes.TxIdx]mapset.Set[pevmtypes.TxIdx]) {
	return map[pevmtypes.TxIdx]mapset.Set[pevmtypes.TxIdx]{}, map[pevmtypes.TxIdx]mapset.Set[pevmtypes.TxIdx]{}
}

func TestNewWithoutSeedsStartsEveryTxReadyToExecute(t *testing.T) {
	dependents, dependencies := noSeeds()
	s := New(3, dependents, dependencies, 0)
	assert.False(t, s.Done())

	for i := 0; i < 3; i++ {
		task := s.NextTask()
		require.Equal(t, TaskExecution, task.Kind)
		assert.Equal(t, i, task.Version.TxIdx)
	}
	assert.Equal(t, Task{Kind: TaskNone}, s.NextTask())
}

func TestFullLifecycleReachesDone(t *testing.T) {
	dependents, dependencies := noSeeds()
	s := New(2, dependents, dependencies, 0)

	for i := 0; i < 2; i++ {
		task := s.NextTask()
		require.Equal(t, TaskExecution, task.Kind)
		vtask, ok := s.FinishExecution(task.Version, true)
		require.True(t, ok)
		require.Equal(t, TaskValidation, vtask.Kind)
		s.FinishValidation(vtask.Version, false)
	}
	assert.True(t, s.Done())
}

func TestValidationAbortBumpsIncarnationAndReschedules(t *testing.T) {
	dependents, dependencies := noSeeds()
	s := New(1, dependents, dependencies, 0)

	task := s.NextTask()
	vtask, ok := s.FinishExecution(task.Version, true)
	require.True(t, ok)

	aborted := s.TryValidationAbort(vtask.Version)
	assert.True(t, aborted)

	retryTask, ok := s.FinishValidation(vtask.Version, true)
	require.True(t, ok)
	assert.Equal(t, TaskExecution, retryTask.Kind)
	assert.Equal(t, 1, retryTask.Version.Incarnation)
	assert.False(t, s.Done())
}

func TestSeededDependencyBlocksExecutionUntilDependencyFinishes(t *testing.T) {
	dependents := map[pevmtypes.TxIdx]mapset.Set[pevmtypes.TxIdx]{
		0: mapset.NewThreadUnsafeSet[pevmtypes.TxIdx](1),
	}
	dependencies := map[pevmtypes.TxIdx]mapset.Set[pevmtypes.TxIdx]{
		1: mapset.NewThreadUnsafeSet[pevmtypes.TxIdx](0),
	}
	s := New(2, dependents, dependencies, 0)

	task := s.NextTask()
	require.Equal(t, TaskExecution, task.Kind)
	assert.Equal(t, 0, task.Version.TxIdx, "tx 1 is seeded Aborting and must not be handed out yet")

	vtask, ok := s.FinishExecution(task.Version, true)
	require.True(t, ok)
	s.FinishValidation(vtask.Version, false)

	task = s.NextTask()
	require.Equal(t, TaskExecution, task.Kind)
	assert.Equal(t, 1, task.Version.TxIdx, "resolving tx 0 must release tx 1's seeded dependency")
}

func TestAddDependencyParksOnLiveBlockerAndResumesOnFinish(t *testing.T) {
	dependents, dependencies := noSeeds()
	s := New(2, dependents, dependencies, 0)

	blocker := s.NextTask() // tx 0, Executing
	require.Equal(t, 0, blocker.Version.TxIdx)
	waiter := s.NextTask() // tx 1, Executing
	require.Equal(t, 1, waiter.Version.TxIdx)

	stillBlocked := s.AddDependency(1, 0)
	assert.True(t, stillBlocked)

	// Nothing runnable until the blocker finishes: tx 0 is mid-flight and
	// tx 1 is parked on it.
	assert.Equal(t, Task{Kind: TaskNone}, s.NextTask())

	vtask, ok := s.FinishExecution(blocker.Version, true)
	require.True(t, ok)
	s.FinishValidation(vtask.Version, false)

	resumed := s.NextTask()
	require.Equal(t, TaskExecution, resumed.Kind)
	assert.Equal(t, 1, resumed.Version.TxIdx)
	assert.Equal(t, 1, resumed.Version.Incarnation, "resuming a dependency wait bumps the incarnation")
}

func TestAddDependencyOnAlreadyFinishedBlockerReturnsToReady(t *testing.T) {
	dependents, dependencies := noSeeds()
	s := New(2, dependents, dependencies, 0)

	task := s.NextTask()
	// tx 1 still sits at its default ReadyToExecute status: neither
	// Executing nor Aborting, so AddDependency treats it as already
	// resolved rather than something to wait on.
	ok := s.AddDependency(task.Version.TxIdx, 1)
	assert.False(t, ok)

	retry := s.NextTask()
	require.Equal(t, TaskExecution, retry.Kind)
	assert.Equal(t, task.Version.Incarnation, retry.Version.Incarnation, "incarnation is unchanged when there was nothing to wait on")
}

func TestAbandonExecutionReturnsTxToReadyToExecute(t *testing.T) {
	dependents, dependencies := noSeeds()
	s := New(1, dependents, dependencies, 0)

	task := s.NextTask()
	s.AbandonExecution(task.Version)

	retry := s.NextTask()
	require.Equal(t, TaskExecution, retry.Kind)
	assert.Equal(t, task.Version, retry.Version, "abandon does not bump incarnation, only releases the slot")
}
