package preprocess

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
)

func addr(n byte) common.Address {
	var a common.Address
	a[19] = n
	return a
}

func TestBuildSeedsSameSenderDependency(t *testing.T) {
	a, b := addr(1), addr(2)
	txs := []TxMetadata{
		{From: a, To: &b},
		{From: a, To: &b},
	}
	res := Build(txs, addr(9))

	require.NotNil(t, res.Dependencies[1])
	assert.True(t, res.Dependencies[1].Contains(0), "second tx from the same sender must wait on the first")
}

func TestBuildSeedsSameRecipientDependency(t *testing.T) {
	a, b, c := addr(1), addr(2), addr(3)
	txs := []TxMetadata{
		{From: a, To: &c},
		{From: b, To: &c},
	}
	res := Build(txs, addr(9))

	require.NotNil(t, res.Dependencies[1])
	assert.True(t, res.Dependencies[1].Contains(0))
}

func TestBuildChainsBeneficiaryTouchingTxsOnly(t *testing.T) {
	a, b := addr(1), addr(2)
	beneficiary := addr(9)
	txs := []TxMetadata{
		{From: a, To: &beneficiary},
		{From: b, To: &beneficiary},
	}
	res := Build(txs, beneficiary)

	require.NotNil(t, res.Dependencies[1])
	assert.True(t, res.Dependencies[1].Contains(0), "both transactions pay the same beneficiary")
}

func TestBuildDoesNotSeedBeneficiaryDependencyForUnrelatedTxs(t *testing.T) {
	a, b, c, d := addr(1), addr(2), addr(3), addr(4)
	res := Build([]TxMetadata{
		{From: a, To: &c},
		{From: b, To: &d},
	}, addr(9))

	assert.Nil(t, res.Dependencies[1], "neither transaction touches the beneficiary or shares a sender/recipient")
	assert.InDelta(t, 0.0, res.SeededRatio, 0.001)
}

func TestBuildStartingValidationIdxSkipsPureTransferPrefix(t *testing.T) {
	a, b := addr(1), addr(2)
	txs := []TxMetadata{
		{From: a, To: &b, HasCalldata: false},
		{From: b, To: &a, HasCalldata: false},
		{From: a, To: &b, HasCalldata: true},
	}
	res := Build(txs, addr(9))
	assert.Equal(t, 2, res.StartingValidationIdx)
}

func TestBuildStartingValidationIdxZeroWhenNoCalldataAnywhere(t *testing.T) {
	a, b := addr(1), addr(2)
	txs := []TxMetadata{
		{From: a, To: &b},
		{From: b, To: &a},
	}
	res := Build(txs, addr(9))
	assert.Equal(t, 0, res.StartingValidationIdx)
}

func TestShouldRunSequentially(t *testing.T) {
	assert.True(t, ShouldRunSequentially(true, 100, 10_000_000, 0.1))
	assert.True(t, ShouldRunSequentially(false, 2, 10_000_000, 0.1))
	assert.True(t, ShouldRunSequentially(false, 100, 100, 0.1))
	assert.True(t, ShouldRunSequentially(false, 100, 10_000_000, 0.95))
	assert.False(t, ShouldRunSequentially(false, 100, 10_000_000, 0.5))
}

func TestConcurrencyForClampsToRange(t *testing.T) {
	assert.Equal(t, 2, ConcurrencyFor(2, 8))
	assert.Equal(t, 4, ConcurrencyFor(8, 8))
	assert.Equal(t, 8, ConcurrencyFor(100, 8))
}
