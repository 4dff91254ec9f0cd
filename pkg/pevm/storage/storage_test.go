package storage

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
)

func TestInMemoryBasicRoundTripsAndClones(t *testing.T) {
	m := NewInMemory()
	addr := common.HexToAddress("0x1")
	m.SetAccount(addr, &pevmtypes.AccountBasic{Balance: uint256.NewInt(42), Nonce: 1})

	got, err := m.Basic(addr)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(42), got.Balance.Uint64())

	got.Balance.AddUint64(got.Balance, 1)
	reread, err := m.Basic(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), reread.Balance.Uint64(), "Basic must return an independent clone")
}

func TestInMemoryBasicUnknownAccountReturnsNil(t *testing.T) {
	m := NewInMemory()
	got, err := m.Basic(common.HexToAddress("0xdead"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInMemoryStorageDefaultsToZero(t *testing.T) {
	m := NewInMemory()
	v, err := m.Storage(common.HexToAddress("0x1"), common.HexToHash("0x1"))
	require.NoError(t, err)
	assert.True(t, v.IsZero())
}

func TestInMemoryHasStorage(t *testing.T) {
	m := NewInMemory()
	addr := common.HexToAddress("0x1")
	has, err := m.HasStorage(addr)
	require.NoError(t, err)
	assert.False(t, has)

	m.SetStorage(addr, common.HexToHash("0x1"), uint256.NewInt(1))
	has, err = m.HasStorage(addr)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestErrorWrapsAndUnwraps(t *testing.T) {
	inner := assert.AnError
	err := &Error{Op: "Basic", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "Basic")
}
