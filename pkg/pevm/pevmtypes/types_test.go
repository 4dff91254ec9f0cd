package pevmtypes

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocationHashDistinguishesKindAndSlot(t *testing.T) {
	addr := common.HexToAddress("0x1")
	basic := BasicLocation(addr)
	storageA := StorageLocation(addr, common.HexToHash("0xa"))
	storageB := StorageLocation(addr, common.HexToHash("0xb"))

	assert.NotEqual(t, basic.Hash(), storageA.Hash())
	assert.NotEqual(t, storageA.Hash(), storageB.Hash())
	assert.Equal(t, basic.Hash(), BasicLocation(addr).Hash(), "hash must be deterministic")
}

func TestAccountBasicCloneIsIndependent(t *testing.T) {
	original := &AccountBasic{Balance: uint256.NewInt(100), Nonce: 3}
	clone := original.Clone()
	require.NotNil(t, clone)

	clone.Balance.AddUint64(clone.Balance, 1)
	clone.Nonce = 9

	assert.Equal(t, uint64(100), original.Balance.Uint64())
	assert.Equal(t, uint64(3), original.Nonce)
}

func TestAccountBasicCloneNil(t *testing.T) {
	var a *AccountBasic
	assert.Nil(t, a.Clone())
}

func TestAccountBasicEqual(t *testing.T) {
	a := &AccountBasic{Balance: uint256.NewInt(5), Nonce: 1}
	b := &AccountBasic{Balance: uint256.NewInt(5), Nonce: 1}
	c := &AccountBasic{Balance: uint256.NewInt(6), Nonce: 1}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
	var nilA *AccountBasic
	assert.True(t, nilA.Equal(nil))
}

func TestReadOriginConstructors(t *testing.T) {
	assert.True(t, StorageOrigin.FromStorage)
	v := Version{TxIdx: 4, Incarnation: 1}
	origin := MvOrigin(v)
	assert.False(t, origin.FromStorage)
	assert.Equal(t, v, origin.Version)
}
