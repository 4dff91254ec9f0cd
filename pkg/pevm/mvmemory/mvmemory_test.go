package mvmemory

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
)

func writeBasic(m *MVMemory, idx int, loc pevmtypes.MemoryLocation, balance uint64) bool {
	ws := pevmtypes.WriteSet{{
		LocationHash: loc.Hash(),
		Location:     loc,
		Value:        pevmtypes.BasicValue(&pevmtypes.AccountBasic{Balance: uint256.NewInt(balance)}),
	}}
	return m.Record(pevmtypes.Version{TxIdx: idx}, pevmtypes.NewReadSet(), ws)
}

func TestReadReturnsNotFoundWithNoWriters(t *testing.T) {
	m := New(4)
	loc := pevmtypes.BasicLocation(common.HexToAddress("0x1"))
	res := m.Read(loc.Hash(), 2)
	assert.Equal(t, ReadNotFound, res.Kind)
}

func TestReadReturnsHighestWriterBelowReader(t *testing.T) {
	m := New(4)
	loc := pevmtypes.BasicLocation(common.HexToAddress("0x1"))
	writeBasic(m, 0, loc, 10)
	writeBasic(m, 2, loc, 20)

	res := m.Read(loc.Hash(), 3)
	require.Equal(t, ReadOk, res.Kind)
	assert.Equal(t, 2, res.Version.TxIdx)
	assert.Equal(t, uint64(20), res.Value.Basic.Balance.Uint64())

	res = m.Read(loc.Hash(), 2)
	require.Equal(t, ReadOk, res.Kind)
	assert.Equal(t, 0, res.Version.TxIdx)
}

func TestConvertWritesToEstimatesBlocksLaterReaders(t *testing.T) {
	m := New(4)
	loc := pevmtypes.BasicLocation(common.HexToAddress("0x1"))
	writeBasic(m, 1, loc, 10)
	m.ConvertWritesToEstimates(1)

	res := m.Read(loc.Hash(), 3)
	require.Equal(t, ReadBlocked, res.Kind)
	assert.Equal(t, 1, res.BlockingIdx)
}

func TestRecordReportsNewlyWrittenLocations(t *testing.T) {
	m := New(4)
	locA := pevmtypes.BasicLocation(common.HexToAddress("0x1"))
	locB := pevmtypes.BasicLocation(common.HexToAddress("0x2"))

	wroteNew := writeBasic(m, 0, locA, 1)
	assert.True(t, wroteNew, "first write to a fresh location is always new")

	wroteNew = writeBasic(m, 0, locA, 2)
	assert.False(t, wroteNew, "re-recording the same location set is not new")

	ws := pevmtypes.WriteSet{{LocationHash: locB.Hash(), Location: locB, Value: pevmtypes.BasicValue(&pevmtypes.AccountBasic{Balance: uint256.NewInt(1)})}}
	wroteNew = m.Record(pevmtypes.Version{TxIdx: 0}, pevmtypes.NewReadSet(), ws)
	assert.True(t, wroteNew, "dropping locA for locB touches a location not in the prior write-set")
}

func TestValidateReadSetDetectsStaleOrigin(t *testing.T) {
	m := New(4)
	loc := pevmtypes.BasicLocation(common.HexToAddress("0x1"))
	writeBasic(m, 0, loc, 10)

	rs := pevmtypes.NewReadSet()
	rs.Entries[loc.Hash()] = &pevmtypes.ReadDescriptor{
		Location: loc,
		Origins:  []pevmtypes.ReadOrigin{pevmtypes.MvOrigin(pevmtypes.Version{TxIdx: 0, Incarnation: 0})},
	}
	m.txMu[2].Lock()
	m.lastReadSet[2] = rs
	m.txMu[2].Unlock()

	assert.True(t, m.ValidateReadSet(2))

	// A re-execution of tx 0 bumps its incarnation; tx 2's cached origin is
	// now stale even though the location's writer index hasn't moved.
	ws := pevmtypes.WriteSet{{LocationHash: loc.Hash(), Location: loc, Value: pevmtypes.BasicValue(&pevmtypes.AccountBasic{Balance: uint256.NewInt(99)})}}
	m.Record(pevmtypes.Version{TxIdx: 0, Incarnation: 1}, pevmtypes.NewReadSet(), ws)

	assert.False(t, m.ValidateReadSet(2))
}

func TestHasEstimatesReflectsAbortedWrites(t *testing.T) {
	m := New(4)
	loc := pevmtypes.BasicLocation(common.HexToAddress("0x1"))
	writeBasic(m, 1, loc, 10)
	assert.False(t, m.HasEstimates())

	m.ConvertWritesToEstimates(1)
	assert.True(t, m.HasEstimates())
}

func TestReadAccountChainResolvesLazyAdditions(t *testing.T) {
	m := New(4)
	addr := common.HexToAddress("0xbeef")
	loc := pevmtypes.BasicLocation(addr)

	writeBasic(m, 0, loc, 100)
	m.Record(pevmtypes.Version{TxIdx: 1}, pevmtypes.NewReadSet(), pevmtypes.WriteSet{{
		LocationHash: loc.Hash(), Location: loc, Value: pevmtypes.LazyBalanceAddition(uint256.NewInt(5)),
	}})
	m.Record(pevmtypes.Version{TxIdx: 2}, pevmtypes.NewReadSet(), pevmtypes.WriteSet{{
		LocationHash: loc.Hash(), Location: loc, Value: pevmtypes.LazyBalanceAddition(uint256.NewInt(7)),
	}})

	res := m.ReadAccountChain(loc.Hash(), 3, false)
	require.Equal(t, ReadOk, res.Kind)
	require.NotNil(t, res.Basic)
	assert.Equal(t, uint64(100), res.Basic.Balance.Uint64())
	require.Len(t, res.Addends, 2)
	// The climb runs from the reader downwards, so the nearest addend comes first.
	assert.Equal(t, uint64(7), res.Addends[0].Uint64())
	assert.Equal(t, uint64(5), res.Addends[1].Uint64())
}

func TestReadAccountChainConsecutiveRuleBlocksOnGap(t *testing.T) {
	m := New(5)
	addr := common.HexToAddress("0xbeef")
	loc := pevmtypes.BasicLocation(addr)

	writeBasic(m, 0, loc, 100)
	// Tx 3 writes a lazy addend but tx 2 never touches this location: under
	// the consecutive rule, tx 4 cannot trust that nothing between 0 and 3
	// also touched the beneficiary without re-validating.
	m.Record(pevmtypes.Version{TxIdx: 3}, pevmtypes.NewReadSet(), pevmtypes.WriteSet{{
		LocationHash: loc.Hash(), Location: loc, Value: pevmtypes.LazyBalanceAddition(uint256.NewInt(5)),
	}})

	res := m.ReadAccountChain(loc.Hash(), 4, true)
	assert.Equal(t, ReadBlocked, res.Kind)
}

func TestTakeFinalValuesResolvesTrailingLazyChain(t *testing.T) {
	m := New(4)
	addr := common.HexToAddress("0xbeef")
	loc := pevmtypes.BasicLocation(addr)

	writeBasic(m, 0, loc, 100)
	m.Record(pevmtypes.Version{TxIdx: 1}, pevmtypes.NewReadSet(), pevmtypes.WriteSet{{
		LocationHash: loc.Hash(), Location: loc, Value: pevmtypes.LazyBalanceAddition(uint256.NewInt(5)),
	}})

	finals, err := m.TakeFinalValues(4, nil)
	require.NoError(t, err)
	fv, ok := finals[loc.Hash()]
	require.True(t, ok)
	assert.Equal(t, pevmtypes.ValueBasic, fv.Value.Kind)
	assert.Equal(t, uint64(105), fv.Value.Basic.Balance.Uint64())
}

func TestTakeFinalValuesFallsBackToBaseFnWhenChainNeverHitsBasic(t *testing.T) {
	m := New(4)
	addr := common.HexToAddress("0xbeef")
	loc := pevmtypes.BasicLocation(addr)

	m.Record(pevmtypes.Version{TxIdx: 1}, pevmtypes.NewReadSet(), pevmtypes.WriteSet{{
		LocationHash: loc.Hash(), Location: loc, Value: pevmtypes.LazyBalanceAddition(uint256.NewInt(5)),
	}})

	called := false
	finals, err := m.TakeFinalValues(4, func(l pevmtypes.MemoryLocation) (*pevmtypes.AccountBasic, error) {
		called = true
		assert.Equal(t, addr, l.Address)
		return &pevmtypes.AccountBasic{Balance: uint256.NewInt(1_000)}, nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, uint64(1_005), finals[loc.Hash()].Value.Basic.Balance.Uint64())
}
