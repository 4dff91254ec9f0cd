package vmstate

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/mvmemory"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/pevmtypes"
	"github.com/sanketsaagar/lightchain-pevm/pkg/pevm/storage"
)

func TestGetAccountFallsThroughToStorageOnMiss(t *testing.T) {
	mv := mvmemory.New(4)
	store := storage.NewInMemory()
	addr := common.HexToAddress("0x1")
	store.SetAccount(addr, &pevmtypes.AccountBasic{Balance: uint256.NewInt(500)})

	st := New(2, 0, mv, store, common.HexToAddress("0xb0"))
	got, err := st.GetAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got.Balance.Uint64())
}

func TestGetAccountResolvesLazyChainNotJustBareDelta(t *testing.T) {
	mv := mvmemory.New(4)
	store := storage.NewInMemory()
	recipient := common.HexToAddress("0xcafe")
	beneficiary := common.HexToAddress("0xb0")
	store.SetAccount(recipient, &pevmtypes.AccountBasic{Balance: uint256.NewInt(1_000), Nonce: 7})

	// tx 0 is a pure transfer crediting recipient with a lazy delta.
	writer := New(0, 0, mv, store, beneficiary)
	writer.RecordAccountWrite(recipient, WriteLazyBalance, nil, uint256.NewInt(50))
	mv.Record(pevmtypes.Version{TxIdx: 0}, writer.ReadSet(), writer.WriteSet())

	// tx 1 reads the same address with no special knowledge that it might
	// hold a lazy entry (e.g. it is unrelated to the transfer above). The
	// read must still resolve the full chain down to the base snapshot
	// rather than returning the bare delta as if it were the balance.
	reader := New(1, 0, mv, store, beneficiary)
	got, err := reader.GetAccount(recipient)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_050), got.Balance.Uint64(), "must resolve the chain down to the base snapshot, not just the delta")
	assert.Equal(t, uint64(7), got.Nonce, "nonce must survive the lazy-balance chain climb")
}

func TestGetAccountReadBlockedReportsBlockingIdx(t *testing.T) {
	mv := mvmemory.New(4)
	store := storage.NewInMemory()
	beneficiary := common.HexToAddress("0xb0")

	writer := New(0, 0, mv, store, beneficiary)
	writer.RecordAccountWrite(beneficiary, WriteOrdinary, &pevmtypes.AccountBasic{Balance: uint256.NewInt(1)}, nil)
	mv.Record(pevmtypes.Version{TxIdx: 0}, writer.ReadSet(), writer.WriteSet())
	mv.ConvertWritesToEstimates(0)

	reader := New(2, 0, mv, store, beneficiary)
	_, err := reader.GetAccount(beneficiary)
	assert.ErrorIs(t, err, ErrReadBlocked)
	blockingIdx, blocked := reader.Blocked()
	assert.True(t, blocked)
	// The beneficiary's consecutive rule blocks on readerIdx-1, not the
	// estimate's own index: any gap below the reader is unsafe to skip.
	assert.Equal(t, 1, blockingIdx)
}

func TestRecordAccountWriteOverwritesSameLocation(t *testing.T) {
	mv := mvmemory.New(2)
	store := storage.NewInMemory()
	addr := common.HexToAddress("0x1")
	st := New(0, 0, mv, store, common.HexToAddress("0xb0"))

	st.RecordAccountWrite(addr, WriteOrdinary, &pevmtypes.AccountBasic{Balance: uint256.NewInt(1)}, nil)
	st.RecordAccountWrite(addr, WriteOrdinary, &pevmtypes.AccountBasic{Balance: uint256.NewInt(2)}, nil)

	require.Len(t, st.WriteSet(), 1)
	assert.Equal(t, uint64(2), st.WriteSet()[0].Value.Basic.Balance.Uint64())
}

func TestRetryBudgetExhausts(t *testing.T) {
	rb := NewRetryBudget(1)
	for i := 0; i < maxRetries; i++ {
		assert.True(t, rb.Allow(0))
	}
	assert.False(t, rb.Allow(0))
}
