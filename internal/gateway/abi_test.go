package gateway

import (
	"math/big"
	"testing"

	"DexSync/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packLog(t *testing.T, name string, args ...interface{}) types.Log {
	t.Helper()
	def := exchangeABI.Events[name]
	data, err := def.Inputs.Pack(args...)
	require.NoError(t, err)
	return types.Log{
		Topics:      []common.Hash{def.ID},
		Data:        data,
		BlockNumber: 12,
		Index:       3,
		TxHash:      common.HexToHash("0xabc"),
	}
}

func TestDecodeTrade(t *testing.T) {
	maker := common.HexToAddress("0x01")
	filler := common.HexToAddress("0x02")
	tokenGet := common.HexToAddress("0x10")
	tokenGive := common.HexToAddress("0x11")

	lg := packLog(t, "Trade",
		big.NewInt(7), maker, filler, tokenGive, big.NewInt(10), tokenGet, big.NewInt(50), big.NewInt(1_700_000_000))

	evt, err := decodeLog(lg)
	require.NoError(t, err)
	tr, ok := evt.(*event.Trade)
	require.True(t, ok)

	assert.Equal(t, event.OrderID(7), tr.ID)
	assert.Equal(t, maker, tr.Maker)
	assert.Equal(t, filler, tr.Filler)
	assert.Equal(t, tokenGive, tr.TokenGive)
	assert.Equal(t, tokenGet, tr.TokenGet)
	assert.Equal(t, "10", tr.AmountGive.String())
	assert.Equal(t, "50", tr.AmountGet.String())
	assert.Equal(t, int64(1_700_000_000), tr.Timestamp.Unix())
	assert.Equal(t, event.Position{Block: 12, LogIndex: 3}, tr.Position())
}

func TestDecodeDeposit(t *testing.T) {
	token := common.HexToAddress("0x10")
	user := common.HexToAddress("0x0a")

	evt, err := decodeLog(packLog(t, "Deposit", token, user, big.NewInt(100), big.NewInt(250)))
	require.NoError(t, err)
	dep := evt.(*event.Deposit)
	assert.Equal(t, user, dep.User)
	assert.Equal(t, "250", dep.Balance.String())
	assert.Equal(t, event.StreamCustody, dep.Stream())
}

func TestDecodeRejectsForeignTopic(t *testing.T) {
	_, err := decodeLog(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	assert.Error(t, err)

	_, err = decodeLog(types.Log{})
	assert.Error(t, err)
}

func TestStreamTopicsPartitionEvents(t *testing.T) {
	assert.Len(t, streamTopics(event.StreamCustody), 2)
	assert.Len(t, streamTopics(event.StreamCreation), 1)
	assert.Len(t, streamTopics(event.StreamResolution), 2)
	assert.Equal(t, exchangeABI.Events["Make"].ID, streamTopics(event.StreamCreation)[0])
}
