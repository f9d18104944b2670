package snapshot

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exploitscan/pkg/chain"
	"exploitscan/pkg/faults"
)

const tokenABIJSON = `[
	{"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"paused","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

type fakeBatcher struct {
	t        *testing.T
	block    uint64
	results  []chain.CallResult
	err      error
	batches  int
	lastSize int
}

func (f *fakeBatcher) Aggregate(_ context.Context, calls []chain.Call, block uint64) ([]chain.CallResult, error) {
	require.Equal(f.t, f.block, block, "batch not pinned to run block")
	f.batches++
	f.lastSize = len(calls)
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func tokenInterface(t *testing.T) InterfaceDescription {
	parsed, err := abi.JSON(strings.NewReader(tokenABIJSON))
	require.NoError(t, err)
	return InterfaceDescription{
		Name: "token",
		ABI:  parsed,
		Calls: []CallSpec{
			{Method: "totalSupply"},
			{Method: "paused"},
		},
	}
}

func packReturn(t *testing.T, iface InterfaceDescription, method string, values ...interface{}) []byte {
	out, err := iface.ABI.Methods[method].Outputs.Pack(values...)
	require.NoError(t, err)
	return out
}

func TestReadDecodesBatch(t *testing.T) {
	const block = uint64(18_500_000)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	iface := tokenInterface(t)

	supply := big.NewInt(1_000_000)
	batcher := &fakeBatcher{t: t, block: block, results: []chain.CallResult{
		{Success: true, ReturnData: packReturn(t, iface, "totalSupply", supply)},
		{Success: true, ReturnData: packReturn(t, iface, "paused", true)},
	}}

	snap, err := NewReader(batcher, quietLogger()).Read(context.Background(), addr, iface, block)
	require.NoError(t, err)

	assert.Equal(t, addr, snap.Address)
	assert.Equal(t, block, snap.Block)
	require.Len(t, snap.Entries, 2)

	assert.Equal(t, 1, batcher.batches, "all fields must travel in one batch")
	assert.Equal(t, 2, batcher.lastSize)

	assert.Equal(t, supply, snap.Entry("totalSupply").Value)
	assert.Equal(t, true, snap.Entry("paused").Value)
	assert.Empty(t, snap.Entry("totalSupply").Err)
}

func TestReadPerFieldFailureIsNonFatal(t *testing.T) {
	const block = uint64(100)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	iface := tokenInterface(t)

	batcher := &fakeBatcher{t: t, block: block, results: []chain.CallResult{
		{Success: false},
		{Success: true, ReturnData: packReturn(t, iface, "paused", false)},
	}}

	snap, err := NewReader(batcher, quietLogger()).Read(context.Background(), addr, iface, block)
	require.NoError(t, err)

	assert.Contains(t, snap.Entry("totalSupply").Err, "reverted")
	assert.Nil(t, snap.Entry("totalSupply").Value)
	assert.Equal(t, false, snap.Entry("paused").Value)
}

func TestReadMalformedReturnIsNonFatal(t *testing.T) {
	const block = uint64(100)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	iface := tokenInterface(t)

	batcher := &fakeBatcher{t: t, block: block, results: []chain.CallResult{
		{Success: true, ReturnData: []byte{0x01, 0x02}}, // not a uint256 word
		{Success: true, ReturnData: packReturn(t, iface, "paused", true)},
	}}

	snap, err := NewReader(batcher, quietLogger()).Read(context.Background(), addr, iface, block)
	require.NoError(t, err)

	assert.Contains(t, snap.Entry("totalSupply").Err, "decode")
	assert.Equal(t, true, snap.Entry("paused").Value)
}

func TestReadStateUnavailable(t *testing.T) {
	const block = uint64(1)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	iface := tokenInterface(t)

	batcher := &fakeBatcher{t: t, block: block, err: errors.New("missing trie node deadbeef")}

	_, err := NewReader(batcher, quietLogger()).Read(context.Background(), addr, iface, block)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrStateUnavailable))
}

func TestReadPackFailureSkipsCall(t *testing.T) {
	const block = uint64(7)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	iface := tokenInterface(t)
	iface.Calls = append(iface.Calls, CallSpec{Method: "balanceOf"}) // missing argument

	batcher := &fakeBatcher{t: t, block: block, results: []chain.CallResult{
		{Success: true, ReturnData: packReturn(t, iface, "totalSupply", big.NewInt(5))},
		{Success: true, ReturnData: packReturn(t, iface, "paused", false)},
	}}

	snap, err := NewReader(batcher, quietLogger()).Read(context.Background(), addr, iface, block)
	require.NoError(t, err)

	assert.Equal(t, 2, batcher.lastSize, "unpackable call must not enter the batch")
	assert.Contains(t, snap.Entry("balanceOf").Err, "pack")
	assert.Equal(t, big.NewInt(5), snap.Entry("totalSupply").Value)
}

func TestReadIsIdempotent(t *testing.T) {
	const block = uint64(333)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	iface := tokenInterface(t)

	batcher := &fakeBatcher{t: t, block: block, results: []chain.CallResult{
		{Success: true, ReturnData: packReturn(t, iface, "totalSupply", big.NewInt(42))},
		{Success: true, ReturnData: packReturn(t, iface, "paused", true)},
	}}

	reader := NewReader(batcher, quietLogger())
	first, err := reader.Read(context.Background(), addr, iface, block)
	require.NoError(t, err)
	second, err := reader.Read(context.Background(), addr, iface, block)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestMinimalInterface(t *testing.T) {
	desc, err := MinimalInterface()
	require.NoError(t, err)
	assert.Equal(t, "minimal", desc.Name)
	require.NotEmpty(t, desc.Calls)
	for _, spec := range desc.Calls {
		_, ok := desc.ABI.Methods[spec.Method]
		assert.True(t, ok, "call %s missing from ABI", spec.Method)
	}
}

func TestFromABIPicksZeroArgViews(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(tokenABIJSON))
	require.NoError(t, err)

	desc := FromABI("token", parsed)
	methods := make([]string, 0, len(desc.Calls))
	for _, spec := range desc.Calls {
		methods = append(methods, spec.Method)
	}
	assert.Equal(t, []string{"paused", "totalSupply"}, methods, "balanceOf takes an argument and must be excluded")
}
