package scanner

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type stubChain struct {
	head   uint64
	blocks map[uint64]*gethtypes.Block
	logs   []gethtypes.Log

	blockCalls  []uint64
	filterCalls []ethereum.FilterQuery
}

func (c *stubChain) BlockNumber(ctx context.Context) (uint64, error) {
	return c.head, nil
}

func (c *stubChain) BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error) {
	n := number.Uint64()
	c.blockCalls = append(c.blockCalls, n)
	block, ok := c.blocks[n]
	if !ok {
		return emptyBlock(n), nil
	}
	return block, nil
}

func (c *stubChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	c.filterCalls = append(c.filterCalls, q)
	var out []gethtypes.Log
	for _, entry := range c.logs {
		if entry.BlockNumber >= q.FromBlock.Uint64() && entry.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, entry)
		}
	}
	return out, nil
}

type memCursor struct {
	value uint64
	set   bool
}

func (c *memCursor) LastScannedBlock(ctx context.Context) (uint64, bool, error) {
	return c.value, c.set, nil
}

func (c *memCursor) SetLastScannedBlock(ctx context.Context, height uint64) error {
	c.value = height
	c.set = true
	return nil
}

type captureSink struct {
	batches [][]DetectedDeposit
	err     error
}

func (s *captureSink) HandleBatch(ctx context.Context, detected []DetectedDeposit) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, detected)
	return nil
}

func emptyBlock(n uint64) *gethtypes.Block {
	return gethtypes.NewBlockWithHeader(&gethtypes.Header{Number: new(big.Int).SetUint64(n)})
}

func blockWithTxs(n uint64, txs ...*gethtypes.Transaction) *gethtypes.Block {
	header := &gethtypes.Header{Number: new(big.Int).SetUint64(n)}
	return gethtypes.NewBlockWithHeader(header).WithBody(gethtypes.Body{Transactions: txs})
}

func nativeTx(to common.Address, value *big.Int) *gethtypes.Transaction {
	return gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    0,
		To:       &to,
		Value:    value,
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
}

func newTestScanner(t *testing.T, chain *stubChain, cursor CursorStore, sink Sink, tokens []Token, start uint64) *Scanner {
	t.Helper()
	registry := NewRegistry()
	s, err := New(Config{
		Client:     chain,
		Cursor:     cursor,
		Registry:   registry,
		Sink:       sink,
		Tokens:     tokens,
		BatchSize:  10,
		StartBlock: start,
	})
	require.NoError(t, err)
	return s
}

func TestResolveCursorPrefersPersisted(t *testing.T) {
	chain := &stubChain{head: 500}
	s := newTestScanner(t, chain, &memCursor{value: 120, set: true}, &captureSink{}, nil, 300)

	require.NoError(t, s.resolveCursor(context.Background()))
	require.Equal(t, uint64(120), s.lastScanned)
}

func TestResolveCursorFallsBackToConfiguredStart(t *testing.T) {
	chain := &stubChain{head: 500}
	s := newTestScanner(t, chain, &memCursor{}, &captureSink{}, nil, 300)

	require.NoError(t, s.resolveCursor(context.Background()))
	require.Equal(t, uint64(299), s.lastScanned)
}

func TestResolveCursorDefaultsToHead(t *testing.T) {
	chain := &stubChain{head: 500}
	s := newTestScanner(t, chain, &memCursor{}, &captureSink{}, nil, 0)

	require.NoError(t, s.resolveCursor(context.Background()))
	require.Equal(t, uint64(500), s.lastScanned)
}

func TestTickDetectsNativeDeposit(t *testing.T) {
	watched := common.HexToAddress("0x1111111111111111111111111111111111111111")
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tx := nativeTx(watched, big.NewInt(1500000000000000000))
	chain := &stubChain{
		head: 10,
		blocks: map[uint64]*gethtypes.Block{
			10: blockWithTxs(10, tx, nativeTx(other, big.NewInt(1))),
		},
	}
	cursor := &memCursor{value: 9, set: true}
	sink := &captureSink{}
	s := newTestScanner(t, chain, cursor, sink, nil, 0)
	s.registry.Add(watched.Hex())

	require.NoError(t, s.resolveCursor(context.Background()))
	require.NoError(t, s.tick(context.Background()))

	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0], 1)
	got := sink.batches[0][0]
	require.Equal(t, strings.ToLower(tx.Hash().Hex()), got.TxHash)
	require.Equal(t, strings.ToLower(watched.Hex()), got.To)
	require.Equal(t, NativeSymbol, got.Token)
	require.Equal(t, "1.5", got.Amount)
	require.Equal(t, uint64(10), got.BlockNumber)
	require.Equal(t, uint64(10), cursor.value)
}

func TestTickDetectsTokenTransfer(t *testing.T) {
	contract := common.HexToAddress("0x3333333333333333333333333333333333333333")
	watched := common.HexToAddress("0x4444444444444444444444444444444444444444")
	sender := common.HexToAddress("0x5555555555555555555555555555555555555555")
	amount := new(big.Int).SetUint64(25_000_000) // 25 USDT at 6 decimals
	chain := &stubChain{
		head: 7,
		logs: []gethtypes.Log{{
			Address: contract,
			Topics: []common.Hash{
				transferEventSignature,
				common.BytesToHash(sender.Bytes()),
				common.BytesToHash(watched.Bytes()),
			},
			Data:        common.LeftPadBytes(amount.Bytes(), 32),
			BlockNumber: 7,
			TxHash:      common.HexToHash("0xabc1"),
		}},
	}
	cursor := &memCursor{value: 6, set: true}
	sink := &captureSink{}
	tokens := []Token{{Symbol: "USDT", Address: contract, Decimals: 6}}
	s := newTestScanner(t, chain, cursor, sink, tokens, 0)
	s.registry.Add(watched.Hex())

	require.NoError(t, s.resolveCursor(context.Background()))
	require.NoError(t, s.tick(context.Background()))

	require.Len(t, sink.batches, 1)
	got := sink.batches[0][0]
	require.Equal(t, "USDT", got.Token)
	require.Equal(t, "25", got.Amount)
	require.Equal(t, strings.ToLower(watched.Hex()), got.To)
	require.Len(t, chain.filterCalls, 1)
	require.Equal(t, []common.Address{contract}, chain.filterCalls[0].Addresses)
}

func TestTickIgnoresTransfersToUnwatchedAddresses(t *testing.T) {
	contract := common.HexToAddress("0x3333333333333333333333333333333333333333")
	stranger := common.HexToAddress("0x6666666666666666666666666666666666666666")
	chain := &stubChain{
		head: 3,
		logs: []gethtypes.Log{{
			Address: contract,
			Topics: []common.Hash{
				transferEventSignature,
				common.BytesToHash(stranger.Bytes()),
				common.BytesToHash(stranger.Bytes()),
			},
			Data:        common.LeftPadBytes(big.NewInt(1).Bytes(), 32),
			BlockNumber: 3,
		}},
	}
	cursor := &memCursor{value: 2, set: true}
	sink := &captureSink{}
	s := newTestScanner(t, chain, cursor, sink, []Token{{Symbol: "USDT", Address: contract, Decimals: 6}}, 0)

	require.NoError(t, s.resolveCursor(context.Background()))
	require.NoError(t, s.tick(context.Background()))

	require.Empty(t, sink.batches)
	require.Equal(t, uint64(3), cursor.value)
}

func TestTickBoundsBatchSize(t *testing.T) {
	chain := &stubChain{head: 100, blocks: map[uint64]*gethtypes.Block{}}
	cursor := &memCursor{value: 50, set: true}
	s := newTestScanner(t, chain, cursor, &captureSink{}, nil, 0)

	require.NoError(t, s.resolveCursor(context.Background()))
	require.NoError(t, s.tick(context.Background()))

	require.Len(t, chain.blockCalls, 10)
	require.Equal(t, uint64(51), chain.blockCalls[0])
	require.Equal(t, uint64(60), chain.blockCalls[len(chain.blockCalls)-1])
	require.Equal(t, uint64(60), cursor.value)

	require.NoError(t, s.tick(context.Background()))
	require.Equal(t, uint64(70), cursor.value)
}

func TestTickKeepsCursorWhenSinkFails(t *testing.T) {
	watched := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chain := &stubChain{
		head: 5,
		blocks: map[uint64]*gethtypes.Block{
			5: blockWithTxs(5, nativeTx(watched, big.NewInt(10))),
		},
	}
	cursor := &memCursor{value: 4, set: true}
	sink := &captureSink{err: errors.New("db down")}
	s := newTestScanner(t, chain, cursor, sink, nil, 0)
	s.registry.Add(watched.Hex())

	require.NoError(t, s.resolveCursor(context.Background()))
	require.Error(t, s.tick(context.Background()))
	require.Equal(t, uint64(4), cursor.value)
	require.Equal(t, uint64(4), s.lastScanned)
}

func TestTickNoNewBlocksIsNoop(t *testing.T) {
	chain := &stubChain{head: 8}
	cursor := &memCursor{value: 8, set: true}
	s := newTestScanner(t, chain, cursor, &captureSink{}, nil, 0)

	require.NoError(t, s.resolveCursor(context.Background()))
	require.NoError(t, s.tick(context.Background()))
	require.Empty(t, chain.blockCalls)
}
