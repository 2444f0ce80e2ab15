package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"depositwatch/scanner"
	"depositwatch/storage"
)

type stubChain struct {
	head   uint64
	blocks map[uint64]*gethtypes.Block
	logs   []gethtypes.Log
}

func (c *stubChain) BlockNumber(ctx context.Context) (uint64, error) {
	return c.head, nil
}

func (c *stubChain) BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error) {
	n := number.Uint64()
	if block, ok := c.blocks[n]; ok {
		return block, nil
	}
	return gethtypes.NewBlockWithHeader(&gethtypes.Header{Number: new(big.Int).SetUint64(n)}), nil
}

func (c *stubChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	var out []gethtypes.Log
	for _, entry := range c.logs {
		if entry.BlockNumber >= q.FromBlock.Uint64() && entry.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, entry)
		}
	}
	return out, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrate(db))
	return storage.New(db)
}

func newTestReconciler(t *testing.T, chain *stubChain, store *storage.Store, registry *scanner.Registry, tokens []scanner.Token, outputDir string) *Reconciler {
	t.Helper()
	r, err := New(Config{
		Chain:        chain,
		Store:        store,
		Addresses:    registry,
		Tokens:       tokens,
		WindowBlocks: 100,
		OutputDir:    outputDir,
	})
	require.NoError(t, err)
	return r
}

func nativeBlock(n uint64, to common.Address, value *big.Int) *gethtypes.Block {
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		To:       &to,
		Value:    value,
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
	header := &gethtypes.Header{Number: new(big.Int).SetUint64(n)}
	return gethtypes.NewBlockWithHeader(header).WithBody(gethtypes.Body{Transactions: []*gethtypes.Transaction{tx}})
}

func TestRunOnceFlagsMissingDeposit(t *testing.T) {
	watched := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chain := &stubChain{
		head:   10,
		blocks: map[uint64]*gethtypes.Block{8: nativeBlock(8, watched, big.NewInt(2000000000000000000))},
	}
	store := openTestStore(t)
	registry := scanner.NewRegistry()
	registry.Add(watched.Hex())
	dir := t.TempDir()
	r := newTestReconciler(t, chain, store, registry, nil, dir)

	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Discrepancies, 1)
	d := result.Discrepancies[0]
	require.Equal(t, DiscrepancyMissingDeposit, d.Type)
	require.Equal(t, "2", d.Amount)
	require.Equal(t, uint64(8), d.BlockNumber)

	audits, err := store.AuditEntries(context.Background(), "recon.discrepancy")
	require.NoError(t, err)
	require.Len(t, audits, 1)

	require.FileExists(t, result.CSVPath)
	require.FileExists(t, result.ParquetPath)

	f, err := os.Open(result.CSVPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, DiscrepancyMissingDeposit, records[1][0])
}

func TestRunOnceIgnoresKnownDeposits(t *testing.T) {
	watched := common.HexToAddress("0x1111111111111111111111111111111111111111")
	block := nativeBlock(9, watched, big.NewInt(1000000000000000000))
	txHash := block.Transactions()[0].Hash().Hex()
	chain := &stubChain{head: 10, blocks: map[uint64]*gethtypes.Block{9: block}}

	store := openTestStore(t)
	ctx := context.Background()
	user := storage.User{ID: uuid.New()}
	require.NoError(t, store.CreateUser(ctx, &user))
	_, _, err := store.AllocateAddress(ctx, user.ID, func(uint32) (string, error) {
		return watched.Hex(), nil
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateDeposit(ctx, &storage.Deposit{
		ID: uuid.New(), UserID: user.ID, TxHash: txHash, Token: scanner.NativeSymbol,
		Amount: "1", BlockNumber: 9, Status: storage.StatusCredited,
		DepositAddress: watched.Hex(), DetectedAt: time.Now().UTC(),
	}))

	registry := scanner.NewRegistry()
	registry.Add(watched.Hex())
	r := newTestReconciler(t, chain, store, registry, nil, "")

	result, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, result.Discrepancies)
}

func TestRunOnceFlagsMissingTokenTransfer(t *testing.T) {
	contract := common.HexToAddress("0x3333333333333333333333333333333333333333")
	watched := common.HexToAddress("0x4444444444444444444444444444444444444444")
	sender := common.HexToAddress("0x5555555555555555555555555555555555555555")
	chain := &stubChain{
		head: 10,
		logs: []gethtypes.Log{{
			Address: contract,
			Topics: []common.Hash{
				transferEventSignature,
				common.BytesToHash(sender.Bytes()),
				common.BytesToHash(watched.Bytes()),
			},
			Data:        common.LeftPadBytes(big.NewInt(7_500_000).Bytes(), 32),
			BlockNumber: 6,
			TxHash:      common.HexToHash("0xdd01"),
		}},
	}
	store := openTestStore(t)
	registry := scanner.NewRegistry()
	registry.Add(watched.Hex())
	r := newTestReconciler(t, chain, store, registry,
		[]scanner.Token{{Symbol: "USDT", Address: contract, Decimals: 6}}, "")

	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Discrepancies, 1)
	require.Equal(t, "USDT", result.Discrepancies[0].Token)
	require.Equal(t, "7.5", result.Discrepancies[0].Amount)

	// Audit only: the user was never created, so nothing could have been
	// credited either way.
	audits, err := store.AuditEntries(context.Background(), "recon.discrepancy")
	require.NoError(t, err)
	require.Len(t, audits, 1)
}

func TestRunOnceSkipsWhileInFlight(t *testing.T) {
	chain := &stubChain{head: 5}
	r := newTestReconciler(t, chain, openTestStore(t), scanner.NewRegistry(), nil, "")

	r.inFlight.Store(true)
	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Nil(t, result)
}
