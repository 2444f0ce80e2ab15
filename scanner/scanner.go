// Package scanner advances a persisted scan cursor over the chain, inspecting
// each new block for native transfers and token-transfer events destined to
// monitored deposit addresses.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"depositwatch/observability"
)

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// NativeSymbol labels native-coin deposits in detections and deposit rows.
const NativeSymbol = "ETH"

const nativeDecimals = 18

// ChainSource is the slice of the RPC gateway the scanner reads from.
type ChainSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// CursorStore persists the last fully-scanned block height.
type CursorStore interface {
	LastScannedBlock(ctx context.Context) (uint64, bool, error)
	SetLastScannedBlock(ctx context.Context, height uint64) error
}

// Sink receives each scanned batch of detections. The scanner only advances
// its cursor after the sink accepts the batch.
type Sink interface {
	HandleBatch(ctx context.Context, detected []DetectedDeposit) error
}

// DetectedDeposit describes one transfer to a monitored address.
type DetectedDeposit struct {
	TxHash      string
	To          string
	Token       string
	Amount      string
	BlockNumber uint64
}

// Token describes an ERC-20 contract whose Transfer events are watched.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int
}

// Config bundles scanner dependencies and tuning.
type Config struct {
	Client       ChainSource
	Cursor       CursorStore
	Registry     *Registry
	Sink         Sink
	Tokens       []Token
	PollInterval time.Duration
	BatchSize    uint64
	StartBlock   uint64
	Metrics      *observability.WatcherMetrics
	Logger       *slog.Logger
}

// Scanner owns the scan cursor and the monitored-address set. It is the only
// writer of either.
type Scanner struct {
	client       ChainSource
	cursor       CursorStore
	registry     *Registry
	sink         Sink
	tokens       []Token
	pollInterval time.Duration
	batchSize    uint64
	startBlock   uint64
	metrics      *observability.WatcherMetrics
	logger       *slog.Logger

	lastScanned uint64
}

// New validates the configuration and constructs a Scanner.
func New(cfg Config) (*Scanner, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("scanner: chain client required")
	}
	if cfg.Cursor == nil {
		return nil, fmt.Errorf("scanner: cursor store required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("scanner: registry required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("scanner: sink required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scanner{
		client:       cfg.Client,
		cursor:       cfg.Cursor,
		registry:     cfg.Registry,
		sink:         cfg.Sink,
		tokens:       append([]Token{}, cfg.Tokens...),
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		startBlock:   cfg.StartBlock,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}, nil
}

// Registry returns the monitored-address set so wiring can feed live adds.
func (s *Scanner) Registry() *Registry {
	return s.registry
}

// Run resolves the initial cursor and polls until the context is cancelled,
// persisting the cursor once more on the way out.
func (s *Scanner) Run(ctx context.Context) error {
	if err := s.resolveCursor(ctx); err != nil {
		return err
	}
	s.logger.Info("scanner starting",
		"cursor", s.lastScanned, "addresses", s.registry.Size(), "batchSize", s.batchSize)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Persist with a fresh context: the loop context is already done.
			persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.cursor.SetLastScannedBlock(persistCtx, s.lastScanned); err != nil {
				s.logger.Error("failed to persist cursor on shutdown", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Warn("scan tick failed", "error", err)
			}
		}
	}
}

// resolveCursor picks the starting height: a persisted cursor reflects real
// prior progress and wins over configuration; the configured start block wins
// over the chain head.
func (s *Scanner) resolveCursor(ctx context.Context) error {
	persisted, ok, err := s.cursor.LastScannedBlock(ctx)
	if err != nil {
		return fmt.Errorf("scanner: read persisted cursor: %w", err)
	}
	if ok {
		s.lastScanned = persisted
		return nil
	}
	if s.startBlock > 0 {
		s.lastScanned = s.startBlock - 1
		return nil
	}
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("scanner: read chain head: %w", err)
	}
	s.lastScanned = head
	return nil
}

// tick scans at most batchSize blocks behind the head, hands the detections
// to the sink, and advances the cursor. The cursor only moves once every
// block in the batch is fully scanned and the sink has accepted the batch.
func (s *Scanner) tick(ctx context.Context) error {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}
	if head <= s.lastScanned {
		return nil
	}
	from := s.lastScanned + 1
	to := head
	if to-from+1 > s.batchSize {
		to = from + s.batchSize - 1
	}

	detected := make([]DetectedDeposit, 0)
	for n := from; n <= to; n++ {
		block, err := s.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return fmt.Errorf("fetch block %d: %w", n, err)
		}
		detected = append(detected, s.scanNative(block, n)...)
	}
	tokenHits, err := s.scanTokenLogs(ctx, from, to)
	if err != nil {
		return err
	}
	detected = append(detected, tokenHits...)

	if len(detected) > 0 {
		s.logger.Info("detected deposits", "count", len(detected), "from", from, "to", to)
		for _, d := range detected {
			s.metrics.RecordDetected(d.Token)
		}
		if err := s.sink.HandleBatch(ctx, detected); err != nil {
			// Leave the cursor untouched: ingest is idempotent, so the next
			// tick re-delivers the batch safely.
			return fmt.Errorf("hand off batch: %w", err)
		}
	}

	s.lastScanned = to
	s.metrics.SetLastScannedBlock(to)
	if err := s.cursor.SetLastScannedBlock(ctx, to); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	return nil
}

func (s *Scanner) scanNative(block *gethtypes.Block, height uint64) []DetectedDeposit {
	if block == nil {
		return nil
	}
	var hits []DetectedDeposit
	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil || tx.Value().Sign() <= 0 {
			continue
		}
		address := strings.ToLower(to.Hex())
		if !s.registry.Contains(address) {
			continue
		}
		hits = append(hits, DetectedDeposit{
			TxHash:      strings.ToLower(tx.Hash().Hex()),
			To:          address,
			Token:       NativeSymbol,
			Amount:      FormatUnits(tx.Value(), nativeDecimals),
			BlockNumber: height,
		})
	}
	return hits
}

// scanTokenLogs queries Transfer events for every configured token contract
// over the batch range in a single log query.
func (s *Scanner) scanTokenLogs(ctx context.Context, from, to uint64) ([]DetectedDeposit, error) {
	if len(s.tokens) == 0 {
		return nil, nil
	}
	contracts := make([]common.Address, 0, len(s.tokens))
	bySymbol := make(map[common.Address]Token, len(s.tokens))
	for _, token := range s.tokens {
		contracts = append(contracts, token.Address)
		bySymbol[token.Address] = token
	}
	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: contracts,
		Topics:    [][]common.Hash{{transferEventSignature}},
	})
	if err != nil {
		return nil, fmt.Errorf("query transfer logs %d-%d: %w", from, to, err)
	}
	var hits []DetectedDeposit
	for _, entry := range logs {
		token, ok := bySymbol[entry.Address]
		if !ok || len(entry.Topics) < 3 {
			continue
		}
		destination := strings.ToLower(common.BytesToAddress(entry.Topics[2].Bytes()).Hex())
		if !s.registry.Contains(destination) {
			continue
		}
		value := new(big.Int).SetBytes(entry.Data)
		if value.Sign() <= 0 {
			continue
		}
		hits = append(hits, DetectedDeposit{
			TxHash:      strings.ToLower(entry.TxHash.Hex()),
			To:          destination,
			Token:       token.Symbol,
			Amount:      FormatUnits(value, token.Decimals),
			BlockNumber: entry.BlockNumber,
		})
	}
	return hits, nil
}
