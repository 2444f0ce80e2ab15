// Package recon independently re-scans a trailing block window and flags
// transfers the deposit pipeline never recorded. It is strictly an audit
// surface: discrepancies are reported, never credited.
package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"depositwatch/observability"
	"depositwatch/scanner"
)

// DiscrepancyMissingDeposit marks a chain transfer to a monitored address
// with no matching deposit row.
const DiscrepancyMissingDeposit = "MISSING_DEPOSIT"

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ChainSource is the read-only chain access the reconciler re-scans with.
type ChainSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// DepositIndex is the slice of the durable store the reconciler reads and
// writes. It never touches balances.
type DepositIndex interface {
	KnownTxHashes(ctx context.Context, since time.Time) (map[string]struct{}, error)
	AppendAudit(ctx context.Context, eventType, actor string, payload any) error
}

// AddressBook answers whether an address is monitored for deposits.
type AddressBook interface {
	Contains(address string) bool
}

// Discrepancy captures one transfer the pipeline has no record of.
type Discrepancy struct {
	Type        string
	TxHash      string
	Address     string
	Token       string
	Amount      string
	BlockNumber uint64
}

// Result summarises a reconciliation pass.
type Result struct {
	From          uint64
	To            uint64
	Discrepancies []Discrepancy
	CSVPath       string
	ParquetPath   string
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Chain           ChainSource
	Store           DepositIndex
	Addresses       AddressBook
	Tokens          []scanner.Token
	Interval        time.Duration
	WindowBlocks    uint64
	KnownHashWindow time.Duration
	OutputDir       string
	Metrics         *observability.WatcherMetrics
	Logger          *slog.Logger
	Now             func() time.Time
}

// Reconciler periodically re-derives what the scanner should have found and
// reports the difference.
type Reconciler struct {
	chain           ChainSource
	store           DepositIndex
	addresses       AddressBook
	tokens          []scanner.Token
	interval        time.Duration
	windowBlocks    uint64
	knownHashWindow time.Duration
	outputDir       string
	metrics         *observability.WatcherMetrics
	logger          *slog.Logger
	now             func() time.Time

	inFlight atomic.Bool
}

// New validates the configuration and constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("recon: chain source required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("recon: store required")
	}
	if cfg.Addresses == nil {
		return nil, fmt.Errorf("recon: address book required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.WindowBlocks == 0 {
		cfg.WindowBlocks = 200
	}
	if cfg.KnownHashWindow <= 0 {
		cfg.KnownHashWindow = 48 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		chain:           cfg.Chain,
		store:           cfg.Store,
		addresses:       cfg.Addresses,
		tokens:          append([]scanner.Token{}, cfg.Tokens...),
		interval:        cfg.Interval,
		windowBlocks:    cfg.WindowBlocks,
		knownHashWindow: cfg.KnownHashWindow,
		outputDir:       cfg.OutputDir,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}, nil
}

// Run executes passes on the configured interval until the context ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Warn("reconciliation pass failed", "error", err)
			}
		}
	}
}

// RunOnce re-scans the trailing window and reports anything the deposit
// pipeline missed. A pass already in flight makes this a no-op.
func (r *Reconciler) RunOnce(ctx context.Context) (*Result, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.Warn("reconciliation pass skipped, previous pass still running")
		return nil, nil
	}
	defer r.inFlight.Store(false)

	head, err := r.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: read chain head: %w", err)
	}
	from := uint64(1)
	if head > r.windowBlocks {
		from = head - r.windowBlocks + 1
	}

	known, err := r.store.KnownTxHashes(ctx, r.now().Add(-r.knownHashWindow))
	if err != nil {
		return nil, fmt.Errorf("recon: load known hashes: %w", err)
	}

	found, err := r.rescan(ctx, from, head)
	if err != nil {
		return nil, err
	}

	result := &Result{From: from, To: head}
	for _, hit := range found {
		if _, ok := known[hit.TxHash]; ok {
			continue
		}
		result.Discrepancies = append(result.Discrepancies, r.raise(ctx, Discrepancy{
			Type:        DiscrepancyMissingDeposit,
			TxHash:      hit.TxHash,
			Address:     hit.To,
			Token:       hit.Token,
			Amount:      hit.Amount,
			BlockNumber: hit.BlockNumber,
		}))
	}

	if len(result.Discrepancies) > 0 && r.outputDir != "" {
		csvPath, parquetPath, err := r.writeReportFiles(result)
		if err != nil {
			r.logger.Error("reconciliation report write failed", "error", err)
		} else {
			result.CSVPath = csvPath
			result.ParquetPath = parquetPath
		}
	}
	r.logger.Info("reconciliation pass complete",
		"from", from, "to", head, "discrepancies", len(result.Discrepancies))
	return result, nil
}

// raise records the discrepancy in the audit trail and metrics. Credits are
// deliberately out of reach here: an operator decides what a missed transfer
// means.
func (r *Reconciler) raise(ctx context.Context, d Discrepancy) Discrepancy {
	r.logger.Warn("reconciliation discrepancy",
		"type", d.Type, "txHash", d.TxHash, "address", d.Address,
		"token", d.Token, "amount", d.Amount, "block", d.BlockNumber)
	r.metrics.RecordDiscrepancy(d.Type)
	if err := r.store.AppendAudit(ctx, "recon.discrepancy", "reconciler", map[string]any{
		"type":        d.Type,
		"txHash":      d.TxHash,
		"address":     d.Address,
		"token":       d.Token,
		"amount":      d.Amount,
		"blockNumber": d.BlockNumber,
	}); err != nil {
		r.logger.Error("discrepancy audit write failed", "txHash", d.TxHash, "error", err)
	}
	return d
}

// rescan walks the window exactly the way the scanner does, but from its own
// cursor-free vantage point.
func (r *Reconciler) rescan(ctx context.Context, from, to uint64) ([]scanner.DetectedDeposit, error) {
	var found []scanner.DetectedDeposit
	for n := from; n <= to; n++ {
		block, err := r.chain.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, fmt.Errorf("recon: fetch block %d: %w", n, err)
		}
		if block == nil {
			continue
		}
		for _, tx := range block.Transactions() {
			dest := tx.To()
			if dest == nil || tx.Value().Sign() <= 0 {
				continue
			}
			address := strings.ToLower(dest.Hex())
			if !r.addresses.Contains(address) {
				continue
			}
			found = append(found, scanner.DetectedDeposit{
				TxHash:      strings.ToLower(tx.Hash().Hex()),
				To:          address,
				Token:       scanner.NativeSymbol,
				Amount:      scanner.FormatUnits(tx.Value(), 18),
				BlockNumber: n,
			})
		}
	}
	tokenHits, err := r.rescanTokens(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return append(found, tokenHits...), nil
}

func (r *Reconciler) rescanTokens(ctx context.Context, from, to uint64) ([]scanner.DetectedDeposit, error) {
	if len(r.tokens) == 0 {
		return nil, nil
	}
	contracts := make([]common.Address, 0, len(r.tokens))
	byContract := make(map[common.Address]scanner.Token, len(r.tokens))
	for _, token := range r.tokens {
		contracts = append(contracts, token.Address)
		byContract[token.Address] = token
	}
	logs, err := r.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: contracts,
		Topics:    [][]common.Hash{{transferEventSignature}},
	})
	if err != nil {
		return nil, fmt.Errorf("recon: query transfer logs %d-%d: %w", from, to, err)
	}
	var found []scanner.DetectedDeposit
	for _, entry := range logs {
		token, ok := byContract[entry.Address]
		if !ok || len(entry.Topics) < 3 {
			continue
		}
		dest := strings.ToLower(common.BytesToAddress(entry.Topics[2].Bytes()).Hex())
		if !r.addresses.Contains(dest) {
			continue
		}
		value := new(big.Int).SetBytes(entry.Data)
		if value.Sign() <= 0 {
			continue
		}
		found = append(found, scanner.DetectedDeposit{
			TxHash:      strings.ToLower(entry.TxHash.Hex()),
			To:          dest,
			Token:       token.Symbol,
			Amount:      scanner.FormatUnits(value, token.Decimals),
			BlockNumber: entry.BlockNumber,
		})
	}
	return found, nil
}

func (r *Reconciler) writeReportFiles(result *Result) (string, string, error) {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("recon: create report dir: %w", err)
	}
	stamp := r.now().UTC().Format("20060102T150405Z")
	base := fmt.Sprintf("recon_%s_%d-%d", stamp, result.From, result.To)
	csvPath := filepath.Join(r.outputDir, base+".csv")
	if err := writeCSV(csvPath, result.Discrepancies); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(r.outputDir, base+".parquet")
	if err := writeParquet(parquetPath, result.Discrepancies); err != nil {
		return "", "", err
	}
	r.logger.Info("reconciliation report written",
		"csv", csvPath, "parquet", parquetPath, "rows", len(result.Discrepancies))
	return csvPath, parquetPath, nil
}

func writeCSV(path string, rows []Discrepancy) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"type", "tx_hash", "address", "token", "amount", "block_number"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Type,
			row.TxHash,
			row.Address,
			row.Token,
			row.Amount,
			fmt.Sprintf("%d", row.BlockNumber),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	Type        string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash      string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Address     string `parquet:"name=address, type=BYTE_ARRAY, convertedtype=UTF8"`
	Token       string `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount      string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	BlockNumber int64  `parquet:"name=block_number, type=INT64"`
}

func writeParquet(path string, rows []Discrepancy) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			Type:        row.Type,
			TxHash:      row.TxHash,
			Address:     row.Address,
			Token:       row.Token,
			Amount:      row.Amount,
			BlockNumber: int64(row.BlockNumber),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
