// Package chainrpc provides rate-limited, retried, failover-aware access to
// the chain RPC endpoints. Every caller shares one Gateway instance so
// upstream pacing is enforced globally.
package chainrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"depositwatch/observability"
)

// ErrExhausted is returned once every retry attempt against every available
// upstream has failed. It wraps the final upstream error.
var ErrExhausted = errors.New("chainrpc: retries exhausted")

// Backend is the subset of the Ethereum RPC surface the watcher depends on.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

const failoverThreshold = 2

// Gateway wraps a primary and optional fallback backend behind one retry and
// pacing layer.
type Gateway struct {
	primary  Backend
	fallback Backend

	limiter     *rate.Limiter
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	metrics     *observability.WatcherMetrics
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error

	mu                  sync.Mutex
	usingFallback       bool
	consecutiveFailures int
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithMaxAttempts overrides the per-call attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithCallSpacing sets the global minimum interval between upstream calls.
func WithCallSpacing(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithBackoff overrides the retry backoff bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(g *Gateway) {
		if min > 0 {
			g.minBackoff = min
		}
		if max >= min && max > 0 {
			g.maxBackoff = max
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics installs the watcher metrics registry.
func WithMetrics(m *observability.WatcherMetrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Dial connects to the configured endpoints and wraps them in a Gateway. The
// fallback URL may be empty.
func Dial(primaryURL, fallbackURL string, opts ...Option) (*Gateway, error) {
	primaryURL = strings.TrimSpace(primaryURL)
	if primaryURL == "" {
		return nil, fmt.Errorf("chainrpc: primary endpoint required")
	}
	primary, err := ethclient.Dial(primaryURL)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: dial primary: %w", err)
	}
	var fallback Backend
	if trimmed := strings.TrimSpace(fallbackURL); trimmed != "" {
		client, err := ethclient.Dial(trimmed)
		if err != nil {
			return nil, fmt.Errorf("chainrpc: dial fallback: %w", err)
		}
		fallback = client
	}
	return NewGateway(primary, fallback, opts...), nil
}

// NewGateway wraps already-connected backends. The fallback may be nil.
func NewGateway(primary Backend, fallback Backend, opts ...Option) *Gateway {
	g := &Gateway{
		primary:     primary,
		fallback:    fallback,
		limiter:     rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		maxAttempts: 3,
		minBackoff:  500 * time.Millisecond,
		maxBackoff:  8 * time.Second,
		logger:      slog.Default(),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// ChainID returns the network identifier reported by the active upstream.
func (g *Gateway) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := g.do(ctx, "eth_chainId", func(b Backend) error {
		got, err := b.ChainID(ctx)
		if err != nil {
			return err
		}
		id = got
		return nil
	})
	return id, err
}

// VerifyChainID compares the upstream network against the expected identifier.
// A zero expectation skips the check.
func (g *Gateway) VerifyChainID(ctx context.Context, expected uint64) error {
	if expected == 0 {
		return nil
	}
	id, err := g.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chainrpc: fetch chain id: %w", err)
	}
	if !id.IsUint64() || id.Uint64() != expected {
		return fmt.Errorf("chainrpc: chain id mismatch: upstream reports %s, expected %d", id, expected)
	}
	return nil
}

// BlockNumber returns the current chain head height.
func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := g.do(ctx, "eth_blockNumber", func(b Backend) error {
		n, err := b.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	return head, err
}

// BlockByNumber returns the block at the supplied height including full
// transactions.
func (g *Gateway) BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error) {
	var block *gethtypes.Block
	err := g.do(ctx, "eth_getBlockByNumber", func(b Backend) error {
		blk, err := b.BlockByNumber(ctx, number)
		if err != nil {
			return err
		}
		block = blk
		return nil
	})
	return block, err
}

// TransactionReceipt returns the receipt for the supplied hash. A missing
// receipt propagates ethereum.NotFound to the caller.
func (g *Gateway) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	var receipt *gethtypes.Receipt
	err := g.do(ctx, "eth_getTransactionReceipt", func(b Backend) error {
		r, err := b.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	return receipt, err
}

// FilterLogs runs a log query against the active upstream.
func (g *Gateway) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	var logs []gethtypes.Log
	err := g.do(ctx, "eth_getLogs", func(b Backend) error {
		found, err := b.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		logs = found
		return nil
	})
	return logs, err
}

// HealthCheck probes the primary upstream directly. While degraded, a
// successful probe switches the active upstream back to primary.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := g.primary.BlockNumber(ctx); err != nil {
		return fmt.Errorf("chainrpc: primary health check: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveFailures = 0
	if g.usingFallback {
		g.usingFallback = false
		g.logger.Info("primary rpc recovered, switching back")
		g.metrics.RecordRPCFailover()
	}
	return nil
}

// UsingFallback reports whether the gateway is currently degraded.
func (g *Gateway) UsingFallback() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usingFallback
}

func (g *Gateway) do(ctx context.Context, method string, call func(Backend) error) error {
	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		backend := g.active()
		err := call(backend)
		if err == nil {
			g.recordSuccess()
			return nil
		}
		// Not-found receipts are an answer, not an upstream fault.
		if errors.Is(err, ethereum.NotFound) {
			g.recordSuccess()
			return err
		}
		lastErr = err
		g.recordFailure(method, err)
		if attempt < g.maxAttempts-1 {
			g.metrics.RecordRPCRetry()
			if err := g.sleep(ctx, g.backoff(attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrExhausted, method, g.maxAttempts, lastErr)
}

func (g *Gateway) active() Backend {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.usingFallback && g.fallback != nil {
		return g.fallback
	}
	return g.primary
}

func (g *Gateway) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveFailures = 0
}

func (g *Gateway) recordFailure(method string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveFailures++
	g.logger.Warn("upstream rpc call failed",
		"method", method, "consecutive", g.consecutiveFailures, "error", err)
	if g.consecutiveFailures >= failoverThreshold && !g.usingFallback && g.fallback != nil {
		g.usingFallback = true
		g.consecutiveFailures = 0
		g.logger.Warn("switching to fallback rpc provider")
		g.metrics.RecordRPCFailover()
	}
}

func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.minBackoff << uint(attempt)
	if d > g.maxBackoff {
		d = g.maxBackoff
	}
	// Jitter up to half the base delay spreads retries from concurrent callers.
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
