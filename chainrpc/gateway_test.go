package chainrpc

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	name     string
	failures int
	calls    int
	head     uint64
	chainID  uint64
}

func (s *stubBackend) ChainID(ctx context.Context) (*big.Int, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New(s.name + " unavailable")
	}
	return new(big.Int).SetUint64(s.chainID), nil
}

func (s *stubBackend) BlockNumber(ctx context.Context) (uint64, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return 0, errors.New(s.name + " unavailable")
	}
	return s.head, nil
}

func (s *stubBackend) BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New(s.name + " unavailable")
	}
	return nil, nil
}

func (s *stubBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	s.calls++
	return nil, ethereum.NotFound
}

func (s *stubBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	s.calls++
	return nil, nil
}

func fastGateway(primary, fallback Backend) *Gateway {
	return NewGateway(primary, fallback,
		WithCallSpacing(time.Microsecond),
		WithBackoff(time.Microsecond, time.Microsecond),
	)
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	primary := &stubBackend{name: "primary", failures: 1, head: 42}
	gw := fastGateway(primary, nil)

	head, err := gw.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), head)
	require.Equal(t, 2, primary.calls)
	require.False(t, gw.UsingFallback())
}

func TestFailoverAfterTwoConsecutiveFailures(t *testing.T) {
	primary := &stubBackend{name: "primary", failures: 10, head: 42}
	fallback := &stubBackend{name: "fallback", head: 42}
	gw := fastGateway(primary, fallback)

	head, err := gw.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), head)
	// Attempts one and two hit the primary; the third is routed to fallback.
	require.Equal(t, 2, primary.calls)
	require.Equal(t, 1, fallback.calls)
	require.True(t, gw.UsingFallback())
}

func TestVerifyChainID(t *testing.T) {
	gw := fastGateway(&stubBackend{name: "primary", chainID: 56}, nil)

	require.NoError(t, gw.VerifyChainID(context.Background(), 56))
	require.NoError(t, gw.VerifyChainID(context.Background(), 0))

	err := gw.VerifyChainID(context.Background(), 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "chain id mismatch")
}

func TestExhaustionSurfacesTerminalError(t *testing.T) {
	primary := &stubBackend{name: "primary", failures: 10}
	gw := fastGateway(primary, nil)

	_, err := gw.BlockNumber(context.Background())
	require.ErrorIs(t, err, ErrExhausted)
}

func TestHealthCheckRevertsToPrimary(t *testing.T) {
	primary := &stubBackend{name: "primary", failures: 2, head: 42}
	fallback := &stubBackend{name: "fallback", head: 42}
	gw := fastGateway(primary, fallback)

	_, err := gw.BlockNumber(context.Background())
	require.NoError(t, err)
	require.True(t, gw.UsingFallback())

	// Primary has recovered by the time the health probe runs.
	require.NoError(t, gw.HealthCheck(context.Background()))
	require.False(t, gw.UsingFallback())

	_, err = gw.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fallback.calls)
}

func TestReceiptNotFoundIsNotRetried(t *testing.T) {
	primary := &stubBackend{name: "primary"}
	gw := fastGateway(primary, nil)

	_, err := gw.TransactionReceipt(context.Background(), common.Hash{})
	require.ErrorIs(t, err, ethereum.NotFound)
	require.Equal(t, 1, primary.calls)
}
