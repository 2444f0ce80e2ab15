// Package processor turns detected on-chain transfers into durable deposits,
// tracks their confirmation depth, and credits click balances once finality
// is reached.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"depositwatch/bus"
	"depositwatch/observability"
	"depositwatch/scanner"
	"depositwatch/storage"
)

// ChainReader is the slice of the RPC gateway the processor needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// BalanceCache mirrors credited balances into the low-latency read path.
// Failures here never roll back the durable credit.
type BalanceCache interface {
	IncrClicks(ctx context.Context, userID string, delta int64) error
	IncrReferralStats(ctx context.Context, referrerID string, clicksEarned int64) error
}

// Publisher emits lifecycle events for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

// Config bundles processor dependencies and pricing parameters.
type Config struct {
	Store         *storage.Store
	Chain         ChainReader
	Cache         BalanceCache
	Events        Publisher
	Confirmations uint64
	ClickPrice    string
	MinDeposit    string
	BonusRate     string
	PollInterval  time.Duration
	Metrics       *observability.WatcherMetrics
	Logger        *slog.Logger
}

// Processor owns deposit rows from detection through credit. One confirmation
// tracker goroutine runs per in-flight deposit.
type Processor struct {
	store         *storage.Store
	chain         ChainReader
	cache         BalanceCache
	events        Publisher
	confirmations uint64
	clickPrice    *big.Rat
	minDeposit    *big.Rat
	bonusRate     *big.Rat
	pollInterval  time.Duration
	metrics       *observability.WatcherMetrics
	logger        *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	trackMu  sync.Mutex
	trackers map[uuid.UUID]context.CancelFunc

	referralMu    sync.Mutex
	referralLocks map[uuid.UUID]*sync.Mutex
}

// New validates pricing parameters and constructs a Processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("processor: store required")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("processor: chain reader required")
	}
	price, ok := new(big.Rat).SetString(cfg.ClickPrice)
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("processor: invalid click price %q", cfg.ClickPrice)
	}
	var minDeposit *big.Rat
	if cfg.MinDeposit != "" {
		minDeposit, ok = new(big.Rat).SetString(cfg.MinDeposit)
		if !ok || minDeposit.Sign() < 0 {
			return nil, fmt.Errorf("processor: invalid minimum deposit %q", cfg.MinDeposit)
		}
	}
	rate := new(big.Rat)
	if cfg.BonusRate != "" {
		rate, ok = new(big.Rat).SetString(cfg.BonusRate)
		if !ok || rate.Sign() < 0 {
			return nil, fmt.Errorf("processor: invalid bonus rate %q", cfg.BonusRate)
		}
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 15
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:         cfg.Store,
		chain:         cfg.Chain,
		cache:         cfg.Cache,
		events:        cfg.Events,
		confirmations: cfg.Confirmations,
		clickPrice:    price,
		minDeposit:    minDeposit,
		bonusRate:     rate,
		pollInterval:  cfg.PollInterval,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		baseCtx:       ctx,
		baseCancel:    cancel,
		trackers:      make(map[uuid.UUID]context.CancelFunc),
		referralLocks: make(map[uuid.UUID]*sync.Mutex),
	}, nil
}

// Stop cancels every confirmation tracker and waits for them to drain.
func (p *Processor) Stop() {
	p.baseCancel()
	p.wg.Wait()
}

// HandleBatch ingests a batch of detections. Already-known transaction hashes
// are skipped, transfers to unknown addresses are logged and discarded, and
// every new deposit gets a confirmation tracker. Returning an error leaves
// the caller free to re-deliver the whole batch: ingestion is idempotent.
func (p *Processor) HandleBatch(ctx context.Context, detected []scanner.DetectedDeposit) error {
	for _, d := range detected {
		if err := p.ingest(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) ingest(ctx context.Context, d scanner.DetectedDeposit) error {
	txHash := strings.ToLower(d.TxHash)
	if _, err := p.store.DepositByTxHash(ctx, txHash); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("look up deposit %s: %w", txHash, err)
	}

	userID, err := p.store.AddressOwner(ctx, d.To)
	if errors.Is(err, storage.ErrUnknownAddress) {
		p.logger.Warn("transfer to unmonitored address discarded",
			"txHash", txHash, "address", d.To)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve address owner %s: %w", d.To, err)
	}

	deposit := storage.Deposit{
		ID:             uuid.New(),
		UserID:         userID,
		TxHash:         txHash,
		Token:          d.Token,
		Amount:         d.Amount,
		BlockNumber:    d.BlockNumber,
		Status:         storage.StatusPending,
		DepositAddress: strings.ToLower(d.To),
		DetectedAt:     time.Now().UTC(),
	}
	if err := p.store.CreateDeposit(ctx, &deposit); err != nil {
		// A concurrent ingest of the same hash loses the insert race; the
		// unique index makes that a no-op rather than a double deposit.
		if _, lookupErr := p.store.DepositByTxHash(ctx, txHash); lookupErr == nil {
			return nil
		}
		return fmt.Errorf("create deposit %s: %w", txHash, err)
	}

	p.logger.Info("deposit recorded",
		"txHash", txHash, "user", userID, "token", d.Token, "amount", d.Amount)
	p.startTracker(deposit)
	return nil
}

// ResumePending restarts confirmation tracking for deposits that were in
// flight when the process last stopped. Transactions the chain no longer
// knows are marked FAILED.
func (p *Processor) ResumePending(ctx context.Context) error {
	pending, err := p.store.ListDepositsByStatus(ctx, storage.StatusPending, storage.StatusConfirmed)
	if err != nil {
		return fmt.Errorf("list in-flight deposits: %w", err)
	}
	for _, dep := range pending {
		receipt, err := p.chain.TransactionReceipt(ctx, common.HexToHash(dep.TxHash))
		if errors.Is(err, ethereum.NotFound) {
			p.logger.Warn("resumed deposit has no receipt, failing",
				"txHash", dep.TxHash, "deposit", dep.ID)
			if err := p.store.MarkFailed(ctx, dep.ID); err != nil {
				return fmt.Errorf("fail deposit %s: %w", dep.ID, err)
			}
			p.metrics.RecordFailed()
			continue
		}
		if err != nil {
			// Transient lookup failure; the tracker retries from the stored
			// detection block.
			p.logger.Warn("receipt lookup failed, tracking anyway",
				"txHash", dep.TxHash, "error", err)
		} else if receipt.BlockNumber != nil {
			dep.BlockNumber = receipt.BlockNumber.Uint64()
		}
		p.startTracker(dep)
	}
	p.logger.Info("resumed deposit tracking", "count", len(pending))
	return nil
}

func (p *Processor) startTracker(dep storage.Deposit) {
	p.trackMu.Lock()
	if _, exists := p.trackers[dep.ID]; exists {
		p.trackMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.baseCtx)
	p.trackers[dep.ID] = cancel
	p.metrics.SetActiveTrackers(len(p.trackers))
	p.trackMu.Unlock()

	p.wg.Add(1)
	go p.track(ctx, dep)
}

func (p *Processor) stopTracker(id uuid.UUID) {
	p.trackMu.Lock()
	if cancel, ok := p.trackers[id]; ok {
		cancel()
		delete(p.trackers, id)
	}
	p.metrics.SetActiveTrackers(len(p.trackers))
	p.trackMu.Unlock()
}

// track polls the chain head until the deposit reaches the required depth,
// then settles it. Head read failures simply wait for the next poll.
func (p *Processor) track(ctx context.Context, dep storage.Deposit) {
	defer p.wg.Done()
	defer p.stopTracker(dep.ID)

	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	last := dep.Confirmations
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			head, err := p.chain.BlockNumber(ctx)
			if err != nil {
				failures++
				p.logger.Warn("head read failed while tracking",
					"deposit", dep.ID, "failures", failures, "error", err)
				timer.Reset(p.trackerDelay(failures))
				continue
			}
			failures = 0
			if head >= dep.BlockNumber {
				confs := head - dep.BlockNumber
				if confs > last {
					last = confs
					if err := p.store.UpdateConfirmations(ctx, dep.ID, confs); err != nil {
						p.logger.Warn("persist confirmations failed",
							"deposit", dep.ID, "error", err)
					}
				}
				if confs >= p.confirmations {
					p.settle(ctx, dep)
					return
				}
			}
			timer.Reset(p.pollInterval)
		}
	}
}

// trackerDelay stretches the poll interval after consecutive head read
// failures, capped at five intervals.
func (p *Processor) trackerDelay(failures int) time.Duration {
	if failures > 5 {
		failures = 5
	}
	return time.Duration(failures+1) * p.pollInterval
}

// settle runs the credit pipeline for a confirmed deposit. The single
// CreditDeposit transaction is the commit point: it advances the status and
// increments the ledger together, so a crash can never leave the balance paid
// with the row still in flight. The cache mirror and events follow it and
// their failures are logged, never rolled back into the deposit state.
func (p *Processor) settle(ctx context.Context, dep storage.Deposit) {
	if dep.Status == storage.StatusPending {
		if err := p.store.MarkConfirmed(ctx, dep.ID, time.Now()); err != nil {
			p.fail(ctx, dep, fmt.Errorf("mark confirmed: %w", err))
			return
		}
	}

	clicks, err := p.clicksFor(dep.Amount)
	if err != nil {
		p.fail(ctx, dep, err)
		return
	}
	if clicks < 0 || p.belowMinimum(dep.Amount) {
		// Too small to count. The row still completes so it never resurfaces
		// as in-flight.
		clicks = 0
	}

	if err := p.store.CreditDeposit(ctx, dep.ID, dep.UserID, clicks); err != nil {
		if errors.Is(err, storage.ErrAlreadySettled) {
			// Re-delivered settlement for a terminal row; everything durable
			// already happened.
			p.logger.Info("deposit already settled", "deposit", dep.ID)
			return
		}
		p.fail(ctx, dep, fmt.Errorf("credit deposit: %w", err))
		return
	}
	if clicks == 0 {
		p.logger.Info("deposit below minimum, credited zero",
			"deposit", dep.ID, "amount", dep.Amount)
		p.publishConfirmed(ctx, dep, 0)
		return
	}
	p.metrics.RecordCredited(dep.Token, clicks)

	if p.cache != nil {
		if err := p.cache.IncrClicks(ctx, dep.UserID.String(), clicks); err != nil {
			p.logger.Warn("cache mirror failed after durable credit",
				"user", dep.UserID, "error", err)
		}
	}
	if err := p.store.AppendAudit(ctx, "deposit.credited", "processor", map[string]any{
		"depositId": dep.ID.String(),
		"userId":    dep.UserID.String(),
		"txHash":    dep.TxHash,
		"token":     dep.Token,
		"amount":    dep.Amount,
		"clicks":    clicks,
	}); err != nil {
		p.logger.Warn("audit write failed", "deposit", dep.ID, "error", err)
	}
	p.logger.Info("deposit credited",
		"deposit", dep.ID, "user", dep.UserID, "clicks", clicks)

	user, err := p.store.GetUser(ctx, dep.UserID)
	if err != nil {
		p.logger.Warn("user reload failed after credit", "user", dep.UserID, "error", err)
	} else {
		p.publish(ctx, bus.ChannelBalanceUpdated, bus.BalanceUpdated{
			UserID:         user.ID.String(),
			Clicks:         user.AvailableClicks,
			TotalPurchased: user.TotalPurchased,
			DepositID:      dep.ID.String(),
		})
	}
	p.publishConfirmed(ctx, dep, clicks)

	p.evaluateReferral(ctx, dep, clicks)
}

// fail moves the deposit to FAILED so operators and reconciliation can see
// it. Nothing is retried automatically past this point.
func (p *Processor) fail(ctx context.Context, dep storage.Deposit, cause error) {
	p.logger.Error("deposit settlement failed",
		"deposit", dep.ID, "txHash", dep.TxHash, "error", cause)
	if err := p.store.MarkFailed(ctx, dep.ID); err != nil {
		p.logger.Error("could not mark deposit failed", "deposit", dep.ID, "error", err)
	}
	p.metrics.RecordFailed()
}

// evaluateReferral pays the referrer's one-time bonus on the referred user's
// first completed deposit. Every failure here is logged and swallowed: the
// deposit credit already happened and must not be disturbed.
func (p *Processor) evaluateReferral(ctx context.Context, dep storage.Deposit, clicks int64) {
	user, err := p.store.GetUser(ctx, dep.UserID)
	if err != nil {
		p.logger.Warn("referral check skipped, user load failed",
			"user", dep.UserID, "error", err)
		return
	}
	if user.ReferredByID == nil || !user.ReferralBonusPending {
		return
	}

	lock := p.referralLock(user.ID)
	lock.Lock()
	defer lock.Unlock()

	prior, err := p.store.CountPriorDeposits(ctx, user.ID, dep.ID)
	if err != nil {
		p.logger.Warn("referral check skipped, prior-deposit count failed",
			"user", user.ID, "error", err)
		return
	}
	if prior > 0 {
		// The flag outlived the first deposit somehow; drop it without paying.
		if err := p.store.ClearReferralPending(ctx, user.ID); err != nil {
			p.logger.Warn("clear referral pending failed", "user", user.ID, "error", err)
		}
		return
	}
	if err := p.store.MarkFirstDeposit(ctx, dep.ID); err != nil {
		p.logger.Warn("first-deposit flag failed", "deposit", dep.ID, "error", err)
	}

	bonus := p.bonusFor(clicks)
	if bonus <= 0 {
		if err := p.store.ClearReferralPending(ctx, user.ID); err != nil {
			p.logger.Warn("clear referral pending failed", "user", user.ID, "error", err)
		}
		return
	}
	referrerID := *user.ReferredByID
	if err := p.store.PayReferralBonus(ctx, referrerID, user.ID, dep.ID, bonus); err != nil {
		// The unique reward-per-deposit index turns a replay into an error;
		// either way the payout happened at most once.
		p.logger.Warn("referral bonus not paid",
			"referrer", referrerID, "referred", user.ID, "deposit", dep.ID, "error", err)
		return
	}
	p.metrics.RecordReferralBonus()

	if p.cache != nil {
		if err := p.cache.IncrClicks(ctx, referrerID.String(), bonus); err != nil {
			p.logger.Warn("referrer cache mirror failed", "user", referrerID, "error", err)
		}
		if err := p.cache.IncrReferralStats(ctx, referrerID.String(), bonus); err != nil {
			p.logger.Warn("referral stats update failed", "user", referrerID, "error", err)
		}
	}
	if err := p.store.AppendAudit(ctx, "referral.bonus", "processor", map[string]any{
		"referrerId": referrerID.String(),
		"referredId": user.ID.String(),
		"depositId":  dep.ID.String(),
		"clicks":     bonus,
	}); err != nil {
		p.logger.Warn("audit write failed", "deposit", dep.ID, "error", err)
	}
	p.logger.Info("referral bonus paid",
		"referrer", referrerID, "referred", user.ID, "clicks", bonus)
	p.publish(ctx, bus.ChannelReferralBonus, bus.ReferralBonus{
		ReferrerID:     referrerID.String(),
		ReferredID:     user.ID.String(),
		ReferredWallet: dep.DepositAddress,
		ClicksEarned:   bonus,
		DepositID:      dep.ID.String(),
	})
}

func (p *Processor) publishConfirmed(ctx context.Context, dep storage.Deposit, clicks int64) {
	p.publish(ctx, bus.ChannelDepositConfirmed, bus.DepositConfirmed{
		DepositID:      dep.ID.String(),
		UserID:         dep.UserID.String(),
		TxHash:         dep.TxHash,
		Amount:         dep.Amount,
		Token:          dep.Token,
		ClicksCredited: clicks,
	})
}

func (p *Processor) publish(ctx context.Context, eventType string, payload any) {
	if p.events == nil {
		return
	}
	if err := p.events.Publish(ctx, eventType, payload); err != nil {
		p.logger.Warn("event publish failed", "type", eventType, "error", err)
	}
}

func (p *Processor) referralLock(userID uuid.UUID) *sync.Mutex {
	p.referralMu.Lock()
	defer p.referralMu.Unlock()
	lock, ok := p.referralLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		p.referralLocks[userID] = lock
	}
	return lock
}

// clicksFor converts a token amount into whole clicks at the configured
// price, rounding down. "10.00" at price "0.05" buys exactly 200.
func (p *Processor) clicksFor(amount string) (int64, error) {
	value, ok := new(big.Rat).SetString(amount)
	if !ok {
		return 0, fmt.Errorf("unparseable deposit amount %q", amount)
	}
	if value.Sign() <= 0 {
		return 0, nil
	}
	quo := new(big.Rat).Quo(value, p.clickPrice)
	clicks := new(big.Int).Quo(quo.Num(), quo.Denom())
	if !clicks.IsInt64() {
		return 0, fmt.Errorf("deposit amount %q overflows click ledger", amount)
	}
	return clicks.Int64(), nil
}

// belowMinimum reports whether the amount falls under the configured deposit
// floor. Unparseable amounts are left for clicksFor to reject.
func (p *Processor) belowMinimum(amount string) bool {
	if p.minDeposit == nil {
		return false
	}
	value, ok := new(big.Rat).SetString(amount)
	if !ok {
		return false
	}
	return value.Cmp(p.minDeposit) < 0
}

// bonusFor applies the referral rate to a click amount, rounding down.
func (p *Processor) bonusFor(clicks int64) int64 {
	if p.bonusRate.Sign() <= 0 || clicks <= 0 {
		return 0
	}
	total := new(big.Rat).Mul(new(big.Rat).SetInt64(clicks), p.bonusRate)
	return new(big.Int).Quo(total.Num(), total.Denom()).Int64()
}
