package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrUnknownAddress is returned when no user owns the supplied address.
	ErrUnknownAddress = errors.New("storage: unknown deposit address")
	// ErrAddressMismatch signals that a re-derived address does not match the
	// stored one. This is an integrity failure and must never be ignored.
	ErrAddressMismatch = errors.New("storage: derived address does not match stored address")
	// ErrAlreadySettled is returned when a deposit is already in a terminal
	// state and cannot be credited again.
	ErrAlreadySettled = errors.New("storage: deposit already settled")
)

// Store wraps the durable relational layer behind watcher-shaped operations.
type Store struct {
	db *gorm.DB
}

// New wraps an open gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migration and wiring.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// --- users and addresses ---

// CreateUser inserts a user row. Primarily used by provisioning and tests.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return user, ErrNotFound
	}
	if err != nil {
		return user, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

// AddressOwner resolves the user that owns a deposit address. Addresses are
// stored and compared in lowercase.
func (s *Store) AddressOwner(ctx context.Context, address string) (uuid.UUID, error) {
	var row DepositAddress
	err := s.db.WithContext(ctx).First(&row, "address = ?", strings.ToLower(strings.TrimSpace(address))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, ErrUnknownAddress
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve address owner: %w", err)
	}
	return row.UserID, nil
}

// ListDepositAddresses returns every registered deposit address, lowercased,
// for the scanner's boot-time registry load.
func (s *Store) ListDepositAddresses(ctx context.Context) ([]string, error) {
	var rows []DepositAddress
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list deposit addresses: %w", err)
	}
	addresses := make([]string, 0, len(rows))
	for _, row := range rows {
		addresses = append(addresses, strings.ToLower(row.Address))
	}
	return addresses, nil
}

// AllocateAddress returns the user's deposit address, creating one when
// absent. The second return reports whether a new row was created. Allocation
// reads the current maximum derivation index under a row lock and inserts
// index+1 in the same transaction, so two concurrent calls never receive the
// same index. Existing allocations are verified against the deriver; a
// mismatch is an integrity error.
func (s *Store) AllocateAddress(ctx context.Context, userID uuid.UUID, derive func(uint32) (string, error)) (DepositAddress, bool, error) {
	var allocated DepositAddress
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&User{}, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("allocate for %s: %w", userID, ErrNotFound)
			}
			return fmt.Errorf("lookup user: %w", err)
		}
		var existing DepositAddress
		err := tx.First(&existing, "user_id = ?", userID).Error
		if err == nil {
			derived, deriveErr := derive(existing.DerivationIndex)
			if deriveErr != nil {
				return fmt.Errorf("verify derivation %d: %w", existing.DerivationIndex, deriveErr)
			}
			if !strings.EqualFold(derived, existing.Address) {
				return fmt.Errorf("%w: index %d derived %s stored %s",
					ErrAddressMismatch, existing.DerivationIndex, derived, existing.Address)
			}
			allocated = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lookup existing address: %w", err)
		}

		next := uint32(0)
		var last DepositAddress
		query := tx.Order("derivation_index DESC")
		if tx.Dialector.Name() == "postgres" {
			// SQLite has no row locks; the unique index on derivation_index
			// still guards allocation there.
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err = query.First(&last).Error
		switch {
		case err == nil:
			next = last.DerivationIndex + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
			// First allocation ever; the unique index on derivation_index
			// backstops the race between two empty-table allocators.
		default:
			return fmt.Errorf("read max derivation index: %w", err)
		}

		address, deriveErr := derive(next)
		if deriveErr != nil {
			return fmt.Errorf("derive index %d: %w", next, deriveErr)
		}
		allocated = DepositAddress{
			ID:              uuid.New(),
			UserID:          userID,
			Address:         strings.ToLower(address),
			DerivationIndex: next,
		}
		if err := tx.Create(&allocated).Error; err != nil {
			return fmt.Errorf("insert deposit address: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return DepositAddress{}, false, err
	}
	return allocated, created, nil
}

// --- deposits ---

// DepositByTxHash loads a deposit by its transaction hash.
func (s *Store) DepositByTxHash(ctx context.Context, txHash string) (Deposit, error) {
	var dep Deposit
	err := s.db.WithContext(ctx).First(&dep, "tx_hash = ?", strings.ToLower(strings.TrimSpace(txHash))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dep, ErrNotFound
	}
	if err != nil {
		return dep, fmt.Errorf("load deposit by hash: %w", err)
	}
	return dep, nil
}

// CreateDeposit inserts a new PENDING deposit row.
func (s *Store) CreateDeposit(ctx context.Context, dep *Deposit) error {
	if dep.ID == uuid.Nil {
		dep.ID = uuid.New()
	}
	dep.TxHash = strings.ToLower(strings.TrimSpace(dep.TxHash))
	dep.DepositAddress = strings.ToLower(strings.TrimSpace(dep.DepositAddress))
	if dep.Status == "" {
		dep.Status = StatusPending
	}
	if dep.DetectedAt.IsZero() {
		dep.DetectedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(dep).Error; err != nil {
		return fmt.Errorf("insert deposit: %w", err)
	}
	return nil
}

// UpdateConfirmations persists a confirmation count. The write is conditional
// so the persisted count never decreases.
func (s *Store) UpdateConfirmations(ctx context.Context, id uuid.UUID, confirmations uint64) error {
	err := s.db.WithContext(ctx).Model(&Deposit{}).
		Where("id = ? AND confirmations < ?", id, confirmations).
		Update("confirmations", confirmations).Error
	if err != nil {
		return fmt.Errorf("update confirmations: %w", err)
	}
	return nil
}

// MarkConfirmed advances a deposit to CONFIRMED and stamps the confirmation
// time.
func (s *Store) MarkConfirmed(ctx context.Context, id uuid.UUID, at time.Time) error {
	at = at.UTC()
	err := s.db.WithContext(ctx).Model(&Deposit{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{"status": StatusConfirmed, "confirmed_at": at}).Error
	if err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}
	return nil
}

// CreditDeposit advances the deposit to CREDITED and increments the user's
// click ledger in a single transaction. The conditional status update is the
// idempotency guard: a deposit that already reached a terminal state credits
// nothing and returns ErrAlreadySettled, so re-settling after a crash or a
// re-delivered batch can never double-pay.
func (s *Store) CreditDeposit(ctx context.Context, depositID, userID uuid.UUID, clicks int64) error {
	if clicks < 0 {
		return fmt.Errorf("credit deposit: amount must not be negative")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Deposit{}).
			Where("id = ? AND status IN ?", depositID, []DepositStatus{StatusPending, StatusConfirmed}).
			Updates(map[string]any{"status": StatusCredited, "clicks_credited": clicks})
		if result.Error != nil {
			return fmt.Errorf("mark credited: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("credit deposit %s: %w", depositID, ErrAlreadySettled)
		}
		if clicks == 0 {
			return nil
		}
		ledger := tx.Model(&User{}).
			Where("id = ?", userID).
			Updates(map[string]any{
				"available_clicks": gorm.Expr("available_clicks + ?", clicks),
				"total_purchased":  gorm.Expr("total_purchased + ?", clicks),
			})
		if ledger.Error != nil {
			return fmt.Errorf("credit clicks: %w", ledger.Error)
		}
		if ledger.RowsAffected == 0 {
			return fmt.Errorf("credit clicks: %w", ErrNotFound)
		}
		return nil
	})
}

// MarkFailed moves a non-terminal deposit to FAILED so it surfaces for manual
// reconciliation. Terminal rows are left untouched.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Model(&Deposit{}).
		Where("id = ? AND status IN ?", id, []DepositStatus{StatusPending, StatusConfirmed}).
		Update("status", StatusFailed).Error
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkFirstDeposit flags the deposit as the user's first credited deposit.
func (s *Store) MarkFirstDeposit(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Model(&Deposit{}).
		Where("id = ?", id).
		Update("is_first_deposit", true).Error
	if err != nil {
		return fmt.Errorf("mark first deposit: %w", err)
	}
	return nil
}

// ListDepositsByStatus returns deposits in any of the supplied states.
func (s *Store) ListDepositsByStatus(ctx context.Context, statuses ...DepositStatus) ([]Deposit, error) {
	var rows []Deposit
	if err := s.db.WithContext(ctx).Where("status IN ?", statuses).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list deposits by status: %w", err)
	}
	return rows, nil
}

// CountPriorDeposits counts the user's non-pending deposits excluding the
// supplied one. Zero means the excluded deposit is provably the first.
func (s *Store) CountPriorDeposits(ctx context.Context, userID, excludeID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Deposit{}).
		Where("user_id = ? AND id <> ? AND status <> ?", userID, excludeID, StatusPending).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count prior deposits: %w", err)
	}
	return count, nil
}

// KnownTxHashes returns the set of deposit transaction hashes detected since
// the supplied time. Reconciliation uses it to spot unrecorded transfers.
func (s *Store) KnownTxHashes(ctx context.Context, since time.Time) (map[string]struct{}, error) {
	var hashes []string
	err := s.db.WithContext(ctx).Model(&Deposit{}).
		Where("detected_at >= ?", since.UTC()).
		Pluck("tx_hash", &hashes).Error
	if err != nil {
		return nil, fmt.Errorf("load known tx hashes: %w", err)
	}
	known := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		known[strings.ToLower(h)] = struct{}{}
	}
	return known, nil
}

// --- ledger ---

// ClearReferralPending drops the referred user's pending bonus flag without
// paying anything. Used when eligibility checks fail.
func (s *Store) ClearReferralPending(ctx context.Context, userID uuid.UUID) error {
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("referral_bonus_pending", false).Error
	if err != nil {
		return fmt.Errorf("clear referral pending: %w", err)
	}
	return nil
}

// PayReferralBonus credits the referrer's ledger, records the reward, and
// clears the referred user's pending flag as a single transaction.
func (s *Store) PayReferralBonus(ctx context.Context, referrerID, referredID, depositID uuid.UUID, clicks int64) error {
	if clicks <= 0 {
		return fmt.Errorf("pay referral bonus: amount must be positive")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&User{}).
			Where("id = ?", referrerID).
			Updates(map[string]any{
				"available_clicks": gorm.Expr("available_clicks + ?", clicks),
				"total_purchased":  gorm.Expr("total_purchased + ?", clicks),
			})
		if result.Error != nil {
			return fmt.Errorf("credit referrer: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("credit referrer: %w", ErrNotFound)
		}
		reward := ReferralReward{
			ID:           uuid.New(),
			ReferrerID:   referrerID,
			ReferredID:   referredID,
			DepositID:    depositID,
			ClicksEarned: clicks,
			Status:       "PAID",
		}
		if err := tx.Create(&reward).Error; err != nil {
			return fmt.Errorf("insert referral reward: %w", err)
		}
		err := tx.Model(&User{}).
			Where("id = ?", referredID).
			Update("referral_bonus_pending", false).Error
		if err != nil {
			return fmt.Errorf("clear referral pending: %w", err)
		}
		return nil
	})
}

// --- audit ---

// AppendAudit writes an append-only forensic record. The payload is stored as
// JSON.
func (s *Store) AppendAudit(ctx context.Context, eventType, actor string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	entry := AuditLog{
		ID:        uuid.New(),
		EventType: eventType,
		Actor:     actor,
		Payload:   string(body),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// AuditEntries returns audit rows of the supplied type, newest first.
// Primarily used by tests and operator tooling.
func (s *Store) AuditEntries(ctx context.Context, eventType string) ([]AuditLog, error) {
	var rows []AuditLog
	err := s.db.WithContext(ctx).
		Where("event_type = ?", eventType).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return rows, nil
}
