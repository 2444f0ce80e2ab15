package hdwallet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"depositwatch/bus"
	"depositwatch/storage"
)

// Publisher is the slice of the event bus the allocator needs.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

// Allocator hands out deposit addresses, persisting allocations through the
// durable store and announcing fresh ones on the event bus so the scanner
// starts watching them immediately.
type Allocator struct {
	store   *storage.Store
	deriver *Deriver
	events  Publisher
	logger  *slog.Logger
}

// NewAllocator wires an allocator. The publisher may be nil when no live
// announcement is needed (tests, backfill tooling).
func NewAllocator(store *storage.Store, deriver *Deriver, events Publisher, logger *slog.Logger) (*Allocator, error) {
	if store == nil {
		return nil, fmt.Errorf("hdwallet: store required")
	}
	if deriver == nil {
		return nil, fmt.Errorf("hdwallet: deriver required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{store: store, deriver: deriver, events: events, logger: logger}, nil
}

// AllocateNext returns the user's deposit address, deriving and persisting a
// new one when the user has none. Repeat calls for the same user return the
// existing allocation unchanged.
func (a *Allocator) AllocateNext(ctx context.Context, userID uuid.UUID) (storage.DepositAddress, error) {
	allocated, created, err := a.store.AllocateAddress(ctx, userID, a.deriver.Derive)
	if err != nil {
		return storage.DepositAddress{}, err
	}
	if created {
		a.logger.Info("allocated deposit address",
			"user", userID, "address", allocated.Address, "index", allocated.DerivationIndex)
		if a.events != nil {
			payload := bus.NewAddress{UserID: userID.String(), Address: allocated.Address}
			if err := a.events.Publish(ctx, bus.ChannelAddressNew, payload); err != nil {
				// The scanner misses the live add but reconciliation and the
				// next boot-time registry load cover the address.
				a.logger.Warn("failed to announce new address", "error", err)
			}
		}
	}
	return allocated, nil
}
