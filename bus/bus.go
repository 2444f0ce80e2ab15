// Package bus carries watcher events between this subsystem and its external
// consumers over Redis pub/sub. Outbound events announce balance and deposit
// changes; the single inbound channel delivers freshly allocated deposit
// addresses so the scanner can watch them live.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel names shared with the rest of the platform.
const (
	ChannelBalanceUpdated   = "balance:updated"
	ChannelReferralBonus    = "referral:bonus"
	ChannelDepositConfirmed = "deposit:confirmed"
	ChannelAddressNew       = "address:new"
)

// Envelope is the wire format for every bus message.
type Envelope struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	TimestampMs int64           `json:"timestampMs"`
}

// BalanceUpdated announces a credited deposit's effect on a user balance.
type BalanceUpdated struct {
	UserID         string `json:"userId"`
	Clicks         int64  `json:"clicks"`
	TotalPurchased int64  `json:"totalPurchased"`
	DepositID      string `json:"depositId"`
}

// ReferralBonus announces a paid referral reward.
type ReferralBonus struct {
	ReferrerID     string `json:"referrerId"`
	ReferredID     string `json:"referredId"`
	ReferredWallet string `json:"referredWallet"`
	ClicksEarned   int64  `json:"clicksEarned"`
	DepositID      string `json:"depositId"`
}

// DepositConfirmed announces a deposit that finished confirmation tracking.
type DepositConfirmed struct {
	DepositID      string `json:"depositId"`
	UserID         string `json:"userId"`
	TxHash         string `json:"txHash"`
	Amount         string `json:"amount"`
	Token          string `json:"token"`
	ClicksCredited int64  `json:"clicksCredited"`
}

// NewAddress is the inbound payload consumed to extend the address registry.
type NewAddress struct {
	UserID  string `json:"userId"`
	Address string `json:"address"`
}

// Bus publishes and subscribes over Redis pub/sub.
type Bus struct {
	rdb    *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// New wraps a Redis client for bus traffic.
func New(rdb *redis.Client, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{rdb: rdb, logger: logger, now: time.Now}
}

// Publish wraps the payload in an Envelope and publishes it on the channel
// matching the event type.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("bus not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	envelope, err := json.Marshal(Envelope{
		Type:        eventType,
		Payload:     body,
		TimestampMs: b.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", eventType, err)
	}
	if err := b.rdb.Publish(ctx, eventType, envelope).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// SubscribeNewAddresses consumes address:new messages until the context is
// cancelled, invoking handle for every well-formed payload. Malformed
// messages are logged and skipped.
func (b *Bus) SubscribeNewAddresses(ctx context.Context, handle func(NewAddress)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("bus not configured")
	}
	sub := b.rdb.Subscribe(ctx, ChannelAddressNew)
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", ChannelAddressNew, err)
	}
	go func() {
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				payload, err := decodeNewAddress(msg.Payload)
				if err != nil {
					b.logger.Warn("discarding malformed bus message",
						"channel", ChannelAddressNew, "error", err)
					continue
				}
				if payload.Address == "" {
					continue
				}
				handle(payload)
			}
		}
	}()
	return nil
}

// decodeNewAddress unpacks a raw address:new message into its payload.
func decodeNewAddress(raw string) (NewAddress, error) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return NewAddress{}, fmt.Errorf("decode envelope: %w", err)
	}
	var payload NewAddress
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return NewAddress{}, fmt.Errorf("decode address payload: %w", err)
	}
	return payload, nil
}
