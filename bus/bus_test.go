package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeCarriesTypedPayload(t *testing.T) {
	payload, err := json.Marshal(BalanceUpdated{
		UserID:         "u1",
		Clicks:         240,
		TotalPurchased: 240,
		DepositID:      "d1",
	})
	require.NoError(t, err)

	envelope := Envelope{
		Type:        ChannelBalanceUpdated,
		Payload:     payload,
		TimestampMs: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
	}
	encoded, err := json.Marshal(envelope)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, ChannelBalanceUpdated, decoded.Type)
	require.Equal(t, envelope.TimestampMs, decoded.TimestampMs)

	var balance BalanceUpdated
	require.NoError(t, json.Unmarshal(decoded.Payload, &balance))
	require.Equal(t, int64(240), balance.Clicks)
	require.Equal(t, "u1", balance.UserID)
}

func TestDecodeNewAddress(t *testing.T) {
	payload, err := json.Marshal(NewAddress{UserID: "u1", Address: "0xabc123"})
	require.NoError(t, err)
	raw, err := json.Marshal(Envelope{
		Type:        ChannelAddressNew,
		Payload:     payload,
		TimestampMs: time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	decoded, err := decodeNewAddress(string(raw))
	require.NoError(t, err)
	require.Equal(t, "u1", decoded.UserID)
	require.Equal(t, "0xabc123", decoded.Address)
}

func TestDecodeNewAddressRejectsMalformedMessages(t *testing.T) {
	_, err := decodeNewAddress("not json at all")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode envelope")

	_, err = decodeNewAddress(`{"type":"address:new","payload":42,"timestampMs":1}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode address payload")
}

func TestDecodeNewAddressAllowsEmptyAddressThrough(t *testing.T) {
	// The subscriber drops empty addresses after decoding; the decoder itself
	// treats them as well-formed.
	decoded, err := decodeNewAddress(`{"type":"address:new","payload":{"userId":"u1","address":""},"timestampMs":1}`)
	require.NoError(t, err)
	require.Empty(t, decoded.Address)
}
