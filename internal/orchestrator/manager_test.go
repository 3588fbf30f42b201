package orchestrator

import (
	"testing"
	"time"

	"arkgw/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepOrderingAndValidity(t *testing.T) {
	assert.True(t, StepIntentVerification.valid())
	assert.False(t, Step("not_a_step").valid())

	assert.Equal(t, 2, nextStepIndex(StepIntentVerification))
	assert.Equal(t, 6, nextStepIndex(StepArkProtocolExecution))
	assert.Equal(t, 6, nextStepIndex(StepFinalization), "current_step never advances past the last step")
}

func TestCeremonyStateRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	cs := newCeremonyState("sess-1", now)
	cs.CompletedSteps = append(cs.CompletedSteps, string(StepIntentVerification))
	cs.SignaturesCollected["user"] = "deadbeef"
	cs.Transactions["ark_tx_id"] = "abc123"

	m, err := cs.toMap()
	require.NoError(t, err)

	back, err := stateFromMap(m)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, "sess-1", back.SessionID)
	assert.Equal(t, []string{string(StepIntentVerification)}, back.CompletedSteps)
	assert.Equal(t, "deadbeef", back.SignaturesCollected["user"])
	assert.Equal(t, "abc123", back.arkTxID())
	assert.True(t, back.StartTime.Equal(now))
}

func TestStateFromMapEmptyIsNotStarted(t *testing.T) {
	cs, err := stateFromMap(nil)
	require.NoError(t, err)
	assert.Nil(t, cs)
}

func TestIntentAmount(t *testing.T) {
	assert.Equal(t, int64(1000), intentAmount(map[string]any{"amount": float64(1000)}))
	assert.Equal(t, int64(0), intentAmount(map[string]any{}))
}

func TestVerifyIntentP2PTransfer(t *testing.T) {
	m := &Manager{}
	// secp256k1 generator point, compressed; a valid pubkey for format checks.
	validPubkey := "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

	s := &ledger.SigningSession{
		Type: ledger.SessionTypeP2PTransfer,
		Intent: map[string]any{
			"recipient_pubkey": validPubkey,
			"amount":           float64(1000),
			"asset_id":         "BTC",
		},
	}
	data, err := m.verifyIntent(s)
	require.NoError(t, err)
	assert.Equal(t, true, data["intent_validated"])
}

func TestVerifyIntentRejectsMissingField(t *testing.T) {
	m := &Manager{}
	s := &ledger.SigningSession{
		Type:   ledger.SessionTypeP2PTransfer,
		Intent: map[string]any{"amount": float64(1000), "asset_id": "BTC"},
	}
	_, err := m.verifyIntent(s)
	require.Error(t, err)
}

func TestVerifyIntentRejectsBadPubkey(t *testing.T) {
	m := &Manager{}
	s := &ledger.SigningSession{
		Type: ledger.SessionTypeP2PTransfer,
		Intent: map[string]any{
			"recipient_pubkey": "not-a-pubkey",
			"amount":           float64(1000),
			"asset_id":         "BTC",
		},
	}
	_, err := m.verifyIntent(s)
	require.Error(t, err)
}

func TestVerifyIntentLightningRequiresPositiveAmount(t *testing.T) {
	m := &Manager{}
	s := &ledger.SigningSession{
		Type:   ledger.SessionTypeLightningLift,
		Intent: map[string]any{"amount": float64(0), "asset_id": "BTC"},
	}
	_, err := m.verifyIntent(s)
	require.Error(t, err)

	s.Intent["amount"] = float64(500)
	data, err := m.verifyIntent(s)
	require.NoError(t, err)
	assert.Equal(t, "lightning_lift", data["session_type"])
}
