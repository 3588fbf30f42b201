package challenge

import (
	"testing"
	"time"

	"arkgw/internal/ledger"

	"github.com/stretchr/testify/assert"
)

func TestRenderContextP2PTransfer(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &ledger.SigningSession{
		ID:        "abcdef0123456789",
		Type:      ledger.SessionTypeP2PTransfer,
		Intent:    map[string]any{"amount": float64(1000), "asset_id": "BTC", "recipient_pubkey": "0xabcdef1234567890"},
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}

	out := renderContext(s, nil)
	assert.Contains(t, out, "Ark Relay Gateway - P2p Transfer")
	assert.Contains(t, out, "Amount: 1000 BTC")
	assert.Contains(t, out, "Recipient: 0xabcdef...")
	assert.Contains(t, out, "Session: abcdef01...")
}

func TestRenderContextLightningLift(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &ledger.SigningSession{
		ID:        "sessionid123",
		Type:      ledger.SessionTypeLightningLift,
		Intent:    map[string]any{"amount": float64(250)},
		CreatedAt: now,
		ExpiresAt: now.Add(3 * time.Minute),
	}

	out := renderContext(s, nil)
	assert.Contains(t, out, "Lightning Lift (On-ramp)")
	assert.Contains(t, out, "Amount: 250 BTC")
}

func TestTruncateShortAndLongStrings(t *testing.T) {
	assert.Equal(t, "abc...", truncate("abc", 8))
	assert.Equal(t, "abcdefgh...", truncate("abcdefghijkl", 8))
}

func TestTitleCase(t *testing.T) {
	assert.Equal(t, "P2p Transfer", titleCase("p2p_transfer"))
	assert.Equal(t, "Lightning Lift", titleCase("lightning_lift"))
}
