//go:build integration

package challenge

import (
	"encoding/hex"
	"testing"
	"time"

	"arkgw/internal/crypto"
	"arkgw/internal/ledger"
	"arkgw/internal/session"
	"arkgw/internal/taxonomy"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManagers(t *testing.T, policy Policy) (*Manager, *session.Manager, *ledger.DB) {
	t.Helper()
	db := ledger.SetupTestDB(t)
	t.Cleanup(func() { ledger.CleanupTestDB(t, db); db.Close() })

	sessions := session.NewManager(ledger.NewSessionRepository(db), session.DefaultPolicy())
	challenges := NewManager(ledger.NewChallengeRepository(db), sessions, policy)
	return challenges, sessions, db
}

func TestCreateChallengeTransitionsSession(t *testing.T) {
	challenges, sessions, _ := newTestManagers(t, DefaultPolicy())
	ctx := t.Context()

	s, err := sessions.Create(ctx, "userpubkey", ledger.SessionTypeP2PTransfer, map[string]any{
		"amount": float64(1000), "asset_id": "BTC", "recipient_pubkey": "deadbeef",
	})
	require.NoError(t, err)

	c, err := challenges.Create(ctx, s.ID, map[string]any{"purpose": "p2p_transfer"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ChallengeData)
	assert.Contains(t, c.Context, "P2p Transfer")

	got, err := sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionChallengeSent, got.Status)
	require.NotNil(t, got.ChallengeID)
	assert.Equal(t, c.ID, *got.ChallengeID)
}

func TestValidateResponseSuccess(t *testing.T) {
	challenges, sessions, _ := newTestManagers(t, DefaultPolicy())
	ctx := t.Context()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubkeyHex := hex.EncodeToString(privKey.PubKey().SerializeCompressed())

	s, err := sessions.Create(ctx, pubkeyHex, ledger.SessionTypeLightningLift, map[string]any{"amount": float64(500), "asset_id": "BTC"})
	require.NoError(t, err)

	c, err := challenges.Create(ctx, s.ID, map[string]any{})
	require.NoError(t, err)

	sig := crypto.SignChallenge(c.ChallengeData, privKey)
	require.NoError(t, challenges.ValidateResponse(ctx, s.ID, sig, pubkeyHex))

	got, err := sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionAwaitingSignature, got.Status)
}

func TestValidateResponseRejectsBadSignature(t *testing.T) {
	challenges, sessions, _ := newTestManagers(t, DefaultPolicy())
	ctx := t.Context()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubkeyHex := hex.EncodeToString(privKey.PubKey().SerializeCompressed())

	s, err := sessions.Create(ctx, pubkeyHex, ledger.SessionTypeLightningLift, map[string]any{"amount": float64(500), "asset_id": "BTC"})
	require.NoError(t, err)
	c, err := challenges.Create(ctx, s.ID, map[string]any{})
	require.NoError(t, err)

	badSig := crypto.SignChallenge(c.ChallengeData, other)
	err = challenges.ValidateResponse(ctx, s.ID, badSig, pubkeyHex)
	require.Error(t, err)
	assert.Equal(t, taxonomy.KindValidationError, taxonomy.KindOf(err))

	got, err := sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionChallengeSent, got.Status, "state must not mutate on a failed verification")
}

func TestValidateResponseRejectsReuse(t *testing.T) {
	challenges, sessions, _ := newTestManagers(t, DefaultPolicy())
	ctx := t.Context()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubkeyHex := hex.EncodeToString(privKey.PubKey().SerializeCompressed())

	s, err := sessions.Create(ctx, pubkeyHex, ledger.SessionTypeLightningLift, map[string]any{"amount": float64(500), "asset_id": "BTC"})
	require.NoError(t, err)
	c, err := challenges.Create(ctx, s.ID, map[string]any{})
	require.NoError(t, err)

	sig := crypto.SignChallenge(c.ChallengeData, privKey)
	require.NoError(t, challenges.ValidateResponse(ctx, s.ID, sig, pubkeyHex))

	err = challenges.ValidateResponse(ctx, s.ID, sig, pubkeyHex)
	require.Error(t, err)
}

func TestValidateResponseExpiredChallengeExpiresSession(t *testing.T) {
	challenges, sessions, _ := newTestManagers(t, Policy{ChallengeTTL: -1 * time.Second})
	ctx := t.Context()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubkeyHex := hex.EncodeToString(privKey.PubKey().SerializeCompressed())

	s, err := sessions.Create(ctx, pubkeyHex, ledger.SessionTypeLightningLift, map[string]any{"amount": float64(500), "asset_id": "BTC"})
	require.NoError(t, err)
	c, err := challenges.Create(ctx, s.ID, map[string]any{})
	require.NoError(t, err)

	sig := crypto.SignChallenge(c.ChallengeData, privKey)
	err = challenges.ValidateResponse(ctx, s.ID, sig, pubkeyHex)
	require.Error(t, err)
	assert.Equal(t, taxonomy.KindChallengeExpired, taxonomy.KindOf(err))

	got, err := sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionExpired, got.Status)
}

func TestCleanupExpiredChallenges(t *testing.T) {
	challenges, sessions, _ := newTestManagers(t, Policy{ChallengeTTL: -1 * time.Second})
	ctx := t.Context()

	s, err := sessions.Create(ctx, "userpubkey", ledger.SessionTypeLightningLift, map[string]any{"amount": float64(1), "asset_id": "BTC"})
	require.NoError(t, err)
	_, err = challenges.Create(ctx, s.ID, map[string]any{})
	require.NoError(t, err)

	count, err := challenges.CleanupExpiredChallenges(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

