//go:build integration

package session

import (
	"testing"
	"time"

	"arkgw/internal/ledger"
	"arkgw/internal/taxonomy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, policy Policy) (*Manager, *ledger.DB) {
	t.Helper()
	db := ledger.SetupTestDB(t)
	t.Cleanup(func() { ledger.CleanupTestDB(t, db); db.Close() })

	return NewManager(ledger.NewSessionRepository(db), policy), db
}

func TestCreateAndGetSession(t *testing.T) {
	m, _ := newTestManager(t, DefaultPolicy())
	ctx := t.Context()

	s, err := m.Create(ctx, "userpubkey", ledger.SessionTypeP2PTransfer, map[string]any{"amount": float64(1000), "asset_id": "BTC"})
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionInitiated, s.Status)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, ledger.SessionInitiated, got.Status)
}

func TestGetAutoExpiresOverdueSession(t *testing.T) {
	m, _ := newTestManager(t, Policy{SessionTTL: -1 * time.Second})
	ctx := t.Context()

	s, err := m.Create(ctx, "userpubkey", ledger.SessionTypeP2PTransfer, map[string]any{"amount": float64(1), "asset_id": "BTC"})
	require.NoError(t, err)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionExpired, got.Status)
}

func TestTransitionValidPath(t *testing.T) {
	m, _ := newTestManager(t, DefaultPolicy())
	ctx := t.Context()

	s, err := m.Create(ctx, "userpubkey", ledger.SessionTypeP2PTransfer, map[string]any{"amount": float64(1), "asset_id": "BTC"})
	require.NoError(t, err)

	require.NoError(t, m.AttachChallenge(ctx, s.ID, "chal-1", "context"))
	require.NoError(t, m.Transition(ctx, s.ID, ledger.SessionAwaitingSignature, ""))
	require.NoError(t, m.Transition(ctx, s.ID, ledger.SessionSigning, ""))
	require.NoError(t, m.Complete(ctx, s.ID, map[string]any{"txid": "abc"}, []byte("rawtx")))

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionCompleted, got.Status)
	assert.True(t, got.Status.IsTerminal())
}

func TestTransitionRejectsInvalidJump(t *testing.T) {
	m, _ := newTestManager(t, DefaultPolicy())
	ctx := t.Context()

	s, err := m.Create(ctx, "userpubkey", ledger.SessionTypeP2PTransfer, map[string]any{"amount": float64(1), "asset_id": "BTC"})
	require.NoError(t, err)

	err = m.Transition(ctx, s.ID, ledger.SessionCompleted, "")
	require.Error(t, err)
	assert.Equal(t, taxonomy.KindInvalidTransition, taxonomy.KindOf(err))
}

func TestTransitionRejectsFromTerminal(t *testing.T) {
	m, _ := newTestManager(t, DefaultPolicy())
	ctx := t.Context()

	s, err := m.Create(ctx, "userpubkey", ledger.SessionTypeP2PTransfer, map[string]any{"amount": float64(1), "asset_id": "BTC"})
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, s.ID, "boom"))

	err = m.Transition(ctx, s.ID, ledger.SessionChallengeSent, "")
	require.Error(t, err)
	assert.Equal(t, taxonomy.KindInvalidTransition, taxonomy.KindOf(err))
}

func TestActiveSessionsFiltersTerminalAndOtherUsers(t *testing.T) {
	m, _ := newTestManager(t, DefaultPolicy())
	ctx := t.Context()

	alice, err := m.Create(ctx, "alice", ledger.SessionTypeP2PTransfer, map[string]any{"amount": float64(1), "asset_id": "BTC"})
	require.NoError(t, err)
	_, err = m.Create(ctx, "bob", ledger.SessionTypeP2PTransfer, map[string]any{"amount": float64(2), "asset_id": "BTC"})
	require.NoError(t, err)

	aliceSessions, err := m.ActiveSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, aliceSessions, 1)
	assert.Equal(t, alice.ID, aliceSessions[0].ID)

	all, err := m.ActiveSessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCleanupExpiredSessions(t *testing.T) {
	m, _ := newTestManager(t, Policy{SessionTTL: -1 * time.Second})
	ctx := t.Context()

	_, err := m.Create(ctx, "userpubkey", ledger.SessionTypeP2PTransfer, map[string]any{"amount": float64(1), "asset_id": "BTC"})
	require.NoError(t, err)

	count, err := m.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
