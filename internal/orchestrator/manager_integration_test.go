//go:build integration

package orchestrator

import (
	"context"
	"testing"
	"time"

	"arkgw/internal/adapters/arkd"
	"arkgw/internal/asset"
	"arkgw/internal/challenge"
	"arkgw/internal/ledger"
	"arkgw/internal/session"
	"arkgw/internal/taxonomy"
	"arkgw/internal/txprocessor"
	"arkgw/pkg/cache"
	"arkgw/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

// secp256k1 generator point, compressed; a valid pubkey for the p2p intent
// verification step.
const validRecipientPubkey = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

// fakeChainAdapter implements arkd.ChainAdapter with every call succeeding
// by default, matching the shape used in the transaction processor's tests.
type fakeChainAdapter struct {
	createCheckpointFn func(ctx context.Context, arkTxID string) (*arkd.CheckpointResult, error)
	executeProtocolFn  func(ctx context.Context, arkTxID string, sigs map[string][]byte) (*arkd.ProtocolResult, error)
}

func (f *fakeChainAdapter) GetNetworkInfo(ctx context.Context) (*arkd.NetworkInfo, error) { return nil, nil }
func (f *fakeChainAdapter) GetFeeRate(ctx context.Context) (int64, error)                 { return 2, nil }
func (f *fakeChainAdapter) CreateCheckpointTransaction(ctx context.Context, arkTxID string) (*arkd.CheckpointResult, error) {
	if f.createCheckpointFn != nil {
		return f.createCheckpointFn(ctx, arkTxID)
	}
	return &arkd.CheckpointResult{Success: true, Txid: "checkpoint-" + arkTxID}, nil
}
func (f *fakeChainAdapter) ExecuteArkProtocol(ctx context.Context, arkTxID string, sigs map[string][]byte) (*arkd.ProtocolResult, error) {
	if f.executeProtocolFn != nil {
		return f.executeProtocolFn(ctx, arkTxID, sigs)
	}
	return &arkd.ProtocolResult{Success: true, RawTx: "deadbeef"}, nil
}
func (f *fakeChainAdapter) CreateVtxoBatch(ctx context.Context, assetID string, count int, amount, fee int64) (*arkd.VtxoBatchResult, error) {
	return nil, nil
}
func (f *fakeChainAdapter) CreateCommitmentTransaction(ctx context.Context, assetID string, vtxoIDs []string, merkleRoot string, total, fee int64) (*arkd.CommitmentResult, error) {
	return nil, nil
}
func (f *fakeChainAdapter) BroadcastTransaction(ctx context.Context, rawHex string) (*arkd.BroadcastResult, error) {
	return &arkd.BroadcastResult{Success: true}, nil
}
func (f *fakeChainAdapter) GetTransactionStatus(ctx context.Context, txid string) (*arkd.TransactionStatus, error) {
	return &arkd.TransactionStatus{Confirmed: true, Confirmations: 1, BlockHeight: 1}, nil
}
func (f *fakeChainAdapter) Close() error { return nil }

type testEnv struct {
	orch       *Manager
	sessions   *session.Manager
	challenges *challenge.Manager
	assets     *asset.Manager
	txp        *txprocessor.Manager
	db         *ledger.DB
}

func newTestEnv(t *testing.T, chain arkd.ChainAdapter, policy Policy) *testEnv {
	t.Helper()
	db := ledger.SetupTestDB(t)
	t.Cleanup(func() { ledger.CleanupTestDB(t, db); db.Close() })

	redis, err := cache.NewCache(cache.Config{Host: "localhost", Port: "6379", DB: 1})
	require.NoError(t, err, "failed to connect to test redis")
	t.Cleanup(func() { _ = redis.Close() })

	sessions := session.NewManager(ledger.NewSessionRepository(db), session.DefaultPolicy())
	challenges := challenge.NewManager(ledger.NewChallengeRepository(db), sessions, challenge.DefaultPolicy())
	assets := asset.NewManager(ledger.NewAssetRepository(db), ledger.NewBalanceRepository(db), redis)
	txp := txprocessor.NewManager(ledger.NewTransactionRepository(db), sessions, assets, chain, txprocessor.DefaultPolicy())
	orch := NewManager(sessions, ledger.NewChallengeRepository(db), txp, chain, policy)

	return &testEnv{orch: orch, sessions: sessions, challenges: challenges, assets: assets, txp: txp, db: db}
}

func (e *testEnv) seedAsset(t *testing.T, id string) {
	t.Helper()
	err := ledger.NewAssetRepository(e.db).Create(context.Background(), &ledger.Asset{
		ID: id, DisplayName: id, Ticker: id, Decimals: 8, Active: true, Metadata: map[string]any{},
	})
	require.NoError(t, err)
}

// readyP2PSession creates a p2p_transfer session and walks it through the
// challenge handshake to awaiting_signature.
func (e *testEnv) readyP2PSession(t *testing.T, sender string, amount float64, assetID string) *ledger.SigningSession {
	t.Helper()
	ctx := context.Background()
	s, err := e.sessions.Create(ctx, sender, ledger.SessionTypeP2PTransfer, map[string]any{
		"amount": amount, "asset_id": assetID, "recipient_pubkey": validRecipientPubkey,
	})
	require.NoError(t, err)
	require.NoError(t, e.sessions.AttachChallenge(ctx, s.ID, "chal-1", "ctx"))
	require.NoError(t, e.sessions.Transition(ctx, s.ID, ledger.SessionAwaitingSignature, ""))
	got, err := e.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	return got
}

func (e *testEnv) readyLightningSession(t *testing.T, sessionType ledger.SessionType, user string, amount float64, assetID string) *ledger.SigningSession {
	t.Helper()
	ctx := context.Background()
	s, err := e.sessions.Create(ctx, user, sessionType, map[string]any{
		"amount": amount, "asset_id": assetID,
	})
	require.NoError(t, err)
	require.NoError(t, e.sessions.AttachChallenge(ctx, s.ID, "chal-1", "ctx"))
	require.NoError(t, e.sessions.Transition(ctx, s.ID, ledger.SessionAwaitingSignature, ""))
	got, err := e.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	return got
}

func (e *testEnv) runFullCeremony(t *testing.T, sessionID string) {
	t.Helper()
	ctx := context.Background()

	_, err := e.orch.StartCeremony(ctx, sessionID)
	require.NoError(t, err)

	for _, step := range []Step{
		StepArkTransactionPrep,
		StepCheckpointTransactionPrep,
		StepSignatureCollection,
		StepArkProtocolExecution,
		StepFinalization,
	} {
		_, err := e.orch.ExecuteStep(ctx, sessionID, step, nil)
		require.NoError(t, err, "step %s", step)
	}
}

func TestFullCeremonyP2PTransferCompletesAndFinalizes(t *testing.T) {
	env := newTestEnv(t, &fakeChainAdapter{}, DefaultPolicy())
	env.seedAsset(t, "BTC")
	ctx := context.Background()

	require.NoError(t, env.assets.Mint(ctx, "BTC", "alice", 10000))
	s := env.readyP2PSession(t, "alice", 1000, "BTC")

	env.runFullCeremony(t, s.ID)

	got, err := env.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionCompleted, got.Status)
	assert.NotNil(t, got.Result)
	assert.Equal(t, "completed", got.Result["status"])

	// Finalization broadcasts the transaction; the sender's reservation is
	// only settled once the transaction processor confirms it.
	bal, err := env.assets.GetBalance(ctx, "alice", "BTC")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.ReservedBalance)
}

func TestFullCeremonyLightningLiftTransitionsThroughSigning(t *testing.T) {
	env := newTestEnv(t, &fakeChainAdapter{}, DefaultPolicy())
	env.seedAsset(t, "BTC")
	ctx := context.Background()

	s := env.readyLightningSession(t, ledger.SessionTypeLightningLift, "bob", 500, "BTC")

	_, err := env.orch.StartCeremony(ctx, s.ID)
	require.NoError(t, err)

	mid, err := env.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionSigning, mid.Status, "lightning ceremonies transition to signing after intent verification")

	for _, step := range []Step{
		StepArkTransactionPrep,
		StepCheckpointTransactionPrep,
		StepSignatureCollection,
		StepArkProtocolExecution,
		StepFinalization,
	} {
		_, err := env.orch.ExecuteStep(ctx, s.ID, step, nil)
		require.NoError(t, err, "step %s", step)
	}

	final, err := env.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionCompleted, final.Status)
}

func TestStartCeremonyRejectsWrongSessionState(t *testing.T) {
	env := newTestEnv(t, &fakeChainAdapter{}, DefaultPolicy())
	ctx := context.Background()

	s, err := env.sessions.Create(ctx, "alice", ledger.SessionTypeP2PTransfer, map[string]any{
		"amount": float64(1000), "asset_id": "BTC", "recipient_pubkey": validRecipientPubkey,
	})
	require.NoError(t, err)

	_, err = env.orch.StartCeremony(ctx, s.ID)
	require.Error(t, err)
	assert.Equal(t, taxonomy.KindSigningCeremonyError, taxonomy.KindOf(err))
}

func TestExecuteStepFailsSessionOnCheckpointRejection(t *testing.T) {
	env := newTestEnv(t, &fakeChainAdapter{
		createCheckpointFn: func(ctx context.Context, arkTxID string) (*arkd.CheckpointResult, error) {
			return &arkd.CheckpointResult{Success: false, Error: "node unreachable"}, nil
		},
	}, DefaultPolicy())
	env.seedAsset(t, "BTC")
	ctx := context.Background()

	require.NoError(t, env.assets.Mint(ctx, "BTC", "alice", 10000))
	s := env.readyP2PSession(t, "alice", 1000, "BTC")

	_, err := env.orch.StartCeremony(ctx, s.ID)
	require.NoError(t, err)
	_, err = env.orch.ExecuteStep(ctx, s.ID, StepArkTransactionPrep, nil)
	require.NoError(t, err)

	_, err = env.orch.ExecuteStep(ctx, s.ID, StepCheckpointTransactionPrep, nil)
	require.Error(t, err)
	assert.Equal(t, taxonomy.KindSigningCeremonyError, taxonomy.KindOf(err))

	got, err := env.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionFailed, got.Status)
}

func TestExecuteStepTimesOutPastCeremonyDeadline(t *testing.T) {
	env := newTestEnv(t, &fakeChainAdapter{}, Policy{CeremonyTimeout: 0, StepTimeout: time.Minute})
	env.seedAsset(t, "BTC")
	ctx := context.Background()

	require.NoError(t, env.assets.Mint(ctx, "BTC", "alice", 10000))
	s := env.readyP2PSession(t, "alice", 1000, "BTC")

	_, err := env.orch.StartCeremony(ctx, s.ID)
	require.Error(t, err)
	assert.Equal(t, taxonomy.KindSigningTimeoutError, taxonomy.KindOf(err))

	got, err := env.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionFailed, got.Status)
}

func TestCancelCeremonyFailsSessionRegardlessOfStep(t *testing.T) {
	env := newTestEnv(t, &fakeChainAdapter{}, DefaultPolicy())
	env.seedAsset(t, "BTC")
	ctx := context.Background()

	require.NoError(t, env.assets.Mint(ctx, "BTC", "alice", 10000))
	s := env.readyP2PSession(t, "alice", 1000, "BTC")

	_, err := env.orch.StartCeremony(ctx, s.ID)
	require.NoError(t, err)

	ok, err := env.orch.CancelCeremony(ctx, s.ID, "user changed their mind")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := env.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionFailed, got.Status)
}

func TestCancelCeremonyReturnsFalseForMissingSession(t *testing.T) {
	env := newTestEnv(t, &fakeChainAdapter{}, DefaultPolicy())
	ok, err := env.orch.CancelCeremony(context.Background(), "does-not-exist", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetCeremonyStatusReportsProgress(t *testing.T) {
	env := newTestEnv(t, &fakeChainAdapter{}, DefaultPolicy())
	env.seedAsset(t, "BTC")
	ctx := context.Background()

	require.NoError(t, env.assets.Mint(ctx, "BTC", "alice", 10000))
	s := env.readyP2PSession(t, "alice", 1000, "BTC")

	status, err := env.orch.GetCeremonyStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "not_started", status.CeremonyStatus)

	_, err = env.orch.StartCeremony(ctx, s.ID)
	require.NoError(t, err)

	status, err = env.orch.GetCeremonyStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", status.CeremonyStatus)
	assert.Contains(t, status.CompletedSteps, string(StepIntentVerification))
	assert.Equal(t, 2, status.CurrentStep)
	assert.GreaterOrEqual(t, status.TimeRemaining, float64(0))
}
