package agents

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/flotilla-dev/flotilla/internal/db"
)

var (
	testPool *pgxpool.Pool
	setupErr error
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithUsername("flotilla"),
		tcpostgres.WithPassword("flotilla"),
		tcpostgres.WithDatabase("flotilla_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		setupErr = fmt.Errorf("failed to start Postgres container: %w", err)
		os.Exit(m.Run())
	}

	code := func() int {
		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			setupErr = err
			return m.Run()
		}
		if err := db.RunMigrations(dsn, "public"); err != nil {
			setupErr = err
			return m.Run()
		}
		testPool, err = db.InitDB(ctx, dsn, "public")
		if err != nil {
			setupErr = err
			return m.Run()
		}
		defer testPool.Close()
		return m.Run()
	}()

	_ = container.Terminate(ctx)
	os.Exit(code)
}

func testService(t *testing.T) *Service {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}
	return NewService(testPool)
}

func TestCreateAndGetAgent(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	created, err := svc.CreateAgent(ctx, "server-a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, "server-a", created.ServerID)
	assert.Empty(t, created.TokenHash)
	assert.Nil(t, created.PendingTokenHash)

	got, err := svc.GetAgentByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestGetAgentByIDValidation(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	_, err := svc.GetAgentByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidAgentID)

	_, err = svc.GetAgentByID(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestTokenHashLookups(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	agent, err := svc.CreateAgent(ctx, "server-a")
	require.NoError(t, err)

	// A blank token hash must never match the freshly created record.
	_, err = svc.GetAgentByTokenHash(ctx, "")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	hash := "deadbeef"
	require.NoError(t, svc.UpdateAgent(ctx, agent.ID, AgentUpdate{TokenHash: &hash}))

	got, err := svc.GetAgentByTokenHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)

	pending := "cafebabe"
	require.NoError(t, svc.UpdateAgent(ctx, agent.ID, AgentUpdate{PendingTokenHash: &pending}))

	got, err = svc.GetAgentByPendingTokenHash(ctx, "cafebabe")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
	assert.True(t, got.RotationPending())
}

func TestUpdateAgentClearsPendingHash(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	agent, err := svc.CreateAgent(ctx, "server-a")
	require.NoError(t, err)

	pending := "cafebabe"
	require.NoError(t, svc.UpdateAgent(ctx, agent.ID, AgentUpdate{PendingTokenHash: &pending}))
	require.NoError(t, svc.UpdateAgent(ctx, agent.ID, AgentUpdate{ClearPendingTokenHash: true}))

	got, err := svc.GetAgentByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.False(t, got.RotationPending())
}

func TestUpdateAgentUnknownID(t *testing.T) {
	svc := testService(t)

	status := StatusConnected
	err := svc.UpdateAgent(context.Background(), "00000000-0000-0000-0000-000000000000", AgentUpdate{Status: &status})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestGetAgentsWithExpiringTokens(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	expired, err := svc.CreateAgent(ctx, "server-a")
	require.NoError(t, err)
	fresh, err := svc.CreateAgent(ctx, "server-a")
	require.NoError(t, err)
	pendingRotation, err := svc.CreateAgent(ctx, "server-a")
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	hash := "deadbeef"
	pendingHash := "cafebabe"

	require.NoError(t, svc.UpdateAgent(ctx, expired.ID, AgentUpdate{TokenHash: &hash, TokenExpiresAt: &past}))
	require.NoError(t, svc.UpdateAgent(ctx, fresh.ID, AgentUpdate{TokenHash: &hash, TokenExpiresAt: &future}))
	require.NoError(t, svc.UpdateAgent(ctx, pendingRotation.ID, AgentUpdate{
		TokenHash:        &hash,
		PendingTokenHash: &pendingHash,
		TokenExpiresAt:   &past,
	}))

	expiring, err := svc.GetAgentsWithExpiringTokens(ctx, time.Now().UTC())
	require.NoError(t, err)

	ids := make(map[string]bool, len(expiring))
	for _, a := range expiring {
		ids[a.ID] = true
	}
	assert.True(t, ids[expired.ID])
	assert.False(t, ids[fresh.ID], "unexpired tokens are not swept")
	assert.False(t, ids[pendingRotation.ID], "in-flight rotations are not swept")
}

func TestRegistrationCodeLifecycle(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	agent, err := svc.CreateAgent(ctx, "server-a")
	require.NoError(t, err)

	plaintext, code, err := svc.CreateRegistrationCode(ctx, agent.ID, time.Hour)
	require.NoError(t, err)
	assert.Contains(t, plaintext, "rc_")
	assert.NotContains(t, code.CodeHash, plaintext, "plaintext never stored")

	consumed, err := svc.ConsumeRegistrationCode(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, consumed.AgentID)

	// Second presentation is rejected.
	_, err = svc.ConsumeRegistrationCode(ctx, plaintext)
	assert.ErrorIs(t, err, ErrCodeAlreadyUsed)
}

func TestConsumeRegistrationCodeExpired(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	agent, err := svc.CreateAgent(ctx, "server-a")
	require.NoError(t, err)

	plaintext, _, err := svc.CreateRegistrationCode(ctx, agent.ID, -time.Minute)
	require.NoError(t, err)

	_, err = svc.ConsumeRegistrationCode(ctx, plaintext)
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestConsumeRegistrationCodeWrongSecret(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	agent, err := svc.CreateAgent(ctx, "server-a")
	require.NoError(t, err)

	plaintext, code, err := svc.CreateRegistrationCode(ctx, agent.ID, time.Hour)
	require.NoError(t, err)

	_, err = svc.ConsumeRegistrationCode(ctx, "rc_"+code.ID+".wrong-secret")
	assert.ErrorIs(t, err, ErrCodeInvalid)

	// The failed attempt must not consume the code.
	_, err = svc.ConsumeRegistrationCode(ctx, plaintext)
	assert.NoError(t, err)
}

func TestConsumeRegistrationCodeMalformed(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	for _, presented := range []string{"", "rc_", "nope", "rc_not-a-uuid.secret", "rc_.secret"} {
		_, err := svc.ConsumeRegistrationCode(ctx, presented)
		assert.ErrorIs(t, err, ErrCodeInvalid, "input %q", presented)
	}
}
