package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cascadeflow/cascade/migrations"
	"github.com/cascadeflow/cascade/store"
)

var (
	testPool          *pgxpool.Pool
	testContainer     testcontainers.Container
	skipPostgresTests bool
)

func setupPostgres() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "cascade",
				"POSTGRES_PASSWORD": "cascade",
				"POSTGRES_DB":       "cascade_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			Tmpfs:      map[string]string{"/var/lib/postgresql/data": "rw"},
		}
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, PostgreSQL tests will be skipped: %v\n", containerErr)
		skipPostgresTests = true
		return
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipPostgresTests = true
		return
	}
	port, err := testContainer.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipPostgresTests = true
		return
	}

	dsn := fmt.Sprintf("postgres://cascade:cascade@%s:%s/cascade_test?sslmode=disable", host, port.Port())
	if err := migrations.Run(ctx, dsn); err != nil {
		fmt.Printf("Failed to apply migrations: %v\n", err)
		skipPostgresTests = true
		return
	}
	testPool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		fmt.Printf("Failed to connect to PostgreSQL: %v\n", err)
		skipPostgresTests = true
		return
	}
	if err := testPool.Ping(ctx); err != nil {
		fmt.Printf("Failed to ping PostgreSQL: %v\n", err)
		skipPostgresTests = true
	}
}

func getStore(t *testing.T) *Store {
	t.Helper()
	if testPool == nil && !skipPostgresTests {
		setupPostgres()
	}
	if skipPostgresTests {
		t.Skip("Docker not available, skipping PostgreSQL test")
	}
	ctx := context.Background()
	_, err := testPool.Exec(ctx, `TRUNCATE executions, execution_claims`)
	require.NoError(t, err)
	return New(testPool)
}

func mustCreate(t *testing.T, s *Store, p store.Params) *store.Execution {
	t.Helper()
	e, err := store.New(p)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), e))
	return e
}

func TestPostgresRoundTrip(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	e, err := store.New(store.Params{
		FlowID:      "flow-1",
		OwnerID:     "owner-1",
		Options:     map[string]any{"debug": true},
		Integration: map[string]any{"channel": "api", "n": 2.0},
		ExternalEvents: []store.ExternalEvent{
			{Name: "evt", Payload: map[string]any{"k": "v"}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, e))

	// duplicate create keeps the original row
	dup := e.Clone()
	dup.FlowID = "flow-other"
	require.NoError(t, s.Create(ctx, dup))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "flow-1", got.FlowID)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, e.ID, got.RootExecutionID)
	assert.Nil(t, got.ParentExecutionID)
	assert.Equal(t, store.StatusCreated, got.Status)
	assert.Equal(t, map[string]any{"debug": true}, got.Options)
	assert.Equal(t, map[string]any{"channel": "api", "n": 2.0}, got.Integration)
	require.Len(t, got.ExternalEvents, 1)
	assert.Equal(t, "evt", got.ExternalEvents[0].Name)

	_, err = s.Get(ctx, "exec_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresUpdateStatus(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()
	e := mustCreate(t, s, store.Params{FlowID: "flow-1"})

	started := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.UpdateStatus(ctx, store.StatusUpdate{
		ID: e.ID, Status: store.StatusRunning, StartedAt: &started,
	}))
	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Millisecond)

	err = s.UpdateStatus(ctx, store.StatusUpdate{ID: e.ID, Status: store.StatusCompleted})
	require.NoError(t, err)
	err = s.UpdateStatus(ctx, store.StatusUpdate{ID: e.ID, Status: store.StatusRunning})
	assert.ErrorIs(t, err, store.ErrTerminal)

	err = s.UpdateStatus(ctx, store.StatusUpdate{ID: "exec_missing", Status: store.StatusRunning})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresInvalidTransition(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()
	e := mustCreate(t, s, store.Params{FlowID: "flow-1"})

	err := s.UpdateStatus(ctx, store.StatusUpdate{ID: e.ID, Status: store.StatusPaused})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestPostgresRootExecutionsAggregates(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	r1 := mustCreate(t, s, store.Params{FlowID: "flow-1"})
	time.Sleep(5 * time.Millisecond)
	r2 := mustCreate(t, s, store.Params{FlowID: "flow-1"})
	c1 := mustCreate(t, s, store.Params{
		FlowID: "flow-1", RootExecutionID: r2.ID, ParentExecutionID: r2.ID, ExecutionDepth: 1,
	})
	mustCreate(t, s, store.Params{
		FlowID: "flow-1", RootExecutionID: r2.ID, ParentExecutionID: c1.ID, ExecutionDepth: 2,
	})

	roots, err := s.RootExecutions(ctx, "flow-1", 10, nil)
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, r2.ID, roots[0].ID)
	assert.Equal(t, 3, roots[0].Levels)
	assert.Equal(t, 2, roots[0].TotalNested)
	assert.Equal(t, r1.ID, roots[1].ID)
	assert.Equal(t, 1, roots[1].Levels)
	assert.Equal(t, 0, roots[1].TotalNested)

	after := roots[0].CreatedAt
	page, err := s.RootExecutions(ctx, "flow-1", 10, &after)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, r1.ID, page[0].ID)
}

func TestPostgresTreeQueries(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	root := mustCreate(t, s, store.Params{FlowID: "flow-1"})
	c1 := mustCreate(t, s, store.Params{
		FlowID: "flow-1", RootExecutionID: root.ID, ParentExecutionID: root.ID, ExecutionDepth: 1,
	})
	time.Sleep(5 * time.Millisecond)
	c2 := mustCreate(t, s, store.Params{
		FlowID: "flow-1", RootExecutionID: root.ID, ParentExecutionID: root.ID, ExecutionDepth: 1,
	})
	mustCreate(t, s, store.Params{
		FlowID: "flow-1", RootExecutionID: root.ID, ParentExecutionID: c1.ID, ExecutionDepth: 2,
	})

	children, err := s.ChildExecutions(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, c1.ID, children[0].ID)
	assert.Equal(t, c2.ID, children[1].ID)

	entries, err := s.ExecutionTree(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, root.ID, entries[0].ID)
	assert.Equal(t, 0, entries[0].Level)
	assert.Equal(t, 2, entries[3].Level)
}

func TestPostgresClaims(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()
	e := mustCreate(t, s, store.Params{FlowID: "flow-1"})

	ok, err := s.AcquireClaim(ctx, e.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireClaim(ctx, e.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.HeartbeatClaims(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.ReleaseClaim(ctx, e.ID))
	ok, err = s.AcquireClaim(ctx, e.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresExpireStaleClaims(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()
	stale := mustCreate(t, s, store.Params{FlowID: "flow-1"})
	live := mustCreate(t, s, store.Params{FlowID: "flow-1"})

	ok, err := s.AcquireClaim(ctx, stale.ID, "worker-a", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.AcquireClaim(ctx, live.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := s.ExpireStaleClaims(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, ids)

	ids, err = s.ExpireStaleClaims(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPostgresFailureBookkeeping(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()
	e := mustCreate(t, s, store.Params{FlowID: "flow-1"})

	require.NoError(t, s.MarkProcessing(ctx, e.ID, "worker-a"))

	n, err := s.RecordFailure(ctx, e.ID, "worker crashed")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", got.ProcessingWorkerID)
	assert.Equal(t, 1, got.FailureCount)
	assert.Equal(t, "worker crashed", got.LastFailureReason)

	require.NoError(t, s.Delete(ctx, e.ID))
	_, err = s.Get(ctx, e.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
