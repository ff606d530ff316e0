//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/estate-sync/internal/testutil"
	"github.com/Sternrassler/estate-sync/pkg/boundary"
	"github.com/Sternrassler/estate-sync/pkg/cache"
	"github.com/Sternrassler/estate-sync/pkg/checkpoint"
	"github.com/Sternrassler/estate-sync/pkg/client"
	"github.com/Sternrassler/estate-sync/pkg/model"
	"github.com/Sternrassler/estate-sync/pkg/ratelimit"
	"github.com/Sternrassler/estate-sync/pkg/refresh"
	"github.com/Sternrassler/estate-sync/pkg/store"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, container)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisClient := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = redisClient.Close() })
	return redisClient
}

type pipeline struct {
	api     *testutil.MockAPI
	store   *store.Postgres
	redis   *redis.Client
	orch    *refresh.Orchestrator
	tracker *checkpoint.Tracker
}

func setupPipeline(t *testing.T, props ...testutil.PropertyFixture) *pipeline {
	t.Helper()

	api := testutil.NewMockAPI(props...)
	t.Cleanup(api.Close)

	pl := &pipeline{
		api:   api,
		store: store.SetupTestPostgres(t),
		redis: setupRedis(t),
	}

	rlTracker := ratelimit.NewTracker(pl.redis, zerolog.Nop())
	limiter, err := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 500, Burst: 20, MaxWait: 10 * time.Second}, rlTracker)
	require.NoError(t, err)

	cfg := client.DefaultConfig(limiter)
	cfg.BaseURL = api.URL()
	cfg.PerPage = 10
	cfg.Tracker = rlTracker
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 10 * time.Millisecond
	apiClient, err := client.New(cfg)
	require.NoError(t, err)

	persister, err := checkpoint.NewRedisPersister(pl.redis)
	require.NoError(t, err)
	pl.tracker, err = checkpoint.NewTracker(persister, "redis", zerolog.Nop())
	require.NoError(t, err)

	counts, err := cache.NewManager(pl.redis, time.Minute)
	require.NoError(t, err)

	scope, err := boundary.New([]boundary.Municipality{
		{Code: 157, Name: "Gentofte", ZipCodes: []int{2820, 2900, 2920}},
		{Code: 163, Name: "Herlev", ZipCodes: []int{2730}},
	})
	require.NoError(t, err)

	pl.orch, err = refresh.New(refresh.Config{
		Store:        pl.store,
		Fetcher:      apiClient,
		Boundaries:   scope,
		CountCache:   counts,
		Checkpoints:  pl.tracker,
		Limiter:      limiter,
		Ceiling:      35,
		AddressTypes: []string{"villa"},
		Workers:      4,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return pl
}

func fixtures() []testutil.PropertyFixture {
	var props []testutil.PropertyFixture
	props = append(props, testutil.GenerateProperties("Gentofte", 157, 2820, 10)...)
	props = append(props, testutil.GenerateProperties("Gentofte", 157, 2900, 30)...)
	props = append(props, testutil.GenerateProperties("Herlev", 163, 2730, 5)...)
	return props
}

// TestPipeline_DiscoverThenRefresh runs discovery into Postgres, sells a
// listing upstream and checks refresh-active finds it through the stored
// open case and closes it in place.
func TestPipeline_DiscoverThenRefresh(t *testing.T) {
	pl := setupPipeline(t, fixtures()...)
	ctx := context.Background()

	s, err := pl.orch.Run(ctx, refresh.RunConfig{Policy: refresh.PolicyDiscoverNew})
	require.NoError(t, err)
	require.Equal(t, refresh.StateCompleted, s.Status, s.Error)
	assert.Equal(t, 45, s.Counts.Inserted)
	assert.Equal(t, 3, s.Counts.ItemsTotal)

	before, err := pl.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(45), before.Properties)

	// The detail documents add fields the search records lack.
	s, err = pl.orch.Run(ctx, refresh.RunConfig{Policy: refresh.PolicyRefreshAll})
	require.NoError(t, err)
	assert.Equal(t, 0, s.Counts.Inserted)
	assert.Equal(t, 16, s.Counts.Updated)

	// Idempotent: the same records again change nothing.
	s, err = pl.orch.Run(ctx, refresh.RunConfig{Policy: refresh.PolicyRefreshAll})
	require.NoError(t, err)
	assert.Equal(t, 0, s.Counts.Updated)
	assert.Equal(t, 16, s.Counts.Unchanged)

	sold := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	pl.api.Update("2900-0003", func(p *testutil.PropertyFixture) {
		p.OnMarket = false
		p.Cases[0].Status = "sold"
		p.Cases[0].Sold = &sold
	})
	searches := len(pl.api.SearchQueries())

	s, err = pl.orch.Run(ctx, refresh.RunConfig{Policy: refresh.PolicyRefreshActive})
	require.NoError(t, err)
	assert.Equal(t, refresh.StateCompleted, s.Status, s.Error)
	assert.Equal(t, 1, s.Counts.Updated)
	assert.Equal(t, 15, s.Counts.Unchanged)
	assert.Len(t, pl.api.SearchQueries(), searches, "refresh-active searched upstream")

	after, err := pl.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Properties, after.Properties)
	assert.Equal(t, before.Cases, after.Cases)
	assert.Equal(t, before.OpenCases-1, after.OpenCases)

	g, err := pl.store.LoadGraph(ctx, "2900-0003")
	require.NoError(t, err)
	require.Len(t, g.Cases, 1)
	assert.Equal(t, model.CaseSold, g.Cases[0].Status)
	assert.NotNil(t, g.Cases[0].ClosedAt)
}

// TestPipeline_TransientErrorsRetried injects three 503s; the page is
// fetched after retrying and no item fails.
func TestPipeline_TransientErrorsRetried(t *testing.T) {
	pl := setupPipeline(t, testutil.GenerateProperties("Herlev", 163, 2730, 5)...)
	pl.api.FailNext("/search/addresses", http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusServiceUnavailable)

	s, err := pl.orch.Run(context.Background(), refresh.RunConfig{
		Policy:         refresh.PolicyDiscoverNew,
		Municipalities: []string{"Herlev"},
	})
	require.NoError(t, err)
	assert.Equal(t, refresh.StateCompleted, s.Status)
	assert.Equal(t, 0, s.Counts.ItemsFailed)
	assert.Equal(t, 5, s.Counts.Inserted)
}

// TestPipeline_ResumeFromRedisCheckpoint cancels a run after the first
// item and resumes it from the Redis checkpoint.
func TestPipeline_ResumeFromRedisCheckpoint(t *testing.T) {
	pl := setupPipeline(t, fixtures()...)
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel once planning is done and the first item has been dispatched.
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if s, ok := pl.orch.Active(); ok && s.Counts.ItemsCompleted >= 1 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	s, err := pl.orch.Run(ctx, refresh.RunConfig{Policy: refresh.PolicyDiscoverNew, Workers: 1})
	require.NoError(t, err)
	if s.Status == refresh.StateCompleted {
		t.Skip("run finished before it could be cancelled")
	}
	require.Equal(t, refresh.StateCancelled, s.Status)

	done, err := pl.tracker.Completed(context.Background(), s.RunID)
	require.NoError(t, err)
	assert.Equal(t, s.Counts.ItemsCompleted, len(done))

	resumed, err := pl.orch.Resume(context.Background(), s.RunID)
	require.NoError(t, err)
	assert.Equal(t, s.RunID, resumed.RunID)
	assert.Equal(t, refresh.StateCompleted, resumed.Status)
	assert.Equal(t, 3, resumed.Counts.ItemsCompleted)

	keys, err := pl.store.ExistingKeys(context.Background(), []string{"2820-0000", "2900-0029", "2730-0004"})
	require.NoError(t, err)
	for _, k := range []string{"2820-0000", "2900-0029", "2730-0004"} {
		assert.True(t, keys[k], "property %s not stored", k)
	}
}
