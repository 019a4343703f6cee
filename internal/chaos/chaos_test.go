package chaos_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librashelf/internal/catalog"
	"librashelf/internal/chaos"
	"librashelf/internal/circulation"
	"librashelf/internal/clients"
	"librashelf/internal/retry"
	"librashelf/internal/server"
	"librashelf/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLibrary(t *testing.T) *clients.Client {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := quietLogger()

	books, err := catalog.NewService(store, logger, retry.WithBaseDelay(0), retry.WithMaxAttempts(10))
	require.NoError(t, err)
	borrows, err := circulation.NewService(store, store, storage.NewMemoryGuard(), logger, retry.WithBaseDelay(0), retry.WithMaxAttempts(10))
	require.NoError(t, err)

	srv := httptest.NewServer(server.NewRouter(
		catalog.NewHandler(books, logger),
		circulation.NewHandler(borrows, nil, logger),
		store,
		logger,
	))
	t.Cleanup(srv.Close)
	return clients.NewClient(srv.URL)
}

var smallRace = chaos.RaceConfig{Copies: 5, Borrowers: 15, Duration: 5 * time.Second}

func runExperiment(t *testing.T, exp chaos.Experiment) *chaos.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := chaos.NewEngine(quietLogger()).Run(ctx, exp)
	require.NoError(t, err)
	assert.True(t, result.SteadyStateValid)
	assert.Empty(t, result.FailedAssertions)
	assert.True(t, result.HypothesisHeld)
	for _, event := range result.ErrorEvents {
		assert.NotContains(t, []string{"catalog", "circulation"}, event.Component, event.Error)
	}
	return result
}

func TestConcurrentBorrowRace(t *testing.T) {
	lib := newLibrary(t)
	result := runExperiment(t, chaos.ConcurrentBorrowRace(lib, smallRace))

	final := result.Observations["stock_drift"]
	require.NotEmpty(t, final)
	assert.Zero(t, final[len(final)-1].Value)

	books, err := lib.ListBooks(context.Background(), catalog.ListQuery{})
	require.NoError(t, err)
	assert.Empty(t, books, "rollback removes the seeded book")
}

func TestRestockDuringBorrows(t *testing.T) {
	runExperiment(t, chaos.RestockDuringBorrows(newLibrary(t), smallRace))
}

func TestIdempotentReplay(t *testing.T) {
	lib := newLibrary(t)
	exp := chaos.IdempotentReplay(lib, 10)

	runExperiment(t, exp)
	// Setup picks a fresh key, so the experiment can be repeated.
	runExperiment(t, exp)
}

func TestRun_AbortsOnInvalidSteadyState(t *testing.T) {
	var rolledBack bool
	exp := chaos.Experiment{
		Name: "broken-precondition",
		SteadyState: []chaos.Metric{{
			Name:      "always_one",
			Query:     func(context.Context) (float64, error) { return 1, nil },
			Threshold: chaos.Threshold{Operator: "==", Value: 0},
		}},
		Rollback: []chaos.Action{{
			Type: "mark",
			Execute: func(context.Context) error {
				rolledBack = true
				return nil
			},
		}},
		Duration: time.Second,
	}

	result, err := chaos.NewEngine(quietLogger()).Run(context.Background(), exp)
	assert.ErrorIs(t, err, chaos.ErrSteadyStateInvalid)
	assert.False(t, result.SteadyStateValid)
	assert.Len(t, result.Violations, 1)
	assert.True(t, rolledBack)
}

func TestRun_FailedSetupStops(t *testing.T) {
	errSeed := errors.New("seed failed")
	exp := chaos.Experiment{
		Name:  "no-setup",
		Setup: []chaos.Action{{Type: "seed", Execute: func(context.Context) error { return errSeed }}},
	}

	_, err := chaos.NewEngine(quietLogger()).Run(context.Background(), exp)
	assert.ErrorIs(t, err, errSeed)
}

func TestExecuteGameDay_ReportsViolatedHypothesis(t *testing.T) {
	engine := chaos.NewEngine(quietLogger())
	var value atomic.Int64
	metric := chaos.Metric{
		Name:      "value",
		Query:     func(context.Context) (float64, error) { return float64(value.Load()), nil },
		Threshold: chaos.Threshold{Operator: "<=", Value: 1},
	}
	engine.Register(chaos.Experiment{
		Name:        "holds",
		SteadyState: []chaos.Metric{metric},
		Validation:  []chaos.Assertion{{Metric: "value", Condition: func(v float64) bool { return v == 0 }}},
		Duration:    time.Second,
	})
	engine.Register(chaos.Experiment{
		Name:        "breaks",
		SteadyState: []chaos.Metric{metric},
		Method: []chaos.Action{{Type: "bump", Execute: func(context.Context) error {
			value.Store(1)
			return nil
		}}},
		Validation: []chaos.Assertion{{Metric: "value", Condition: func(v float64) bool { return v == 0 }, Message: "value stays zero"}},
		Duration:   time.Second,
	})

	held, err := engine.ExecuteGameDay(context.Background(), chaos.GameDay{Name: "test", Scenarios: engine.Experiments()})
	require.NoError(t, err)
	assert.False(t, held)

	results := engine.Results()
	require.Len(t, results, 2)
	assert.True(t, results[0].HypothesisHeld)
	assert.False(t, results[1].HypothesisHeld)
	assert.Equal(t, []string{"value stays zero"}, results[1].FailedAssertions)
}
