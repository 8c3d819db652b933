package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/faceverify/internal/model"
	"github.com/andresmejia3/faceverify/internal/nn"
	"github.com/andresmejia3/faceverify/internal/types"
	"github.com/andresmejia3/faceverify/internal/verify"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("faceverify_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Test Scenarios ---

	if _, err := s.LatestCheckpoint(ctx); !errors.Is(err, types.ErrCheckpointMissing) {
		t.Errorf("Expected ErrCheckpointMissing on empty store, got %v", err)
	}

	arch := nn.Architecture{
		Version:      nn.ArchitectureVersion,
		InputSize:    12,
		Channels:     3,
		Blocks:       []nn.ConvBlock{{Filters: 2, Kernel: 3}, {Filters: 3, Kernel: 3}},
		EmbeddingDim: 4,
	}
	net, err := nn.NewSiamese(arch, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewSiamese failed: %v", err)
	}
	opt := nn.NewAdam(1e-4)

	for _, epoch := range []int{10, 20} {
		c := model.NewCheckpoint("run-a", epoch, net, opt)
		c.DatasetSeed = 4242
		if err := s.SaveCheckpoint(ctx, c); err != nil {
			t.Fatalf("SaveCheckpoint epoch %d failed: %v", epoch, err)
		}
	}
	// Saving the same epoch again replaces it.
	again := model.NewCheckpoint("run-a", 20, net, opt)
	again.DatasetSeed = 4242
	if err := s.SaveCheckpoint(ctx, again); err != nil {
		t.Fatalf("SaveCheckpoint overwrite failed: %v", err)
	}

	infos, err := s.ListCheckpoints(ctx)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("Expected 2 checkpoints, got %d", len(infos))
	}
	if infos[0].Epoch != 20 || infos[0].Size <= 0 || infos[0].DatasetSeed != 4242 {
		t.Errorf("Expected newest checkpoint epoch 20 with data and seed 4242, got %+v", infos[0])
	}

	latest, err := s.LatestCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LatestCheckpoint failed: %v", err)
	}
	if latest.RunID != "run-a" || latest.Epoch != 20 || latest.DatasetSeed != 4242 {
		t.Errorf("Expected run-a epoch 20 seed 4242, got %s epoch %d seed %d", latest.RunID, latest.Epoch, latest.DatasetSeed)
	}

	restored, err := nn.NewSiamese(latest.Architecture, nil)
	if err != nil {
		t.Fatalf("NewSiamese from checkpoint failed: %v", err)
	}
	if err := model.Restore(restored, latest.Params); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	first, err := s.LoadCheckpoint(ctx, "run-a", 10)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if first.Epoch != 10 {
		t.Errorf("Expected epoch 10, got %d", first.Epoch)
	}

	if _, err := s.LoadCheckpoint(ctx, "run-a", 30); !errors.Is(err, types.ErrCheckpointMissing) {
		t.Errorf("Expected ErrCheckpointMissing for unknown epoch, got %v", err)
	}

	res := verify.Decide([]float64{0.9, 0.8, 0.1}, 0.5, 0.5)
	id, err := s.RecordVerification(ctx, "live.jpg", res, 0.5, 0.5)
	if err != nil {
		t.Fatalf("RecordVerification failed: %v", err)
	}
	if id <= 0 {
		t.Errorf("Expected positive audit ID, got %d", id)
	}

	entries, err := s.RecentVerifications(ctx, 10)
	if err != nil {
		t.Fatalf("RecentVerifications failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Detections != 2 || !entries[0].Verified || entries[0].Gallery != 3 {
		t.Errorf("Unexpected audit entries: %+v", entries)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
