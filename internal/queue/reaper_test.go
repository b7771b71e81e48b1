package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/autobb888/verus-agent-platform/internal/repositories"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

func TestReaper_Tick(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewMemoryOnboardRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newRow := func(name string, createdAt time.Time) uuid.UUID {
		o := &models.OnboardRequest{
			ID:        uuid.New(),
			Name:      name,
			Address:   "RAddr" + name,
			Status:    models.OnboardStatusPending,
			CreatedAt: createdAt,
		}
		require.NoError(t, repo.Create(ctx, o))
		return o.ID
	}

	// lost dispatch: pending, never claimed, old enough
	lost := newRow("lost", now.Add(-10*time.Minute))
	// just created, its message may still be in flight
	fresh := newRow("fresh", now.Add(-10*time.Second))
	// worker died holding the lease
	stale := newRow("stale", now.Add(-2*time.Hour))
	_, err := repo.Claim(ctx, stale, now.Add(-time.Hour))
	require.NoError(t, err)
	// worker alive, lease recent
	busy := newRow("busy", now.Add(-2*time.Hour))
	_, err = repo.Claim(ctx, busy, now.Add(-time.Minute))
	require.NoError(t, err)

	disp := &recordingDispatcher{}
	r := NewReaper(repo, disp, 30*time.Minute, time.Minute, zap.NewNop())
	r.now = func() time.Time { return now }

	failed, dispatched := r.Tick(ctx)
	require.Equal(t, 1, failed)
	require.Equal(t, 1, dispatched)
	require.Equal(t, []uuid.UUID{lost}, disp.ids)

	got, err := repo.GetByID(ctx, stale)
	require.NoError(t, err)
	require.Equal(t, models.OnboardStatusFailed, got.Status)
	require.Equal(t, StaleLeaseReason, *got.Error)
	require.Nil(t, got.ClaimedAt)

	got, err = repo.GetByID(ctx, busy)
	require.NoError(t, err)
	require.Equal(t, models.OnboardStatusCommitting, got.Status)

	got, err = repo.GetByID(ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, models.OnboardStatusPending, got.Status)
}
