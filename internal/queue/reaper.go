package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	StaleLeaseReason = "interrupted: worker lease expired"
	redispatchBatch  = 100
)

type ReaperStore interface {
	ListUnclaimed(ctx context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error)
	FailStale(ctx context.Context, claimedBefore, now time.Time, reason string) ([]uuid.UUID, error)
}

type JobDispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) error
}

// Reaper closes the gaps the stream cannot: rows whose worker died mid-run are
// failed (the retry endpoint resumes them), rows whose job message never made
// it are dispatched again.
type Reaper struct {
	store      ReaperStore
	dispatcher JobDispatcher
	staleAfter time.Duration
	interval   time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func NewReaper(store ReaperStore, dispatcher JobDispatcher, staleAfter, interval time.Duration, log *zap.Logger) *Reaper {
	return &Reaper{
		store:      store,
		dispatcher: dispatcher,
		staleAfter: staleAfter,
		interval:   interval,
		log:        log.Named("reaper"),
		now:        time.Now,
	}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one pass and reports how many rows it failed and re-dispatched.
func (r *Reaper) Tick(ctx context.Context) (failed, dispatched int) {
	now := r.now()

	ids, err := r.store.FailStale(ctx, now.Add(-r.staleAfter), now, StaleLeaseReason)
	if err != nil {
		r.log.Error("failed to fail stale onboard requests", zap.Error(err))
	}
	for _, id := range ids {
		r.log.Warn("onboard request lease expired", zap.String("onboard_id", id.String()))
	}
	failed = len(ids)

	// всё, что создано меньше interval назад, ещё может быть в пути
	pending, err := r.store.ListUnclaimed(ctx, now.Add(-r.interval), redispatchBatch)
	if err != nil {
		r.log.Error("failed to list unclaimed onboard requests", zap.Error(err))
		return failed, 0
	}
	for _, id := range pending {
		if err := r.dispatcher.Dispatch(ctx, id); err != nil {
			r.log.Error("failed to re-dispatch onboard request", zap.String("onboard_id", id.String()), zap.Error(err))
			continue
		}
		dispatched++
	}
	if failed > 0 || dispatched > 0 {
		r.log.Info("reaper pass", zap.Int("failed", failed), zap.Int("dispatched", dispatched))
	}
	return failed, dispatched
}
