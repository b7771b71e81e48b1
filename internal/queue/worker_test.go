package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRunner struct {
	mu       sync.Mutex
	claimed  map[uuid.UUID]bool
	executed chan uuid.UUID
	block    chan struct{}
	running  atomic.Int32
	peak     atomic.Int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		claimed:  make(map[uuid.UUID]bool),
		executed: make(chan uuid.UUID, 16),
	}
}

// Claim mimics the conditional lease: second claim of the same id gets nothing.
func (r *fakeRunner) Claim(ctx context.Context, id uuid.UUID) (*models.OnboardRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed[id] {
		return nil, nil
	}
	r.claimed[id] = true
	return &models.OnboardRequest{ID: id, Status: models.OnboardStatusCommitting}, nil
}

func (r *fakeRunner) Execute(ctx context.Context, req *models.OnboardRequest) {
	n := r.running.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	r.running.Add(-1)
	r.executed <- req.ID
}

func newPubSub() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{Persistent: true}, NewLogger(zap.NewNop()))
}

func startWorker(t *testing.T, ps *gochannel.GoChannel, runner Runner, concurrency int) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(ps, runner, concurrency, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = ps.Close()
	})
	return cancel, done
}

func waitExecuted(t *testing.T, ch <-chan uuid.UUID) uuid.UUID {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("job was not executed")
		return uuid.Nil
	}
}

func TestWorker_RunsDispatchedJobs(t *testing.T) {
	ps := newPubSub()
	runner := newFakeRunner()
	startWorker(t, ps, runner, 2)

	d := NewDispatcher(ps, zap.NewNop())
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, d.Dispatch(context.Background(), id))
	}

	got := map[uuid.UUID]bool{}
	for range ids {
		got[waitExecuted(t, runner.executed)] = true
	}
	for _, id := range ids {
		require.True(t, got[id], "job %s not executed", id)
	}
}

func TestWorker_DuplicateDeliveryRunsOnce(t *testing.T) {
	ps := newPubSub()
	runner := newFakeRunner()
	startWorker(t, ps, runner, 4)

	d := NewDispatcher(ps, zap.NewNop())
	id := uuid.New()
	require.NoError(t, d.Dispatch(context.Background(), id))
	require.NoError(t, d.Dispatch(context.Background(), id))

	require.Equal(t, id, waitExecuted(t, runner.executed))
	select {
	case again := <-runner.executed:
		t.Fatalf("job %s executed twice", again)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWorker_SkipsMalformedMessage(t *testing.T) {
	ps := newPubSub()
	runner := newFakeRunner()
	startWorker(t, ps, runner, 1)

	require.NoError(t, ps.Publish(TopicOnboardJobs, message.NewMessage(watermill.NewUUID(), []byte("not json"))))

	id := uuid.New()
	require.NoError(t, NewDispatcher(ps, zap.NewNop()).Dispatch(context.Background(), id))
	require.Equal(t, id, waitExecuted(t, runner.executed))
}

func TestWorker_ConcurrencyLimit(t *testing.T) {
	ps := newPubSub()
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	startWorker(t, ps, runner, 2)

	d := NewDispatcher(ps, zap.NewNop())
	for i := 0; i < 4; i++ {
		require.NoError(t, d.Dispatch(context.Background(), uuid.New()))
	}

	require.Eventually(t, func() bool { return runner.running.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 2, runner.running.Load())

	close(runner.block)
	for i := 0; i < 4; i++ {
		waitExecuted(t, runner.executed)
	}
	require.EqualValues(t, 2, runner.peak.Load())
}

func TestWorker_ShutdownWaitsForInFlight(t *testing.T) {
	ps := newPubSub()
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	cancel, done := startWorker(t, ps, runner, 1)

	require.NoError(t, NewDispatcher(ps, zap.NewNop()).Dispatch(context.Background(), uuid.New()))
	require.Eventually(t, func() bool { return runner.running.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	// Execute saw the cancelled context and returned before Run did
	require.EqualValues(t, 0, runner.running.Load())
}
