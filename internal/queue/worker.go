package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner owns the onboarding phases. Claim returns (nil, nil) when the row is
// not runnable (duplicate delivery, already claimed, terminal).
type Runner interface {
	Claim(ctx context.Context, id uuid.UUID) (*models.OnboardRequest, error)
	Execute(ctx context.Context, req *models.OnboardRequest)
}

// Worker consumes onboard.jobs. The message is acked as soon as the lease is
// taken: from then on the row, not the stream, tracks progress, and a crash
// mid-pipeline is picked up by the Reaper instead of a redelivery.
type Worker struct {
	subscriber message.Subscriber
	runner     Runner
	slots      chan struct{}
	nackDelay  time.Duration
	wg         sync.WaitGroup
	log        *zap.Logger
}

func NewWorker(subscriber message.Subscriber, runner Runner, concurrency int, log *zap.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		subscriber: subscriber,
		runner:     runner,
		slots:      make(chan struct{}, concurrency),
		nackDelay:  time.Second,
		log:        log.Named("worker"),
	}
}

// Run blocks until ctx is cancelled or the subscription closes, then waits for
// in-flight pipelines. Cancelling ctx aborts their polls; their leases go stale.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.subscriber.Subscribe(ctx, TopicOnboardJobs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicOnboardJobs, err)
	}
	w.log.Info("onboard worker started", zap.Int("concurrency", cap(w.slots)))

	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if !w.acquire(ctx) {
				msg.Nack()
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) acquire(ctx context.Context) bool {
	select {
	case w.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) release() { <-w.slots }

func (w *Worker) handle(ctx context.Context, msg *message.Message) {
	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil || job.OnboardID == uuid.Nil {
		// битое сообщение повторять бессмысленно
		w.log.Error("dropping malformed onboard job", zap.String("message_id", msg.UUID), zap.ByteString("payload", msg.Payload))
		msg.Ack()
		w.release()
		return
	}

	req, err := w.runner.Claim(ctx, job.OnboardID)
	if err != nil {
		w.log.Error("failed to claim onboard request", zap.String("onboard_id", job.OnboardID.String()), zap.Error(err))
		w.release()
		select {
		case <-time.After(w.nackDelay):
		case <-ctx.Done():
		}
		msg.Nack()
		return
	}
	msg.Ack()

	if req == nil {
		w.release()
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.release()
		w.runner.Execute(ctx, req)
	}()
}
