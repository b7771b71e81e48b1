package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	TopicOnboardJobs     = "onboard.jobs"
	ConsumerGroupOnboard = "onboard-workers"
)

// Job is the message body. The row in onboard_requests carries the state,
// the message only says which row to look at.
type Job struct {
	OnboardID uuid.UUID `json:"onboardId"`
}

type Dispatcher struct {
	publisher message.Publisher
	log       *zap.Logger
}

func NewDispatcher(publisher message.Publisher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{publisher: publisher, log: log.Named("dispatcher")}
}

func (d *Dispatcher) Dispatch(ctx context.Context, id uuid.UUID) error {
	payload, err := json.Marshal(Job{OnboardID: id})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := d.publisher.Publish(TopicOnboardJobs, msg); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", id, err)
	}
	d.log.Debug("onboard job dispatched", zap.String("onboard_id", id.String()))
	return nil
}
