package services

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper deletes expired challenges, QR challenges and sessions, so storage
// stays bounded even when nothing reads the stale rows.
type Sweeper struct {
	challenges ChallengeStore
	sessions   SessionStore
	qr         QRStore
	interval   time.Duration
	qrGrace    time.Duration // завершённые QR ещё видны опросу
	log        *zap.Logger
	now        func() time.Time
}

func NewSweeper(challenges ChallengeStore, sessions SessionStore, qr QRStore, interval, qrGrace time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		challenges: challenges,
		sessions:   sessions,
		qr:         qr,
		interval:   interval,
		qrGrace:    qrGrace,
		log:        log,
		now:        time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	challenges, err := s.challenges.DeleteExpired(ctx, now)
	if err != nil {
		s.log.Error("sweep challenges failed", zap.Error(err))
	}
	sessions, err := s.sessions.DeleteExpired(ctx, now)
	if err != nil {
		s.log.Error("sweep sessions failed", zap.Error(err))
	}
	qr, err := s.qr.DeleteExpired(ctx, now.Add(-s.qrGrace))
	if err != nil {
		s.log.Error("sweep qr challenges failed", zap.Error(err))
	}

	if challenges+sessions+qr > 0 {
		s.log.Info("sweep done",
			zap.Int64("challenges", challenges),
			zap.Int64("sessions", sessions),
			zap.Int64("qr_challenges", qr),
		)
	}
}
