package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/config"
	"github.com/autobb888/verus-agent-platform/internal/events"
	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/autobb888/verus-agent-platform/internal/repositories"
	"github.com/autobb888/verus-agent-platform/internal/verus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OnboardPipeline runs the on-chain phases of one request:
//
//	committing → confirming → (register) → (resolve) → registered → (fund)
//
// A worker first takes the lease with Claim and then calls Execute; the same
// request is never executed twice at once. Failures end in status failed with
// the error text; nothing is retried automatically.
type OnboardPipeline struct {
	repo      OnboardStore
	ledger    Ledger
	auditRepo AuditStore
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewOnboardPipeline(
	repo OnboardStore,
	ledger Ledger,
	auditRepo AuditStore,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *OnboardPipeline {
	return &OnboardPipeline{
		repo:      repo,
		ledger:    ledger,
		auditRepo: auditRepo,
		publisher: publisher,
		cfg:       cfg,
		log:       log.Named("onboard"),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Claim takes the lease. (nil, nil) means someone else owns the request or it
// is not in a runnable state: the delivery is a duplicate.
func (p *OnboardPipeline) Claim(ctx context.Context, id uuid.UUID) (*models.OnboardRequest, error) {
	req, err := p.repo.Claim(ctx, id, p.now())
	if errors.Is(err, repositories.ErrNotFound) {
		p.log.Debug("onboard request not claimable", zap.String("onboard_id", id.String()))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim onboard request %s: %w", id, err)
	}
	return req, nil
}

// Execute runs the remaining phases of a claimed request. Errors and panics are
// recorded on the row. A cancelled ctx (shutdown) leaves the lease in place;
// the reaper fails the row once the lease goes stale.
func (p *OnboardPipeline) Execute(ctx context.Context, req *models.OnboardRequest) {
	log := p.log.With(zap.String("onboard_id", req.ID.String()), zap.String("name", req.Name))

	defer func() {
		if r := recover(); r != nil {
			log.Error("onboard pipeline panic", zap.Any("panic", r))
			p.fail(req, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := p.execute(ctx, req, log); err != nil {
		if ctx.Err() != nil {
			log.Warn("onboard pipeline interrupted", zap.Error(err))
			return
		}
		log.Error("onboard pipeline failed", zap.Error(err))
		p.fail(req, err.Error())
	}
}

func (p *OnboardPipeline) execute(ctx context.Context, req *models.OnboardRequest, log *zap.Logger) error {
	fullName := FullIdentityName(req.Name, p.cfg.OnboardParent)

	// committing
	if req.Status == models.OnboardStatusCommitting {
		nc, err := p.ledger.RegisterNameCommitment(ctx, req.Name, req.Address, p.cfg.OnboardReferral, p.cfg.OnboardParent)
		if err != nil {
			return fmt.Errorf("name commitment failed: %w", err)
		}
		if err := p.repo.SaveCommitment(ctx, req.ID, nc.TxID, nc.NameReservation, p.now()); err != nil {
			return fmt.Errorf("save commitment %s: %w", nc.TxID, err)
		}
		req.CommitmentTxID = &nc.TxID
		req.CommitmentPayload = nc.NameReservation
		req.Status = models.OnboardStatusConfirming
		log.Info("name commitment submitted", zap.String("txid", nc.TxID))
		p.publishStatus(ctx, req.ID, models.OnboardStatusConfirming)
	}

	if req.Status != models.OnboardStatusConfirming {
		return fmt.Errorf("unexpected status %s", req.Status)
	}
	if req.CommitmentTxID == nil || len(req.CommitmentPayload) == 0 {
		return fmt.Errorf("commitment data missing, cannot register")
	}

	// register (skipped when a previous attempt already got a txid)
	if req.RegisterTxID == nil {
		if err := p.waitConfirmed(ctx, *req.CommitmentTxID); err != nil {
			return err
		}

		txid, err := p.ledger.RegisterIdentity(ctx,
			verus.NameCommitment{TxID: *req.CommitmentTxID, NameReservation: req.CommitmentPayload},
			verus.IdentityDefinition{
				Name:              req.Name,
				Parent:            p.cfg.OnboardParent,
				PrimaryAddresses:  []string{req.Address},
				MinimumSignatures: 1,
			})
		if err != nil {
			return fmt.Errorf("identity registration failed: %w", err)
		}
		if err := p.repo.SaveRegisterTxID(ctx, req.ID, txid, p.now()); err != nil {
			return fmt.Errorf("save register txid %s: %w", txid, err)
		}
		req.RegisterTxID = &txid
		log.Info("identity registration submitted", zap.String("txid", txid))
	}

	// resolve
	identityAddress, err := p.resolveIdentity(ctx, fullName)
	if err != nil {
		return err
	}

	if err := p.repo.MarkRegistered(ctx, req.ID, identityAddress, p.now()); err != nil {
		return fmt.Errorf("mark registered: %w", err)
	}
	req.Status = models.OnboardStatusRegistered
	req.IdentityAddress = &identityAddress

	idStr := req.ID.String()
	_ = p.auditRepo.Log(ctx, models.AuditLog{
		ActorAddress: &req.Address,
		ActorType:    models.ActorSystem,
		Action:       "onboard_registered",
		EntityType:   "onboard_request",
		EntityID:     &idStr,
		Meta: map[string]any{
			"identity":         fullName,
			"identity_address": identityAddress,
			"register_txid":    *req.RegisterTxID,
		},
	})
	p.publishStatus(ctx, req.ID, models.OnboardStatusRegistered)
	log.Info("identity registered", zap.String("identity_address", identityAddress))

	p.fund(ctx, req, identityAddress, log)
	return nil
}

// waitConfirmed polls until the commitment has one confirmation or the
// confirm timeout passes.
func (p *OnboardPipeline) waitConfirmed(ctx context.Context, txid string) error {
	timeout := p.cfg.OnboardConfirmTimeout
	deadline := p.now().Add(timeout)

	for {
		conf, err := p.ledger.GetConfirmations(ctx, txid)
		if err == nil && conf >= 1 {
			return nil
		}
		if err != nil {
			p.log.Debug("confirmation check failed", zap.String("txid", txid), zap.Error(err))
		}
		if !p.now().Before(deadline) {
			return fmt.Errorf("commitment %s not confirmed within %s", txid, timeout)
		}
		if err := p.sleep(ctx, p.cfg.OnboardPollInterval); err != nil {
			return err
		}
	}
}

// resolveIdentity polls getidentity; on exhaustion it returns the
// pending-lookup sentinel instead of failing the registration.
func (p *OnboardPipeline) resolveIdentity(ctx context.Context, fullName string) (string, error) {
	attempts := p.cfg.OnboardLookupAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		id, err := p.ledger.GetIdentity(ctx, fullName)
		if err == nil && verus.IsIAddress(id.Identity.IdentityAddress) {
			return id.Identity.IdentityAddress, nil
		}
		if i < attempts {
			if err := p.sleep(ctx, p.cfg.OnboardLookupInterval); err != nil {
				return "", err
			}
		}
	}
	p.log.Warn("identity not visible yet", zap.String("identity", fullName), zap.Int("attempts", attempts))
	return models.IdentityPendingLookup, nil
}

// fund is best effort: failures are logged, registration stands.
func (p *OnboardPipeline) fund(ctx context.Context, req *models.OnboardRequest, identityAddress string, log *zap.Logger) {
	amount := p.cfg.OnboardFundAmount
	if !amount.IsPositive() {
		return
	}
	if identityAddress == models.IdentityPendingLookup {
		log.Warn("funding skipped, identity address unknown")
		return
	}

	txid, err := p.ledger.SendToAddress(ctx, identityAddress, amount)
	if err != nil {
		log.Warn("funding failed", zap.String("amount", amount.String()), zap.Error(err))
		return
	}
	if err := p.repo.SaveFunding(ctx, req.ID, amount.String(), p.now()); err != nil {
		log.Warn("failed to record funding", zap.String("txid", txid), zap.Error(err))
		return
	}
	amt := amount.String()
	req.FundedAmount = &amt
	log.Info("identity funded", zap.String("txid", txid), zap.String("amount", amt))
}

func (p *OnboardPipeline) fail(req *models.OnboardRequest, reason string) {
	// контекст воркера мог быть отменён, а ошибку записать нужно
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.repo.MarkFailed(ctx, req.ID, reason, p.now()); err != nil {
		p.log.Error("failed to mark onboard request failed", zap.String("onboard_id", req.ID.String()), zap.Error(err))
		return
	}

	idStr := req.ID.String()
	_ = p.auditRepo.Log(ctx, models.AuditLog{
		ActorType:  models.ActorSystem,
		Action:     "onboard_failed",
		EntityType: "onboard_request",
		EntityID:   &idStr,
		Meta:       map[string]any{"error": reason, "name": req.Name},
	})
	p.publishStatus(ctx, req.ID, models.OnboardStatusFailed)
}

func (p *OnboardPipeline) publishStatus(ctx context.Context, id uuid.UUID, status string) {
	_ = p.publisher.Publish(ctx, events.StreamOnboard, events.Event{
		Type:    events.EventOnboardStatusChanged,
		Payload: map[string]any{"onboard_id": id.String(), "status": status},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
