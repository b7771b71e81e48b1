package repositories

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/google/uuid"
)

// In-memory implementations of the repositories, for tests and single-process
// development without Postgres. Every conditional UPDATE of the SQL repos is
// reproduced under one mutex so the same races resolve the same way.

type MemoryChallengeRepo struct {
	mu   sync.Mutex
	rows map[string]models.LoginChallenge
}

func NewMemoryChallengeRepo() *MemoryChallengeRepo {
	return &MemoryChallengeRepo{rows: make(map[string]models.LoginChallenge)}
}

func (r *MemoryChallengeRepo) Create(ctx context.Context, c *models.LoginChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[c.ID]; ok {
		return ErrDuplicate
	}
	r.rows[c.ID] = *c
	return nil
}

func (r *MemoryChallengeRepo) Claim(ctx context.Context, id string, now time.Time) (*models.LoginChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.Used || !c.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	c.Used = true
	r.rows[id] = c
	return &c, nil
}

func (r *MemoryChallengeRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, c := range r.rows {
		if !c.ExpiresAt.After(now) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

type MemorySessionRepo struct {
	mu   sync.Mutex
	rows map[string]models.Session
}

func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{rows: make(map[string]models.Session)}
}

func (r *MemorySessionRepo) Create(ctx context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[s.ID]; ok {
		return ErrDuplicate
	}
	r.rows[s.ID] = *s
	return nil
}

func (r *MemorySessionRepo) Touch(ctx context.Context, id string, now, expiresAt time.Time) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok || !s.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	s.ExpiresAt = expiresAt
	r.rows[id] = s
	return &s, nil
}

func (r *MemorySessionRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *MemorySessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.rows {
		if !s.ExpiresAt.After(now) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

// Count: число сессий; используется тестами.
func (r *MemorySessionRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type MemoryQRRepo struct {
	mu   sync.Mutex
	rows map[string]models.QRChallenge
}

func NewMemoryQRRepo() *MemoryQRRepo {
	return &MemoryQRRepo{rows: make(map[string]models.QRChallenge)}
}

func (r *MemoryQRRepo) Create(ctx context.Context, q *models.QRChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[q.ID]; ok {
		return ErrDuplicate
	}
	r.rows[q.ID] = *q
	return nil
}

func (r *MemoryQRRepo) GetByID(ctx context.Context, id string) (*models.QRChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &q, nil
}

// transition moves row id to status to when cond holds and the model allows
// the step. ok=false is the "zero rows updated" case.
func (r *MemoryQRRepo) transition(id, to string, cond func(q *models.QRChallenge) bool) (*models.QRChallenge, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.rows[id]
	if !ok || !cond(&q) {
		return nil, false, nil
	}
	if !models.IsValidQRTransition(q.Status, to) {
		return nil, false, ErrInvalidTransition
	}
	q.Status = to
	r.rows[id] = q
	return &q, true, nil
}

func (r *MemoryQRRepo) MarkSigned(ctx context.Context, id, subject string, displayName *string, now time.Time) (bool, error) {
	_, ok, err := r.transition(id, models.QRStatusSigned, func(q *models.QRChallenge) bool {
		if q.Status != models.QRStatusPending || !q.ExpiresAt.After(now) {
			return false
		}
		q.SubjectAddress = &subject
		q.DisplayName = displayName
		return true
	})
	return ok, err
}

func (r *MemoryQRRepo) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	_, ok, err := r.transition(id, models.QRStatusExpired, func(q *models.QRChallenge) bool {
		return (q.Status == models.QRStatusPending || q.Status == models.QRStatusSigned) && q.Expired(now)
	})
	return ok, err
}

func (r *MemoryQRRepo) Complete(ctx context.Context, id string, now time.Time) (*models.QRChallenge, error) {
	q, ok, err := r.transition(id, models.QRStatusCompleted, func(q *models.QRChallenge) bool {
		return q.Status == models.QRStatusSigned && !q.Expired(now)
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return q, nil
}

// Reopen is the rollback of Complete, not a lifecycle step, so it bypasses
// the transition table.
func (r *MemoryQRRepo) Reopen(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.rows[id]
	if !ok || q.Status != models.QRStatusCompleted {
		return ErrNotFound
	}
	q.Status = models.QRStatusSigned
	r.rows[id] = q
	return nil
}

func (r *MemoryQRRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, q := range r.rows {
		if !q.ExpiresAt.After(before) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

type MemoryOnboardRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]models.OnboardRequest
}

func NewMemoryOnboardRepo() *MemoryOnboardRepo {
	return &MemoryOnboardRepo{rows: make(map[uuid.UUID]models.OnboardRequest)}
}

func (r *MemoryOnboardRepo) Create(ctx context.Context, o *models.OnboardRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[o.ID]; ok {
		return ErrDuplicate
	}
	// аналог частичного уникального индекса по name
	for _, other := range r.rows {
		if other.Name == o.Name && !models.IsTerminalOnboardStatus(other.Status) {
			return ErrDuplicate
		}
	}
	o.UpdatedAt = o.CreatedAt
	r.rows[o.ID] = cloneOnboard(*o)
	return nil
}

func (r *MemoryOnboardRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.OnboardRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	o = cloneOnboard(o)
	return &o, nil
}

func (r *MemoryOnboardRepo) NameInUse(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.rows {
		if o.Name == name && o.Status != models.OnboardStatusFailed {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryOnboardRepo) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*models.OnboardRequest, error) {
	var out *models.OnboardRequest
	err := r.update(id, func(o *models.OnboardRequest) bool {
		if o.ClaimedAt != nil || (o.Status != models.OnboardStatusPending && o.Status != models.OnboardStatusConfirming) {
			return false
		}
		if o.Status == models.OnboardStatusPending {
			o.Status = models.OnboardStatusCommitting
		}
		o.ClaimedAt = &now
		o.UpdatedAt = now
		c := cloneOnboard(*o)
		out = &c
		return true
	})
	return out, err
}

func (r *MemoryOnboardRepo) SaveCommitment(ctx context.Context, id uuid.UUID, txid string, payload json.RawMessage, now time.Time) error {
	return r.update(id, func(o *models.OnboardRequest) bool {
		if o.Status != models.OnboardStatusCommitting || o.ClaimedAt == nil {
			return false
		}
		o.CommitmentTxID = &txid
		o.CommitmentPayload = append(json.RawMessage(nil), payload...)
		o.Status = models.OnboardStatusConfirming
		o.ClaimedAt = &now
		o.UpdatedAt = now
		return true
	})
}

func (r *MemoryOnboardRepo) SaveRegisterTxID(ctx context.Context, id uuid.UUID, txid string, now time.Time) error {
	return r.update(id, func(o *models.OnboardRequest) bool {
		if o.Status != models.OnboardStatusConfirming || o.ClaimedAt == nil {
			return false
		}
		o.RegisterTxID = &txid
		o.ClaimedAt = &now
		o.UpdatedAt = now
		return true
	})
}

func (r *MemoryOnboardRepo) MarkRegistered(ctx context.Context, id uuid.UUID, identityAddress string, now time.Time) error {
	return r.update(id, func(o *models.OnboardRequest) bool {
		if o.Status != models.OnboardStatusConfirming {
			return false
		}
		o.Status = models.OnboardStatusRegistered
		o.IdentityAddress = &identityAddress
		o.Error = nil
		o.ClaimedAt = nil
		o.UpdatedAt = now
		return true
	})
}

func (r *MemoryOnboardRepo) SaveFunding(ctx context.Context, id uuid.UUID, amount string, now time.Time) error {
	return r.update(id, func(o *models.OnboardRequest) bool {
		if o.Status != models.OnboardStatusRegistered {
			return false
		}
		o.FundedAmount = &amount
		o.UpdatedAt = now
		return true
	})
}

func (r *MemoryOnboardRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	return r.update(id, func(o *models.OnboardRequest) bool {
		if models.IsTerminalOnboardStatus(o.Status) {
			return false
		}
		o.Status = models.OnboardStatusFailed
		o.Error = &reason
		o.ClaimedAt = nil
		o.UpdatedAt = now
		return true
	})
}

func (r *MemoryOnboardRepo) ResetForRetry(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	err := r.update(id, func(o *models.OnboardRequest) bool {
		if o.Status != models.OnboardStatusFailed || o.CommitmentTxID == nil {
			return false
		}
		o.Status = models.OnboardStatusConfirming
		o.Error = nil
		o.ClaimedAt = nil
		o.UpdatedAt = now
		return true
	})
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (r *MemoryOnboardRepo) ListUnclaimed(ctx context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var rows []models.OnboardRequest
	for _, o := range r.rows {
		if o.ClaimedAt == nil &&
			(o.Status == models.OnboardStatusPending || o.Status == models.OnboardStatusConfirming) &&
			o.UpdatedAt.Before(updatedBefore) {
			rows = append(rows, o)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedAt.Before(rows[j].UpdatedAt) })

	var ids []uuid.UUID
	for i := 0; i < len(rows) && i < limit; i++ {
		ids = append(ids, rows[i].ID)
	}
	return ids, nil
}

func (r *MemoryOnboardRepo) FailStale(ctx context.Context, claimedBefore, now time.Time, reason string) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []uuid.UUID
	for id, o := range r.rows {
		if o.ClaimedAt == nil || !o.ClaimedAt.Before(claimedBefore) {
			continue
		}
		if o.Status != models.OnboardStatusCommitting && o.Status != models.OnboardStatusConfirming {
			continue
		}
		if !models.IsValidOnboardTransition(o.Status, models.OnboardStatusFailed) {
			return ids, ErrInvalidTransition
		}
		o.Status = models.OnboardStatusFailed
		o.Error = &reason
		o.ClaimedAt = nil
		o.UpdatedAt = now
		r.rows[id] = o
		ids = append(ids, id)
	}
	return ids, nil
}

// update applies fn under the lock; fn returning false means the conditional
// UPDATE matched no row.
func (r *MemoryOnboardRepo) update(id uuid.UUID, fn func(o *models.OnboardRequest) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	from := o.Status
	o = cloneOnboard(o)
	if !fn(&o) {
		return ErrNotFound
	}
	if o.Status != from && !models.IsValidOnboardTransition(from, o.Status) {
		return ErrInvalidTransition
	}
	r.rows[id] = o
	return nil
}

func cloneOnboard(o models.OnboardRequest) models.OnboardRequest {
	if o.CommitmentPayload != nil {
		o.CommitmentPayload = append(json.RawMessage(nil), o.CommitmentPayload...)
	}
	return o
}

type MemoryAuditRepo struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func NewMemoryAuditRepo() *MemoryAuditRepo {
	return &MemoryAuditRepo{}
}

func (r *MemoryAuditRepo) Log(ctx context.Context, entry models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = uuid.New()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	r.entries = append(r.entries, entry)
	return nil
}

// Actions returns logged actions in order.
func (r *MemoryAuditRepo) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}
