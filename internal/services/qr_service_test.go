package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/apperr"
	"github.com/autobb888/verus-agent-platform/internal/auth"
	"github.com/autobb888/verus-agent-platform/internal/events"
	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/autobb888/verus-agent-platform/internal/repositories"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type qrFixture struct {
	*sessionFixture
	qr      *QRService
	qrRepo  *repositories.MemoryQRRepo
	signing *fakeSigning
	secret  string
}

func newQRFixture(t *testing.T, secret string) *qrFixture {
	t.Helper()
	sf := newSessionFixture(t)
	cfg := testConfig()
	cfg.QRCallbackSecret = secret

	repo := repositories.NewMemoryQRRepo()
	signing := &fakeSigning{}
	qr := NewQRService(repo, signing, sf.ledger, sf.sessions, sf.audit, sf.publisher, cfg, zap.NewNop())
	qr.now = sf.clock.Now

	return &qrFixture{sessionFixture: sf, qr: qr, qrRepo: repo, signing: signing, secret: secret}
}

func (f *qrFixture) signedCallback(t *testing.T, q *models.QRChallenge, signer string) Callback {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"challengeId": q.ID,
		"signingId":   q.ExternalRef,
		"signer":      signer,
		"verified":    true,
	})
	require.NoError(t, err)
	return Callback{
		Body:        body,
		ContentType: "application/json",
		Signature:   auth.SignCallback(f.secret, q.ID, q.ExternalRef),
		RemoteIP:    "203.0.113.7",
	}
}

func TestQR_EndToEnd(t *testing.T) {
	f := newQRFixture(t, "cb-secret")
	ctx := context.Background()

	q, err := f.qr.Issue(ctx)
	require.NoError(t, err)
	require.Equal(t, models.QRStatusPending, q.Status)
	require.Equal(t, "sig-"+q.ID, q.ExternalRef)
	require.Equal(t, f.clock.Now().Add(5*time.Minute), q.ExpiresAt)
	require.Len(t, f.signing.issued, 1)
	require.Equal(t, "http://localhost/auth/qr/callback", f.signing.issued[0].CallbackURL)

	st, err := f.qr.Status(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, models.QRStatusPending, st.Status)

	res, err := f.qr.HandleCallback(ctx, f.signedCallback(t, q, "alice@"))
	require.NoError(t, err)
	require.True(t, res.Processed)

	// duplicate callback is acknowledged but changes nothing
	res, err = f.qr.HandleCallback(ctx, f.signedCallback(t, q, "alice@"))
	require.NoError(t, err)
	require.False(t, res.Processed)

	st, err = f.qr.Status(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, models.QRStatusCompleted, st.Status)
	require.Equal(t, aliceAddr, st.Identity)
	require.Equal(t, "alice@", st.DisplayName)
	require.NotNil(t, st.Session)
	require.Equal(t, aliceAddr, st.Session.SubjectAddress)

	// later polls see completed but never get a second session
	st, err = f.qr.Status(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, models.QRStatusCompleted, st.Status)
	require.Nil(t, st.Session)
	require.Equal(t, 1, f.sessRepo.Count())

	sess, err := f.qr.Complete(ctx, q.ID)
	require.NoError(t, err)
	require.Nil(t, sess)

	require.Subset(t, f.publisher.Types(), []string{events.EventQRSigned, events.EventQRCompleted, events.EventSessionCreated})
}

func TestQR_ConcurrentCompletionOneSession(t *testing.T) {
	f := newQRFixture(t, "cb-secret")
	ctx := context.Background()

	q, err := f.qr.Issue(ctx)
	require.NoError(t, err)
	_, err = f.qr.HandleCallback(ctx, f.signedCallback(t, q, "alice@"))
	require.NoError(t, err)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				st, err := f.qr.Status(ctx, q.ID)
				if err == nil && st.Session != nil {
					winners.Add(1)
				}
				return
			}
			sess, err := f.qr.Complete(ctx, q.ID)
			if err == nil && sess != nil {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, winners.Load())
	require.Equal(t, 1, f.sessRepo.Count())
}

func TestQR_CallbackAuthentication(t *testing.T) {
	ctx := context.Background()

	t.Run("bad hmac", func(t *testing.T) {
		f := newQRFixture(t, "cb-secret")
		q, err := f.qr.Issue(ctx)
		require.NoError(t, err)

		cb := f.signedCallback(t, q, "alice@")
		cb.Signature = auth.SignCallback("other-secret", q.ID, q.ExternalRef)
		_, err = f.qr.HandleCallback(ctx, cb)
		require.Equal(t, 403, apperr.From(err).Kind.HTTPStatus())
	})

	t.Run("no secret, loopback only", func(t *testing.T) {
		f := newQRFixture(t, "")
		q, err := f.qr.Issue(ctx)
		require.NoError(t, err)

		cb := f.signedCallback(t, q, "alice@")
		cb.Signature = ""
		_, err = f.qr.HandleCallback(ctx, cb)
		require.Equal(t, 403, apperr.From(err).Kind.HTTPStatus())

		cb.RemoteIP = "127.0.0.1"
		res, err := f.qr.HandleCallback(ctx, cb)
		require.NoError(t, err)
		require.True(t, res.Processed)
	})

	t.Run("raw callback verified by signing service", func(t *testing.T) {
		f := newQRFixture(t, "cb-secret")
		q, err := f.qr.Issue(ctx)
		require.NoError(t, err)

		raw := Callback{Body: []byte(`{"opaque":"device payload"}`), ContentType: "application/json", RemoteIP: "203.0.113.7"}

		_, err = f.qr.HandleCallback(ctx, raw)
		require.Equal(t, 403, apperr.From(err).Kind.HTTPStatus(), "invalid verdict")

		f.signing.verifyErr = errors.New("connection refused")
		_, err = f.qr.HandleCallback(ctx, raw)
		require.Equal(t, 502, apperr.From(err).Kind.HTTPStatus())

		f.signing.verifyErr = nil
		f.signing.verdict = &CallbackVerdict{Valid: true, ChallengeID: q.ID, SigningID: q.ExternalRef, Signer: aliceAddr}
		res, err := f.qr.HandleCallback(ctx, raw)
		require.NoError(t, err)
		require.True(t, res.Processed)

		got, err := f.qrRepo.GetByID(ctx, q.ID)
		require.NoError(t, err)
		require.Equal(t, aliceAddr, *got.SubjectAddress)
	})
}

func TestQR_UnresolvedSignerKeepsRawReference(t *testing.T) {
	f := newQRFixture(t, "cb-secret")
	ctx := context.Background()

	q, err := f.qr.Issue(ctx)
	require.NoError(t, err)
	_, err = f.qr.HandleCallback(ctx, f.signedCallback(t, q, "bob@"))
	require.NoError(t, err)

	st, err := f.qr.Status(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, "bob@", st.Identity)
	require.Equal(t, "bob@", st.DisplayName)
}

func TestQR_Expiry(t *testing.T) {
	f := newQRFixture(t, "cb-secret")
	ctx := context.Background()

	q, err := f.qr.Issue(ctx)
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	_, err = f.qr.HandleCallback(ctx, f.signedCallback(t, q, "alice@"))
	require.True(t, apperr.Is(err, apperr.CodeExpired), "got %v", err)

	st, err := f.qr.Status(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, models.QRStatusExpired, st.Status)

	_, err = f.qr.Status(ctx, "missing")
	require.Equal(t, 404, apperr.From(err).Kind.HTTPStatus())
}

func TestQR_IssueSigningServiceDown(t *testing.T) {
	f := newQRFixture(t, "")
	f.signing.issueErr = errors.New("dial tcp: connection refused")

	_, err := f.qr.Issue(context.Background())
	require.Equal(t, 502, apperr.From(err).Kind.HTTPStatus())
}

func TestQR_RawCallbackIgnoresUnverifiedBody(t *testing.T) {
	f := newQRFixture(t, "cb-secret")
	ctx := context.Background()

	q, err := f.qr.Issue(ctx)
	require.NoError(t, err)

	// тело указывает на чужой challenge, но сервис подписи ничего не подтвердил
	raw := Callback{
		Body:        []byte(`{"challengeId":"` + q.ID + `","signer":"mallory@"}`),
		ContentType: "application/json",
		RemoteIP:    "203.0.113.7",
	}
	f.signing.verdict = &CallbackVerdict{Valid: true}
	_, err = f.qr.HandleCallback(ctx, raw)
	require.Equal(t, 403, apperr.From(err).Kind.HTTPStatus())

	f.signing.verdict = &CallbackVerdict{Valid: true, ChallengeID: q.ID}
	_, err = f.qr.HandleCallback(ctx, raw)
	require.Equal(t, 403, apperr.From(err).Kind.HTTPStatus(), "verdict without signer")

	got, err := f.qrRepo.GetByID(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, models.QRStatusPending, got.Status)
	require.Nil(t, got.SubjectAddress)
}

func TestQR_SigningIDMustMatchIssuedRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("pre-verified", func(t *testing.T) {
		f := newQRFixture(t, "cb-secret")
		q, err := f.qr.Issue(ctx)
		require.NoError(t, err)

		body, err := json.Marshal(map[string]any{
			"challengeId": q.ID,
			"signingId":   "sig-other",
			"signer":      "alice@",
			"verified":    true,
		})
		require.NoError(t, err)
		cb := Callback{
			Body:        body,
			ContentType: "application/json",
			Signature:   auth.SignCallback(f.secret, q.ID, "sig-other"),
			RemoteIP:    "203.0.113.7",
		}
		_, err = f.qr.HandleCallback(ctx, cb)
		require.Equal(t, 403, apperr.From(err).Kind.HTTPStatus())

		got, err := f.qrRepo.GetByID(ctx, q.ID)
		require.NoError(t, err)
		require.Equal(t, models.QRStatusPending, got.Status)
	})

	t.Run("verdict", func(t *testing.T) {
		f := newQRFixture(t, "cb-secret")
		q, err := f.qr.Issue(ctx)
		require.NoError(t, err)

		raw := Callback{Body: []byte(`{}`), ContentType: "application/json", RemoteIP: "203.0.113.7"}
		f.signing.verdict = &CallbackVerdict{Valid: true, ChallengeID: q.ID, SigningID: "sig-other", Signer: aliceAddr}
		_, err = f.qr.HandleCallback(ctx, raw)
		require.Equal(t, 403, apperr.From(err).Kind.HTTPStatus())
	})
}

func TestQR_SignedChallengeExpiresBeforeCompletion(t *testing.T) {
	f := newQRFixture(t, "cb-secret")
	ctx := context.Background()

	q, err := f.qr.Issue(ctx)
	require.NoError(t, err)
	_, err = f.qr.HandleCallback(ctx, f.signedCallback(t, q, "alice@"))
	require.NoError(t, err)

	f.clock.Advance(9 * time.Minute)

	sess, err := f.qr.Complete(ctx, q.ID)
	require.NoError(t, err)
	require.Nil(t, sess)

	got, err := f.qrRepo.GetByID(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, models.QRStatusExpired, got.Status)

	st, err := f.qr.Status(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, models.QRStatusExpired, st.Status)
	require.Nil(t, st.Session)
	require.Zero(t, f.sessRepo.Count())
}

type failingSessionStore struct {
	SessionStore
	err error
}

func (s failingSessionStore) Create(ctx context.Context, sess *models.Session) error {
	return s.err
}

func TestQR_SessionFailureReopensChallenge(t *testing.T) {
	f := newQRFixture(t, "cb-secret")
	ctx := context.Background()

	q, err := f.qr.Issue(ctx)
	require.NoError(t, err)
	_, err = f.qr.HandleCallback(ctx, f.signedCallback(t, q, "alice@"))
	require.NoError(t, err)

	f.sessions.sessions = failingSessionStore{SessionStore: f.sessRepo, err: errors.New("connection reset")}
	_, err = f.qr.Status(ctx, q.ID)
	require.Error(t, err)

	got, err := f.qrRepo.GetByID(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, models.QRStatusSigned, got.Status)

	// следующий опрос после восстановления получает сессию
	f.sessions.sessions = f.sessRepo
	st, err := f.qr.Status(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, models.QRStatusCompleted, st.Status)
	require.NotNil(t, st.Session)
	require.Equal(t, 1, f.sessRepo.Count())
}
