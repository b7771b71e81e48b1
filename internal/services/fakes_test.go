package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/config"
	"github.com/autobb888/verus-agent-platform/internal/events"
	"github.com/autobb888/verus-agent-platform/internal/verus"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// testIAddress даёт корректный i-адрес, детерминированный по seed.
func testIAddress(seed string) string {
	return base58.CheckEncode(btcutil.Hash160([]byte(seed)), verus.IAddressVersion)
}

var aliceAddr = testIAddress("alice")

func testConfig() *config.Config {
	return &config.Config{
		SessionSecret:         "test-session-secret",
		SessionLifetime:       time.Hour,
		SessionCookie:         "vap_session",
		ChallengeTTL:          5 * time.Minute,
		QRCallbackURL:         "http://localhost/auth/qr/callback",
		OnboardSecret:         "test-onboard-secret",
		OnboardTokenTTL:       5 * time.Minute,
		OnboardParent:         "agentplatform",
		OnboardPerIPHourly:    100,
		OnboardDailyLimit:     1000,
		OnboardPollInterval:   15 * time.Second,
		OnboardConfirmTimeout: 10 * time.Minute,
		OnboardLookupAttempts: 3,
		OnboardLookupInterval: 15 * time.Second,
		OnboardFundAmount:     decimal.RequireFromString("0.0003"),
		ReservedNames:         []string{"admin", "support"},
	}
}

// fakeClock is shared by a service's now and its sleep, so poll loops finish
// instantly while still seeing time pass.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, stream string, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// staticVerifier accepts exactly the signatures listed in valid.
type staticVerifier struct {
	valid map[string]bool
}

func (v staticVerifier) Verify(ctx context.Context, signer, message, signature, pubKeyHex string) bool {
	return v.valid[signature]
}

// fakeLedger is an in-memory daemon. identities maps full names and addresses
// to identities; confirmations maps txids.
type fakeLedger struct {
	mu            sync.Mutex
	identities    map[string]*verus.Identity
	confirmations map[string]int64

	// identity becomes visible to getidentity after this many lookups
	visibleAfter int
	lookups      int

	commitErr       error
	registerErr     error
	sendErr         error
	panicOnRegister bool

	commitCalls   int
	registerCalls int
	sent          []decimal.Decimal
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		identities:    make(map[string]*verus.Identity),
		confirmations: make(map[string]int64),
	}
}

func (l *fakeLedger) addIdentity(fullName, address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := &verus.Identity{FullyQualifiedName: fullName}
	id.Identity.Name = fullName
	id.Identity.IdentityAddress = address
	l.identities[fullName] = id
	l.identities[address] = id
}

func (l *fakeLedger) GetIdentity(ctx context.Context, nameOrAddress string) (*verus.Identity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookups++
	id, ok := l.identities[nameOrAddress]
	if !ok || l.lookups <= l.visibleAfter {
		return nil, verus.ErrIdentityNotFound
	}
	return id, nil
}

func (l *fakeLedger) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.confirmations[txid], nil
}

func (l *fakeLedger) RegisterNameCommitment(ctx context.Context, name, controlAddress, referral, parent string) (*verus.NameCommitment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commitCalls++
	if l.commitErr != nil {
		return nil, l.commitErr
	}
	payload, _ := json.Marshal(map[string]string{"name": name, "parent": parent, "salt": "5a17"})
	return &verus.NameCommitment{TxID: "commit-" + name, NameReservation: payload}, nil
}

func (l *fakeLedger) RegisterIdentity(ctx context.Context, commitment verus.NameCommitment, identity verus.IdentityDefinition) (string, error) {
	l.mu.Lock()
	l.registerCalls++
	err := l.registerErr
	l.mu.Unlock()
	if l.panicOnRegister {
		panic("daemon returned garbage")
	}
	if err != nil {
		return "", err
	}
	full := FullIdentityName(identity.Name, identity.Parent)
	l.addIdentity(full, testIAddress(identity.Name))
	return "register-" + identity.Name, nil
}

func (l *fakeLedger) SendToAddress(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return "", l.sendErr
	}
	l.sent = append(l.sent, amount)
	return "fund-" + address, nil
}

func (l *fakeLedger) setConfirmations(txid string, n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmations[txid] = n
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return d.err
}

type fakeSigning struct {
	mu        sync.Mutex
	issueErr  error
	verdict   *CallbackVerdict
	verifyErr error
	issued    []IssueChallengeRequest
}

func (f *fakeSigning) IssueChallenge(ctx context.Context, req IssueChallengeRequest) (*IssuedChallenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	f.issued = append(f.issued, req)
	return &IssuedChallenge{
		SigningID: "sig-" + req.ChallengeID,
		Deeplink:  "verus://1/" + req.ChallengeID,
		QRImage:   "data:image/png;base64,AAAA",
	}, nil
}

func (f *fakeSigning) VerifyCallback(ctx context.Context, body []byte, contentType string) (*CallbackVerdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if f.verdict == nil {
		return &CallbackVerdict{}, nil
	}
	v := *f.verdict
	return &v, nil
}
