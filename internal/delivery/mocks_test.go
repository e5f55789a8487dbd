package delivery

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/bissquit/campaign-relay/internal/mailer"
	"github.com/bissquit/campaign-relay/internal/pacing"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// testClock is a settable clock shared by the components under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// memRepository is an in-memory Repository with the same conditional
// update semantics as the postgres one.
type memRepository struct {
	mu           sync.Mutex
	campaigns    map[string]*domain.Campaign
	recipients   map[string]*domain.Recipient
	suppressions map[string]*domain.Suppression
	// writes counts successful terminal status writes per recipient.
	writes map[string]int
	seq    int
}

func newMemRepository() *memRepository {
	return &memRepository{
		campaigns:    make(map[string]*domain.Campaign),
		recipients:   make(map[string]*domain.Recipient),
		suppressions: make(map[string]*domain.Suppression),
		writes:       make(map[string]int),
	}
}

func (r *memRepository) addCampaign(c *domain.Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.campaigns[c.ID] = &cp
}

func (r *memRepository) addRecipients(campaignID string, emails ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(emails))
	for _, email := range emails {
		r.seq++
		id := fmt.Sprintf("r-%03d", r.seq)
		r.recipients[id] = &domain.Recipient{
			ID:         id,
			CampaignID: campaignID,
			Email:      email,
			Status:     domain.RecipientStatusPending,
			CreatedAt:  testNow.Add(time.Duration(r.seq) * time.Millisecond),
		}
		ids = append(ids, id)
	}
	return ids
}

func (r *memRepository) campaignStatus(id string) domain.CampaignStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.campaigns[id].Status
}

func (r *memRepository) recipient(id string) domain.Recipient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.recipients[id]
}

func (r *memRepository) writeCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes[id]
}

func (r *memRepository) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRepository) UpdateCampaignStatus(_ context.Context, id string, to domain.CampaignStatus, from ...domain.CampaignStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return false, ErrCampaignNotFound
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepository) ListCampaignIDsByStatus(_ context.Context, status domain.CampaignStatus) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, c := range r.campaigns {
		if c.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memRepository) FetchPendingRecipients(_ context.Context, campaignID string, limit int, now time.Time) ([]*domain.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Recipient
	for _, rec := range r.recipients {
		if rec.CampaignID == campaignID && rec.Status == domain.RecipientStatusPending && !rec.Leased(now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepository) CountPending(_ context.Context, campaignID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.recipients {
		if rec.CampaignID == campaignID && rec.Status == domain.RecipientStatusPending {
			n++
		}
	}
	return n, nil
}

func (r *memRepository) LeaseRecipients(_ context.Context, ids []string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if rec, ok := r.recipients[id]; ok && rec.Status == domain.RecipientStatusPending {
			u := until
			rec.LeaseExpiresAt = &u
		}
	}
	return nil
}

func (r *memRepository) ReleaseLease(_ context.Context, recipientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.recipients[recipientID]; ok {
		rec.LeaseExpiresAt = nil
	}
	return nil
}

func (r *memRepository) GetRecipient(_ context.Context, id string) (*domain.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recipients[id]
	if !ok {
		return nil, ErrRecipientNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memRepository) UpdateRecipientStatus(_ context.Context, id string, outcome domain.Outcome) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recipients[id]
	if !ok || rec.Status != domain.RecipientStatusPending {
		return false, nil
	}
	at := outcome.AttemptedAt
	rec.Status = outcome.Status
	rec.FailureKind = outcome.FailureKind
	rec.LastError = outcome.Error
	rec.LastAttemptAt = &at
	rec.LeaseExpiresAt = nil
	r.writes[id]++
	return true, nil
}

func (r *memRepository) ResetFailedRecipients(_ context.Context, campaignID string, kinds []domain.FailureKind) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rec := range r.recipients {
		if rec.CampaignID != campaignID || rec.Status != domain.RecipientStatusFailed {
			continue
		}
		for _, k := range kinds {
			if rec.FailureKind == k {
				rec.Status = domain.RecipientStatusPending
				rec.FailureKind = ""
				rec.LeaseExpiresAt = nil
				n++
				break
			}
		}
	}
	return n, nil
}

func (r *memRepository) CountSentSince(_ context.Context, identityID string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.recipients {
		c := r.campaigns[rec.CampaignID]
		if c == nil || c.SenderIdentityID != identityID || rec.Status != domain.RecipientStatusSent {
			continue
		}
		if rec.LastAttemptAt != nil && !rec.LastAttemptAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *memRepository) GetProgress(_ context.Context, campaignID string) (*domain.Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	p := &domain.Progress{CampaignID: campaignID, Status: c.Status}
	for _, rec := range r.recipients {
		if rec.CampaignID != campaignID {
			continue
		}
		p.Total++
		switch rec.Status {
		case domain.RecipientStatusPending:
			p.Pending++
		case domain.RecipientStatusSent:
			p.Sent++
		case domain.RecipientStatusFailed:
			p.Failed++
		case domain.RecipientStatusSuppressed:
			p.Suppressed++
		}
	}
	return p, nil
}

func (r *memRepository) IsSuppressed(_ context.Context, email string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.suppressions[email]
	return ok, nil
}

func (r *memRepository) AddSuppression(_ context.Context, s *domain.Suppression) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.suppressions[s.Email] = &cp
	return nil
}

// fakeQueue records enqueued units. FetchDue hands out due units in
// NotBefore order and forgets them until they are retried.
type fakeQueue struct {
	mu      sync.Mutex
	units   []*Unit
	acked   []string
	retried []*Unit
	err     error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{} }

func (q *fakeQueue) Enqueue(_ context.Context, unit *Unit) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	cp := *unit
	q.units = append(q.units, &cp)
	return nil
}

func (q *fakeQueue) FetchDue(_ context.Context, now time.Time, limit int) ([]*Unit, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sort.SliceStable(q.units, func(i, j int) bool { return q.units[i].NotBefore.Before(q.units[j].NotBefore) })

	var due, rest []*Unit
	for _, u := range q.units {
		if len(due) < limit && !u.NotBefore.After(now) {
			due = append(due, u)
		} else {
			rest = append(rest, u)
		}
	}
	q.units = rest
	return due, nil
}

func (q *fakeQueue) Ack(_ context.Context, unitID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, unitID)
	return nil
}

func (q *fakeQueue) Retry(_ context.Context, unit *Unit, cause error, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *unit
	cp.Attempts++
	cp.LastError = cause.Error()
	cp.NotBefore = notBefore
	q.units = append(q.units, &cp)
	q.retried = append(q.retried, &cp)
	return nil
}

func (q *fakeQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.units)), nil
}

// ofKind returns the pending units of a kind without removing them.
func (q *fakeQueue) ofKind(kind UnitKind) []*Unit {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Unit
	for _, u := range q.units {
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NotBefore.Before(out[j].NotBefore) })
	return out
}

// next removes and returns the earliest pending unit.
func (q *fakeQueue) next() *Unit {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.units) == 0 {
		return nil
	}
	sort.SliceStable(q.units, func(i, j int) bool { return q.units[i].NotBefore.Before(q.units[j].NotBefore) })
	u := q.units[0]
	q.units = q.units[1:]
	return u
}

func (q *fakeQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.units = nil
}

// fakeIdentities is an in-memory IdentitySource.
type fakeIdentities struct {
	mu          sync.Mutex
	identity    *domain.SenderIdentity
	cred        *domain.Credential
	acquireErr  error
	identityErr error
	acquired    int
	invalidated []string
}

func newFakeIdentities(provider domain.Provider) *fakeIdentities {
	return &fakeIdentities{
		identity: &domain.SenderIdentity{
			ID:          "identity-1",
			FromAddress: "sender@example.com",
			Provider:    provider,
			Active:      true,
			Warmup:      domain.WarmupSettings{StartDate: testNow, Base: 10, Multiplier: 2, Cap: 1000},
		},
		cred: &domain.Credential{
			IdentityID:  "identity-1",
			FromAddress: "sender@example.com",
			FromName:    "Sender",
			Provider:    provider,
			AccessToken: "token",
		},
	}
}

func (f *fakeIdentities) Acquire(_ context.Context, _ string) (*domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	cp := *f.cred
	return &cp, nil
}

func (f *fakeIdentities) Identity(_ context.Context, _ string) (*domain.SenderIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.identityErr != nil {
		return nil, f.identityErr
	}
	cp := *f.identity
	return &cp, nil
}

func (f *fakeIdentities) Invalidate(identityID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, identityID)
}

func (f *fakeIdentities) setAcquireErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquireErr = err
}

// fakeSender records messages and fails recipients listed in errs.
type fakeSender struct {
	provider domain.Provider
	mu       sync.Mutex
	sent     []mailer.Message
	errs     map[string]error
	send     func(ctx context.Context) error
}

func newFakeSender(provider domain.Provider) *fakeSender {
	return &fakeSender{provider: provider, errs: make(map[string]error)}
}

func (s *fakeSender) Provider() domain.Provider { return s.provider }

func (s *fakeSender) Send(ctx context.Context, _ *domain.Credential, msg mailer.Message) error {
	if s.send != nil {
		if err := s.send(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[msg.To]; ok {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) sentTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.To
	}
	return out
}

func testCampaign(id string, status domain.CampaignStatus, pacingConfig domain.PacingConfig) *domain.Campaign {
	return &domain.Campaign{
		ID:               id,
		Name:             "Spring launch",
		Status:           status,
		SenderIdentityID: "identity-1",
		Content:          domain.Content{Subject: "Hello", HTML: "<p>Hi</p>", Text: "Hi"},
		Pacing:           pacingConfig,
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
}

func testSelector(clock *testClock) *pacing.Selector {
	return pacing.NewSelectorWithSource(rand.NewPCG(1, 2), clock.Now)
}

type finishedCampaign struct {
	CampaignID string
	Status     domain.CampaignStatus
}

type fakeNotifier struct {
	mu       sync.Mutex
	finished []finishedCampaign
}

func (n *fakeNotifier) CampaignFinished(_ context.Context, campaignID string, status domain.CampaignStatus, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, finishedCampaign{CampaignID: campaignID, Status: status})
}

func (n *fakeNotifier) events() []finishedCampaign {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]finishedCampaign(nil), n.finished...)
}

// harness wires a coordinator and a dispatcher over shared fakes.
type harness struct {
	repo        *memRepository
	queue       *fakeQueue
	identities  *fakeIdentities
	sender      *fakeSender
	notifier    *fakeNotifier
	clock       *testClock
	coordinator *Coordinator
	dispatcher  *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		repo:       newMemRepository(),
		queue:      newFakeQueue(),
		identities: newFakeIdentities(domain.ProviderGmail),
		sender:     newFakeSender(domain.ProviderGmail),
		notifier:   &fakeNotifier{},
		clock:      newTestClock(testNow),
	}
	selector := testSelector(h.clock)

	h.coordinator = NewCoordinator(DefaultCoordinatorConfig(), h.repo, h.queue, h.identities, selector, h.notifier)
	h.coordinator.now = h.clock.Now

	h.dispatcher = NewDispatcher(DispatcherConfig{
		SendTimeout: time.Second,
		LeaseGrace:  5 * time.Minute,
	}, h.repo, h.queue, h.identities, selector, h.notifier, h.sender)
	h.dispatcher.now = h.clock.Now

	return h
}

// drain runs every queued unit in due order with the clock advanced to the
// unit's due time, until the queue is empty or maxUnits have run.
func (h *harness) drain(t *testing.T, maxUnits int) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < maxUnits; i++ {
		unit := h.queue.next()
		if unit == nil {
			return
		}
		if unit.NotBefore.After(h.clock.Now()) {
			h.clock.Set(unit.NotBefore)
		}
		switch unit.Kind {
		case UnitKindPage:
			_, err := h.coordinator.HandlePage(ctx, unit.CampaignID)
			require.NoError(t, err)
		case UnitKindDispatch:
			_, err := h.dispatcher.Dispatch(ctx, unit.CampaignID, unit.RecipientID)
			require.NoError(t, err)
		}
	}
	t.Fatalf("queue not drained after %d units", maxUnits)
}
