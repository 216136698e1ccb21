package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"

	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
	"github.com/kaninstein/invitee-bot-2.0/internal/ratelimit"
	"github.com/kaninstein/invitee-bot-2.0/internal/session"
)

const testMaxAttempts = 3

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// In-memory repository
// ---------------------------------------------------------------------------

// memRepo stores users in memory. BindVerified enforces one verified owner
// per external identifier under its lock, like the partial unique index.
type memRepo struct {
	mu       sync.Mutex
	users    map[int64]*domain.User
	bindings map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{users: map[int64]*domain.User{}, bindings: map[string]string{}}
}

func (r *memRepo) byID(id string) *domain.User {
	for _, u := range r.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (r *memRepo) Upsert(_ context.Context, p domain.Profile) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[p.PlatformUserID]
	if !ok {
		now := time.Now()
		u = &domain.User{
			ID:                 fmt.Sprintf("user-%d", p.PlatformUserID),
			PlatformUserID:     p.PlatformUserID,
			ReferralToken:      fmt.Sprintf("ref-%d", p.PlatformUserID),
			VerificationStatus: domain.StatusUnverified,
			CreatedAt:          now,
		}
		r.users[p.PlatformUserID] = u
	}
	u.Username, u.FirstName, u.LastName = p.Username, p.FirstName, p.LastName
	u.UpdatedAt = time.Now()
	cp := *u
	return &cp, nil
}

func (r *memRepo) GetByPlatformID(_ context.Context, platformUserID int64) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[platformUserID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memRepo) ReserveAttempt(_ context.Context, userID string, max int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.byID(userID)
	if u == nil {
		return 0, domain.ErrUserNotFound
	}
	if u.VerificationAttempts >= max {
		return 0, domain.ErrAttemptsExhausted
	}
	u.VerificationAttempts++
	now := time.Now()
	u.LastVerificationAt = &now
	return u.VerificationAttempts, nil
}

func (r *memRepo) RefundAttempt(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.byID(userID)
	if u == nil {
		return domain.ErrUserNotFound
	}
	if u.VerificationAttempts > 0 {
		u.VerificationAttempts--
	}
	return nil
}

// staleAttemptsRepo returns the user as read before spend attempts were
// recorded by a concurrent submission.
type staleAttemptsRepo struct {
	*memRepo
	spend int
}

func (r *staleAttemptsRepo) GetByPlatformID(ctx context.Context, platformUserID int64) (*domain.User, error) {
	u, err := r.memRepo.GetByPlatformID(ctx, platformUserID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.users[platformUserID].VerificationAttempts = r.spend
	r.mu.Unlock()
	return u, nil
}

func (r *memRepo) FindVerifiedOwner(_ context.Context, externalAccountID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings[externalAccountID], nil
}

func (r *memRepo) BindVerified(_ context.Context, userID, externalAccountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.byID(userID)
	if u == nil || u.IsVerified() {
		return domain.ErrAlreadyVerified
	}
	if _, taken := r.bindings[externalAccountID]; taken {
		return &domain.DuplicateBindingError{ExternalAccountID: externalAccountID}
	}
	r.bindings[externalAccountID] = userID
	ext := externalAccountID
	u.ExternalAccountID = &ext
	u.VerificationStatus = domain.StatusVerified
	u.GroupAccess = true
	return nil
}

func (r *memRepo) RevokeAccess(_ context.Context, platformUserID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[platformUserID]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.GroupAccess = false
	return nil
}

func (r *memRepo) Stats(_ context.Context) (*domain.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &domain.Stats{}
	for _, u := range r.users {
		s.Total++
		if u.IsVerified() {
			s.Verified++
		}
		if u.GroupAccess {
			s.WithAccess++
		}
	}
	return s, nil
}

func (r *memRepo) ListWithAccess(_ context.Context, limit int) ([]domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.User
	for _, u := range r.users {
		if u.GroupAccess {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlatformUserID < out[j].PlatformUserID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) boundOwners(externalAccountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.users {
		if u.IsVerified() && u.ExternalAccountID != nil && *u.ExternalAccountID == externalAccountID {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Collaborator doubles
// ---------------------------------------------------------------------------

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) VerifyIdentifier(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

type stubAccess struct {
	err   error
	calls atomic.Int32
}

func (a *stubAccess) GrantAccess(_ context.Context, platformUserID int64) (*domain.Invite, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return &domain.Invite{
		Link:      "https://t.me/+invite",
		Name:      fmt.Sprintf("verified_%d", platformUserID),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

type failedEvent struct {
	UserID    string
	Reason    string
	Remaining int
}

type recordingEvents struct {
	mu       sync.Mutex
	verified []string
	failed   []failedEvent
	revoked  []int64
}

func (e *recordingEvents) PublishUserVerified(_ context.Context, u *domain.User) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verified = append(e.verified, u.ID)
	return nil
}

func (e *recordingEvents) PublishVerificationFailed(_ context.Context, u *domain.User, _, reason string, remaining int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, failedEvent{UserID: u.ID, Reason: reason, Remaining: remaining})
	return nil
}

func (e *recordingEvents) PublishAccessRevoked(_ context.Context, platformUserID, _ int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revoked = append(e.revoked, platformUserID)
	return nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	svc      *VerificationService
	repo     *memRepo
	sessions *session.Store
	verifier *mockVerifier
	access   *stubAccess
	events   *recordingEvents
	mr       *miniredis.Miniredis
	skew     time.Duration
}

func newFixture(t *testing.T, rules map[string]ratelimit.Rule) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if rules == nil {
		rules = map[string]ratelimit.Rule{
			ratelimit.ActionStart:            {Limit: 100, Window: time.Minute},
			ratelimit.ActionRegister:         {Limit: 100, Window: time.Minute},
			ratelimit.ActionSubmitIdentifier: {Limit: 100, Window: time.Minute},
		}
	}

	f := &fixture{
		repo:     newMemRepo(),
		verifier: &mockVerifier{},
		access:   &stubAccess{},
		events:   &recordingEvents{},
		mr:       mr,
	}
	f.sessions = session.NewStore(client, 10*time.Minute,
		session.WithClock(func() time.Time { return time.Now().Add(f.skew) }))
	logger := discardLogger()
	f.svc = NewVerificationService(
		f.repo,
		f.sessions,
		ratelimit.New(client, rules),
		f.verifier,
		NewBindingGuard(f.repo, logger),
		f.access,
		f.events,
		logger,
		testMaxAttempts,
	)
	return f
}

func profile(id int64) domain.Profile {
	return domain.Profile{PlatformUserID: id, Username: "trader", FirstName: "Ana"}
}

// begin registers the user and opens a session.
func (f *fixture) begin(t *testing.T, id int64) {
	t.Helper()
	_, err := f.svc.StartVerification(t.Context(), profile(id), ratelimit.ActionStart)
	if err != nil {
		t.Fatalf("start verification for %d: %v", id, err)
	}
}
