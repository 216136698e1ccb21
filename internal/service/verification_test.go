package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kaninstein/invitee-bot-2.0/internal/affiliate"
	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
	"github.com/kaninstein/invitee-bot-2.0/internal/ratelimit"
	apperrors "github.com/kaninstein/invitee-bot-2.0/pkg/errors"
)

const identifier = "23062566953"

// ---------------------------------------------------------------------------
// StartVerification
// ---------------------------------------------------------------------------

func TestStartVerification_OpensSession(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.StartVerification(t.Context(), profile(361492211), ratelimit.ActionStart)
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Equal(t, res.User.ID, res.Session.UserID)
	assert.Equal(t, domain.StepAwaitingIdentifier, res.Session.Step)
	assert.Nil(t, res.Invite)

	active, err := f.svc.HasActiveSession(t.Context(), 361492211)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestStartVerification_AlreadyVerifiedReissuesInvite(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, 1001)
	f.verifier.On("VerifyIdentifier", mock.Anything, identifier).Return(true, nil)
	_, err := f.svc.SubmitIdentifier(t.Context(), 1001, identifier)
	require.NoError(t, err)

	res, err := f.svc.StartVerification(t.Context(), profile(1001), ratelimit.ActionStart)
	assert.ErrorIs(t, err, domain.ErrAlreadyVerified)
	require.NotNil(t, res)
	assert.NotNil(t, res.Invite)
	assert.Nil(t, res.Session)
	assert.EqualValues(t, 2, f.access.calls.Load())
}

func TestStartVerification_AttemptsExhausted(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, 1001)
	f.repo.users[1001].VerificationAttempts = testMaxAttempts

	res, err := f.svc.StartVerification(t.Context(), profile(1001), ratelimit.ActionRegister)
	assert.ErrorIs(t, err, domain.ErrAttemptsExhausted)
	require.NotNil(t, res)
	assert.Nil(t, res.Session)
}

func TestStartVerification_RateLimited(t *testing.T) {
	f := newFixture(t, map[string]ratelimit.Rule{
		ratelimit.ActionStart: {Limit: 3, Window: 5 * time.Minute},
	})

	for i := 0; i < 3; i++ {
		_, err := f.svc.StartVerification(t.Context(), profile(1001), ratelimit.ActionStart)
		require.NoError(t, err)
	}

	_, err := f.svc.StartVerification(t.Context(), profile(1001), ratelimit.ActionStart)
	var rl *domain.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, ratelimit.ActionStart, rl.Action)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))

	// register has its own budget
	_, err = f.svc.StartVerification(t.Context(), profile(1001), ratelimit.ActionRegister)
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// SubmitIdentifier
// ---------------------------------------------------------------------------

func TestSubmitIdentifier_NoSession(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.SubmitIdentifier(t.Context(), 1001, identifier)
	assert.ErrorIs(t, err, domain.ErrNoActiveSession)
	f.verifier.AssertNotCalled(t, "VerifyIdentifier", mock.Anything, mock.Anything)
}

func TestSubmitIdentifier_SessionPastDeadline(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, 1001)

	// The key outlives its embedded deadline, as when Redis TTL lags.
	f.skew = 10*time.Minute + time.Second

	_, err := f.svc.SubmitIdentifier(t.Context(), 1001, identifier)
	assert.ErrorIs(t, err, domain.ErrNoActiveSession)
	f.verifier.AssertNotCalled(t, "VerifyIdentifier", mock.Anything, mock.Anything)
	assert.Equal(t, 0, f.repo.users[1001].VerificationAttempts)
}

func TestSubmitIdentifier_InvalidFormatKeepsSession(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, 1001)

	_, err := f.svc.SubmitIdentifier(t.Context(), 1001, "abc123")
	assert.ErrorIs(t, err, domain.ErrInvalidIdentifier)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	f.verifier.AssertNotCalled(t, "VerifyIdentifier", mock.Anything, mock.Anything)

	active, err := f.svc.HasActiveSession(t.Context(), 1001)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, 0, f.repo.users[1001].VerificationAttempts)
}

func TestSubmitIdentifier_Success(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, 1001)
	f.verifier.On("VerifyIdentifier", mock.Anything, identifier).Return(true, nil).Once()

	res, err := f.svc.SubmitIdentifier(t.Context(), 1001, "  "+identifier+"\n")
	require.NoError(t, err)
	require.NotNil(t, res.Invite)
	assert.True(t, res.User.IsVerified())
	assert.True(t, res.User.GroupAccess)
	require.NotNil(t, res.User.ExternalAccountID)
	assert.Equal(t, identifier, *res.User.ExternalAccountID)

	stored := f.repo.users[1001]
	assert.True(t, stored.IsVerified())
	assert.Equal(t, 0, stored.VerificationAttempts)
	assert.Equal(t, []string{"user-1001"}, f.events.verified)

	active, err := f.svc.HasActiveSession(t.Context(), 1001)
	require.NoError(t, err)
	assert.False(t, active)
	f.verifier.AssertExpectations(t)
}

func TestSubmitIdentifier_NotFoundConsumesAttempts(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, 1001)
	f.verifier.On("VerifyIdentifier", mock.Anything, "12345678").Return(false, nil)

	for want := testMaxAttempts - 1; want >= 0; want-- {
		_, err := f.svc.SubmitIdentifier(t.Context(), 1001, "12345678")
		var nf *domain.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, want, nf.Remaining)

		active, err := f.svc.HasActiveSession(t.Context(), 1001)
		require.NoError(t, err)
		assert.Equal(t, want > 0, active, "session open with %d attempts left", want)
	}

	assert.Equal(t, testMaxAttempts, f.repo.users[1001].VerificationAttempts)
	require.Len(t, f.events.failed, testMaxAttempts)
	assert.Equal(t, "not_found", f.events.failed[0].Reason)

	_, err := f.svc.StartVerification(t.Context(), profile(1001), ratelimit.ActionStart)
	assert.ErrorIs(t, err, domain.ErrAttemptsExhausted)
}

func TestSubmitIdentifier_ExhaustedBeforeAnyLookup(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, 1001)
	f.repo.users[1001].VerificationAttempts = testMaxAttempts

	_, err := f.svc.SubmitIdentifier(t.Context(), 1001, identifier)
	assert.ErrorIs(t, err, domain.ErrAttemptsExhausted)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	f.verifier.AssertNotCalled(t, "VerifyIdentifier", mock.Anything, mock.Anything)

	active, err := f.svc.HasActiveSession(t.Context(), 1001)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestSubmitIdentifier_AttemptReservedBeforeLookup(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, 1001)
	f.repo.users[1001].VerificationAttempts = testMaxAttempts - 1

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.verifier.On("VerifyIdentifier", mock.Anything, identifier).
		Run(func(mock.Arguments) {
			entered <- struct{}{}
			<-release
		}).
		Return(false, nil)

	firstErr := make(chan error, 1)
	go func() {
		_, err := f.svc.SubmitIdentifier(t.Context(), 1001, identifier)
		firstErr <- err
	}()
	<-entered

	// The last attempt is taken while the first lookup is still running.
	_, err := f.svc.StartVerification(t.Context(), profile(1001), ratelimit.ActionStart)
	assert.ErrorIs(t, err, domain.ErrAttemptsExhausted)

	// A session opened before the reservation still cannot buy a lookup.
	_, err = f.sessions.Start(t.Context(), "user-1001", 1001)
	require.NoError(t, err)
	_, err = f.svc.SubmitIdentifier(t.Context(), 1001, identifier)
	assert.ErrorIs(t, err, domain.ErrAttemptsExhausted)

	close(release)
	var nf *domain.NotFoundError
	require.ErrorAs(t, <-firstErr, &nf)
	assert.Equal(t, 0, nf.Remaining)

	f.verifier.AssertNumberOfCalls(t, "VerifyIdentifier", 1)
	assert.Equal(t, testMaxAttempts, f.repo.users[1001].VerificationAttempts)
}

func TestSubmitIdentifier_ReservationRefusedWithoutLookup(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, 1001)
	f.verifier.On("VerifyIdentifier", mock.Anything, identifier).Return(false, nil)

	// Attempts spent elsewhere after the user row was read.
	stale := &staleAttemptsRepo{memRepo: f.repo, spend: testMaxAttempts}
	f.svc.repo = stale

	_, err := f.svc.SubmitIdentifier(t.Context(), 1001, identifier)
	assert.ErrorIs(t, err, domain.ErrAttemptsExhausted)
	f.verifier.AssertNotCalled(t, "VerifyIdentifier", mock.Anything, mock.Anything)
	assert.Equal(t, testMaxAttempts, f.repo.users[1001].VerificationAttempts)
}

func TestSubmitIdentifier_UpstreamErrorConsumesNoAttempt(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, 1001)
	upstream := &affiliate.UpstreamError{Kind: affiliate.KindServer, StatusCode: 502, Retryable: true}
	f.verifier.On("VerifyIdentifier", mock.Anything, identifier).Return(false, upstream)

	_, err := f.svc.SubmitIdentifier(t.Context(), 1001, identifier)
	var ue *affiliate.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.True(t, ue.Retryable)
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavail)

	assert.Equal(t, 0, f.repo.users[1001].VerificationAttempts)
	assert.Empty(t, f.events.failed)

	active, err := f.svc.HasActiveSession(t.Context(), 1001)
	require.NoError(t, err)
	assert.True(t, active, "session is reopened so the user can retry")
}

func TestSubmitIdentifier_DuplicateBinding(t *testing.T) {
	f := newFixture(t, nil)
	f.verifier.On("VerifyIdentifier", mock.Anything, identifier).Return(true, nil)

	f.begin(t, 1001)
	_, err := f.svc.SubmitIdentifier(t.Context(), 1001, identifier)
	require.NoError(t, err)

	f.begin(t, 2002)
	_, err = f.svc.SubmitIdentifier(t.Context(), 2002, identifier)
	dup, ok := domain.IsDuplicateBinding(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "user-1001", dup.OwnerID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	second := f.repo.users[2002]
	assert.False(t, second.IsVerified())
	assert.False(t, second.GroupAccess)
	assert.Equal(t, 0, second.VerificationAttempts)
	require.Len(t, f.events.failed, 1)
	assert.Equal(t, "duplicate", f.events.failed[0].Reason)
	assert.Equal(t, 1, f.repo.boundOwners(identifier))
}

func TestSubmitIdentifier_GrantFailureKeepsBinding(t *testing.T) {
	f := newFixture(t, nil)
	f.access.err = errors.New("telegram: chat not found")
	f.begin(t, 1001)
	f.verifier.On("VerifyIdentifier", mock.Anything, identifier).Return(true, nil)

	res, err := f.svc.SubmitIdentifier(t.Context(), 1001, identifier)
	require.NoError(t, err)
	assert.Nil(t, res.Invite)
	assert.True(t, f.repo.users[1001].IsVerified())
}

func TestSubmitIdentifier_ConcurrentUsersSingleOwner(t *testing.T) {
	f := newFixture(t, nil)
	f.verifier.On("VerifyIdentifier", mock.Anything, identifier).Return(true, nil)

	const n = 20
	for i := int64(1); i <= n; i++ {
		f.begin(t, i)
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		duplicates int
	)
	for i := int64(1); i <= n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := f.svc.SubmitIdentifier(t.Context(), id, identifier)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if _, ok := domain.IsDuplicateBinding(err); ok {
				duplicates++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, duplicates)
	assert.Equal(t, 1, f.repo.boundOwners(identifier))
}

func TestSubmitIdentifier_SameUserResolvedOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.begin(t, 1001)
	f.verifier.On("VerifyIdentifier", mock.Anything, identifier).Return(true, nil)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitIdentifier(t.Context(), 1001, identifier)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrNoActiveSession) && !errors.Is(err, domain.ErrAlreadyVerified) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	f.verifier.AssertNumberOfCalls(t, "VerifyIdentifier", 1)
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Status(t.Context(), 1001)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	f.begin(t, 1001)
	view, err := f.svc.Status(t.Context(), 1001)
	require.NoError(t, err)
	assert.Equal(t, testMaxAttempts, view.MaxAttempts)
	require.NotNil(t, view.Session)
	assert.False(t, view.User.IsVerified())

	require.NoError(t, f.sessions.Delete(t.Context(), 1001))
	view, err = f.svc.Status(t.Context(), 1001)
	require.NoError(t, err)
	assert.Nil(t, view.Session)
}
