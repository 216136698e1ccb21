package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kaninstein/invitee-bot-2.0/internal/affiliate"
	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
	"github.com/kaninstein/invitee-bot-2.0/internal/ratelimit"
	"github.com/kaninstein/invitee-bot-2.0/internal/service"
	"github.com/kaninstein/invitee-bot-2.0/internal/telegram"
)

const (
	testGroupID int64 = -1001234567890
	testAdminID int64 = 77
	testUserID  int64 = 361492211
)

// ============================================================================
// Test doubles
// ============================================================================

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) StartVerification(ctx context.Context, p domain.Profile, action string) (*service.StartResult, error) {
	args := m.Called(ctx, p, action)
	res, _ := args.Get(0).(*service.StartResult)
	return res, args.Error(1)
}

func (m *mockVerifier) SubmitIdentifier(ctx context.Context, platformUserID int64, raw string) (*service.SubmitResult, error) {
	args := m.Called(ctx, platformUserID, raw)
	res, _ := args.Get(0).(*service.SubmitResult)
	return res, args.Error(1)
}

func (m *mockVerifier) HasActiveSession(ctx context.Context, platformUserID int64) (bool, error) {
	args := m.Called(ctx, platformUserID)
	return args.Bool(0), args.Error(1)
}

func (m *mockVerifier) Status(ctx context.Context, platformUserID int64) (*service.StatusView, error) {
	args := m.Called(ctx, platformUserID)
	res, _ := args.Get(0).(*service.StatusView)
	return res, args.Error(1)
}

func (m *mockVerifier) MaxAttempts() int { return 3 }

type mockAdmin struct {
	mock.Mock
}

func (m *mockAdmin) Stats(ctx context.Context) (*service.StatsReport, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*service.StatsReport)
	return res, args.Error(1)
}

func (m *mockAdmin) ListWithAccess(ctx context.Context) ([]domain.User, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).([]domain.User)
	return res, args.Error(1)
}

func (m *mockAdmin) RevokeAccess(ctx context.Context, adminID, targetID int64) error {
	return m.Called(ctx, adminID, targetID).Error(0)
}

type mockMembership struct {
	mock.Mock
}

func (m *mockMembership) HandleMembershipEvent(ctx context.Context, platformUserID int64, addedBy *int64) error {
	return m.Called(ctx, platformUserID, addedBy).Error(0)
}

type sentMessage struct {
	ChatID int64
	Text   string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *recordingSender) SendMessage(_ context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (s *recordingSender) last(t *testing.T) sentMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent, "no message sent")
	return s.sent[len(s.sent)-1]
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubLimiter struct {
	err error
}

func (l *stubLimiter) Check(context.Context, string, string) error { return l.err }

type memDedup struct {
	mu   sync.Mutex
	seen map[int64]bool
	err  error
}

func (d *memDedup) FirstSeen(_ context.Context, updateID int64) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[int64]bool{}
	}
	if d.seen[updateID] {
		return false, nil
	}
	d.seen[updateID] = true
	return true, nil
}

type harness struct {
	d          *Dispatcher
	verifier   *mockVerifier
	admin      *mockAdmin
	membership *mockMembership
	sender     *recordingSender
	limiter    *stubLimiter
	dedup      *memDedup
}

func newHarness() *harness {
	h := &harness{
		verifier:   new(mockVerifier),
		admin:      new(mockAdmin),
		membership: new(mockMembership),
		sender:     &recordingSender{},
		limiter:    &stubLimiter{},
		dedup:      &memDedup{},
	}
	h.d = NewDispatcher(h.verifier, h.admin, h.membership, h.sender, h.limiter, h.dedup, Config{
		GroupID:      testGroupID,
		ReferralCode: "ABC123",
		IsAdmin:      func(id int64) bool { return id == testAdminID },
		MaxInFlight:  4,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func privateText(from int64, text string) telegram.Update {
	return telegram.Update{
		UpdateID: 1,
		Message: &telegram.Message{
			MessageID: 1,
			From:      &telegram.User{ID: from, FirstName: "Ana", Username: "ana"},
			Chat:      telegram.Chat{ID: from, Type: "private"},
			Text:      text,
		},
	}
}

func testUser() *domain.User {
	return &domain.User{
		ID:                 "user-1",
		PlatformUserID:     testUserID,
		Username:           "ana",
		ReferralToken:      "ref-1",
		VerificationStatus: domain.StatusUnverified,
	}
}

func testInvite() *domain.Invite {
	return &domain.Invite{Link: "https://t.me/+abc", ExpiresAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// ============================================================================
// Commands
// ============================================================================

func TestStart_SendsPromptWithReferralLink(t *testing.T) {
	h := newHarness()
	sess := &domain.Session{UserID: "user-1", ExpiresAt: time.Now().Add(10 * time.Minute)}
	h.verifier.On("StartVerification", mock.Anything, mock.MatchedBy(func(p domain.Profile) bool {
		return p.PlatformUserID == testUserID && p.Username == "ana"
	}), ratelimit.ActionStart).Return(&service.StartResult{User: testUser(), Session: sess}, nil).Once()

	h.d.Handle(t.Context(), privateText(testUserID, "/start"))

	msg := h.sender.last(t)
	assert.Equal(t, testUserID, msg.ChatID)
	assert.Contains(t, msg.Text, "@ana")
	assert.Contains(t, msg.Text, "referral_code=ABC123")
	assert.Contains(t, msg.Text, "source=telegram_361492211")
	assert.Contains(t, msg.Text, "Attempts remaining: 3")
	h.verifier.AssertExpectations(t)
}

func TestRegisterAndVerifyUseRegisterBudget(t *testing.T) {
	for _, cmd := range []string{"/register", "/verify@invitee_bot"} {
		t.Run(cmd, func(t *testing.T) {
			h := newHarness()
			h.verifier.On("StartVerification", mock.Anything, mock.Anything, ratelimit.ActionRegister).
				Return(&service.StartResult{User: testUser(), Session: &domain.Session{}}, nil).Once()

			h.d.Handle(t.Context(), privateText(testUserID, cmd))
			h.verifier.AssertExpectations(t)
		})
	}
}

func TestStart_Outcomes(t *testing.T) {
	verified := testUser()
	verified.VerificationStatus = domain.StatusVerified
	verified.GroupAccess = true

	tests := []struct {
		name string
		res  *service.StartResult
		err  error
		want string
	}{
		{"reissued invite", &service.StartResult{User: verified, Invite: testInvite()}, domain.ErrAlreadyVerified, "https://t.me/+abc"},
		{"invite failed", &service.StartResult{User: verified}, domain.ErrAlreadyVerified, msgGrantFailed},
		{"revoked", &service.StartResult{User: &domain.User{VerificationStatus: domain.StatusVerified}}, domain.ErrAlreadyVerified, msgAlreadyVerified},
		{"exhausted", &service.StartResult{User: testUser()}, domain.ErrAttemptsExhausted, "all 3 verification attempts"},
		{"rate limited", nil, &domain.RateLimitedError{Action: ratelimit.ActionStart, RetryAfter: 90 * time.Second}, "wait 1m30s"},
		{"internal", nil, errors.New("db down"), msgInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.verifier.On("StartVerification", mock.Anything, mock.Anything, ratelimit.ActionStart).Return(tt.res, tt.err)

			h.d.Handle(t.Context(), privateText(testUserID, "/start"))
			assert.Contains(t, h.sender.last(t).Text, tt.want)
		})
	}
}

func TestStatus(t *testing.T) {
	h := newHarness()
	u := testUser()
	u.VerificationAttempts = 1
	h.verifier.On("Status", mock.Anything, testUserID).Return(&service.StatusView{User: u, MaxAttempts: 3}, nil).Once()

	h.d.Handle(t.Context(), privateText(testUserID, "/status"))
	text := h.sender.last(t).Text
	assert.Contains(t, text, "Attempts used: 1 of 3")
	assert.Contains(t, text, "Referral token: ref-1")
	assert.Contains(t, text, "Group access: no")
}

func TestStatus_NotRegistered(t *testing.T) {
	h := newHarness()
	h.verifier.On("Status", mock.Anything, testUserID).Return(nil, domain.ErrUserNotFound).Once()

	h.d.Handle(t.Context(), privateText(testUserID, "/status"))
	assert.Equal(t, msgNotRegistered, h.sender.last(t).Text)
}

func TestHelp_AdminSeesAdminCommands(t *testing.T) {
	h := newHarness()
	h.d.Handle(t.Context(), privateText(testUserID, "/help"))
	assert.NotContains(t, h.sender.last(t).Text, "/revokeaccess")

	h.d.Handle(t.Context(), privateText(testAdminID, "/help"))
	assert.Contains(t, h.sender.last(t).Text, "/revokeaccess")
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness()
	h.d.Handle(t.Context(), privateText(testUserID, "/dance"))
	assert.Equal(t, msgUnknownCommand, h.sender.last(t).Text)
}

func TestGeneralRateLimit(t *testing.T) {
	h := newHarness()
	h.limiter.err = &domain.RateLimitedError{Action: ratelimit.ActionGeneral, RetryAfter: 20 * time.Second}

	h.d.Handle(t.Context(), privateText(testUserID, "/start"))
	assert.Contains(t, h.sender.last(t).Text, "wait 20s")
	h.verifier.AssertNotCalled(t, "StartVerification", mock.Anything, mock.Anything, mock.Anything)
}

func TestLimiterFailureFailsOpen(t *testing.T) {
	h := newHarness()
	h.limiter.err = errors.New("redis: connection refused")

	h.d.Handle(t.Context(), privateText(testUserID, "/help"))
	assert.Contains(t, h.sender.last(t).Text, "/start")
}

func TestGroupMessagesIgnored(t *testing.T) {
	h := newHarness()
	upd := privateText(testUserID, "/start")
	upd.Message.Chat = telegram.Chat{ID: testGroupID, Type: "supergroup"}

	h.d.Handle(t.Context(), upd)
	assert.Zero(t, h.sender.count())
}

// ============================================================================
// Identifier submission
// ============================================================================

func TestSubmit_NoActiveSession(t *testing.T) {
	h := newHarness()
	h.verifier.On("HasActiveSession", mock.Anything, testUserID).Return(false, nil).Once()

	h.d.Handle(t.Context(), privateText(testUserID, "23062566953"))
	assert.Equal(t, msgNoSession, h.sender.last(t).Text)
	h.verifier.AssertNotCalled(t, "SubmitIdentifier", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_Success(t *testing.T) {
	h := newHarness()
	h.verifier.On("HasActiveSession", mock.Anything, testUserID).Return(true, nil).Once()
	h.verifier.On("SubmitIdentifier", mock.Anything, testUserID, "23062566953").
		Return(&service.SubmitResult{User: testUser(), Invite: testInvite()}, nil).Once()

	h.d.Handle(t.Context(), privateText(testUserID, "23062566953"))
	text := h.sender.last(t).Text
	assert.Contains(t, text, "Verified!")
	assert.Contains(t, text, "https://t.me/+abc")
}

func TestSubmit_ErrorReplies(t *testing.T) {
	tests := []struct {
		name string
		res  *service.SubmitResult
		err  error
		want string
	}{
		{"grant failed", &service.SubmitResult{User: testUser()}, nil, msgGrantFailed},
		{"invalid format", nil, domain.ErrInvalidIdentifier, msgInvalidUID},
		{"session expired", nil, domain.ErrNoActiveSession, msgNoSession},
		{"exhausted", nil, domain.ErrAttemptsExhausted, "all 3 verification attempts"},
		{"already verified", nil, domain.ErrAlreadyVerified, msgAlreadyVerified},
		{"not found", nil, &domain.NotFoundError{Identifier: "12345678", Remaining: 2}, "Attempts remaining: 2"},
		{"not found last", nil, &domain.NotFoundError{Identifier: "12345678", Remaining: 0}, "no attempts left"},
		{"duplicate", nil, &domain.DuplicateBindingError{ExternalAccountID: "12345678", OwnerID: "user-2"}, "already linked"},
		{"upstream", nil, &affiliate.UpstreamError{Kind: affiliate.KindServer, Retryable: true}, msgUpstream},
		{"upstream config", nil, &affiliate.UpstreamError{Kind: affiliate.KindConfig}, msgUpstreamConfig},
		{"rate limited", nil, &domain.RateLimitedError{Action: ratelimit.ActionSubmitIdentifier, RetryAfter: 5 * time.Second}, "wait 5s"},
		{"internal", nil, errors.New("boom"), msgInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.verifier.On("HasActiveSession", mock.Anything, testUserID).Return(true, nil)
			h.verifier.On("SubmitIdentifier", mock.Anything, testUserID, "12345678").Return(tt.res, tt.err)

			h.d.Handle(t.Context(), privateText(testUserID, "12345678"))
			text := h.sender.last(t).Text
			assert.Contains(t, text, tt.want)
			assert.NotContains(t, text, "boom")
		})
	}
}

func TestSubmit_NotFoundIncludesReferralLink(t *testing.T) {
	h := newHarness()
	h.verifier.On("HasActiveSession", mock.Anything, testUserID).Return(true, nil)
	h.verifier.On("SubmitIdentifier", mock.Anything, testUserID, "12345678").
		Return(nil, &domain.NotFoundError{Identifier: "12345678", Remaining: 1})

	h.d.Handle(t.Context(), privateText(testUserID, "12345678"))
	assert.Contains(t, h.sender.last(t).Text, "referral_code=ABC123")
}

// ============================================================================
// Admin commands
// ============================================================================

func TestAdminCommands_RequireAdmin(t *testing.T) {
	for _, cmd := range []string{"/stats", "/users", "/listusers", "/revokeaccess 42"} {
		h := newHarness()
		h.d.Handle(t.Context(), privateText(testUserID, cmd))
		assert.Equal(t, msgNotAdmin, h.sender.last(t).Text, cmd)
	}
}

func TestStats(t *testing.T) {
	h := newHarness()
	h.admin.On("Stats", mock.Anything).Return(&service.StatsReport{
		Users:     &domain.Stats{Total: 12, Verified: 5, WithAccess: 4, Last24h: 2},
		Affiliate: &affiliate.BasicInfo{UID: "900", CommissionRate: "0.3", TotalCommission: "10.5"},
	}, nil).Once()

	h.d.Handle(t.Context(), privateText(testAdminID, "/stats"))
	text := h.sender.last(t).Text
	assert.Contains(t, text, "Total: 12")
	assert.Contains(t, text, "Commission rate: 0.3")
}

func TestStats_AffiliateUnavailable(t *testing.T) {
	h := newHarness()
	h.admin.On("Stats", mock.Anything).Return(&service.StatsReport{Users: &domain.Stats{Total: 1}}, nil).Once()

	h.d.Handle(t.Context(), privateText(testAdminID, "/stats"))
	assert.Contains(t, h.sender.last(t).Text, "unavailable")
}

func TestUsers(t *testing.T) {
	uid := "23062566953"
	h := newHarness()
	h.admin.On("ListWithAccess", mock.Anything).Return([]domain.User{
		{PlatformUserID: 1001, Username: "ana", ExternalAccountID: &uid, GroupAccess: true},
	}, nil).Once()

	h.d.Handle(t.Context(), privateText(testAdminID, "/users"))
	text := h.sender.last(t).Text
	assert.Contains(t, text, "1001 @ana UID 23062566953")
}

func TestRevokeAccess(t *testing.T) {
	h := newHarness()
	h.admin.On("RevokeAccess", mock.Anything, testAdminID, int64(1001)).Return(nil).Once()

	h.d.Handle(t.Context(), privateText(testAdminID, "/revokeaccess 1001"))
	assert.Equal(t, msgRevoked(1001), h.sender.last(t).Text)
	h.admin.AssertExpectations(t)
}

func TestRevokeAccess_BadUsage(t *testing.T) {
	for _, cmd := range []string{"/revokeaccess", "/revokeaccess abc", "/revokeaccess 1 2"} {
		h := newHarness()
		h.d.Handle(t.Context(), privateText(testAdminID, cmd))
		assert.Equal(t, msgRevokeUsage, h.sender.last(t).Text, cmd)
	}
}

func TestRevokeAccess_UnknownUser(t *testing.T) {
	h := newHarness()
	h.admin.On("RevokeAccess", mock.Anything, testAdminID, int64(1001)).Return(domain.ErrUserNotFound).Once()

	h.d.Handle(t.Context(), privateText(testAdminID, "/revokeaccess 1001"))
	assert.Contains(t, h.sender.last(t).Text, "not registered")
}

// ============================================================================
// Membership
// ============================================================================

func joinUpdate(member, by int64) telegram.Update {
	return telegram.Update{
		UpdateID: 9,
		ChatMember: &telegram.ChatMemberUpdated{
			Chat:          telegram.Chat{ID: testGroupID, Type: "supergroup"},
			From:          telegram.User{ID: by},
			OldChatMember: telegram.ChatMember{Status: telegram.MemberLeft, User: telegram.User{ID: member}},
			NewChatMember: telegram.ChatMember{Status: telegram.MemberMember, User: telegram.User{ID: member}},
		},
	}
}

func TestChatMember_SelfJoin(t *testing.T) {
	h := newHarness()
	h.membership.On("HandleMembershipEvent", mock.Anything, int64(1001), (*int64)(nil)).Return(nil).Once()

	h.d.Handle(t.Context(), joinUpdate(1001, 1001))
	h.membership.AssertExpectations(t)
}

func TestChatMember_AddedBySomeoneElse(t *testing.T) {
	h := newHarness()
	h.membership.On("HandleMembershipEvent", mock.Anything, int64(1001), mock.MatchedBy(func(by *int64) bool {
		return by != nil && *by == testAdminID
	})).Return(nil).Once()

	h.d.Handle(t.Context(), joinUpdate(1001, testAdminID))
	h.membership.AssertExpectations(t)
}

func TestChatMember_IgnoredEvents(t *testing.T) {
	h := newHarness()

	other := joinUpdate(1001, 1001)
	other.ChatMember.Chat.ID = -1009
	h.d.Handle(t.Context(), other)

	leave := joinUpdate(1001, 1001)
	leave.ChatMember.OldChatMember.Status = telegram.MemberMember
	leave.ChatMember.NewChatMember.Status = telegram.MemberLeft
	h.d.Handle(t.Context(), leave)

	bot := joinUpdate(1001, 1001)
	bot.ChatMember.NewChatMember.User.IsBot = true
	h.d.Handle(t.Context(), bot)

	h.membership.AssertNotCalled(t, "HandleMembershipEvent", mock.Anything, mock.Anything, mock.Anything)
}

// ============================================================================
// Dispatch
// ============================================================================

func TestDispatch_DropsDuplicates(t *testing.T) {
	h := newHarness()
	upd := privateText(testUserID, "/help")

	h.d.Dispatch(t.Context(), upd)
	h.d.Dispatch(t.Context(), upd)
	h.d.Wait()

	assert.Equal(t, 1, h.sender.count())
}

func TestDispatch_DedupFailureStillHandles(t *testing.T) {
	h := newHarness()
	h.dedup.err = errors.New("redis down")

	h.d.Dispatch(t.Context(), privateText(testUserID, "/help"))
	h.d.Wait()
	assert.Equal(t, 1, h.sender.count())
}

type blockingSender struct {
	release  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *blockingSender) SendMessage(context.Context, int64, string) error {
	n := s.inFlight.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	<-s.release
	s.inFlight.Add(-1)
	return nil
}

func TestDispatch_BoundsConcurrency(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	d := NewDispatcher(new(mockVerifier), new(mockAdmin), new(mockMembership), sender, &stubLimiter{}, &memDedup{},
		Config{MaxInFlight: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 6; i++ {
			upd := privateText(testUserID, "/help")
			upd.UpdateID = i
			d.Dispatch(t.Context(), upd)
		}
	}()

	require.Eventually(t, func() bool { return sender.inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(sender.release)
	<-done
	d.Wait()
	assert.EqualValues(t, 2, sender.peak.Load())
}
