package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kaninstein/invitee-bot-2.0/internal/affiliate"
	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
	"github.com/kaninstein/invitee-bot-2.0/internal/ratelimit"
	"github.com/kaninstein/invitee-bot-2.0/internal/service"
	"github.com/kaninstein/invitee-bot-2.0/internal/telegram"
	"github.com/kaninstein/invitee-bot-2.0/pkg/logger"
)

var (
	updatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_updates_total",
			Help: "Updates received, by kind and result",
		},
		[]string{"kind", "result"},
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_commands_total",
			Help: "Commands handled, by command",
		},
		[]string{"command"},
	)

	updateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_update_duration_seconds",
		Help:    "Time spent handling one update",
		Buckets: prometheus.DefBuckets,
	})
)

// Verifier drives the user verification flow.
type Verifier interface {
	StartVerification(ctx context.Context, p domain.Profile, action string) (*service.StartResult, error)
	SubmitIdentifier(ctx context.Context, platformUserID int64, raw string) (*service.SubmitResult, error)
	HasActiveSession(ctx context.Context, platformUserID int64) (bool, error)
	Status(ctx context.Context, platformUserID int64) (*service.StatusView, error)
	MaxAttempts() int
}

// Admin serves the operator commands.
type Admin interface {
	Stats(ctx context.Context) (*service.StatsReport, error)
	ListWithAccess(ctx context.Context) ([]domain.User, error)
	RevokeAccess(ctx context.Context, adminID, targetID int64) error
}

// MembershipHandler checks members joining the gated group.
type MembershipHandler interface {
	HandleMembershipEvent(ctx context.Context, platformUserID int64, addedBy *int64) error
}

// Sender delivers text messages.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Limiter applies per-action budgets.
type Limiter interface {
	Check(ctx context.Context, subjectID, action string) error
}

// Deduper reports whether an update is seen for the first time.
type Deduper interface {
	FirstSeen(ctx context.Context, updateID int64) (bool, error)
}

// Config configures a Dispatcher.
type Config struct {
	GroupID      int64
	ReferralCode string
	IsAdmin      func(platformUserID int64) bool
	// MaxInFlight bounds concurrently handled updates.
	MaxInFlight int
	// HandleTimeout bounds the handling of one update.
	HandleTimeout time.Duration
}

// Dispatcher routes updates to the verification, admin and membership
// flows and replies with fixed texts. Errors are logged; users only see
// the mapped message.
type Dispatcher struct {
	verifier   Verifier
	admin      Admin
	membership MembershipHandler
	sender     Sender
	limiter    Limiter
	dedup      Deduper
	cfg        Config
	logger     *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(
	verifier Verifier,
	admin Admin,
	membership MembershipHandler,
	sender Sender,
	limiter Limiter,
	dedup Deduper,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = time.Minute
	}
	if cfg.IsAdmin == nil {
		cfg.IsAdmin = func(int64) bool { return false }
	}
	return &Dispatcher{
		verifier:   verifier,
		admin:      admin,
		membership: membership,
		sender:     sender,
		limiter:    limiter,
		dedup:      dedup,
		cfg:        cfg,
		logger:     logger,
		sem:        make(chan struct{}, cfg.MaxInFlight),
	}
}

// Dispatch handles upd in its own goroutine once a slot is free. Updates
// already delivered through another path are dropped. It blocks only
// while all slots are busy, or until ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, upd telegram.Update) {
	first, err := d.dedup.FirstSeen(ctx, upd.UpdateID)
	if err != nil {
		d.logger.WarnContext(ctx, "update dedup unavailable", slog.Int64("update_id", upd.UpdateID), slog.String("error", err.Error()))
	} else if !first {
		updatesTotal.WithLabelValues(updateKind(upd), "duplicate").Inc()
		return
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	d.wg.Add(1)
	go func() {
		defer func() {
			<-d.sem
			d.wg.Done()
		}()
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.HandleTimeout)
		defer cancel()
		d.Handle(hctx, upd)
	}()
}

// Wait blocks until every dispatched update has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Handle processes one update synchronously.
func (d *Dispatcher) Handle(ctx context.Context, upd telegram.Update) {
	start := time.Now()
	kind := updateKind(upd)
	ctx = logger.WithCorrelationID(ctx, uuid.NewString())
	log := logger.WithContext(ctx, d.logger).With(slog.Int64("update_id", upd.UpdateID))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic while handling update",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			updatesTotal.WithLabelValues(kind, "panic").Inc()
		}
		updateDuration.Observe(time.Since(start).Seconds())
	}()

	switch {
	case upd.Message != nil:
		d.handleMessage(ctx, log, upd.Message)
	case upd.ChatMember != nil:
		d.handleChatMember(ctx, log, upd.ChatMember)
	}
	updatesTotal.WithLabelValues(kind, "handled").Inc()
}

func updateKind(upd telegram.Update) string {
	switch {
	case upd.Message != nil:
		return "message"
	case upd.ChatMember != nil:
		return "chat_member"
	default:
		return "other"
	}
}

func (d *Dispatcher) handleChatMember(ctx context.Context, log *slog.Logger, ev *telegram.ChatMemberUpdated) {
	if ev.Chat.ID != d.cfg.GroupID || ev.NewChatMember.User.IsBot {
		return
	}
	if ev.OldChatMember.IsPresent() || !ev.NewChatMember.IsPresent() {
		return
	}

	memberID := ev.NewChatMember.User.ID
	ctx = logger.WithPlatformUserID(ctx, memberID)
	var addedBy *int64
	if ev.From.ID != 0 && ev.From.ID != memberID {
		id := ev.From.ID
		addedBy = &id
	}
	if err := d.membership.HandleMembershipEvent(ctx, memberID, addedBy); err != nil {
		log.ErrorContext(ctx, "membership check failed", slog.Int64("member_id", memberID), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, log *slog.Logger, msg *telegram.Message) {
	if msg.From == nil || msg.From.IsBot || !msg.Chat.IsPrivate() {
		return
	}
	from := msg.From
	ctx = logger.WithPlatformUserID(ctx, from.ID)
	log = log.With(slog.String("platform_user_id", strconv.FormatInt(from.ID, 10)))

	if err := d.limiter.Check(ctx, strconv.FormatInt(from.ID, 10), ratelimit.ActionGeneral); err != nil {
		var rl *domain.RateLimitedError
		if errors.As(err, &rl) {
			d.reply(ctx, log, msg.Chat.ID, msgRateLimited(rl.RetryAfter))
			return
		}
		log.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
	}

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		name, args := parseCommand(text)
		d.handleCommand(ctx, log, msg, name, args)
		return
	}
	if text == "" {
		return
	}

	active, err := d.verifier.HasActiveSession(ctx, from.ID)
	if err != nil {
		log.ErrorContext(ctx, "session lookup failed", slog.String("error", err.Error()))
		d.reply(ctx, log, msg.Chat.ID, msgInternal)
		return
	}
	if !active {
		d.reply(ctx, log, msg.Chat.ID, msgNoSession)
		return
	}
	d.submit(ctx, log, msg.Chat.ID, from.ID, text)
}

// parseCommand splits "/cmd@bot arg1 arg2" into "cmd" and its arguments.
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), fields[1:]
}

func (d *Dispatcher) handleCommand(ctx context.Context, log *slog.Logger, msg *telegram.Message, name string, args []string) {
	chatID, from := msg.Chat.ID, msg.From
	commandsTotal.WithLabelValues(commandLabel(name)).Inc()

	switch name {
	case "start":
		d.start(ctx, log, chatID, from, ratelimit.ActionStart)
	case "register", "verify":
		d.start(ctx, log, chatID, from, ratelimit.ActionRegister)
	case "status":
		d.status(ctx, log, chatID, from.ID)
	case "help":
		text := msgHelp
		if d.cfg.IsAdmin(from.ID) {
			text += "\n\n" + msgAdminHelp
		}
		d.reply(ctx, log, chatID, text)
	case "stats", "users", "listusers", "revokeaccess":
		if !d.cfg.IsAdmin(from.ID) {
			d.reply(ctx, log, chatID, msgNotAdmin)
			return
		}
		d.adminCommand(ctx, log, chatID, from.ID, name, args)
	default:
		d.reply(ctx, log, chatID, msgUnknownCommand)
	}
}

func commandLabel(name string) string {
	switch name {
	case "start", "register", "verify", "status", "help", "stats", "users", "listusers", "revokeaccess":
		return name
	default:
		return "unknown"
	}
}

func (d *Dispatcher) start(ctx context.Context, log *slog.Logger, chatID int64, from *telegram.User, action string) {
	p := domain.Profile{
		PlatformUserID: from.ID,
		Username:       from.Username,
		FirstName:      from.FirstName,
		LastName:       from.LastName,
	}
	res, err := d.verifier.StartVerification(ctx, p, action)

	var rl *domain.RateLimitedError
	switch {
	case err == nil:
		link := affiliate.ReferralLink(d.cfg.ReferralCode, from.ID)
		remaining := res.User.AttemptsRemaining(d.verifier.MaxAttempts())
		d.reply(ctx, log, chatID, msgStartPrompt(res.User.DisplayName(), link, res.Session, remaining))
	case errors.Is(err, domain.ErrAlreadyVerified):
		switch {
		case res != nil && res.Invite != nil:
			d.reply(ctx, log, chatID, msgInvite(res.Invite))
		case res != nil && res.User.GroupAccess:
			d.reply(ctx, log, chatID, msgGrantFailed)
		default:
			d.reply(ctx, log, chatID, msgAlreadyVerified)
		}
	case errors.Is(err, domain.ErrAttemptsExhausted):
		d.reply(ctx, log, chatID, msgExhausted(d.verifier.MaxAttempts()))
	case errors.As(err, &rl):
		d.reply(ctx, log, chatID, msgRateLimited(rl.RetryAfter))
	default:
		log.ErrorContext(ctx, "start verification failed", slog.String("error", err.Error()))
		d.reply(ctx, log, chatID, msgInternal)
	}
}

func (d *Dispatcher) submit(ctx context.Context, log *slog.Logger, chatID, platformUserID int64, text string) {
	res, err := d.verifier.SubmitIdentifier(ctx, platformUserID, text)
	if err == nil {
		if res.Invite == nil {
			d.reply(ctx, log, chatID, msgGrantFailed)
			return
		}
		d.reply(ctx, log, chatID, msgVerified(res.Invite))
		return
	}

	var (
		rl  *domain.RateLimitedError
		nf  *domain.NotFoundError
		dup *domain.DuplicateBindingError
		up  *affiliate.UpstreamError
	)
	switch {
	case errors.Is(err, domain.ErrNoActiveSession):
		d.reply(ctx, log, chatID, msgNoSession)
	case errors.Is(err, domain.ErrInvalidIdentifier):
		d.reply(ctx, log, chatID, msgInvalidUID)
	case errors.As(err, &rl):
		d.reply(ctx, log, chatID, msgRateLimited(rl.RetryAfter))
	case errors.Is(err, domain.ErrAttemptsExhausted):
		d.reply(ctx, log, chatID, msgExhausted(d.verifier.MaxAttempts()))
	case errors.Is(err, domain.ErrAlreadyVerified):
		d.reply(ctx, log, chatID, msgAlreadyVerified)
	case errors.As(err, &nf):
		d.reply(ctx, log, chatID, msgNotFound(nf, affiliate.ReferralLink(d.cfg.ReferralCode, platformUserID)))
	case errors.As(err, &dup):
		log.WarnContext(ctx, "identifier already bound", slog.String("owner_id", dup.OwnerID))
		d.reply(ctx, log, chatID, msgDuplicate())
	case errors.As(err, &up):
		if affiliate.IsConfigError(err) {
			log.ErrorContext(ctx, "affiliate api rejected credentials", slog.String("error", err.Error()))
			d.reply(ctx, log, chatID, msgUpstreamConfig)
			return
		}
		log.WarnContext(ctx, "affiliate api unavailable", slog.String("error", err.Error()))
		d.reply(ctx, log, chatID, msgUpstream)
	default:
		log.ErrorContext(ctx, "identifier submission failed", slog.String("error", err.Error()))
		d.reply(ctx, log, chatID, msgInternal)
	}
}

func (d *Dispatcher) status(ctx context.Context, log *slog.Logger, chatID, platformUserID int64) {
	view, err := d.verifier.Status(ctx, platformUserID)
	switch {
	case err == nil:
		d.reply(ctx, log, chatID, msgStatus(view))
	case errors.Is(err, domain.ErrUserNotFound):
		d.reply(ctx, log, chatID, msgNotRegistered)
	default:
		log.ErrorContext(ctx, "status lookup failed", slog.String("error", err.Error()))
		d.reply(ctx, log, chatID, msgInternal)
	}
}

func (d *Dispatcher) adminCommand(ctx context.Context, log *slog.Logger, chatID, adminID int64, name string, args []string) {
	switch name {
	case "stats":
		report, err := d.admin.Stats(ctx)
		if err != nil {
			log.ErrorContext(ctx, "stats failed", slog.String("error", err.Error()))
			d.reply(ctx, log, chatID, msgInternal)
			return
		}
		d.reply(ctx, log, chatID, msgStats(report))

	case "users", "listusers":
		users, err := d.admin.ListWithAccess(ctx)
		if err != nil {
			log.ErrorContext(ctx, "list users failed", slog.String("error", err.Error()))
			d.reply(ctx, log, chatID, msgInternal)
			return
		}
		d.reply(ctx, log, chatID, msgUserList(users))

	case "revokeaccess":
		if len(args) != 1 {
			d.reply(ctx, log, chatID, msgRevokeUsage)
			return
		}
		targetID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			d.reply(ctx, log, chatID, msgRevokeUsage)
			return
		}
		switch err := d.admin.RevokeAccess(ctx, adminID, targetID); {
		case err == nil:
			d.reply(ctx, log, chatID, msgRevoked(targetID))
		case errors.Is(err, domain.ErrUserNotFound):
			d.reply(ctx, log, chatID, fmt.Sprintf("User %d is not registered.", targetID))
		default:
			log.ErrorContext(ctx, "revoke access failed", slog.Int64("target_id", targetID), slog.String("error", err.Error()))
			d.reply(ctx, log, chatID, msgInternal)
		}
	}
}

func (d *Dispatcher) reply(ctx context.Context, log *slog.Logger, chatID int64, text string) {
	if err := d.sender.SendMessage(ctx, chatID, text); err != nil {
		log.WarnContext(ctx, "failed to send reply", slog.String("error", err.Error()))
	}
}
