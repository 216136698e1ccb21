package affiliate

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
	"github.com/kaninstein/invitee-bot-2.0/pkg/validator"
)

// identifierRule accepts 8 to 15 ASCII digits.
const identifierRule = "required,number,min=8,max=15"

// InviteeSource lists invitees. *Client implements it.
type InviteeSource interface {
	Invitees(ctx context.Context, q InviteeQuery) (*InviteesResult, error)
}

// LookupConfig tunes the fallback scans.
type LookupConfig struct {
	PageSizes    []int
	RecentWindow time.Duration // 0 disables the recent-registration scan
	RecentLimit  int
}

// DefaultLookupConfig scans pages of 200, 100 and 50 and the last 48h.
func DefaultLookupConfig() LookupConfig {
	return LookupConfig{
		PageSizes:    []int{200, 100, 50},
		RecentWindow: 48 * time.Hour,
		RecentLimit:  200,
	}
}

// Lookup decides whether an identifier belongs to an invitee of the
// affiliate account. It has no side effects.
type Lookup struct {
	source InviteeSource
	cfg    LookupConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewLookup creates a Lookup over source.
func NewLookup(source InviteeSource, cfg LookupConfig, logger *slog.Logger) *Lookup {
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 200
	}
	return &Lookup{source: source, cfg: cfg, logger: logger, now: time.Now}
}

type lookupStep struct {
	name  string
	query InviteeQuery
	// direct steps match on any returned row; scans need an exact uid.
	direct bool
}

// ValidateIdentifier checks the identifier format without any network call.
func ValidateIdentifier(id string) error {
	if err := validator.Var(id, identifierRule); err != nil {
		return domain.ErrInvalidIdentifier
	}
	return nil
}

// VerifyIdentifier tries a direct uid query, then page scans, then a scan
// of recent registrations. It returns false with a nil error only when
// every step completed without a match. A configuration error aborts at
// once; any other failure leaves the step inconclusive and is returned if
// nothing matched.
func (l *Lookup) VerifyIdentifier(ctx context.Context, id string) (bool, error) {
	if err := ValidateIdentifier(id); err != nil {
		lookupsTotal.WithLabelValues("invalid", "format").Inc()
		return false, err
	}

	var lastErr error
	for _, step := range l.steps(id) {
		res, err := l.source.Invitees(ctx, step.query)
		if err != nil {
			if IsConfigError(err) {
				lookupsTotal.WithLabelValues("error", step.name).Inc()
				l.logger.ErrorContext(ctx, "affiliate lookup aborted on configuration error",
					slog.String("step", step.name),
					slog.String("error", err.Error()),
				)
				return false, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			l.logger.WarnContext(ctx, "affiliate lookup step inconclusive",
				slog.String("step", step.name),
				slog.String("error", err.Error()),
			)
			lastErr = err
			continue
		}

		if (step.direct && len(res.Invitees) > 0) || res.Contains(id) {
			lookupsTotal.WithLabelValues("found", step.name).Inc()
			l.logger.InfoContext(ctx, "identifier found among invitees", slog.String("step", step.name))
			return true, nil
		}
	}

	if lastErr != nil {
		lookupsTotal.WithLabelValues("error", "exhausted").Inc()
		var upErr *UpstreamError
		if !errors.As(lastErr, &upErr) {
			lastErr = &UpstreamError{Kind: KindTransport, Retryable: true, Err: lastErr}
		}
		return false, lastErr
	}
	lookupsTotal.WithLabelValues("not_found", "exhausted").Inc()
	return false, nil
}

func (l *Lookup) steps(id string) []lookupStep {
	steps := []lookupStep{{name: "direct", query: InviteeQuery{UID: id, Limit: 1}, direct: true}}
	for _, size := range l.cfg.PageSizes {
		steps = append(steps, lookupStep{name: "page_" + strconv.Itoa(size), query: InviteeQuery{Limit: size}})
	}
	if l.cfg.RecentWindow > 0 {
		now := l.now()
		steps = append(steps, lookupStep{
			name:  "recent",
			query: InviteeQuery{Limit: l.cfg.RecentLimit, Begin: now.Add(-l.cfg.RecentWindow), End: now},
		})
	}
	return steps
}

// ReferralLink returns the affiliate registration link tagged with the
// platform user id.
func ReferralLink(referralCode string, platformUserID int64) string {
	q := url.Values{}
	q.Set("referral_code", referralCode)
	q.Set("source", "telegram_"+strconv.FormatInt(platformUserID, 10))
	return "https://blofin.com/register?" + q.Encode()
}
