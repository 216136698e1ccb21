package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
	"github.com/kaninstein/invitee-bot-2.0/internal/service"
)

// User-facing texts. Plain text only; no parse mode is set on sends.
const (
	msgHelp = `Commands:
/start - register and verify your BloFin account
/register - start a new verification
/status - show your verification status
/help - show this message

To join the group, sign up on BloFin through the referral link from /start, then send your BloFin UID here.`

	msgAdminHelp = `Admin commands:
/stats - user and affiliate counters
/users - users holding group access
/revokeaccess <telegram id> - remove a user's group access`

	msgUnknownCommand  = "Unknown command. Use /help to see what I can do."
	msgNotRegistered   = "You are not registered yet. Use /start to begin."
	msgNoSession       = "There is no verification in progress. Use /start to begin."
	msgInvalidUID      = "That does not look like a BloFin UID. It should be 8 to 15 digits. Please send it again."
	msgAlreadyVerified = "Your account is already verified."
	msgUpstream        = "BloFin could not be reached right now. Your attempt was not counted, please send your UID again in a few minutes."
	msgUpstreamConfig  = "Verification is temporarily unavailable. An administrator has been notified."
	msgInternal        = "Something went wrong on our side. Please try again later."
	msgGrantFailed     = "Your account is verified, but the invitation could not be created. Use /start to get a new link."
	msgNotAdmin        = "This command is for administrators only."
	msgRevokeUsage     = "Usage: /revokeaccess <telegram id>"

	// RemovalNotice is sent to members expelled from the gated group.
	RemovalNotice = "You were removed from the group because your account is not verified. Use /start here to verify and receive an invitation."
)

func msgStartPrompt(name, referralLink string, session *domain.Session, remaining int) string {
	return fmt.Sprintf(`Hello %s!

To join the group:
1. Create a BloFin account with this link: %s
2. Send me your BloFin UID (8 to 15 digits).

Attempts remaining: %d. This verification expires at %s.`,
		name, referralLink, remaining, formatTime(session.ExpiresAt))
}

func msgInvite(invite *domain.Invite) string {
	return fmt.Sprintf("Here is your invitation to the group: %s\nIt works once and expires at %s.",
		invite.Link, formatTime(invite.ExpiresAt))
}

func msgVerified(invite *domain.Invite) string {
	return "Verified! Welcome aboard.\n\n" + msgInvite(invite)
}

func msgNotFound(err *domain.NotFoundError, referralLink string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "UID %s was not found among our referrals.\n\n", err.Identifier)
	b.WriteString("Possible causes:\n- the account was not created with our referral link\n- the UID is wrong\n- the registration is very recent, wait a few minutes\n\n")
	fmt.Fprintf(&b, "Referral link: %s\n\n", referralLink)
	if err.Remaining > 0 {
		fmt.Fprintf(&b, "Attempts remaining: %d. Send another UID to try again.", err.Remaining)
	} else {
		b.WriteString("You have no attempts left. Contact an administrator.")
	}
	return b.String()
}

func msgExhausted(maxAttempts int) string {
	return fmt.Sprintf("You have used all %d verification attempts. Contact an administrator.", maxAttempts)
}

func msgDuplicate() string {
	return "This UID is already linked to another Telegram account. If this is your UID, contact an administrator."
}

func msgRateLimited(retryAfter time.Duration) string {
	wait := retryAfter.Round(time.Second)
	if wait < time.Second {
		wait = time.Second
	}
	return fmt.Sprintf("Too many requests. Please wait %s and try again.", wait)
}

func msgStatus(view *service.StatusView) string {
	u := view.User
	var b strings.Builder
	fmt.Fprintf(&b, "Status for %s\n\n", u.DisplayName())
	fmt.Fprintf(&b, "Verification: %s\n", u.VerificationStatus)
	if u.ExternalAccountID != nil {
		fmt.Fprintf(&b, "BloFin UID: %s\n", *u.ExternalAccountID)
	}
	fmt.Fprintf(&b, "Group access: %s\n", yesNo(u.GroupAccess))
	fmt.Fprintf(&b, "Attempts used: %d of %d\n", u.VerificationAttempts, view.MaxAttempts)
	fmt.Fprintf(&b, "Referral token: %s\n", u.ReferralToken)
	fmt.Fprintf(&b, "Member since: %s\n", formatTime(u.CreatedAt))
	if view.Session != nil {
		fmt.Fprintf(&b, "\nWaiting for your UID until %s.", formatTime(view.Session.ExpiresAt))
	}
	return b.String()
}

func msgStats(r *service.StatsReport) string {
	var b strings.Builder
	b.WriteString("Users\n")
	fmt.Fprintf(&b, "Total: %d\nVerified: %d\nWith access: %d\nNew in 24h: %d\n",
		r.Users.Total, r.Users.Verified, r.Users.WithAccess, r.Users.Last24h)
	b.WriteString("\nAffiliate\n")
	if r.Affiliate == nil {
		b.WriteString("unavailable")
	} else {
		fmt.Fprintf(&b, "UID: %s\nCommission rate: %s\nTotal commission: %s",
			r.Affiliate.UID, r.Affiliate.CommissionRate, r.Affiliate.TotalCommission)
	}
	return b.String()
}

func msgUserList(users []domain.User) string {
	if len(users) == 0 {
		return "No users hold group access."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Users with access (%d):\n", len(users))
	for _, u := range users {
		uid := "-"
		if u.ExternalAccountID != nil {
			uid = *u.ExternalAccountID
		}
		fmt.Fprintf(&b, "%d %s UID %s\n", u.PlatformUserID, u.DisplayName(), uid)
	}
	return strings.TrimRight(b.String(), "\n")
}

func msgRevoked(targetID int64) string {
	return fmt.Sprintf("Access revoked for %d.", targetID)
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
