package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kaninstein/invitee-bot-2.0/pkg/httpclient"
)

// maxResponseBody caps how much of a Bot API response is read.
const maxResponseBody = 1 << 20

// Client calls the Telegram Bot API. Outbound calls share a token-bucket
// throttle that keeps the bot under the platform's flood limits;
// getUpdates bypasses it and uses its own long-poll transport.
type Client struct {
	baseURL string
	token   string
	http    httpclient.Doer
	poll    httpclient.Doer
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPollDoer sets the transport used for getUpdates. Its timeout must
// exceed the long-poll timeout.
func WithPollDoer(d httpclient.Doer) Option {
	return func(c *Client) { c.poll = d }
}

// WithSendRate sets the outbound throttle. rps <= 0 disables it.
func WithSendRate(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

// NewClient creates a Bot API client for token.
func NewClient(baseURL, token string, doer httpclient.Doer, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    doer,
		poll:    doer,
		limiter: rate.NewLimiter(rate.Limit(25), 25),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// SendMessage sends plain text to chatID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	params := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	return c.call(ctx, "sendMessage", params, nil)
}

// BanChatMember removes userID from chatID and bans them.
func (c *Client) BanChatMember(ctx context.Context, chatID, userID int64) error {
	params := map[string]any{"chat_id": chatID, "user_id": userID}
	return c.call(ctx, "banChatMember", params, nil)
}

// UnbanChatMember lifts a ban. With onlyIfBanned a current member is left
// alone; without it the Bot API also removes a present member.
func (c *Client) UnbanChatMember(ctx context.Context, chatID, userID int64, onlyIfBanned bool) error {
	params := map[string]any{"chat_id": chatID, "user_id": userID, "only_if_banned": onlyIfBanned}
	return c.call(ctx, "unbanChatMember", params, nil)
}

// CreateChatInviteLink creates an invite link for chatID.
func (c *Client) CreateChatInviteLink(ctx context.Context, chatID int64, name string, expireAt time.Time, memberLimit int) (*ChatInviteLink, error) {
	params := map[string]any{
		"chat_id":      chatID,
		"name":         name,
		"expire_date":  expireAt.Unix(),
		"member_limit": memberLimit,
	}
	var link ChatInviteLink
	if err := c.call(ctx, "createChatInviteLink", params, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// GetChatMember returns userID's membership in chatID.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error) {
	params := map[string]any{"chat_id": chatID, "user_id": userID}
	var m ChatMember
	if err := c.call(ctx, "getChatMember", params, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteWebhook removes any webhook so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": false}, nil)
}

// GetUpdates long-polls for updates with update_id >= offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": AllowedUpdates,
	}
	var updates []Update
	if err := c.do(ctx, c.poll, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	return c.do(ctx, c.http, method, params, out)
}

func (c *Client) do(ctx context.Context, doer httpclient.Doer, method string, params, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		apiRequests.WithLabelValues(method, outcome).Inc()
		apiDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram %s: encode params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: build request: %w", method, c.redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := doer.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, c.redact(err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("telegram %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !envelope.OK {
		apiErr := &APIError{Method: method, Code: envelope.ErrorCode, Description: envelope.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

// redactedError hides the bot token in a transport error's message.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// redact strips the bot token from request URLs quoted in err.
func (c *Client) redact(err error) error {
	msg := err.Error()
	if c.token == "" || !strings.Contains(msg, c.token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(msg, c.token, "<token>"), err: err}
}
