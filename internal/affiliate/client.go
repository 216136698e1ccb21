package affiliate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kaninstein/invitee-bot-2.0/pkg/httpclient"
)

const (
	invitesPath = "/api/v1/affiliate/invitees"
	basicPath   = "/api/v1/affiliate/basic"

	maxBodyBytes = 1 << 20
)

// Credentials authenticate calls to the affiliate API.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// Client is a signed client for the BloFin affiliate API. It never
// retries; callers decide what a failure means.
type Client struct {
	baseURL    string
	creds      Credentials
	signer     *Signer
	httpClient httpclient.Doer
	logger     *slog.Logger
	tracer     trace.Tracer

	now   func() time.Time
	newID func() string
}

// Option customises a Client.
type Option func(*Client)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithIDSource overrides the generator used for nonces and request ids.
func WithIDSource(newID func() string) Option {
	return func(c *Client) { c.newID = newID }
}

// NewClient creates an affiliate API client on top of httpClient.
func NewClient(baseURL string, creds Credentials, httpClient httpclient.Doer, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		signer:     NewSigner(creds.SecretKey),
		httpClient: httpClient,
		logger:     logger,
		tracer:     otel.Tracer("invitee-bot/affiliate"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends one signed request and decodes the response envelope. A
// non-success envelope code is returned as an *UpstreamError.
func (c *Client) Call(ctx context.Context, method, path string, params url.Values, body []byte) (*Envelope, error) {
	method = strings.ToUpper(method)
	requestID := c.newID()
	nonce := c.newID()
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)

	requestPath := path
	if len(params) > 0 {
		requestPath += "?" + params.Encode()
	}

	ctx, span := c.tracer.Start(ctx, "affiliate "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
			attribute.String("affiliate.request_id", requestID),
		),
	)
	defer span.End()

	log := c.logger.With(
		slog.String("request_id", requestID),
		slog.String("method", method),
		slog.String("path", path),
	)

	start := time.Now()
	env, err := c.do(ctx, method, requestPath, body, requestID, nonce, timestamp)
	requestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())

	if err != nil {
		var upErr *UpstreamError
		if errors.As(err, &upErr) {
			upErr.RequestID = requestID
			requestsTotal.WithLabelValues(path, string(upErr.Kind)).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.WarnContext(ctx, "affiliate api call failed", slog.String("error", err.Error()))
		return nil, err
	}

	requestsTotal.WithLabelValues(path, "ok").Inc()
	log.DebugContext(ctx, "affiliate api call succeeded",
		slog.String("code", env.Code.String()),
		slog.Duration("took", time.Since(start)),
	)
	return env, nil
}

func (c *Client) do(ctx context.Context, method, requestPath string, body []byte, requestID, nonce, timestamp string) (*Envelope, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, reader)
	if err != nil {
		return nil, fmt.Errorf("create affiliate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("ACCESS-KEY", c.creds.APIKey)
	req.Header.Set("ACCESS-SIGN", c.signer.Sign(requestPath, method, timestamp, nonce, string(body)))
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-NONCE", nonce)
	req.Header.Set("ACCESS-PASSPHRASE", c.creds.Passphrase)
	req.Header.Set("X-REQUEST-ID", requestID)

	resp, err := c.httpClient.Do(ctx, req)
	if err != nil {
		return nil, transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &UpstreamError{Kind: KindConfig, StatusCode: resp.StatusCode, Message: snippet(raw)}
	case resp.StatusCode >= 500:
		return nil, &UpstreamError{Kind: KindServer, StatusCode: resp.StatusCode, Message: snippet(raw), Retryable: true}
	case httpclient.IsClientError(resp.StatusCode):
		return nil, &UpstreamError{Kind: KindRejected, StatusCode: resp.StatusCode, Message: snippet(raw)}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &UpstreamError{Kind: KindProtocol, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if !env.Success() {
		kind := KindRejected
		if strings.Contains(strings.ToLower(env.Msg), "sign") {
			kind = KindConfig
		}
		return nil, &UpstreamError{Kind: kind, StatusCode: resp.StatusCode, Code: env.Code.String(), Message: env.Msg}
	}
	return &env, nil
}

func transportError(err error) *UpstreamError {
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return &UpstreamError{Kind: KindServer, StatusCode: statusErr.StatusCode, Message: statusErr.Body, Retryable: true}
	}
	return &UpstreamError{Kind: KindTransport, Retryable: httpclient.IsTransient(err), Err: err}
}

func snippet(raw []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

// Invitees lists direct invitees matching q.
func (c *Client) Invitees(ctx context.Context, q InviteeQuery) (*InviteesResult, error) {
	params := url.Values{}
	if q.UID != "" {
		params.Set("uid", q.UID)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Begin.IsZero() {
		params.Set("begin", strconv.FormatInt(q.Begin.UnixMilli(), 10))
	}
	if !q.End.IsZero() {
		params.Set("end", strconv.FormatInt(q.End.UnixMilli(), 10))
	}

	env, err := c.Call(ctx, http.MethodGet, invitesPath, params, nil)
	if err != nil {
		return nil, err
	}

	result := &InviteesResult{}
	if env.HasData() {
		if err := json.Unmarshal(env.Data, &result.Invitees); err != nil {
			return nil, &UpstreamError{Kind: KindProtocol, Err: fmt.Errorf("decode invitees: %w", err)}
		}
	}
	return result, nil
}

// Basic returns the affiliate account summary.
func (c *Client) Basic(ctx context.Context) (*BasicInfo, error) {
	env, err := c.Call(ctx, http.MethodGet, basicPath, nil, nil)
	if err != nil {
		return nil, err
	}

	var info BasicInfo
	if env.HasData() {
		if err := json.Unmarshal(env.Data, &info); err != nil {
			return nil, &UpstreamError{Kind: KindProtocol, Err: fmt.Errorf("decode basic info: %w", err)}
		}
	}
	return &info, nil
}

// Ping checks that the API accepts our credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Basic(ctx)
	return err
}
