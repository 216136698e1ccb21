package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kaninstein/invitee-bot-2.0/internal/telegram"
	apperrors "github.com/kaninstein/invitee-bot-2.0/pkg/errors"
	"github.com/kaninstein/invitee-bot-2.0/pkg/httputil"
	"github.com/kaninstein/invitee-bot-2.0/pkg/validator"
)

// SecretHeader carries the secret token configured with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxUpdateBody = 1 << 20

// UpdateDispatcher accepts updates for handling.
type UpdateDispatcher interface {
	Dispatch(ctx context.Context, upd telegram.Update)
}

// WebhookHandler receives Bot API webhook deliveries.
type WebhookHandler struct {
	dispatcher UpdateDispatcher
	secret     string
	logger     *slog.Logger
}

// NewWebhookHandler creates a webhook handler. An empty secret accepts
// every delivery.
func NewWebhookHandler(dispatcher UpdateDispatcher, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher, secret: secret, logger: logger}
}

// Receive handles POST /telegram/webhook. The update is handed to the
// dispatcher and acknowledged right away.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.logger.WarnContext(r.Context(), "webhook delivery with bad secret", slog.String("remote_addr", r.RemoteAddr))
			httputil.WriteError(w, r, apperrors.Unauthorized("invalid webhook secret"))
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUpdateBody)
	var upd telegram.Update
	if err := validator.DecodeAndValidate(r, &upd); err != nil {
		var valErr *validator.ValidationError
		if errors.As(err, &valErr) {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteError(w, r, apperrors.InvalidInput("malformed update"))
		return
	}

	h.dispatcher.Dispatch(context.WithoutCancel(r.Context()), upd)
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]bool{"ok": true}})
}
