package bot

import (
	"context"
	"log/slog"
	"time"

	"github.com/kaninstein/invitee-bot-2.0/internal/telegram"
)

// Lease is the distributed lock guarding the single long-poller.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) (bool, error)
	Release(ctx context.Context) (bool, error)
	TTL() time.Duration
}

// Poller fetches updates by long polling.
type Poller interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	DeleteWebhook(ctx context.Context) error
}

// UpdateDispatcher accepts updates for handling.
type UpdateDispatcher interface {
	Dispatch(ctx context.Context, upd telegram.Update)
}

// Supervisor long-polls for updates while it holds the lease. Instances
// without the lease serve webhook deliveries only and retry acquisition
// every half lease period. A failed renewal stops polling at once.
type Supervisor struct {
	lease       Lease
	poller      Poller
	dispatcher  UpdateDispatcher
	pollTimeout time.Duration
	logger      *slog.Logger

	retryInterval time.Duration
	renewInterval time.Duration
	errorBackoff  time.Duration
	offset        int64
}

// NewSupervisor creates a new supervisor.
func NewSupervisor(lease Lease, poller Poller, dispatcher UpdateDispatcher, pollTimeout time.Duration, logger *slog.Logger) *Supervisor {
	ttl := lease.TTL()
	return &Supervisor{
		lease:         lease,
		poller:        poller,
		dispatcher:    dispatcher,
		pollTimeout:   pollTimeout,
		logger:        logger,
		retryInterval: ttl / 2,
		renewInterval: ttl / 3,
		errorBackoff:  time.Second,
	}
}

// Run competes for the lease until ctx is canceled. The lease is released
// before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		ok, err := s.lease.Acquire(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.WarnContext(ctx, "poller lease acquisition failed", slog.String("error", err.Error()))
		case ok:
			s.lead(ctx)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.retryInterval):
		}
	}
}

// lead polls until the lease is lost or ctx is canceled.
func (s *Supervisor) lead(ctx context.Context) {
	s.logger.InfoContext(ctx, "poller lease acquired, polling for updates")

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		s.keepAlive(pollCtx, cancel)
	}()

	if err := s.poller.DeleteWebhook(pollCtx); err != nil && pollCtx.Err() == nil {
		s.logger.WarnContext(ctx, "failed to delete webhook", slog.String("error", err.Error()))
	}

	s.poll(pollCtx)
	cancel()
	<-renewDone

	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer releaseCancel()
	if _, err := s.lease.Release(releaseCtx); err != nil {
		s.logger.WarnContext(ctx, "failed to release poller lease", slog.String("error", err.Error()))
	}
	s.logger.InfoContext(ctx, "stopped polling")
}

func (s *Supervisor) keepAlive(ctx context.Context, stop context.CancelFunc) {
	ticker := time.NewTicker(s.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.lease.Renew(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				attrs := []any{}
				if err != nil {
					attrs = append(attrs, slog.String("error", err.Error()))
				}
				s.logger.WarnContext(ctx, "poller lease lost", attrs...)
				stop()
				return
			}
		}
	}
}

func (s *Supervisor) poll(ctx context.Context) {
	for ctx.Err() == nil {
		updates, err := s.poller.GetUpdates(ctx, s.offset, s.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WarnContext(ctx, "getUpdates failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.errorBackoff):
			}
			continue
		}

		for _, upd := range updates {
			s.dispatcher.Dispatch(ctx, upd)
			if upd.UpdateID >= s.offset {
				s.offset = upd.UpdateID + 1
			}
		}
	}
}
