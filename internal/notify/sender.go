package notify

import (
	"context"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/bus"
	"github.com/Shasikumar10/Chat-App/internal/metrics"
	"github.com/Shasikumar10/Chat-App/internal/store"
	"go.uber.org/zap"
)

// SenderOptions tunes the drain loop. Zero values take the defaults.
type SenderOptions struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// Sender drains the push outbox and hands each entry to a Dispatcher.
type Sender struct {
	db         *store.DB
	dispatcher Dispatcher
	bus        *bus.Bus
	metrics    *metrics.Metrics
	logger     *zap.Logger
	opts       SenderOptions
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, d Dispatcher, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, opts SenderOptions) *Sender {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Sender{
		db:         db,
		dispatcher: d,
		bus:        b,
		metrics:    m,
		logger:     logger,
		opts:       opts,
	}
}

// Start requeues entries a previous run claimed but never finished, then
// begins polling the outbox for queued pushes.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueStalePush(ctx); err != nil {
		s.logger.Error("failed to requeue stale pushes", zap.Error(err))
	} else if n > 0 {
		s.logger.Warn("requeued pushes left in sending", zap.Int64("count", n))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for the current batch to finish.
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingPush(ctx, s.opts.BatchSize)
	if err != nil {
		s.logger.Error("failed to read push outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		claimed, err := s.db.MarkPushSending(ctx, entry.ID)
		if err != nil {
			s.logger.Error("failed to claim push", zap.Error(err), zap.Int64("push_id", entry.ID))
			continue
		}
		if !claimed {
			continue
		}
		s.deliver(ctx, entry)
	}
}

func (s *Sender) deliver(ctx context.Context, entry store.PushEntry) {
	token, err := s.db.GetPushToken(ctx, entry.UserID)
	if err != nil {
		s.logger.Error("failed to look up push token", zap.Error(err), zap.Int64("push_id", entry.ID))
		_ = s.db.RequeuePush(ctx, entry.ID)
		return
	}
	if token == nil {
		if err := s.db.MarkPushSkipped(ctx, entry.ID, "no push token"); err != nil {
			s.logger.Error("failed to mark push skipped", zap.Error(err), zap.Int64("push_id", entry.ID))
		}
		s.metrics.PushResult("skipped")
		s.bus.Emit(bus.KindPushSkipped, map[string]any{"push_id": entry.ID, "user_id": entry.UserID})
		return
	}

	err = s.dispatcher.Dispatch(ctx, Push{
		ID:       entry.ID,
		UserID:   entry.UserID,
		Token:    token.Token,
		Platform: token.Platform,
		Title:    entry.Title,
		Body:     entry.Body,
		Data:     entry.Data,
		QueuedAt: entry.CreatedAt,
	})
	if err != nil {
		attempts := entry.Attempts + 1
		s.logger.Warn("push dispatch failed",
			zap.Error(err),
			zap.Int64("push_id", entry.ID),
			zap.Int("attempt", attempts))
		if attempts < s.opts.MaxAttempts {
			_ = s.db.RequeuePush(ctx, entry.ID)
			s.metrics.PushResult("retry")
			return
		}
		_ = s.db.MarkPushFailed(ctx, entry.ID, err.Error())
		s.metrics.PushResult("failed")
		s.bus.Emit(bus.KindPushFailed, map[string]any{
			"push_id": entry.ID,
			"user_id": entry.UserID,
			"error":   err.Error(),
		})
		return
	}

	if err := s.db.MarkPushSent(ctx, entry.ID); err != nil {
		s.logger.Error("failed to mark push sent", zap.Error(err), zap.Int64("push_id", entry.ID))
	}
	s.metrics.PushResult("sent")
	s.logger.Debug("push sent", zap.Int64("push_id", entry.ID), zap.String("user_id", entry.UserID))
	s.bus.Emit(bus.KindPushSent, map[string]any{"push_id": entry.ID, "user_id": entry.UserID})
}
