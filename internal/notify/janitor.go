package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/bus"
	"github.com/Shasikumar10/Chat-App/internal/store"
	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// Janitor purges finished push outbox rows on a cron schedule.
type Janitor struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cron   string
	retain time.Duration
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor validates the cron expression. Rows finished more than retain
// ago are removed on every tick.
func NewJanitor(db *store.DB, b *bus.Bus, logger *zap.Logger, cronExpr string, retain time.Duration) (*Janitor, error) {
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid purge cron expression: %q", cronExpr)
	}
	if retain <= 0 {
		return nil, fmt.Errorf("purge retention must be positive, got %s", retain)
	}
	return &Janitor{db: db, bus: b, logger: logger, cron: cronExpr, retain: retain, now: time.Now}, nil
}

// Start runs the schedule until Stop or ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	go j.run(ctx)
}

// Stop cancels the schedule and waits for an in-flight purge.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.done)
	for {
		next, err := gronx.NextTickAfter(j.cron, j.now().UTC(), false)
		if err != nil {
			j.logger.Error("purge schedule failed", zap.String("cron", j.cron), zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := j.PurgeOnce(ctx); err != nil {
				j.logger.Error("push outbox purge failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// PurgeOnce removes finished rows older than the retention window.
func (j *Janitor) PurgeOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retain)
	n, err := j.db.PurgePush(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("purged push outbox", zap.Int64("rows", n), zap.Time("cutoff", cutoff))
	}
	j.bus.Emit(bus.KindPushPurged, map[string]any{"rows": n, "cutoff": cutoff})
	return n, nil
}
