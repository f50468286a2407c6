package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/storage"
	"github.com/solsight/solsight/pkg/types"
)

// Sink receives security audit events: authentication attempts, profile
// access, sign-in/out. Emission is fire-and-forget; a sink must never block
// or fail the primary operation.
type Sink interface {
	Emit(ctx context.Context, event types.AuditEvent)
}

// StorageSink appends audit events to the database in the background.
type StorageSink struct {
	db      storage.Database
	timeout time.Duration
	now     func() time.Time

	// done is closed-loop signaling for tests; each Emit sends once.
	done chan struct{}
}

// NewStorageSink creates a sink backed by the given database.
func NewStorageSink(db storage.Database) *StorageSink {
	return &StorageSink{
		db:      db,
		timeout: 10 * time.Second,
		now:     time.Now,
	}
}

// Emit writes the event asynchronously. Failures are logged and dropped; the
// caller's operation is never affected.
func (s *StorageSink) Emit(ctx context.Context, event types.AuditEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	// detach from the caller's cancellation so an aborted request still gets
	// its attempt recorded
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(bgCtx, s.timeout)
		defer cancel()
		if err := s.db.InsertAuditEvent(ctx, event); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to write audit event",
				slog.String("action", event.Action),
				slog.String("userID", event.UserID),
				slog.Any("error", err),
			)
		}
		if s.done != nil {
			s.done <- struct{}{}
		}
	}()
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(context.Context, types.AuditEvent) {}
