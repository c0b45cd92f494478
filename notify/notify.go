/*
Package notify delivers outbound events after commit.

PURPOSE:
  The core emits notifications strictly AFTER the store transaction that
  produced them has committed. A sink failure never undoes the business
  operation; it is itself recorded as a NOTIFICATION_FAILED system audit
  entry in a separate best-effort mini-transaction.

SINKS:
  - LogSink:    structured log line per event (default in the server)
  - MemorySink: captures events for tests, can be told to fail

SEE ALSO:
  - core/collaborators.go: Notification and NotificationSink contracts
*/
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/warp/cashwire/audit"
	"github.com/warp/cashwire/core"
)

// =============================================================================
// EMITTER - Post-commit, best-effort
// =============================================================================

// Emitter wraps a sink with failure auditing. A nil *Emitter is valid
// and emits nothing, so services can treat notifications as optional.
type Emitter struct {
	Sink  core.NotificationSink
	Store core.Store
	Audit *audit.Writer
	Log   *zap.SugaredLogger
}

func NewEmitter(sink core.NotificationSink, store core.Store, w *audit.Writer, log *zap.SugaredLogger) *Emitter {
	return &Emitter{Sink: sink, Store: store, Audit: w, Log: log}
}

// Emit sends the event. Failures are logged and audited, never returned:
// by the time Emit runs the business operation has already committed.
func (e *Emitter) Emit(ctx context.Context, n core.Notification) {
	if e == nil || e.Sink == nil {
		return
	}
	err := e.Sink.Emit(ctx, n)
	if err == nil {
		return
	}
	if e.Log != nil {
		e.Log.Warnw("notification emission failed", "kind", n.Kind, "error", err)
	}
	if e.Store == nil || e.Audit == nil {
		return
	}
	entry := audit.SystemEntry(core.ActionNotificationFailed, core.EntitySystem, "")
	entry.Severity = core.SeverityWarning
	entry.NewValues = map[string]any{
		"kind":       string(n.Kind),
		"recipients": n.UserIDs,
		"error":      err.Error(),
	}
	if auditErr := e.Store.WithTx(ctx, func(tx core.Tx) error {
		return e.Audit.Append(ctx, tx, entry)
	}); auditErr != nil && e.Log != nil {
		e.Log.Warnw("failed to audit notification failure", "error", auditErr)
	}
}

// =============================================================================
// SINKS
// =============================================================================

// LogSink writes each event as a structured log line.
type LogSink struct {
	Log *zap.SugaredLogger
}

func (s *LogSink) Emit(_ context.Context, n core.Notification) error {
	s.Log.Infow("notification", "kind", n.Kind, "recipients", n.UserIDs, "payload", n.Payload)
	return nil
}

// MemorySink captures events for tests.
type MemorySink struct {
	mu       sync.Mutex
	events   []core.Notification
	FailWith error // when set, Emit returns it
}

func (s *MemorySink) Emit(_ context.Context, n core.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.events = append(s.events, n)
	return nil
}

func (s *MemorySink) Events() []core.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Notification, len(s.events))
	copy(out, s.events)
	return out
}
