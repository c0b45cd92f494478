/*
Package audit is the append-only, tamper-evident record of every state
transition in cash-wire.

PURPOSE:
  Two halves. The Writer stamps and appends entries INSIDE the caller's
  store transaction, so an audit record commits with the state change it
  describes or not at all. The Service is the read/maintenance side:
  structured queries, retention cleanup, integrity verification, and
  reports.

CRITICAL INVARIANTS:
  1. WRITE-THROUGH: Append happens in the same store transaction as the
     change (never a post-commit hook), so a crash cannot separate them.
  2. IMMUTABLE: entries are never updated. The retention job is the only
     delete path, and it only removes entries older than the horizon.
  3. REDACTED: sensitive keys are replaced before persistence, so secrets
     never reach disk.

SEE ALSO:
  - core/types.go: AuditEntry, action type constants
  - audit/maintenance.go: retention, verification, reports
*/
package audit

import (
	"context"

	"github.com/warp/cashwire/core"
)

// =============================================================================
// WRITER - In-transaction append
// =============================================================================

// Writer appends audit entries inside a caller-owned store transaction.
// It owns stamping (id, timestamp) and redaction; callers supply the
// semantic fields.
type Writer struct {
	Clock core.Clock
	IDs   core.IdGen
}

func NewWriter(clock core.Clock, ids core.IdGen) *Writer {
	return &Writer{Clock: clock, IDs: ids}
}

// Append stamps the entry and writes it through the given transaction's
// audit repository. Severity defaults to info.
func (w *Writer) Append(ctx context.Context, tx core.Tx, e core.AuditEntry) error {
	e.ID = w.IDs.NewID()
	e.CreatedAt = w.Clock.Now()
	if e.Severity == "" {
		e.Severity = core.SeverityInfo
	}
	e.OldValues = Redact(e.OldValues)
	e.NewValues = Redact(e.NewValues)
	return tx.Audit().Insert(ctx, e)
}

// Op builds the attribution fields of an entry from an operation context.
func Op(op core.OperationContext) core.AuditEntry {
	return core.AuditEntry{
		UserID:    op.ActorID,
		IPAddress: op.IPAddress,
		UserAgent: op.UserAgent,
	}
}

// Entry is a convenience constructor for the common shape.
func Entry(op core.OperationContext, action, entityType, entityID string) core.AuditEntry {
	e := Op(op)
	e.ActionType = action
	e.EntityType = entityType
	e.EntityID = entityID
	return e
}

// SystemEntry builds an entry with no acting user.
func SystemEntry(action, entityType, entityID string) core.AuditEntry {
	return core.AuditEntry{
		ActionType: action,
		EntityType: entityType,
		EntityID:   entityID,
	}
}
