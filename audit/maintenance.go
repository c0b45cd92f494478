/*
maintenance.go - Audit read side: queries, retention, verification, reports

PURPOSE:
  Everything that reads or maintains the audit log after commit.
  Retention is the only mutation permitted anywhere in the log's life:
  a bounded, chunked delete of entries older than the horizon.

SEE ALSO:
  - audit.go: the in-transaction Writer
  - api/scheduler.go: drives CleanupOlderThan daily
*/
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/cashwire/core"
)

// cleanupChunk bounds each retention delete so long-running cleanups
// never hold long locks.
const cleanupChunk = 500

// Service is the read/maintenance side of the audit log.
type Service struct {
	Store     core.Store
	Directory core.UserDirectory
	Clock     core.Clock
	IDs       core.IdGen
}

func NewService(store core.Store, dir core.UserDirectory, clock core.Clock, ids core.IdGen) *Service {
	return &Service{Store: store, Directory: dir, Clock: clock, IDs: ids}
}

// Query runs a structured audit query with pagination.
func (s *Service) Query(ctx context.Context, f core.AuditFilter) ([]core.AuditEntry, error) {
	return s.Store.Audit().Query(ctx, f)
}

// =============================================================================
// RETENTION
// =============================================================================

// CleanupOlderThan deletes entries with created_at strictly before
// now - days. It first appends a DATA_RETENTION_CLEANUP system entry,
// then deletes in chunks. Returns the number of entries removed.
// Idempotent under fixed time: when nothing is due, nothing is written
// and nothing is deleted.
func (s *Service) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, core.E(core.CodeValidation, "retention horizon must be positive, got %d", days)
	}
	now := s.Clock.Now()
	cutoff := now.AddDate(0, 0, -days)

	due, err := s.Store.Audit().CountOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("counting retention candidates: %w", err)
	}
	if due == 0 {
		return 0, nil
	}

	// The cleanup entry is recorded before anything is deleted, so the
	// deletion itself is visible in the log it prunes.
	err = s.Store.WithTx(ctx, func(tx core.Tx) error {
		e := SystemEntry(core.ActionRetentionCleanup, core.EntitySystem, "")
		e.NewValues = map[string]any{
			"cutoff":     cutoff.Format(time.RFC3339),
			"horizon":    days,
			"candidates": due,
		}
		return NewWriter(s.Clock, s.IDs).Append(ctx, tx, e)
	})
	if err != nil {
		return 0, fmt.Errorf("recording retention cleanup: %w", err)
	}

	deleted := 0
	for {
		var n int
		err := s.Store.WithTx(ctx, func(tx core.Tx) error {
			var err error
			n, err = tx.Audit().DeleteOlderThan(ctx, cutoff, cleanupChunk)
			return err
		})
		if err != nil {
			return deleted, fmt.Errorf("retention delete: %w", err)
		}
		deleted += n
		if n < cleanupChunk {
			return deleted, nil
		}
	}
}

// =============================================================================
// INTEGRITY VERIFICATION
// =============================================================================

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "HEALTHY"
	StatusWarning  HealthStatus = "WARNING"
	StatusCritical HealthStatus = "CRITICAL"
)

type IntegrityIssue struct {
	EntryID  string
	Kind     string // missing_timestamp, missing_action, orphaned_user, malformed_payload
	Severity core.Severity
	Detail   string
}

type IntegrityReport struct {
	Status         HealthStatus
	EntriesScanned int
	Issues         []IntegrityIssue
}

const verifyPage = 1000

// VerifyIntegrity scans the whole log and reports structural problems.
// Read-only; never mutates. Overall status: HEALTHY with zero issues,
// WARNING below ten, CRITICAL at ten or more.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{Status: StatusHealthy}
	knownUsers := map[string]bool{}

	for offset := 0; ; offset += verifyPage {
		page, err := s.Store.Audit().Query(ctx, core.AuditFilter{Limit: verifyPage, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("scanning audit log: %w", err)
		}
		for _, e := range page {
			report.EntriesScanned++
			if e.CreatedAt.IsZero() {
				report.add(e.ID, "missing_timestamp", core.SeverityWarning, "entry has no created_at")
			}
			if e.ActionType == "" {
				report.add(e.ID, "missing_action", core.SeverityCritical, "entry has no action_type")
			}
			if e.Malformed {
				report.add(e.ID, "malformed_payload", core.SeverityCritical, "stored payload failed to decode")
			}
			if e.UserID != "" {
				found, ok := knownUsers[e.UserID]
				if !ok {
					u, err := s.Directory.Lookup(ctx, e.UserID)
					if err != nil {
						return nil, err
					}
					found = u != nil
					knownUsers[e.UserID] = found
				}
				if !found {
					report.add(e.ID, "orphaned_user", core.SeverityWarning,
						fmt.Sprintf("references unknown user %s", e.UserID))
				}
			}
		}
		if len(page) < verifyPage {
			break
		}
	}

	switch n := len(report.Issues); {
	case n == 0:
		report.Status = StatusHealthy
	case n < 10:
		report.Status = StatusWarning
	default:
		report.Status = StatusCritical
	}
	return report, nil
}

func (r *IntegrityReport) add(entryID, kind string, sev core.Severity, detail string) {
	r.Issues = append(r.Issues, IntegrityIssue{EntryID: entryID, Kind: kind, Severity: sev, Detail: detail})
}

// =============================================================================
// REPORTS
// =============================================================================

type ReportKind string

const (
	ReportComprehensive ReportKind = "COMPREHENSIVE"
	ReportTransactions  ReportKind = "TRANSACTIONS"
	ReportSecurity      ReportKind = "SECURITY"
	ReportUserActivity  ReportKind = "USER_ACTIVITY"
)

type Report struct {
	Kind         ReportKind
	Start, End   time.Time
	TotalEntries int

	// ByAction and ByEntityType are present for COMPREHENSIVE and
	// TRANSACTIONS reports.
	ByAction     map[string]int
	ByEntityType map[string]int

	// Failures collects *_FAILED actions; SECURITY and COMPREHENSIVE.
	Failures map[string]int

	// ByUser counts entries per acting user; USER_ACTIVITY and
	// COMPREHENSIVE.
	ByUser map[string]int
}

// GenerateReport aggregates audit entries in [start, end]. Read-only.
func (s *Service) GenerateReport(ctx context.Context, kind ReportKind, start, end time.Time) (*Report, error) {
	switch kind {
	case ReportComprehensive, ReportTransactions, ReportSecurity, ReportUserActivity:
	default:
		return nil, core.E(core.CodeValidation, "unknown report kind %q", kind)
	}

	rep := &Report{Kind: kind, Start: start, End: end}
	wantActions := kind == ReportComprehensive || kind == ReportTransactions
	wantFailures := kind == ReportComprehensive || kind == ReportSecurity
	wantUsers := kind == ReportComprehensive || kind == ReportUserActivity
	if wantActions {
		rep.ByAction = map[string]int{}
		rep.ByEntityType = map[string]int{}
	}
	if wantFailures {
		rep.Failures = map[string]int{}
	}
	if wantUsers {
		rep.ByUser = map[string]int{}
	}

	for offset := 0; ; offset += verifyPage {
		page, err := s.Store.Audit().Query(ctx, core.AuditFilter{
			From: &start, To: &end, Limit: verifyPage, Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("report query: %w", err)
		}
		for _, e := range page {
			rep.TotalEntries++
			if wantActions {
				rep.ByAction[e.ActionType]++
				rep.ByEntityType[e.EntityType]++
			}
			if wantFailures && isFailureAction(e.ActionType) {
				rep.Failures[e.ActionType]++
			}
			if wantUsers && e.UserID != "" {
				rep.ByUser[e.UserID]++
			}
		}
		if len(page) < verifyPage {
			break
		}
	}
	return rep, nil
}

func isFailureAction(action string) bool {
	const suffix = "_FAILED"
	return len(action) > len(suffix) && action[len(action)-len(suffix):] == suffix
}
