package core

import "time"

// =============================================================================
// OPERATIONAL VALUES
// =============================================================================

// Balance bounds. Every account balance must stay within
// [MinBalance, MaxBalance] at every commit boundary.
var (
	MinBalance = MustMoney("-250.00")
	MaxBalance = MustMoney("250.00")

	// OverdraftWarningThreshold: debits landing within this margin above
	// MinBalance get an advisory APPROACHING_OVERDRAFT warning.
	OverdraftWarningThreshold = MustMoney("50.00")
)

const (
	MaxBulkRecipients = 50

	MaxNoteLength        = 500
	MaxCategoryLength    = 100
	MaxEventNameLength   = 255
	MaxDescriptionLength = 1000

	RequestDefaultExpiryDays = 7
	RequestMaxExpiryDays     = 30

	// AuditRetentionDays is 7 years, the only horizon at which audit
	// entries may be deleted.
	AuditRetentionDays = 2555

	// StoreRetryAttempts bounds the ledger's retry loop for transient
	// store errors.
	StoreRetryAttempts = 3
	StoreRetryBackoff  = 25 * time.Millisecond

	// SessionTimeoutHours belongs to whatever fronts this service; the
	// core publishes it but never enforces it.
	SessionTimeoutHours = 8
)
