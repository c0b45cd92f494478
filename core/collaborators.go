/*
collaborators.go - External collaborator contracts

PURPOSE:
  The core treats identity and notification dispatch as external
  collaborators. This file defines the narrow interfaces the core
  consumes; implementations live in the directory and notify packages
  (or outside the repo entirely).
*/
package core

import "context"

// =============================================================================
// USER DIRECTORY
// =============================================================================

// UserDirectory is a read-only lookup of users. Lookup returns (nil, nil)
// when the user does not exist.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (*User, error)
}

// RequireActiveUser resolves a user and enforces existence and activity.
func RequireActiveUser(ctx context.Context, dir UserDirectory, userID string) (*User, error) {
	u, err := dir.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, E(CodeAccountNotFound, "no user %s", userID)
	}
	if !u.Active {
		return nil, E(CodeUserInactive, "user %s is inactive", userID)
	}
	return u, nil
}

// =============================================================================
// NOTIFICATION SINK
// =============================================================================

type NotificationKind string

const (
	NotifyTransferCompleted   NotificationKind = "TRANSFER_COMPLETED"
	NotifyBulkCompleted       NotificationKind = "BULK_COMPLETED"
	NotifyRequestCreated      NotificationKind = "REQUEST_CREATED"
	NotifyRequestResponded    NotificationKind = "REQUEST_RESPONDED"
	NotifyContributionMade    NotificationKind = "CONTRIBUTION_MADE"
	NotifyEventClosed         NotificationKind = "EVENT_CLOSED"
	NotifyDeadlineApproaching NotificationKind = "DEADLINE_APPROACHING"
)

// Notification is the outbound event the core emits after commit.
type Notification struct {
	Kind    NotificationKind
	UserIDs []string // recipients
	Payload map[string]any
}

// NotificationSink receives outbound events. Emission is best-effort:
// a sink failure must never roll back the originating transaction.
type NotificationSink interface {
	Emit(ctx context.Context, n Notification) error
}
