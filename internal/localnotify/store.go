// Package localnotify is the server-side notification platform: it stores
// reminders per owner, answers permission checks and fires due reminders
// through the configured deliverers.
package localnotify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/salus/reminders/internal/reminder"
)

// Permission is the stored display-permission decision of an owner.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	// PermissionPrompt means the owner has been asked and has not answered.
	PermissionPrompt Permission = "prompt"
	// PermissionUnknown is reported for owners that were never asked.
	PermissionUnknown Permission = ""
)

// ErrInvalidPermission is returned when storing a decision other than
// granted or denied.
var ErrInvalidPermission = errors.New("permission must be granted or denied")

// ParsePermission validates a decision submitted by an owner.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(s); p {
	case PermissionGranted, PermissionDenied:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}
}

// Status is the lifecycle state of a stored reminder. A claimed reminder
// that no channel accepted ends up failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFired     Status = "fired"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Due is a reminder claimed for delivery.
type Due struct {
	Seq          int64
	OwnerID      string
	Notification reminder.ScheduledNotification
}

// Store persists reminders and permission decisions for every owner.
//
// Insert never deduplicates. Cancel only touches pending rows and ignores
// unknown ids. ClaimDue moves due rows from pending to fired; a row is
// claimed by at most one caller. MarkFailed moves a claimed row to failed
// and records why.
type Store interface {
	Permission(ctx context.Context, ownerID string) (Permission, error)
	SetPermission(ctx context.Context, ownerID string, p Permission) error

	Insert(ctx context.Context, ownerID string, ns []reminder.ScheduledNotification) error
	Pending(ctx context.Context, ownerID string) ([]reminder.ScheduledNotification, error)
	Cancel(ctx context.Context, ownerID string, ids []int64) (int64, error)

	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Due, error)
	MarkFailed(ctx context.Context, seq int64, reason string) error
}
