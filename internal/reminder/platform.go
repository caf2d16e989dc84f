package reminder

import (
	"context"
	"time"
)

// Platform is the notification service that stores and fires reminders.
// Implementations are scoped to a single owner (device or user).
//
// Cancel must be a no-op for ids that are unknown or already fired.
// Schedule is not idempotent: registering the same id twice keeps both.
type Platform interface {
	CheckPermission(ctx context.Context) (PermissionState, error)
	RequestPermission(ctx context.Context) (PermissionState, error)
	Schedule(ctx context.Context, notifications []ScheduledNotification) error
	Pending(ctx context.Context) ([]ScheduledNotification, error)
	Cancel(ctx context.Context, ids []int64) error
}

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
