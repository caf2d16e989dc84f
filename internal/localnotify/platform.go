package localnotify

import (
	"context"
	"fmt"

	"github.com/salus/reminders/internal/reminder"
)

// Platform is the reminder.Platform of a single owner.
type Platform struct {
	store   Store
	ownerID string
}

var _ reminder.Platform = (*Platform)(nil)

// Provider hands out owner-scoped platforms over a shared store.
type Provider struct {
	store Store
}

func NewProvider(store Store) *Provider {
	return &Provider{store: store}
}

// For returns the platform of ownerID.
func (p *Provider) For(ownerID string) reminder.Platform {
	return &Platform{store: p.store, ownerID: ownerID}
}

func (p *Platform) CheckPermission(ctx context.Context) (reminder.PermissionState, error) {
	perm, err := p.store.Permission(ctx, p.ownerID)
	if err != nil {
		return reminder.PermissionState{}, fmt.Errorf("load permission of %s: %w", p.ownerID, err)
	}
	return reminder.PermissionState{Granted: perm == PermissionGranted}, nil
}

// RequestPermission records that the owner has been asked. The owner answers
// out of band; until then the request reads as not granted. An earlier
// explicit decision is left untouched.
func (p *Platform) RequestPermission(ctx context.Context) (reminder.PermissionState, error) {
	perm, err := p.store.Permission(ctx, p.ownerID)
	if err != nil {
		return reminder.PermissionState{}, fmt.Errorf("load permission of %s: %w", p.ownerID, err)
	}
	if perm == PermissionUnknown {
		if err := p.store.SetPermission(ctx, p.ownerID, PermissionPrompt); err != nil {
			return reminder.PermissionState{}, fmt.Errorf("record permission prompt of %s: %w", p.ownerID, err)
		}
	}
	return reminder.PermissionState{Granted: perm == PermissionGranted}, nil
}

func (p *Platform) Schedule(ctx context.Context, ns []reminder.ScheduledNotification) error {
	if len(ns) == 0 {
		return nil
	}
	if err := p.store.Insert(ctx, p.ownerID, ns); err != nil {
		return fmt.Errorf("store %d reminders of %s: %w", len(ns), p.ownerID, err)
	}
	return nil
}

func (p *Platform) Pending(ctx context.Context) ([]reminder.ScheduledNotification, error) {
	ns, err := p.store.Pending(ctx, p.ownerID)
	if err != nil {
		return nil, fmt.Errorf("list pending reminders of %s: %w", p.ownerID, err)
	}
	return ns, nil
}

func (p *Platform) Cancel(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.store.Cancel(ctx, p.ownerID, ids); err != nil {
		return fmt.Errorf("cancel reminders of %s: %w", p.ownerID, err)
	}
	return nil
}
