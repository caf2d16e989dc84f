package reminder

import (
	"context"
	"fmt"
)

// PermissionGate asks the platform for permission to display reminders the
// first time it is needed.
type PermissionGate struct {
	platform Platform
	granted  bool
}

func NewPermissionGate(p Platform) *PermissionGate {
	return &PermissionGate{platform: p}
}

// EnsureGranted reports whether reminders may be shown, prompting the owner
// when permission has not been granted yet. It blocks until the platform
// answers or ctx is done.
func (g *PermissionGate) EnsureGranted(ctx context.Context) (bool, error) {
	state, err := g.platform.CheckPermission(ctx)
	if err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	g.granted = state.Granted
	if g.granted {
		return true, nil
	}

	state, err = g.platform.RequestPermission(ctx)
	if err != nil {
		return false, fmt.Errorf("request permission: %w", err)
	}
	g.granted = state.Granted
	return g.granted, nil
}

// Granted returns the last observed permission state.
func (g *PermissionGate) Granted() bool {
	return g.granted
}
