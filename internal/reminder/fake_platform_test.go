package reminder

import (
	"context"
	"sync"
)

// fakePlatform is an in-memory Platform that records every call.
type fakePlatform struct {
	mu sync.Mutex

	granted        bool
	grantOnRequest bool

	checkErr   error
	requestErr error
	pendingErr error
	cancelErr  error
	// scheduleErr is returned by the failOnSchedule-th Schedule call (1-based).
	scheduleErr    error
	failOnSchedule int

	pending       []ScheduledNotification
	scheduleCalls [][]ScheduledNotification
	cancelCalls   [][]int64
	requestCalls  int
}

func (f *fakePlatform) CheckPermission(context.Context) (PermissionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkErr != nil {
		return PermissionState{}, f.checkErr
	}
	return PermissionState{Granted: f.granted}, nil
}

func (f *fakePlatform) RequestPermission(context.Context) (PermissionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestCalls++
	if f.requestErr != nil {
		return PermissionState{}, f.requestErr
	}
	if f.grantOnRequest {
		f.granted = true
	}
	return PermissionState{Granted: f.granted}, nil
}

func (f *fakePlatform) Schedule(_ context.Context, ns []ScheduledNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduleCalls = append(f.scheduleCalls, ns)
	if f.failOnSchedule > 0 && len(f.scheduleCalls) == f.failOnSchedule {
		return f.scheduleErr
	}
	f.pending = append(f.pending, ns...)
	return nil
}

func (f *fakePlatform) Pending(context.Context) ([]ScheduledNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	out := make([]ScheduledNotification, len(f.pending))
	copy(out, f.pending)
	return out, nil
}

func (f *fakePlatform) Cancel(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, ids)
	if f.cancelErr != nil {
		return f.cancelErr
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := f.pending[:0]
	for _, n := range f.pending {
		if !drop[n.ID] {
			kept = append(kept, n)
		}
	}
	f.pending = kept
	return nil
}
