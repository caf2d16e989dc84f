package localnotify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/salus/reminders/internal/reminder"
)

type memRow struct {
	seq     int64
	ownerID string
	n       reminder.ScheduledNotification
	status  Status
	lastErr string
}

// MemoryStore keeps reminders in process memory. It is used for
// STORE_DRIVER=memory and in tests.
type MemoryStore struct {
	mu    sync.Mutex
	seq   int64
	rows  []*memRow
	perms map[string]Permission
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{perms: make(map[string]Permission)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Permission(_ context.Context, ownerID string) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perms[ownerID], nil
}

func (s *MemoryStore) SetPermission(_ context.Context, ownerID string, p Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[ownerID] = p
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, ownerID string, ns []reminder.ScheduledNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range ns {
		s.seq++
		s.rows = append(s.rows, &memRow{seq: s.seq, ownerID: ownerID, n: n, status: StatusPending})
	}
	return nil
}

func (s *MemoryStore) Pending(_ context.Context, ownerID string) ([]reminder.ScheduledNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reminder.ScheduledNotification
	for _, r := range s.rows {
		if r.ownerID == ownerID && r.status == StatusPending {
			out = append(out, r.n)
		}
	}
	return out, nil
}

func (s *MemoryStore) Cancel(_ context.Context, ownerID string, ids []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for _, r := range s.rows {
		if r.ownerID == ownerID && r.status == StatusPending && want[r.n.ID] {
			r.status = StatusCancelled
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]Due, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*memRow
	for _, r := range s.rows {
		if r.status == StatusPending && !r.n.FireAt.After(now) {
			due = append(due, r)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].n.FireAt.Before(due[j].n.FireAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Due, 0, len(due))
	for _, r := range due {
		r.status = StatusFired
		out = append(out, Due{Seq: r.seq, OwnerID: r.ownerID, Notification: r.n})
	}
	return out, nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, seq int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.seq == seq {
			r.status = StatusFailed
			r.lastErr = reason
			return nil
		}
	}
	return nil
}
