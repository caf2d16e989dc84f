package reminder

import (
	"context"
	"fmt"
	"strconv"
)

// Query reads the platform's pending set. It never caches: the set changes
// outside this process whenever a reminder fires or is dismissed.
type Query struct {
	platform Platform
}

func NewQuery(p Platform) *Query {
	return &Query{platform: p}
}

// Pending returns the notifications currently waiting to fire.
func (q *Query) Pending(ctx context.Context) ([]ScheduledNotification, error) {
	ns, err := q.platform.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("get pending notifications: %w", err)
	}
	return ns, nil
}

// FilterByTag keeps the notifications whose payload carries key with the
// given value, in their original order.
func FilterByTag(ns []ScheduledNotification, key TagKey, value string) []ScheduledNotification {
	var out []ScheduledNotification
	for _, n := range ns {
		if v, ok := Tag(n.Payload, key); ok && v == value {
			out = append(out, n)
		}
	}
	return out
}

// ForPrescription keeps the medication reminders of one prescription.
func ForPrescription(ns []ScheduledNotification, prescriptionID int64) []ScheduledNotification {
	return FilterByTag(ns, TagPrescriptionID, strconv.FormatInt(prescriptionID, 10))
}

// ForAppointment keeps the reminders of one appointment.
func ForAppointment(ns []ScheduledNotification, appointmentID int64) []ScheduledNotification {
	return FilterByTag(ns, TagAppointmentID, strconv.FormatInt(appointmentID, 10))
}

// IDs returns the ids of ns in order.
func IDs(ns []ScheduledNotification) []int64 {
	ids := make([]int64, 0, len(ns))
	for _, n := range ns {
		ids = append(ids, n.ID)
	}
	return ids
}
