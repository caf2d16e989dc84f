package reminder

import (
	"fmt"
	"time"
)

// Medication is one line of a prescription as returned by the Salus backend.
// The reminder core only reads these fields; dosage logic stays on the server.
type Medication struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Dosage         string    `json:"dosage"`
	FrequencyHours int       `json:"frequency_hours"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	Instructions   string    `json:"instructions,omitempty"`
}

// Prescription is a read-only copy of a backend prescription.
type Prescription struct {
	ID          int64        `json:"id"`
	PatientID   int64        `json:"patient_id"`
	DoctorID    int64        `json:"doctor_id"`
	DoctorName  string       `json:"doctor_name,omitempty"`
	Medications []Medication `json:"medications"`
}

// Slot is the bookable date/time/doctor/room combination of an appointment.
// Date is the calendar day; StartTime and EndTime are "HH:MM:SS" wall-clock
// values in the clinic's local time zone.
type Slot struct {
	ID         int64  `json:"id"`
	Date       string `json:"date"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time,omitempty"`
	DoctorID   int64  `json:"doctor_id"`
	DoctorName string `json:"doctor_name,omitempty"`
	RoomName   string `json:"room_name,omitempty"`
}

var slotTimeLayouts = []string{"15:04:05", "15:04"}

// Start resolves the slot's date and start time to an instant in loc.
func (s Slot) Start(loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", s.Date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("slot %d: parse date %q: %w", s.ID, s.Date, err)
	}
	for _, layout := range slotTimeLayouts {
		clock, err := time.Parse(layout, s.StartTime)
		if err != nil {
			continue
		}
		return time.Date(day.Year(), day.Month(), day.Day(),
			clock.Hour(), clock.Minute(), clock.Second(), 0, loc), nil
	}
	return time.Time{}, fmt.Errorf("slot %d: parse start time %q", s.ID, s.StartTime)
}

// Appointment status values used by the backend.
const (
	AppointmentPending   = "PENDING"
	AppointmentCompleted = "COMPLETED"
	AppointmentAbsent    = "ABSENT"
)

// Appointment is a read-only copy of a backend appointment.
type Appointment struct {
	ID        int64  `json:"id"`
	Slot      Slot   `json:"slot"`
	PatientID int64  `json:"patient_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// StatusLabel returns the human-readable label for an appointment status.
// Unknown statuses are returned unchanged.
func StatusLabel(status string) string {
	switch status {
	case AppointmentPending:
		return "Pending"
	case AppointmentCompleted:
		return "Completed"
	case AppointmentAbsent:
		return "Did not attend"
	default:
		return status
	}
}

// ScheduledNotification is a reminder registered with the platform
// notification service. The platform owns its lifecycle.
type ScheduledNotification struct {
	ID      int64     `json:"id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	FireAt  time.Time `json:"fire_at"`
	Payload Payload   `json:"-"`
}

// PermissionState reports whether the platform may display reminders.
type PermissionState struct {
	Granted bool `json:"granted"`
}
