package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/salus/reminders/internal/reminder"
)

// Dates arrive as a plain day, a local date-time or RFC 3339.
var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// ParseDate parses a backend date in loc. Values with an explicit offset
// keep it.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// FormatDate renders t as the backend's YYYY-MM-DD day.
func FormatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// User is the subset of a backend user the reminder service reads.
type User struct {
	ID        int64    `json:"id"`
	Nombre    string   `json:"nombre"`
	Apellidos string   `json:"apellidos"`
	Email     string   `json:"email"`
	Roles     []string `json:"rolesList"`
}

// FullName joins the first and last names.
func (u User) FullName() string {
	return strings.TrimSpace(u.Nombre + " " + u.Apellidos)
}

type doctorProfile struct {
	ID   int64 `json:"id"`
	User User  `json:"user"`
}

type room struct {
	ID     int64  `json:"id"`
	Nombre string `json:"nombre"`
}

type medication struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Frequency    int    `json:"frequency"`
	StartDate    string `json:"startDate"`
	EndDate      string `json:"endDate"`
	Instructions string `json:"instructions"`
}

type prescription struct {
	ID          int64         `json:"id"`
	Doctor      doctorProfile `json:"doctor"`
	Patient     User          `json:"patient"`
	Medications []medication  `json:"medications"`
}

type slot struct {
	ID     int64         `json:"id"`
	Doctor doctorProfile `json:"doctor"`
	Room   room          `json:"room"`
	Date   string        `json:"date"`
	Time   string        `json:"time"`
}

type appointment struct {
	ID      int64  `json:"id"`
	Slot    slot   `json:"slot"`
	Patient User   `json:"patient"`
	Status  string `json:"status"`
	Reason  string `json:"reason"`
}

func (m medication) toModel(loc *time.Location) (reminder.Medication, error) {
	start, err := ParseDate(m.StartDate, loc)
	if err != nil {
		return reminder.Medication{}, fmt.Errorf("medication %d start: %w", m.ID, err)
	}
	end, err := ParseDate(m.EndDate, loc)
	if err != nil {
		return reminder.Medication{}, fmt.Errorf("medication %d end: %w", m.ID, err)
	}
	return reminder.Medication{
		ID:             m.ID,
		Name:           m.Name,
		Dosage:         m.Dosage,
		FrequencyHours: m.Frequency,
		StartDate:      start,
		EndDate:        end,
		Instructions:   m.Instructions,
	}, nil
}

func (p prescription) toModel(loc *time.Location) (reminder.Prescription, error) {
	out := reminder.Prescription{
		ID:          p.ID,
		PatientID:   p.Patient.ID,
		DoctorID:    p.Doctor.ID,
		DoctorName:  p.Doctor.User.FullName(),
		Medications: make([]reminder.Medication, 0, len(p.Medications)),
	}
	for _, m := range p.Medications {
		med, err := m.toModel(loc)
		if err != nil {
			return reminder.Prescription{}, fmt.Errorf("prescription %d: %w", p.ID, err)
		}
		out.Medications = append(out.Medications, med)
	}
	return out, nil
}

func (a appointment) toModel() reminder.Appointment {
	return reminder.Appointment{
		ID: a.ID,
		Slot: reminder.Slot{
			ID:         a.Slot.ID,
			Date:       a.Slot.Date,
			StartTime:  a.Slot.Time,
			DoctorID:   a.Slot.Doctor.ID,
			DoctorName: a.Slot.Doctor.User.FullName(),
			RoomName:   a.Slot.Room.Nombre,
		},
		PatientID: a.Patient.ID,
		Status:    a.Status,
		Reason:    a.Reason,
	}
}
