package reminder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// DomainType discriminates medication reminders from appointment reminders
// inside the platform's flat notification store.
type DomainType string

const (
	DomainMedication  DomainType = "medication"
	DomainAppointment DomainType = "appointment"
)

// Keys of the extra metadata bag stored alongside each notification.
type TagKey string

const (
	TagDomainType     TagKey = "domainType"
	TagPrescriptionID TagKey = "prescriptionId"
	TagMedicationID   TagKey = "medicationId"
	TagAppointmentID  TagKey = "appointmentId"
)

var (
	ErrMissingDomainType = errors.New("extra has no domainType")
	ErrUnknownDomainType = errors.New("unknown domainType")
)

// Payload is the domain metadata attached to a notification. It is either a
// MedicationPayload or an AppointmentPayload.
type Payload interface {
	DomainType() DomainType
	isPayload()
}

// MedicationPayload tags a dose reminder.
type MedicationPayload struct {
	PrescriptionID int64
	MedicationID   int64
}

func (MedicationPayload) DomainType() DomainType { return DomainMedication }
func (MedicationPayload) isPayload()             {}

// AppointmentPayload tags an appointment reminder.
type AppointmentPayload struct {
	AppointmentID int64
}

func (AppointmentPayload) DomainType() DomainType { return DomainAppointment }
func (AppointmentPayload) isPayload()             {}

// Tag returns the string form of the payload's value for key, and whether the
// payload carries that key at all.
func Tag(p Payload, key TagKey) (string, bool) {
	if p == nil {
		return "", false
	}
	if key == TagDomainType {
		return string(p.DomainType()), true
	}
	switch v := p.(type) {
	case MedicationPayload:
		switch key {
		case TagPrescriptionID:
			return strconv.FormatInt(v.PrescriptionID, 10), true
		case TagMedicationID:
			return strconv.FormatInt(v.MedicationID, 10), true
		}
	case AppointmentPayload:
		if key == TagAppointmentID {
			return strconv.FormatInt(v.AppointmentID, 10), true
		}
	}
	return "", false
}

// Extra flattens a payload into the platform's metadata bag.
func Extra(p Payload) map[string]any {
	switch v := p.(type) {
	case MedicationPayload:
		return map[string]any{
			string(TagDomainType):     string(DomainMedication),
			string(TagPrescriptionID): v.PrescriptionID,
			string(TagMedicationID):   v.MedicationID,
		}
	case AppointmentPayload:
		return map[string]any{
			string(TagDomainType):    string(DomainAppointment),
			string(TagAppointmentID): v.AppointmentID,
		}
	default:
		return map[string]any{}
	}
}

// ParseExtra rebuilds a payload from a metadata bag read back from the
// platform. Numeric values may arrive as JSON numbers or decimal strings.
func ParseExtra(extra map[string]any) (Payload, error) {
	raw, ok := extra[string(TagDomainType)]
	if !ok {
		return nil, ErrMissingDomainType
	}
	dt, _ := raw.(string)

	switch DomainType(dt) {
	case DomainMedication:
		pid, err := extraInt(extra, TagPrescriptionID)
		if err != nil {
			return nil, err
		}
		mid, err := extraInt(extra, TagMedicationID)
		if err != nil {
			return nil, err
		}
		return MedicationPayload{PrescriptionID: pid, MedicationID: mid}, nil
	case DomainAppointment:
		aid, err := extraInt(extra, TagAppointmentID)
		if err != nil {
			return nil, err
		}
		return AppointmentPayload{AppointmentID: aid}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomainType, dt)
	}
}

func extraInt(extra map[string]any, key TagKey) (int64, error) {
	switch v := extra[string(key)].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("extra %s: %w", key, err)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("extra %s is missing", key)
	default:
		return 0, fmt.Errorf("extra %s has unsupported type %T", key, v)
	}
}

type notificationJSON struct {
	ID     int64          `json:"id"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	FireAt string         `json:"fire_at"`
	Extra  map[string]any `json:"extra"`
}

// MarshalJSON renders the payload as the flat extra bag.
func (n ScheduledNotification) MarshalJSON() ([]byte, error) {
	return json.Marshal(notificationJSON{
		ID:     n.ID,
		Title:  n.Title,
		Body:   n.Body,
		FireAt: n.FireAt.Format(time.RFC3339),
		Extra:  Extra(n.Payload),
	})
}
