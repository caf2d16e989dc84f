package reminder

import (
	"fmt"
	"time"
)

// fireGuard keeps the first occurrence strictly after the scheduling instant;
// platforms drop or fire immediately anything scheduled for "now".
const fireGuard = time.Second

// InvalidScheduleError reports a medication whose dose frequency cannot
// produce a finite reminder series.
type InvalidScheduleError struct {
	MedicationID   int64
	FrequencyHours int
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("medication %d: invalid dose frequency %d hours (must be > 0)",
		e.MedicationID, e.FrequencyHours)
}

// Generate returns the fire times of a medication's dose reminders: starting
// one second after the later of requestedStart and the medication's start
// date, one every FrequencyHours, up to and including the end date.
//
// An end date before the first fire time yields an empty series.
func Generate(med Medication, requestedStart time.Time) ([]time.Time, error) {
	if med.FrequencyHours <= 0 {
		return nil, &InvalidScheduleError{MedicationID: med.ID, FrequencyHours: med.FrequencyHours}
	}

	start := requestedStart
	if med.StartDate.After(start) {
		start = med.StartDate
	}
	start = start.Add(fireGuard)

	step := time.Duration(med.FrequencyHours) * time.Hour
	var times []time.Time
	for t := start; !t.After(med.EndDate); t = t.Add(step) {
		times = append(times, t)
	}
	return times, nil
}
